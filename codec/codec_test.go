package codec

import (
	"bytes"
	"testing"
)

func TestLengthEncodedIntRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 250, 251, 65535, 65536, 1 << 24, 1 << 40}
	for _, v := range cases {
		w := NewWriter()
		w.WriteLengthEncodedInt(v)
		r := NewReader(w.Bytes())
		got, isNull, err := r.ReadLengthEncodedInt()
		if err != nil {
			t.Fatalf("value %d: %v", v, err)
		}
		if isNull {
			t.Fatalf("value %d: unexpected null", v)
		}
		if got != v {
			t.Fatalf("value %d: got %d", v, got)
		}
	}
}

func TestLengthEncodedStringRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteLengthEncodedString([]byte("hello world"))
	r := NewReader(w.Bytes())
	got, err := r.ReadLengthEncodedString()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got, []byte("hello world")) {
		t.Fatalf("got %q", got)
	}
}

func TestNullTerminatedStringRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteNullTerminatedString("root")
	w.WriteByte(0xFF) // trailing byte must not be consumed
	r := NewReader(w.Bytes())
	got, err := r.ReadNullTerminatedString()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "root" {
		t.Fatalf("got %q", got)
	}
	if r.Remaining() != 1 {
		t.Fatalf("expected 1 remaining byte, got %d", r.Remaining())
	}
}

func TestWrapAndSplitPacket(t *testing.T) {
	payload := []byte("select 1")
	framed := WrapPacket(payload, 3)

	got, seq, consumed, err := SplitPacket(framed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seq != 3 {
		t.Fatalf("expected sequence 3, got %d", seq)
	}
	if consumed != len(framed) {
		t.Fatalf("expected to consume %d bytes, got %d", len(framed), consumed)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got payload %q", got)
	}
}

func TestSplitPacketShortBufferIsNotFatal(t *testing.T) {
	framed := WrapPacket([]byte("0123456789"), 0)
	_, _, _, err := SplitPacket(framed[:6])
	if err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer for a partial packet, got %v", err)
	}
}

func TestUB4RoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteUB4(0xDEADBEEF)
	r := NewReader(w.Bytes())
	got, err := r.ReadUB4()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0xDEADBEEF {
		t.Fatalf("got 0x%X", got)
	}
}
