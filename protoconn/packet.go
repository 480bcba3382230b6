package protoconn

import "github.com/mxgateway/gateway/codec"

// maxPayloadLength is the largest single-packet payload the wire format
// allows before a continuation packet is required.
const maxPayloadLength = codec.MaxPayloadLength

// TryReadPacket attempts to read one logical MySQL packet — possibly
// spanning several physical 0xFFFFFF-length continuation packets — from
// the front of buf. ok is false (with a nil error) when buf does not yet
// contain a complete logical packet; this is the TRANSIENT_IO case and is
// not an error, the caller should read more bytes from the transport and
// retry. A non-nil error means the buffered bytes are provably malformed.
func TryReadPacket(buf []byte) (payload []byte, sequence byte, consumed int, ok bool, err error) {
	var out []byte
	total := 0
	seq := byte(0)
	first := true

	for {
		remaining := buf[total:]
		if len(remaining) < codec.HeaderLength {
			return nil, 0, 0, false, nil
		}
		hdr, herr := codec.ReadPacketHeader(remaining)
		if herr != nil {
			return nil, 0, 0, false, nil
		}
		need := codec.HeaderLength + int(hdr.Length)
		if len(remaining) < need {
			return nil, 0, 0, false, nil
		}

		if first {
			seq = hdr.Sequence
			first = false
		} else if hdr.Sequence != seq+1 {
			return nil, 0, 0, false, &SequenceError{Expected: seq + 1, Got: hdr.Sequence}
		} else {
			seq = hdr.Sequence
		}

		out = append(out, remaining[codec.HeaderLength:need]...)
		total += need

		if int(hdr.Length) < maxPayloadLength {
			return out, seq, total, true, nil
		}
		// Exactly maxPayloadLength means this was a continuation
		// packet; loop to fetch the next physical packet.
	}
}
