// Package gwbuf implements a copy-free, reference-counted buffer chain for
// data moving between a client connection and a backend connection.
//
// A Buffer is a window (start/end) into a shared, reference-counted Backing
// block. Cloning a Buffer shares the Backing instead of copying it; the
// Backing is only released once every clone referencing it has been freed.
// Buffers link into a singly linked chain via Next, the same shape a
// descriptor's read/write queue uses.
package gwbuf

import (
	"errors"
	"sync/atomic"
)

// Type tags the kind of payload a Buffer segment carries.
type Type int

const (
	TypeUndefined Type = iota
	TypePlainSQL
	TypeMySQL
)

// Backing is the physical memory shared by every clone of a Buffer.
type Backing struct {
	data     []byte
	refcount int32
}

func newBacking(data []byte) *Backing {
	return &Backing{data: data, refcount: 1}
}

func (b *Backing) retain() {
	atomic.AddInt32(&b.refcount, 1)
}

// release drops one reference and reports whether the backing is now
// unreferenced (the caller should stop using b.data after this returns true).
func (b *Backing) release() bool {
	return atomic.AddInt32(&b.refcount, -1) == 0
}

// Buffer is one link in a buffer chain: a window [start, end) into a shared
// Backing, plus the command byte and payload Type the caller attached to it.
type Buffer struct {
	Next    *Buffer
	sbuf    *Backing
	start   int
	end     int
	Command byte
	Kind    Type
}

// Alloc allocates a new single-link Buffer chain backed by size freshly
// allocated bytes. The returned Buffer's data is zero-valued; callers fill it
// via Data() before handing the buffer to a writer.
func Alloc(size int) *Buffer {
	return &Buffer{
		sbuf:  newBacking(make([]byte, size)),
		start: 0,
		end:   size,
	}
}

// Wrap builds a single-link Buffer chain around an existing byte slice
// without copying it; the slice becomes the buffer's shared backing.
func Wrap(data []byte) *Buffer {
	return &Buffer{
		sbuf:  newBacking(data),
		start: 0,
		end:   len(data),
	}
}

// Free releases every link in the chain starting at b. Once Free returns,
// no clone created from this chain's backing blocks may read b's old data
// through this Buffer; clones obtained via Clone/ClonePortion remain valid
// since they hold their own reference to the shared backing.
func Free(b *Buffer) {
	for b != nil {
		next := b.Next
		b.sbuf.release()
		b.sbuf = nil
		b.Next = nil
		b = next
	}
}

// Data returns the valid, unconsumed bytes in this single link. It does not
// walk Next; use Length/Consume for chain-wide operations.
func (b *Buffer) Data() []byte {
	if b == nil {
		return nil
	}
	return b.sbuf.data[b.start:b.end]
}

// Len reports the number of valid bytes in this single link.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return b.end - b.start
}

// Empty reports whether every byte in this link has been consumed.
func (b *Buffer) Empty() bool {
	return b.start == b.end
}

// Clone returns a new chain that shares backing storage with b's chain; the
// two chains can be consumed independently, and freeing one never
// invalidates the other's view of the data.
func Clone(b *Buffer) *Buffer {
	if b == nil {
		return nil
	}
	head := &Buffer{}
	cur := head
	first := true
	for src := b; src != nil; src = src.Next {
		if !first {
			cur.Next = &Buffer{}
			cur = cur.Next
		}
		first = false
		src.sbuf.retain()
		cur.sbuf = src.sbuf
		cur.start = src.start
		cur.end = src.end
		cur.Command = src.Command
		cur.Kind = src.Kind
	}
	return head
}

// Append links tail onto the end of head's chain and returns head; if head
// is nil, tail becomes the new head. Ownership of both chains transfers to
// the single returned chain — do not use head or tail independently again.
func Append(head, tail *Buffer) *Buffer {
	if head == nil {
		return tail
	}
	if tail == nil {
		return head
	}
	cur := head
	for cur.Next != nil {
		cur = cur.Next
	}
	cur.Next = tail
	return head
}

// Length returns the total number of valid bytes across the whole chain.
func Length(head *Buffer) int {
	total := 0
	for b := head; b != nil; b = b.Next {
		total += b.Len()
	}
	return total
}

// Consume removes length bytes from the front of the chain, freeing any
// link that becomes fully empty, and returns the (possibly new) head. It
// panics if length exceeds Length(head), mirroring the original's
// unchecked-consume contract: callers are expected to bound length to
// Length(head) themselves.
func Consume(head *Buffer, length uint) *Buffer {
	remaining := int(length)
	for head != nil && remaining > 0 {
		avail := head.Len()
		if avail > remaining {
			head.start += remaining
			remaining = 0
			break
		}
		remaining -= avail
		next := head.Next
		head.sbuf.release()
		head.sbuf = nil
		head.Next = nil
		head = next
	}
	if remaining > 0 {
		panic("gwbuf: Consume length exceeds chain length")
	}
	return head
}

// ErrOutOfRange is returned by ClonePortion when [offset, offset+length)
// falls outside the logical byte stream represented by the chain it was
// asked to clone from.
var ErrOutOfRange = errors.New("gwbuf: portion out of range")

// ClonePortion returns a new chain sharing backing storage, covering exactly
// [offset, offset+length) of the logical byte stream represented by head.
// It returns ErrOutOfRange if the requested window is out of range.
func ClonePortion(head *Buffer, offset, length uint) (*Buffer, error) {
	var result, tail *Buffer
	remainingOffset := int(offset)
	remainingLen := int(length)

	for b := head; b != nil && remainingLen > 0; b = b.Next {
		avail := b.Len()
		if remainingOffset >= avail {
			remainingOffset -= avail
			continue
		}
		segStart := b.start + remainingOffset
		segLen := avail - remainingOffset
		if segLen > remainingLen {
			segLen = remainingLen
		}
		remainingOffset = 0
		remainingLen -= segLen

		b.sbuf.retain()
		link := &Buffer{
			sbuf:    b.sbuf,
			start:   segStart,
			end:     segStart + segLen,
			Command: b.Command,
			Kind:    b.Kind,
		}
		if result == nil {
			result = link
		} else {
			tail.Next = link
		}
		tail = link
	}

	if remainingLen > 0 {
		return nil, ErrOutOfRange
	}
	return result, nil
}

// CloneTransform returns a clone of head's chain with every link's Kind set
// to kind; the data itself is shared, never copied.
func CloneTransform(head *Buffer, kind Type) *Buffer {
	clone := Clone(head)
	SetType(clone, kind)
	return clone
}

// SetType sets Kind on every link of the chain in place.
func SetType(head *Buffer, kind Type) {
	for b := head; b != nil; b = b.Next {
		b.Kind = kind
	}
}

// Bytes flattens the chain into a single contiguous slice, copying once.
// Use sparingly; it defeats the copy-free design and exists for call sites
// (codec parsing, logging) that must see the stream as one slice.
func Bytes(head *Buffer) []byte {
	out := make([]byte, 0, Length(head))
	for b := head; b != nil; b = b.Next {
		out = append(out, b.Data()...)
	}
	return out
}
