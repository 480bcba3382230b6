package protoconn

import jerrors "github.com/juju/errors"

// Sentinel error kinds the engine surfaces to its caller. TRANSIENT_IO
// (needing more bytes before a packet can be parsed) is deliberately NOT
// one of these — it is plain control flow (see ErrShortBuffer in codec and
// the ok=false return from TryReadPacket), not an error condition.
var (
	// ErrProtocolMalformed marks a packet that violates wire-format
	// invariants: bad header, sequence-number gap, truncated field.
	ErrProtocolMalformed = jerrors.New("protoconn: malformed packet")

	// ErrAuthRejected marks a credential or ACL check that failed.
	ErrAuthRejected = jerrors.New("protoconn: authentication rejected")

	// ErrUnsupported marks a recognized-but-unimplemented capability or
	// command.
	ErrUnsupported = jerrors.New("protoconn: unsupported")

	// ErrResourceExhausted marks an allocation/capacity limit (max
	// sessions, max packet size) being hit.
	ErrResourceExhausted = jerrors.New("protoconn: resource exhausted")

	// ErrModuleLoadFailed marks a plugin/module boundary failure.
	ErrModuleLoadFailed = jerrors.New("protoconn: module load failed")
)

// SequenceError reports a gap in the monotonically-increasing (mod 256)
// packet sequence number within one command/response exchange.
type SequenceError struct {
	Expected byte
	Got      byte
}

func (e *SequenceError) Error() string {
	return jerrors.Errorf("protoconn: sequence number gap: expected %d, got %d", e.Expected, e.Got).Error()
}

func (e *SequenceError) Unwrap() error { return ErrProtocolMalformed }
