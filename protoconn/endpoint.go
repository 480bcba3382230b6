package protoconn

import (
	"github.com/mxgateway/gateway/classifier"
	"github.com/mxgateway/gateway/mysqlcrypto"
)

// COM_* command codes the engine dispatches on in IDLE.
const (
	ComSleep      = 0x00
	ComQuit       = 0x01
	ComInitDB     = 0x02
	ComQuery      = 0x03
	ComPing       = 0x0e
	ComChangeUser = 0x11
)

// Role distinguishes a client-facing (server role) Endpoint from a
// backend-facing (client role) Endpoint; both share the same State enum
// and transition rules, but the handshake direction differs.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// Credentials is how the engine asks its host for a user's stored
// credentials; StoredSHA1 is SHA1(SHA1(password)), never the plaintext.
type Credentials struct {
	StoredSHA1 [20]byte
	Database   string
	Found      bool
}

// CredentialLookup is the external collaborator the engine consults during
// authentication — an ACL/user-store boundary, never touched directly.
type CredentialLookup func(user string) (Credentials, error)

// Endpoint is one direction's protocol state object: current State, the
// negotiated capability flags, the handshake scramble, and the small
// amount of session-identifying state (user/database/thread id) the
// protocol layer itself needs to track.
type Endpoint struct {
	Role               Role
	State              State
	ConnectionID       uint32
	ThreadID           uint32
	Scramble           []byte
	ServerCapabilities uint32
	ClientCapabilities uint32
	User               string
	Database           string

	lastSequence byte
	haveSequence bool
}

// NewServerEndpoint creates a client-facing Endpoint in ALLOC state.
func NewServerEndpoint(connectionID uint32) *Endpoint {
	return &Endpoint{Role: RoleServer, State: StateAlloc, ConnectionID: connectionID}
}

// NewClientEndpoint creates a backend-facing Endpoint in ALLOC state.
func NewClientEndpoint() *Endpoint {
	return &Endpoint{Role: RoleClient, State: StateAlloc}
}

// BeginGreeting transitions ALLOC/CONNECTED -> AUTH_SENT and returns the
// framed greeting packet to send to the client.
func (e *Endpoint) BeginGreeting() (*Greeting, []byte, error) {
	e.State = StateConnected
	greeting, err := NewGreeting(e.ConnectionID)
	if err != nil {
		return nil, nil, err
	}
	e.Scramble = greeting.Scramble
	e.ServerCapabilities = uint32(greeting.CapabilitiesLow) | uint32(greeting.CapabilitiesHigh)<<16
	e.State = StateAuthSent
	return greeting, greeting.Encode(), nil
}

// AuthResult is the outcome of verifying a HandshakeResponse41 or a
// COM_CHANGE_USER request against a CredentialLookup.
type AuthResult struct {
	Accepted bool
	ErrCode  uint16
	SQLState string
	Message  string
}

// deniedResult is the standard ER_ACCESS_DENIED_ERROR response.
func deniedResult(user string) AuthResult {
	return AuthResult{
		ErrCode:  1045,
		SQLState: "28000",
		Message:  "Access denied for user '" + user + "'",
	}
}

// CompleteServerAuth verifies a client's HandshakeResponse41 against
// lookup, transitioning AUTH_SENT -> IDLE on success or AUTH_FAILED on
// rejection or lookup error.
func (e *Endpoint) CompleteServerAuth(resp *HandshakeResponse, lookup CredentialLookup) (AuthResult, error) {
	if e.State != StateAuthSent {
		return AuthResult{}, ErrProtocolMalformed
	}
	e.State = StateAuthRecv

	creds, err := lookup(resp.User)
	if err != nil {
		e.State = StateAuthFailed
		return AuthResult{}, err
	}
	if !creds.Found || !mysqlcrypto.VerifyNativePassword(creds.StoredSHA1[:], e.Scramble, resp.AuthResponse) {
		e.State = StateAuthFailed
		return deniedResult(resp.User), nil
	}

	e.ClientCapabilities = resp.ClientFlags
	e.User = resp.User
	e.Database = resp.Database
	if e.Database == "" {
		e.Database = creds.Database
	}
	e.State = StateIdle
	return AuthResult{Accepted: true}, nil
}

// BeginChangeUser starts a COM_CHANGE_USER re-authentication,
// transitioning IDLE -> SESSION_CHANGE.
func (e *Endpoint) BeginChangeUser() error {
	if e.State != StateIdle {
		return ErrProtocolMalformed
	}
	e.State = StateSessionChange
	return nil
}

// CompleteChangeUser finishes a COM_CHANGE_USER exchange: accepted moves
// SESSION_CHANGE -> IDLE and swaps in the new user/database; rejection
// moves SESSION_CHANGE -> AUTH_FAILED, matching the spec's resolution that
// only an explicit OK completes the procedure.
func (e *Endpoint) CompleteChangeUser(accepted bool, newUser, newDatabase string) {
	if e.State != StateSessionChange {
		return
	}
	if accepted {
		e.User = newUser
		e.Database = newDatabase
		e.State = StateIdle
		return
	}
	e.State = StateAuthFailed
}

// CheckSequence enforces the monotonically-increasing-mod-256 sequence
// number rule within one command/response exchange. Call ResetSequence at
// the start of each new exchange (a fresh command packet from the client).
func (e *Endpoint) CheckSequence(got byte) error {
	if !e.haveSequence {
		e.lastSequence = got
		e.haveSequence = true
		return nil
	}
	want := e.lastSequence + 1
	if got != want {
		return &SequenceError{Expected: want, Got: got}
	}
	e.lastSequence = got
	return nil
}

// ResetSequence starts a new command/response exchange's sequence count.
func (e *Endpoint) ResetSequence() {
	e.haveSequence = false
}

// ClassifyCommand runs the query classifier for a COM_QUERY payload,
// exposed here so the engine and its caller share one entry point for
// "what kind of statement is this".
func ClassifyCommand(query string) classifier.Tag {
	return classifier.Classify(query)
}
