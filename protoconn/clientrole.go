package protoconn

import (
	"github.com/mxgateway/gateway/codec"
	"github.com/mxgateway/gateway/mysqlcrypto"
)

func comChangeUserToken(password string, scramble []byte) []byte {
	return mysqlcrypto.NativePasswordToken([]byte(password), scramble)
}

// BeginClientHandshake parses a backend's greeting and builds the
// HandshakeResponse41 to send back, transitioning CONNECTED -> AUTH_SENT.
func (e *Endpoint) BeginClientHandshake(greetingPayload []byte, user, password, database string) ([]byte, error) {
	if e.Role != RoleClient {
		return nil, ErrProtocolMalformed
	}
	e.State = StateConnected

	greeting, err := DecodeGreeting(greetingPayload)
	if err != nil {
		return nil, err
	}
	e.Scramble = greeting.Scramble
	e.ServerCapabilities = uint32(greeting.CapabilitiesLow) | uint32(greeting.CapabilitiesHigh)<<16
	e.User = user
	e.Database = database

	response := EncodeHandshakeResponse(user, password, database, greeting.Scramble, 1)
	e.State = StateAuthSent
	return response, nil
}

// CompleteClientAuth finishes the backend-facing handshake once an OK (ok
// = true) or ERR (ok = false) packet has arrived, transitioning
// AUTH_SENT -> AUTH_RECV -> IDLE, or AUTH_FAILED on rejection.
func (e *Endpoint) CompleteClientAuth(ok bool) {
	if e.State != StateAuthSent {
		return
	}
	e.State = StateAuthRecv
	if ok {
		e.State = StateIdle
		return
	}
	e.State = StateAuthFailed
}

// EncodeChangeUser builds a COM_CHANGE_USER request for re-authenticating
// an already-connected backend endpoint, using its current scramble (the
// one remembered from the last handshake, per e.Scramble).
func EncodeChangeUser(user, password, database string, scramble []byte, charset byte, sequence byte) []byte {
	token := comChangeUserToken(password, scramble)

	w := codec.NewWriter()
	w.WriteByte(ComChangeUser)
	w.WriteNullTerminatedString(user)
	w.WriteLengthEncodedString(token)
	w.WriteNullTerminatedString(database)
	w.WriteUB2(uint16(charset))
	w.WriteNullTerminatedString(authPluginName)
	return codec.WrapPacket(w.Bytes(), sequence)
}
