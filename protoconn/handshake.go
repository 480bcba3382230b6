package protoconn

import (
	"github.com/mxgateway/gateway/codec"
	"github.com/mxgateway/gateway/mysqlcrypto"
)

// Server capability flags this gateway advertises in its greeting (the
// subset of CLIENT_* the teacher's own handshake.go already exercised).
const (
	capLongPassword  = 0x00000001
	capFoundRows     = 0x00000002
	capConnectWithDB = 0x00000008
	capProtocol41    = 0x00000200
	capSecureConn    = 0x00008000
	capPluginAuth    = 0x00080000

	ServerCapabilitiesLow  uint16 = 0xFFFF
	ServerCapabilitiesHigh uint16 = 0x807F
)

const (
	protocolVersion    = 10
	defaultServerLabel = "8.0.0-mxgateway"
	authPluginName     = "mysql_native_password"
	statusAutocommit   = 0x0002
)

// Greeting is the server's initial handshake packet (protocol v10).
type Greeting struct {
	ServerVersion      string
	ConnectionID       uint32
	Scramble           []byte // 20 bytes, no null bytes
	CapabilitiesLow    uint16
	CapabilitiesHigh   uint16
	CharacterSet       byte
	StatusFlags        uint16
}

// NewGreeting builds a Greeting with a fresh cryptographically random
// scramble for the given connection id.
func NewGreeting(connectionID uint32) (*Greeting, error) {
	scramble, err := mysqlcrypto.GenerateScramble()
	if err != nil {
		return nil, err
	}
	return &Greeting{
		ServerVersion:    defaultServerLabel,
		ConnectionID:     connectionID,
		Scramble:         scramble,
		CapabilitiesLow:  ServerCapabilitiesLow,
		CapabilitiesHigh: ServerCapabilitiesHigh,
		CharacterSet:     0x21, // utf8_general_ci
		StatusFlags:      statusAutocommit,
	}, nil
}

// Encode serializes the greeting as a framed packet with sequence 0.
func (g *Greeting) Encode() []byte {
	w := codec.NewWriter()
	w.WriteByte(protocolVersion)
	w.WriteNullTerminatedString(g.ServerVersion)
	w.WriteUB4(g.ConnectionID)
	w.WriteBytes(g.Scramble[:8])
	w.WriteByte(0x00) // filler
	w.WriteUB2(g.CapabilitiesLow)
	w.WriteByte(g.CharacterSet)
	w.WriteUB2(g.StatusFlags)
	w.WriteUB2(g.CapabilitiesHigh)
	w.WriteByte(byte(len(g.Scramble) + 1)) // auth-plugin-data-len
	w.WriteBytes(make([]byte, 10))         // reserved
	w.WriteBytes(g.Scramble[8:])
	w.WriteByte(0x00) // scramble null terminator
	w.WriteNullTerminatedString(authPluginName)
	return codec.WrapPacket(w.Bytes(), 0)
}

// DecodeGreeting parses a server greeting payload (without the packet
// header) received in the backend-facing (client role) handshake.
func DecodeGreeting(payload []byte) (*Greeting, error) {
	r := codec.NewReader(payload)
	_, err := r.ReadByte() // protocol version
	if err != nil {
		return nil, ErrProtocolMalformed
	}
	serverVersion, err := r.ReadNullTerminatedString()
	if err != nil {
		return nil, ErrProtocolMalformed
	}
	connID, err := r.ReadUB4()
	if err != nil {
		return nil, ErrProtocolMalformed
	}
	scramblePart1, err := r.ReadBytes(8)
	if err != nil {
		return nil, ErrProtocolMalformed
	}
	if _, err := r.ReadByte(); err != nil { // filler
		return nil, ErrProtocolMalformed
	}
	capLow, err := r.ReadUB2()
	if err != nil {
		return nil, ErrProtocolMalformed
	}
	charset, err := r.ReadByte()
	if err != nil {
		return nil, ErrProtocolMalformed
	}
	status, err := r.ReadUB2()
	if err != nil {
		return nil, ErrProtocolMalformed
	}
	capHigh, err := r.ReadUB2()
	if err != nil {
		return nil, ErrProtocolMalformed
	}
	scrambleLen, err := r.ReadByte()
	if err != nil {
		return nil, ErrProtocolMalformed
	}
	if _, err := r.ReadBytes(10); err != nil { // reserved
		return nil, ErrProtocolMalformed
	}
	part2Len := int(scrambleLen) - 8 - 1
	if part2Len < 0 {
		part2Len = 12
	}
	scramblePart2, err := r.ReadBytes(part2Len)
	if err != nil {
		return nil, ErrProtocolMalformed
	}

	scramble := append(append([]byte{}, scramblePart1...), scramblePart2...)
	return &Greeting{
		ServerVersion:    serverVersion,
		ConnectionID:     connID,
		Scramble:         scramble,
		CapabilitiesLow:  capLow,
		CapabilitiesHigh: capHigh,
		CharacterSet:     charset,
		StatusFlags:      status,
	}, nil
}

// HandshakeResponse is a parsed HandshakeResponse41 from the client.
type HandshakeResponse struct {
	ClientFlags  uint32
	MaxPacket    uint32
	CharSet      byte
	User         string
	AuthResponse []byte
	Database     string
}

// DecodeHandshakeResponse parses a client HandshakeResponse41 payload
// (without the packet header): 4-byte client capabilities, 4-byte max
// packet size, 1-byte charset, 23 filler bytes, null-terminated user,
// length-encoded auth response, optional null-terminated database.
func DecodeHandshakeResponse(payload []byte) (*HandshakeResponse, error) {
	r := codec.NewReader(payload)

	clientFlags, err := r.ReadUB4()
	if err != nil {
		return nil, ErrProtocolMalformed
	}
	maxPacket, err := r.ReadUB4()
	if err != nil {
		return nil, ErrProtocolMalformed
	}
	charSet, err := r.ReadByte()
	if err != nil {
		return nil, ErrProtocolMalformed
	}
	if _, err := r.ReadBytes(23); err != nil {
		return nil, ErrProtocolMalformed
	}
	user, err := r.ReadNullTerminatedString()
	if err != nil {
		return nil, ErrProtocolMalformed
	}

	var authResponse []byte
	if clientFlags&capSecureConn != 0 {
		authResponse, err = r.ReadLengthEncodedString()
	} else {
		// Pre-4.1.1 clients null-terminate the auth response instead
		// of length-prefixing it.
		var s string
		s, err = r.ReadNullTerminatedString()
		authResponse = []byte(s)
	}
	if err != nil {
		return nil, ErrProtocolMalformed
	}

	var database string
	if clientFlags&capConnectWithDB != 0 && r.Remaining() > 0 {
		database, err = r.ReadNullTerminatedString()
		if err != nil {
			return nil, ErrProtocolMalformed
		}
	}

	return &HandshakeResponse{
		ClientFlags:  clientFlags,
		MaxPacket:    maxPacket,
		CharSet:      charSet,
		User:         user,
		AuthResponse: authResponse,
		Database:     database,
	}, nil
}

// EncodeHandshakeResponse builds a HandshakeResponse41 for the
// backend-facing (client role) handshake, computing the native-password
// token against the scramble the backend just sent.
func EncodeHandshakeResponse(user, password, database string, scramble []byte, sequence byte) []byte {
	token := mysqlcrypto.NativePasswordToken([]byte(password), scramble)

	flags := uint32(capLongPassword | capFoundRows | capProtocol41 | capSecureConn | capPluginAuth)
	if database != "" {
		flags |= capConnectWithDB
	}

	w := codec.NewWriter()
	w.WriteUB4(flags)
	w.WriteUB4(MaxPayloadAdvertised)
	w.WriteByte(0x21) // utf8_general_ci
	w.WriteBytes(make([]byte, 23))
	w.WriteNullTerminatedString(user)
	w.WriteLengthEncodedString(token)
	if database != "" {
		w.WriteNullTerminatedString(database)
	}
	w.WriteNullTerminatedString(authPluginName)
	return codec.WrapPacket(w.Bytes(), sequence)
}

// MaxPayloadAdvertised is the max_packet_size this gateway advertises to a
// backend during its own handshake.
const MaxPayloadAdvertised = 16 * 1024 * 1024
