package net

import (
	stdnet "net"
	"testing"
	"time"

	"github.com/mxgateway/gateway/mysqlcrypto"
	"github.com/mxgateway/gateway/protoconn"
	"github.com/mxgateway/gateway/routing"
	"github.com/mxgateway/gateway/server/auth"
)

// mockSession is a minimal Session that records every write instead of
// touching a real net.Conn, so a test can assemble the handshake/auth
// exchange by hand and inspect exactly what GatewayMessageHandler sent
// back.
type mockSession struct {
	attributes map[interface{}]interface{}
	written    [][]byte
	closed     bool
}

func newMockSession() *mockSession {
	return &mockSession{attributes: make(map[interface{}]interface{})}
}

func (s *mockSession) ID() uint32                        { return 1 }
func (s *mockSession) LocalAddr() string                  { return "127.0.0.1:3307" }
func (s *mockSession) RemoteAddr() string                 { return "127.0.0.1:40000" }
func (s *mockSession) incReadPkgNum()                     {}
func (s *mockSession) incWritePkgNum()                    {}
func (s *mockSession) UpdateActive()                      {}
func (s *mockSession) GetActive() time.Time               { return time.Now() }
func (s *mockSession) send(interface{}) (int, error)      { return 0, nil }
func (s *mockSession) close(int)                          {}
func (s *mockSession) setSession(Session)                 {}
func (s *mockSession) readTimeout() time.Duration         { return time.Second }
func (s *mockSession) SetReadTimeout(time.Duration)       {}
func (s *mockSession) writeTimeout() time.Duration        { return time.Second }
func (s *mockSession) SetWriteTimeout(time.Duration)      {}
func (s *mockSession) SetCompressType(CompressType)       {}
func (s *mockSession) Conn() stdnet.Conn                  { return nil }
func (s *mockSession) EndPoint() EndPoint                 { return nil }
func (s *mockSession) Stat() string                       { return "mock-session" }
func (s *mockSession) IsClosed() bool                     { return s.closed }
func (s *mockSession) Reset()                             {}
func (s *mockSession) SetMaxMsgLen(int)                   {}
func (s *mockSession) SetName(string)                     {}
func (s *mockSession) SetEventListener(EventListener)     {}
func (s *mockSession) SetPkgHandler(ReadWriter)           {}
func (s *mockSession) SetReader(Reader)                   {}
func (s *mockSession) SetWriter(Writer)                   {}
func (s *mockSession) SetCronPeriod(int)                  {}
func (s *mockSession) SetWQLen(int)                       {}
func (s *mockSession) SetWaitTime(time.Duration)          {}
func (s *mockSession) RemoveAttribute(key interface{})    { delete(s.attributes, key) }

func (s *mockSession) GetAttribute(key interface{}) interface{} {
	return s.attributes[key]
}

func (s *mockSession) SetAttribute(key interface{}, value interface{}) {
	s.attributes[key] = value
}

func (s *mockSession) WriteBytes(pkg []byte) error {
	s.written = append(s.written, pkg)
	return nil
}

func (s *mockSession) WriteBytesArray(pkgs ...[]byte) error {
	s.written = append(s.written, pkgs...)
	return nil
}

func (s *mockSession) WritePkg(pkg interface{}, timeout time.Duration) error {
	return nil
}

func (s *mockSession) Close() {
	s.closed = true
}

func (s *mockSession) lastWrite() []byte {
	if len(s.written) == 0 {
		return nil
	}
	return s.written[len(s.written)-1]
}

// newTestHandler builds a handler with one registered "alice"/"secret"
// account and a StaticRouter that sends writes to "primary" and reads to
// "replica".
func newTestHandler() *GatewayMessageHandler {
	store := auth.NewInMemoryUserStore()
	store.PutUser(&auth.UserInfo{User: "alice", Host: "%", Password: auth.HashPassword("secret")})
	router := routing.NewStaticRouter(routing.NewBackend("primary"), routing.NewBackend("replica"))
	return NewGatewayMessageHandler(credentialLookupFromStore(store), router)
}

// scrambleFromGreeting extracts the server's scramble out of the greeting
// packet OnOpen wrote, by decoding it the same way a real client would.
func scrambleFromGreeting(t *testing.T, greeting []byte) []byte {
	t.Helper()
	if len(greeting) < 4 {
		t.Fatalf("greeting packet too short: %d bytes", len(greeting))
	}
	g, err := protoconn.DecodeGreeting(greeting[4:])
	if err != nil {
		t.Fatalf("DecodeGreeting: %v", err)
	}
	return g.Scramble
}

func TestOnOpenSendsGreeting(t *testing.T) {
	h := newTestHandler()
	session := newMockSession()

	if err := h.OnOpen(session); err != nil {
		t.Fatalf("OnOpen: %v", err)
	}
	if len(session.written) != 1 {
		t.Fatalf("expected exactly one greeting packet, got %d", len(session.written))
	}

	h.rwlock.RLock()
	conn, exists := h.conns[session]
	h.rwlock.RUnlock()
	if !exists {
		t.Fatal("session not tracked after OnOpen")
	}
	if conn.endpoint.State != protoconn.StateAuthSent {
		t.Fatalf("expected StateAuthSent after greeting, got %s", conn.endpoint.State)
	}
}

func TestAuthSuccessThenQueryRouting(t *testing.T) {
	h := newTestHandler()
	session := newMockSession()

	if err := h.OnOpen(session); err != nil {
		t.Fatalf("OnOpen: %v", err)
	}
	scramble := scrambleFromGreeting(t, session.lastWrite())

	respBody := protoconn.EncodeHandshakeResponse("alice", "secret", "", scramble, 1)
	h.OnMessage(session, &MySQLPackage{Header: MySQLPkgHeader{PacketId: 1}, Body: respBody[4:]})

	resp := session.lastWrite()
	if len(resp) < 5 || resp[4] != 0x00 {
		t.Fatalf("expected OK packet after successful auth, got %v", resp)
	}

	h.rwlock.RLock()
	conn := h.conns[session]
	h.rwlock.RUnlock()
	if conn.endpoint.State != protoconn.StateIdle {
		t.Fatalf("expected StateIdle after auth, got %s", conn.endpoint.State)
	}

	// SELECT should route to the replica backend.
	queryBody := append([]byte{protoconn.ComQuery}, []byte("SELECT 1")...)
	h.OnMessage(session, &MySQLPackage{Header: MySQLPkgHeader{PacketId: 0}, Body: queryBody})
	if resp := session.lastWrite(); len(resp) < 5 || resp[4] != 0x00 {
		t.Fatalf("expected OK packet after SELECT, got %v", resp)
	}

	// A plain INSERT routes to primary without pinning the session.
	writeBody := append([]byte{protoconn.ComQuery}, []byte("INSERT INTO t VALUES (1)")...)
	h.OnMessage(session, &MySQLPackage{Header: MySQLPkgHeader{PacketId: 0}, Body: writeBody})
	if pinned, ok := conn.routing.Pinned(); ok || pinned != nil {
		t.Fatalf("plain INSERT should not pin the session, got %v", pinned)
	}

	beginBody := append([]byte{protoconn.ComQuery}, []byte("BEGIN")...)
	h.OnMessage(session, &MySQLPackage{Header: MySQLPkgHeader{PacketId: 0}, Body: beginBody})
	if pinned, ok := conn.routing.Pinned(); !ok || pinned.Name() != "primary" {
		t.Fatalf("BEGIN should pin the session to primary, got %v, ok=%v", pinned, ok)
	}
}

func TestAuthRejectsWrongPassword(t *testing.T) {
	h := newTestHandler()
	session := newMockSession()

	if err := h.OnOpen(session); err != nil {
		t.Fatalf("OnOpen: %v", err)
	}
	scramble := scrambleFromGreeting(t, session.lastWrite())

	respBody := protoconn.EncodeHandshakeResponse("alice", "wrong-password", "", scramble, 1)
	h.OnMessage(session, &MySQLPackage{Header: MySQLPkgHeader{PacketId: 1}, Body: respBody[4:]})

	resp := session.lastWrite()
	if len(resp) < 5 || resp[4] != 0xff {
		t.Fatalf("expected error packet after failed auth, got %v", resp)
	}

	h.rwlock.RLock()
	conn := h.conns[session]
	h.rwlock.RUnlock()
	if conn.endpoint.State != protoconn.StateAuthFailed {
		t.Fatalf("expected StateAuthFailed, got %s", conn.endpoint.State)
	}
	if !session.closed {
		t.Fatal("expected the session to be closed after a rejected auth attempt")
	}
}

func authenticate(t *testing.T, h *GatewayMessageHandler, session *mockSession) {
	t.Helper()
	if err := h.OnOpen(session); err != nil {
		t.Fatalf("OnOpen: %v", err)
	}
	scramble := scrambleFromGreeting(t, session.lastWrite())
	respBody := protoconn.EncodeHandshakeResponse("alice", "secret", "", scramble, 1)
	h.OnMessage(session, &MySQLPackage{Header: MySQLPkgHeader{PacketId: 1}, Body: respBody[4:]})
}

func TestComQuitClosesSession(t *testing.T) {
	h := newTestHandler()
	session := newMockSession()
	authenticate(t, h, session)

	h.OnMessage(session, &MySQLPackage{Header: MySQLPkgHeader{PacketId: 0}, Body: []byte{protoconn.ComQuit}})
	if !session.closed {
		t.Fatal("COM_QUIT should close the session")
	}
}

func TestOnCronClosesIdleSession(t *testing.T) {
	h := newTestHandler()
	h.idleTimeout = time.Millisecond
	session := newMockSession()
	authenticate(t, h, session)

	h.rwlock.RLock()
	conn := h.conns[session]
	h.rwlock.RUnlock()
	conn.activity.lastActiveTime = time.Now().Add(-time.Hour)

	h.OnCron(session)
	if !session.closed {
		t.Fatal("OnCron should close a session idle past idleTimeout")
	}
}

func TestOnCronLeavesActiveSessionOpen(t *testing.T) {
	h := newTestHandler()
	h.idleTimeout = time.Hour
	session := newMockSession()
	authenticate(t, h, session)

	h.OnCron(session)
	if session.closed {
		t.Fatal("OnCron should not close a recently active session")
	}
}

func TestOnCloseRemovesTrackedSession(t *testing.T) {
	h := newTestHandler()
	session := newMockSession()
	if err := h.OnOpen(session); err != nil {
		t.Fatalf("OnOpen: %v", err)
	}

	h.OnClose(session)
	h.rwlock.RLock()
	_, exists := h.conns[session]
	h.rwlock.RUnlock()
	if exists {
		t.Fatal("OnClose should remove the session from h.conns")
	}
}

func TestDecodeStage2HashRoundTrip(t *testing.T) {
	hash := mysqlcrypto.SHA1Twice([]byte("secret"))
	stored := auth.HashPassword("secret")

	decoded, err := decodeStage2Hash(stored)
	if err != nil {
		t.Fatalf("decodeStage2Hash: %v", err)
	}
	if string(decoded) != string(hash) {
		t.Fatalf("decoded hash mismatch: got %x want %x", decoded, hash)
	}
}

func TestDecodeStage2HashRejectsMalformed(t *testing.T) {
	if _, err := decodeStage2Hash("not-a-hash"); err == nil {
		t.Fatal("expected an error for a malformed stored password")
	}
}
