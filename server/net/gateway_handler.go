package net

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/AlexStocks/log4go"

	"github.com/mxgateway/gateway/moduleloader"
	"github.com/mxgateway/gateway/mysqlcrypto"
	"github.com/mxgateway/gateway/protoconn"
	"github.com/mxgateway/gateway/routing"
	"github.com/mxgateway/gateway/server/auth"
	"github.com/mxgateway/gateway/server/conf"
)

// GatewayMessageHandler is the EventListener that turns accepted Sessions
// into protoconn.Endpoints: it drives the handshake/auth state machine,
// classifies every authenticated COM_QUERY and hands the resulting tag to
// a routing.RoutingCollaborator. It never executes SQL, rewrites it, or
// reads back a result set from a backend — those stay on the other side
// of the RoutingCollaborator boundary, supplied by the caller.
type GatewayMessageHandler struct {
	rwlock sync.RWMutex
	conns  map[Session]*gatewayConn

	lookup      protoconn.CredentialLookup
	router      routing.RoutingCollaborator
	idleTimeout time.Duration
}

// gatewayConn is the per-Session state this handler tracks: the protocol
// engine driving auth/command state, the routing-relevant slice of
// session state (sticky pin, in-transaction) the RoutingCollaborator
// consults on every classified statement, and an activity tracker used
// to expire idle connections from OnCron.
type gatewayConn struct {
	endpoint *protoconn.Endpoint
	routing  routing.SessionState
	activity *MySQLServerSessionImpl
}

// NewMySQLMessageHandler builds the handler mysql_server.go wires into
// every accepted Session, with a CredentialLookup backed by a single
// demo "root"/empty-password account in an in-memory UserStore, and a
// StaticRouter built from cfg's backend names. A real deployment
// replaces both with NewGatewayMessageHandler and its own collaborators.
//
// The router is registered under the name "router" in a moduleloader
// registry before use, rather than handed to NewGatewayMessageHandler
// directly: this is the one swappable collaborator a deployment is
// expected to replace, and registering it through the plugin boundary
// means a future alternative (consistent-hash, geo-aware, ...) only has
// to satisfy moduleloader.Module and RoutingCollaborator, not change
// this wiring.
func NewMySQLMessageHandler(cfg *conf.Cfg) *GatewayMessageHandler {
	primary := routing.NewBackend(cfg.PrimaryBackend)
	var replica routing.Backend
	if cfg.ReplicaBackend != "" {
		replica = routing.NewBackend(cfg.ReplicaBackend)
	}

	store := auth.NewInMemoryUserStore()
	store.PutUser(&auth.UserInfo{User: "root", Host: "%", Password: auth.HashPassword("")})

	router := loadRouter(routing.NewStaticRouter(primary, replica))

	handler := NewGatewayMessageHandler(credentialLookupFromStore(store), router)
	handler.idleTimeout = cfg.SessionTimeoutDuration
	return handler
}

// loadRouter registers def under the name "router" in a fresh registry,
// consulting the module.toml search path for an override manifest (logged
// but not yet used to pick an alternate implementation — no second
// RoutingCollaborator ships in this tree), seals the registry, and looks
// the router back up through it.
func loadRouter(def *routing.StaticRouter) routing.RoutingCollaborator {
	registry := moduleloader.NewRegistry()
	if err := registry.Register("router", "routing", def); err != nil {
		log.Error("moduleloader: register router: %s", err.Error())
		return def
	}
	if manifest, err := moduleloader.FindManifest("router"); err != nil {
		log.Error("moduleloader: find router manifest: %s", err.Error())
	} else if manifest != nil {
		log.Info("moduleloader: found router manifest %s v%s, capabilities=%v",
			manifest.Name, manifest.Version, manifest.Capabilities)
	}
	registry.Seal()

	mod, ok := registry.Lookup("router")
	if !ok {
		return def
	}
	router, ok := mod.(routing.RoutingCollaborator)
	if !ok {
		log.Error("moduleloader: registered router does not satisfy RoutingCollaborator")
		return def
	}
	return router
}

// NewGatewayMessageHandler builds a handler around an explicit
// CredentialLookup and RoutingCollaborator — the two external
// collaborators the protocol core never implements itself.
func NewGatewayMessageHandler(lookup protoconn.CredentialLookup, router routing.RoutingCollaborator) *GatewayMessageHandler {
	return &GatewayMessageHandler{
		conns:  make(map[Session]*gatewayConn),
		lookup: lookup,
		router: router,
	}
}

// credentialLookupFromStore adapts an auth.UserStore to a
// protoconn.CredentialLookup, parsing the store's "*40HEXDIGITS"
// password format into the SHA1-twice hash the native-password
// challenge-response check compares against. Lookups use "%" as the
// host: the wire protocol's handshake response never carries the
// client's address, only its username.
func credentialLookupFromStore(store auth.UserStore) protoconn.CredentialLookup {
	return func(user string) (protoconn.Credentials, error) {
		info, found := store.LookupUser(user, "%")
		if !found {
			return protoconn.Credentials{}, nil
		}
		hash, err := decodeStage2Hash(info.Password)
		if err != nil {
			return protoconn.Credentials{}, err
		}
		var creds protoconn.Credentials
		copy(creds.StoredSHA1[:], hash)
		creds.Database = info.Database
		creds.Found = true
		return creds, nil
	}
}

// decodeStage2Hash parses MySQL's "*40HEXDIGITS" stored-password format
// into the raw SHA1(SHA1(password)) bytes. An empty password decodes to
// the hash of the empty string, matching MySQL's own convention.
func decodeStage2Hash(stored string) ([]byte, error) {
	if stored == "" {
		return mysqlcrypto.SHA1Twice(nil), nil
	}
	if len(stored) != 41 || stored[0] != '*' {
		return nil, fmt.Errorf("malformed stored password")
	}
	hash, err := mysqlcrypto.HexToBin(stored[1:])
	if err != nil {
		return nil, fmt.Errorf("malformed stored password hash: %w", err)
	}
	return hash, nil
}

func (h *GatewayMessageHandler) OnOpen(session Session) error {
	endpoint := protoconn.NewServerEndpoint(session.ID())
	h.rwlock.Lock()
	h.conns[session] = &gatewayConn{
		endpoint: endpoint,
		activity: NewMySQLServerSession(session),
	}
	h.rwlock.Unlock()

	_, payload, err := endpoint.BeginGreeting()
	if err != nil {
		log.Error("gateway: BeginGreeting(%s) = %v", session.Stat(), err)
		return err
	}
	return session.WriteBytes(payload)
}

func (h *GatewayMessageHandler) OnClose(session Session) {
	h.rwlock.Lock()
	delete(h.conns, session)
	h.rwlock.Unlock()
}

func (h *GatewayMessageHandler) OnError(session Session, err error) {
	log.Error("gateway: session %s error: %v", session.Stat(), err)
	h.rwlock.Lock()
	delete(h.conns, session)
	h.rwlock.Unlock()
}

// OnCron is the periodic callback session.SetCronPeriod schedules on the
// event loop's wheel; it closes connections that have been idle longer
// than the configured session timeout.
func (h *GatewayMessageHandler) OnCron(session Session) {
	if h.idleTimeout <= 0 {
		return
	}
	h.rwlock.RLock()
	conn, exists := h.conns[session]
	h.rwlock.RUnlock()
	if !exists {
		return
	}
	if time.Since(conn.activity.GetLastActiveTime()) > h.idleTimeout {
		log.Info("gateway: closing idle session %s (idle since %s)",
			session.Stat(), conn.activity.GetLastActiveTime())
		session.Close()
	}
}

func (h *GatewayMessageHandler) OnMessage(session Session, pkg interface{}) {
	mysqlPkg, ok := pkg.(*MySQLPackage)
	if !ok {
		log.Error("gateway: unexpected package type %T", pkg)
		return
	}

	h.rwlock.RLock()
	conn, exists := h.conns[session]
	h.rwlock.RUnlock()
	if !exists {
		log.Error("gateway: no connection state for session %s", session.Stat())
		return
	}

	conn.activity.Touch()

	seq := mysqlPkg.Header.PacketId
	if conn.endpoint.State == protoconn.StateIdle {
		// Every packet a client sends in IDLE opens a new command
		// exchange, so its sequence count starts afresh.
		conn.endpoint.ResetSequence()
	}
	if err := conn.endpoint.CheckSequence(seq); err != nil {
		log.Error("gateway: %s sequence error: %v", session.Stat(), err)
		session.WriteBytes(errPacket(1064, "08S01", err.Error(), seq+1))
		return
	}

	if err := h.dispatch(session, conn, mysqlPkg.Body, seq); err != nil {
		log.Debug("gateway: %s dispatch error: %v", session.Stat(), err)
	}
}

func (h *GatewayMessageHandler) dispatch(session Session, conn *gatewayConn, body []byte, seq byte) error {
	switch conn.endpoint.State {
	case protoconn.StateAuthSent:
		return h.handleAuthResponse(session, conn, body, seq)
	case protoconn.StateSessionChange:
		return h.handleChangeUserResponse(session, conn, body, seq)
	case protoconn.StateIdle:
		return h.handleCommand(session, conn, body, seq)
	default:
		return session.WriteBytes(errPacket(1047, "08S01", "unexpected command for connection state", seq+1))
	}
}

func (h *GatewayMessageHandler) handleAuthResponse(session Session, conn *gatewayConn, body []byte, seq byte) error {
	resp, err := protoconn.DecodeHandshakeResponse(body)
	if err != nil {
		return session.WriteBytes(errPacket(1045, "28000", err.Error(), seq+1))
	}

	result, err := conn.endpoint.CompleteServerAuth(resp, h.lookup)
	if err != nil {
		writeErr := session.WriteBytes(errPacket(1045, "28000", err.Error(), seq+1))
		session.Close()
		return writeErr
	}
	if !result.Accepted {
		// AUTH_FAILED is terminal: the connection gets one error packet
		// and is then torn down rather than left waiting on a retry the
		// state machine has no transition for.
		writeErr := session.WriteBytes(errPacket(result.ErrCode, result.SQLState, result.Message, seq+1))
		session.Close()
		return writeErr
	}
	conn.endpoint.ResetSequence()
	return session.WriteBytes(okPacket(seq + 1))
}

func (h *GatewayMessageHandler) handleChangeUserResponse(session Session, conn *gatewayConn, body []byte, seq byte) error {
	user, offset, err := readNulString(body, 0)
	if err != nil {
		return session.WriteBytes(errPacket(1045, "28000", "malformed COM_CHANGE_USER", seq+1))
	}
	if offset >= len(body) {
		return session.WriteBytes(errPacket(1045, "28000", "malformed COM_CHANGE_USER", seq+1))
	}
	authLen := int(body[offset])
	offset++
	if offset+authLen > len(body) {
		return session.WriteBytes(errPacket(1045, "28000", "malformed COM_CHANGE_USER", seq+1))
	}
	authResponse := body[offset : offset+authLen]
	offset += authLen
	database, _, _ := readNulString(body, offset)

	creds, err := h.lookup(user)
	accepted := err == nil && creds.Found && mysqlcrypto.VerifyNativePassword(creds.StoredSHA1[:], conn.endpoint.Scramble, authResponse)

	conn.endpoint.CompleteChangeUser(accepted, user, database)
	if !accepted {
		return session.WriteBytes(errPacket(1045, "28000", fmt.Sprintf("Access denied for user '%s'", user), seq+1))
	}
	conn.endpoint.ResetSequence()
	return session.WriteBytes(okPacket(seq + 1))
}

func (h *GatewayMessageHandler) handleCommand(session Session, conn *gatewayConn, body []byte, seq byte) error {
	if len(body) == 0 {
		return session.WriteBytes(errPacket(1047, "08S01", "empty command packet", seq+1))
	}

	switch body[0] {
	case protoconn.ComQuit:
		session.Close()
		return nil

	case protoconn.ComPing:
		return session.WriteBytes(okPacket(seq + 1))

	case protoconn.ComInitDB:
		conn.endpoint.Database = string(body[1:])
		return session.WriteBytes(okPacket(seq + 1))

	case protoconn.ComChangeUser:
		if err := conn.endpoint.BeginChangeUser(); err != nil {
			return session.WriteBytes(errPacket(1047, "08S01", err.Error(), seq+1))
		}
		return h.handleChangeUserResponse(session, conn, body[1:], seq)

	case protoconn.ComQuery:
		return h.handleQuery(session, conn, string(body[1:]), seq)

	default:
		return session.WriteBytes(errPacket(1047, "08S01", "command not supported", seq+1))
	}
}

func (h *GatewayMessageHandler) handleQuery(session Session, conn *gatewayConn, sql string, seq byte) error {
	tag := protoconn.ClassifyCommand(sql)
	decision, err := h.router.Route(context.Background(), tag, &conn.routing)
	if err != nil {
		return session.WriteBytes(errPacket(1045, "3D000", err.Error(), seq+1))
	}

	log.Debug("gateway: %s routed %q (tag=%s) -> backend %s (%s)",
		session.Stat(), sql, tag, decision.Backend.Name(), decision.Reason)

	// Actual execution against decision.Backend is an external
	// collaborator's job; the core's contract ends at the routing
	// decision, so acknowledge the statement and move on.
	return session.WriteBytes(okPacket(seq + 1))
}

// readNulString reads a NUL-terminated string starting at offset,
// returning the string and the offset just past the terminator.
func readNulString(data []byte, offset int) (string, int, error) {
	start := offset
	for offset < len(data) && data[offset] != 0 {
		offset++
	}
	if offset >= len(data) {
		return "", offset, fmt.Errorf("unterminated string at offset %d", start)
	}
	return string(data[start:offset]), offset + 1, nil
}

func packetHeader(payloadLen int, seq byte) []byte {
	return []byte{byte(payloadLen), byte(payloadLen >> 8), byte(payloadLen >> 16), seq}
}

func okPacket(seq byte) []byte {
	payload := []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00}
	return append(packetHeader(len(payload), seq), payload...)
}

func errPacket(code uint16, sqlState, message string, seq byte) []byte {
	payload := make([]byte, 0, 9+len(message))
	payload = append(payload, 0xff, byte(code), byte(code>>8), '#')
	payload = append(payload, []byte(sqlState)...)
	payload = append(payload, []byte(message)...)
	return append(packetHeader(len(payload), seq), payload...)
}
