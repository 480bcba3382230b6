package net

import (
	"compress/flate"
	"crypto/tls"
	"errors"
	"net"
	"time"

	gxsync "github.com/dubbogo/gost/sync"
)

// CompressType names the payload compression negotiated for a session's
// wire stream. Zip-family values double as the flate compression level
// passed straight to compress/flate; Snappy is handled separately.
type CompressType int

const (
	CompressNone            CompressType = CompressType(flate.NoCompression)
	CompressZip             CompressType = CompressType(flate.DefaultCompression)
	CompressBestSpeed       CompressType = CompressType(flate.BestSpeed)
	CompressBestCompression CompressType = CompressType(flate.BestCompression)
	CompressHuffman         CompressType = CompressType(flate.HuffmanOnly)
	CompressSnappy          CompressType = CompressType(100)
	CompressLZ4             CompressType = CompressType(101)
)

// Version is the identifier this package's fork of the session/server
// machinery reports in startup logging.
const Version = "mxgateway-transport-1.0"

// EndPointID identifies a listener instance.
type EndPointID = int32

// ErrSessionClosed is returned by a write attempted on a closed Session.
var ErrSessionClosed = errors.New("net: session is closed")

// ErrSessionBlocked is returned when a session's write queue is full.
var ErrSessionBlocked = errors.New("net: session has too many pending messages")

// EndPoint is the listener side of a session: it hands out the task
// pool sessions run their callbacks on. The gateway only ever plays the
// TCP-server role over this transport, so EndPoint carries no role tag —
// backend connections are a routing.RoutingCollaborator concern, dialed
// over a different transport entirely.
type EndPoint interface {
	ID() int32
	GetTaskPool() gxsync.GenericTaskPool
}

// Connection is the raw byte-pushing half of a session: accounting,
// timeouts and the underlying send/close primitives. mysqlConn and
// MysqlTCPConn in connection.go are this package's only implementations.
type Connection interface {
	ID() uint32
	LocalAddr() string
	RemoteAddr() string
	incReadPkgNum()
	incWritePkgNum()
	UpdateActive()
	GetActive() time.Time
	send(pkg interface{}) (int, error)
	close(waitSec int)
	setSession(Session)
	readTimeout() time.Duration
	SetReadTimeout(timeout time.Duration)
	writeTimeout() time.Duration
	SetWriteTimeout(timeout time.Duration)
	SetCompressType(c CompressType)
}

// Reader turns bytes freshly read off a Connection into one decoded
// application packet, reporting how many bytes it consumed.
type Reader interface {
	Read(ss Session, data []byte) (pkg interface{}, pkgLen int, err error)
}

// Writer turns one application packet into the bytes to write out.
type Writer interface {
	Write(ss Session, pkg interface{}) ([]byte, error)
}

// ReadWriter is the per-session codec a Session is configured with via
// SetPkgHandler; MySQLPacketCodec in readwriter.go is this package's
// implementation for the MySQL wire format.
type ReadWriter interface {
	Reader
	Writer
}

// EventListener is the business-logic callback set a Session drives:
// connection lifecycle plus one decoded application packet at a time.
type EventListener interface {
	OnOpen(session Session) error
	OnError(session Session, err error)
	OnClose(session Session)
	OnMessage(session Session, pkg interface{})
	OnCron(session Session)
}

// Session is one accepted connection's read/write/lifecycle handle, as
// exposed to EventListener callbacks and the code that configures a new
// session inside a Server's accept loop. *session in session.go is its
// only implementation; mockSession in gateway_handler_test.go mirrors
// it for tests.
type Session interface {
	Connection

	Conn() net.Conn
	EndPoint() EndPoint
	Stat() string
	IsClosed() bool
	Reset()

	SetMaxMsgLen(length int)
	SetName(name string)
	SetEventListener(listener EventListener)
	SetPkgHandler(handler ReadWriter)
	SetReader(reader Reader)
	SetWriter(writer Writer)
	SetCronPeriod(period int)
	SetWQLen(length int)
	SetWaitTime(timeout time.Duration)

	GetAttribute(key interface{}) interface{}
	SetAttribute(key interface{}, value interface{})
	RemoveAttribute(key interface{})

	WritePkg(pkg interface{}, timeout time.Duration) error
	WriteBytes(pkg []byte) error
	WriteBytesArray(pkgs ...[]byte) error

	Close()
}

// NewSessionCallback configures a freshly accepted Session before its
// event loop starts; returning an error refuses the connection.
type NewSessionCallback func(Session) error

// ServerOptions holds a Server's construction-time configuration.
type ServerOptions struct {
	addr             string
	sslEnabled       bool
	tlsConfigBuilder TLSConfigBuilder
	tPool            gxsync.GenericTaskPool
}

// TLSConfigBuilder is the seam a ServerOption can plug in to enable TLS;
// the spec surfaces the capability bit but leaves TLS unimplemented, so
// no concrete builder ships here.
type TLSConfigBuilder interface {
	BuildTlsConfig() (*tls.Config, error)
}

// ServerOption mutates ServerOptions; NewTCPServer applies them in order.
type ServerOption func(*ServerOptions)

// WithLocalAddress sets the address a Server listens on.
func WithLocalAddress(addr string) ServerOption {
	return func(o *ServerOptions) { o.addr = addr }
}

// WithServerTaskPool supplies the goroutine pool sessions run on.
func WithServerTaskPool(pool gxsync.GenericTaskPool) ServerOption {
	return func(o *ServerOptions) { o.tPool = pool }
}

// WithServerSSLEnabled makes the listener accept TLS connections, built
// from the ServerOptions' TLSConfigBuilder.
func WithServerSSLEnabled(enabled bool) ServerOption {
	return func(o *ServerOptions) { o.sslEnabled = enabled }
}

// Server listens for TCP connections and runs newSession for each one
// accepted. serverimpl in net_server.go is this package's only
// implementation.
type Server interface {
	EndPoint
	RunEventLoop(newSession NewSessionCallback)
	Close()
}
