package net

import (
	"fmt"
	gxlog "github.com/AlexStocks/goext/log"
	gxnet "github.com/AlexStocks/goext/net"
	log "github.com/AlexStocks/log4go"
	"github.com/dubbogo/gost/sync"
	"github.com/mxgateway/gateway/server/conf"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

const (
	pprofPath = "/debug/pprof/"
)
const logBanner = `
******************************************************************************************

 __  __ __  __  _____       _
|  \/  \ \/ / / ____|     | |
| \  / |\  /\| |  __  __ _| |_ _____      ____ _ _   _
| |\/| |/    \| | |_ \/ _' | __/ _ \ \ /\ / / _' | | | |
| |  | |\  /\ \ |__| | (_| | ||  __/\ V  V / (_| | |_| |
|_|  |_|/_/\_\_____/ \__,_|\__\___|  \_/\_/ \__,_|\__, |
                                                    __/ |
                                                   |___/
 a MySQL-wire transparent routing gateway
******************************************************************************************
`

// mysqlPacketCodec is the one ReadWriter every accepted session is
// configured with: it frames/deframes physical MySQL packets off the
// wire and leaves everything else to GatewayMessageHandler.
var (
	mysqlPacketCodec = NewMySQLPacketCodec()
)

// MySQLServer owns the TCP listener(s) this gateway binds and a goroutine
// pool it closes on shutdown. The pool is not handed to the listeners, so
// each session runs its OnMessage callbacks on its own read goroutine.
type MySQLServer struct {
	conf       *conf.Cfg
	serverList []Server
	taskPool   gxsync.GenericTaskPool
}

func NewMySQLServer(conf *conf.Cfg) *MySQLServer {

	return &MySQLServer{
		conf:       conf,
		serverList: nil,
		taskPool:   gxsync.NewTaskPoolSimple(0),
	}
}

func (srv *MySQLServer) Start() {
	initProfiling(srv.conf)
	srv.taskPool = gxsync.NewTaskPoolSimple(0)
	srv.initServer(srv.conf)

	gxlog.CInfo(logBanner)
	gxlog.CInfo("mxgateway started")
	gxlog.CInfo("%s starts successfull! its version=%s, its listen ends=%s:%s\n",
		srv.conf.AppName, Version, srv.conf.BindAddress, srv.conf.Port)
	log.Info("%s starts successfull! its version=%s, its listen ends=%s:%s\n",
		srv.conf.AppName, Version, srv.conf.BindAddress, srv.conf.Port)

	srv.initSignal()
}

func initProfiling(conf *conf.Cfg) {
	var (
		addr string
	)
	addr = gxnet.HostAddress(conf.BindAddress, conf.ProfilePort)
	log.Info("App Profiling startup on address{%v}", addr+pprofPath)
	go func() {
		log.Info(http.ListenAndServe(addr, nil))
	}()
}

func (srv *MySQLServer) initServer(conf *conf.Cfg) {
	var (
		addr     string
		portList []string
		server   Server
	)
	mysqlMsgHandler := NewMySQLMessageHandler(conf)
	portList = append(portList, strconv.Itoa(conf.Port))
	if len(portList) == 0 {
		panic("portList is nil")
	}
	for _, port := range portList {
		addr = gxnet.HostAddress2(conf.BindAddress, port)
		serverOpts := []ServerOption{WithLocalAddress(addr)}
		server = NewTCPServer(serverOpts...)
		// run serverimpl
		server.RunEventLoop(func(session Session) error {
			var (
				ok      bool
				tcpConn *net.TCPConn
			)
			if conf.MySQLSessionParam.CompressEncoding {
				session.SetCompressType(CompressZip)
			}
			if tcpConn, ok = session.Conn().(*net.TCPConn); !ok {
				panic(fmt.Sprintf("%s, session.conn{%#v} is not tcp connection\n", session.Stat(), session.Conn()))
			}
			tcpConn.SetNoDelay(conf.MySQLSessionParam.TcpNoDelay)
			tcpConn.SetKeepAlive(conf.MySQLSessionParam.TcpKeepAlive)
			if conf.MySQLSessionParam.TcpKeepAlive {
				tcpConn.SetKeepAlivePeriod(conf.MySQLSessionParam.KeepAlivePeriodDuration)
			}
			tcpConn.SetReadBuffer(conf.MySQLSessionParam.TcpRBufSize)
			tcpConn.SetWriteBuffer(conf.MySQLSessionParam.TcpWBufSize)

			session.SetName(conf.MySQLSessionParam.SessionName)
			session.SetMaxMsgLen(conf.MySQLSessionParam.MaxMsgLen)
			session.SetPkgHandler(mysqlPacketCodec)
			session.SetEventListener(mysqlMsgHandler)
			session.SetWQLen(conf.MySQLSessionParam.PkgWQSize)
			session.SetReadTimeout(conf.MySQLSessionParam.TcpReadTimeoutDuration)
			session.SetWriteTimeout(conf.MySQLSessionParam.TcpWriteTimeoutDuration)
			session.SetCronPeriod((int)(conf.SessionTimeoutDuration / 1e6))
			session.SetWaitTime(conf.MySQLSessionParam.WaitTimeoutDuration)
			log.Debug("app accepts new session:%s\n", session.Stat())
			return nil
		})
		log.Debug("serverimpl bind addr{%s} ok!", addr)
		srv.serverList = append(srv.serverList, server)
	}
}

func (srv *MySQLServer) uninitServer() {
	for _, server := range srv.serverList {
		server.Close()
	}
	if srv.taskPool != nil {
		srv.taskPool.Close()
	}
}

func (srv *MySQLServer) initSignal() {
	// signal.Notify's channel must be buffered: the runtime does not
	// block delivering a signal, so an unbuffered channel can drop one.
	signals := make(chan os.Signal, 1)
	// It is not possible to block SIGKILL or syscall.SIGSTOP
	signal.Notify(signals, os.Interrupt, os.Kill, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	for {
		sig := <-signals
		log.Info("get signal %s", sig.String())
		switch sig {
		case syscall.SIGHUP:
		// reload()
		default:
			go time.AfterFunc(srv.conf.FailFastTimeoutDuration, func() {
				log.Exit("app exit now by force...")
				log.Close()
			})

			// Either uninitServer finishes within FailFastTimeoutDuration
			// and we fall through below, or the timer above forces exit.
			srv.uninitServer()
			log.Exit("app exit now...")
			log.Close()
			return
		}
	}
}
