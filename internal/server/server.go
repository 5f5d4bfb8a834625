package server

import (
	"context"
	"errors"
	"fmt"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/adapter"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/app"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/cache"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/connection"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/logger"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/ratelimit"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/webhook"
	"golang.org/x/sync/errgroup"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

const (
	DefaultActivityTimeout = 120 * time.Second
	DefaultPongTimeout     = 30 * time.Second
	DefaultGracePeriod     = 3 * time.Second

	minProtocolVersion = 5
	closeConcurrency   = 64
)

type Options struct {
	Addr            string
	MetricsAddr     string
	ActivityTimeout time.Duration
	PongTimeout     time.Duration
	GracePeriod     time.Duration
	MaxMessageSize  int64
}

// Deps are the collaborators the server drives. Cache, Metrics, Webhooks and
// Limits may be nil.
type Deps struct {
	Apps     app.Manager
	Adapter  adapter.Adapter
	Cache    cache.Manager
	Limits   *ratelimit.Registry
	Webhooks webhook.Sink
	Metrics  metrics.Sink
	State    *RunState
}

type Server struct {
	opts     Options
	apps     app.Manager
	adapter  adapter.Adapter
	cache    cache.Manager
	limits   *ratelimit.Registry
	webhooks webhook.Sink
	metrics  metrics.Sink
	state    *RunState

	router   *httprouter.Router
	upgrader websocket.Upgrader

	httpServer    *http.Server
	metricsServer *http.Server
	listener      net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup
}

func New(opts Options, deps Deps) *Server {
	if opts.ActivityTimeout <= 0 {
		opts.ActivityTimeout = DefaultActivityTimeout
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = DefaultPongTimeout
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if deps.Limits == nil {
		deps.Limits = ratelimit.NewRegistry(ratelimit.MemoryFactory)
	}
	if deps.Webhooks == nil {
		deps.Webhooks = webhook.NopSink{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.State == nil {
		deps.State = &RunState{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:     opts,
		apps:     deps.Apps,
		adapter:  deps.Adapter,
		cache:    deps.Cache,
		limits:   deps.Limits,
		webhooks: deps.Webhooks,
		metrics:  deps.Metrics,
		state:    deps.State,
		router:   httprouter.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/app/:key", s.handleWebsocket)

	s.router.POST("/apps/:app_id/events", s.signed(s.handleTriggerEvent))
	s.router.POST("/apps/:app_id/batch_events", s.signed(s.handleBatchEvents))
	s.router.GET("/apps/:app_id/channels", s.signed(s.handleChannels))
	s.router.GET("/apps/:app_id/channels/:channel_name", s.signed(s.handleChannel))
	s.router.GET("/apps/:app_id/channels/:channel_name/users", s.signed(s.handleChannelUsers))
	s.router.POST("/apps/:app_id/users/:user_id/terminate_connections", s.signed(s.handleTerminateUser))

	s.router.GET("/up", s.handleUp)
	s.router.GET("/up/:app_id", s.handleUp)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins accepting connections on the configured address.
func (s *Server) Start(metricsHandler http.Handler) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	s.state.Start()

	go func() {
		logger.InfoF("Realtime server listen on %s", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorF("Realtime server stopped, details: %v", err)
		}
	}()

	if metricsHandler != nil && s.opts.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		s.metricsServer = &http.Server{Addr: s.opts.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.InfoF("Metrics server listen on %s", s.opts.MetricsAddr)
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.ErrorF("Metrics server stopped, details: %v", err)
			}
		}()
	}
	return nil
}

// Addr is the bound listener address, empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop refuses new work, closes every local socket, waits for their cleanup and
// releases the adapter, cache and app store.
func (s *Server) Stop(ctx context.Context) error {
	s.state.Stop()
	logger.Info("Stopping realtime server")

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			logger.WarnF("HTTP server shutdown, details: %v", err)
		}
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(closeConcurrency)
	closed := 0
	for _, ns := range s.adapter.Namespaces() {
		for _, socket := range ns.Sockets() {
			socket := socket
			closed++
			g.Go(func() error {
				if err := socket.Close(protocol.CodeUnauthorized, protocol.DisconnectedByApp); err != nil && !connection.IsNetClosedError(err) {
					logger.DebugF("[%s] Fail to close connection, details: %v", socket.ID, err)
				}
				return nil
			})
		}
	}
	_ = g.Wait()
	logger.InfoF("Closed %d connections", closed)

	waited := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(s.opts.GracePeriod):
		logger.Warn("Grace period elapsed before every connection was cleaned up")
	case <-ctx.Done():
	}
	s.cancel()

	var stopErrs []error
	if err := s.adapter.Disconnect(ctx); err != nil {
		stopErrs = append(stopErrs, fmt.Errorf("adapter: %w", err))
	}
	if s.cache != nil {
		if err := s.cache.Disconnect(ctx); err != nil {
			stopErrs = append(stopErrs, fmt.Errorf("cache: %w", err))
		}
	}
	if s.apps != nil {
		if err := s.apps.Close(ctx); err != nil {
			stopErrs = append(stopErrs, fmt.Errorf("app manager: %w", err))
		}
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			stopErrs = append(stopErrs, fmt.Errorf("metrics server: %w", err))
		}
	}
	return errors.Join(stopErrs...)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnF("Websocket upgrade from %s failed, details: %v", r.RemoteAddr, err)
		return
	}
	conn := connection.NewWebsocketConn(ws, s.opts.MaxMessageSize)
	s.Serve(s.ctx, ps.ByName("key"), r.URL.Query(), conn)
}

func reject(conn connection.Conn, code int, message string) {
	if data, err := protocol.Error(code, message).Encode(); err == nil {
		_ = conn.WriteMessage(data)
	}
	_ = conn.Close(code, message)
}

// Serve runs the handshake for appKey on an accepted transport and then the
// connection until it closes.
func (s *Server) Serve(ctx context.Context, appKey string, query url.Values, conn connection.Conn) {
	if !s.state.IsRunning() {
		reject(conn, protocol.CodeReconnect, "Server is shutting down")
		return
	}
	if v := query.Get("protocol"); v != "" {
		if n, err := strconv.Atoi(v); err != nil || n < minProtocolVersion || n > protocol.Version {
			reject(conn, protocol.CodeInvalidVersion, "Unsupported protocol version")
			return
		}
	}

	a, err := s.apps.FindByKey(ctx, appKey)
	if err != nil {
		if !errors.Is(err, app.ErrAppNotFound) {
			logger.ErrorF("Fail to look up app key %s, details: %v", appKey, err)
		}
		reject(conn, protocol.CodeAppNotFound, fmt.Sprintf("App key %s does not exist", appKey))
		return
	}
	if !a.Enabled {
		reject(conn, protocol.CodeAppDisabled, "The application is disabled")
		return
	}
	limited := a.WithDefaults()

	if limited.MaxConnections > 0 {
		count, err := s.adapter.GetSocketsCount(ctx, limited.ID)
		if err != nil {
			logger.WarnF("Connection count for app %s is incomplete, details: %v", limited.ID, err)
		}
		if count.Value >= limited.MaxConnections {
			reject(conn, protocol.CodeOverQuota, "Application is over connection quota")
			return
		}
	}

	s.conns.Add(1)
	defer s.conns.Done()
	socket := connection.NewSocket(connection.NewSocketID(), limited.ID, conn, s.metrics)
	newConnectionHandler(s, &limited, socket).handleConnection(ctx)
}
