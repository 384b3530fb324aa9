package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	netpprof "net/http/pprof"
	"sync"
	"time"

	"github.com/codefionn/aardvark-hub/internal/logger"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Scene graphs can be large; this is only the fallback limit.
	defaultMaxMessageSize = 4 << 20

	sendBufferSize = 256
)

// ServerOptions configures the websocket server
type ServerOptions struct {
	Addr            string
	MaxMessageBytes int64
	// Profiling mounts the runtime profiles under /debug/pprof/
	Profiling bool
	Logger    *logger.Logger
}

// Server accepts websocket connections and hands them to a Dispatcher
type Server struct {
	d          *Dispatcher
	addr       string
	maxMessage int64
	log        *logger.Logger
	router     *httprouter.Router
	upgrader   websocket.Upgrader
	started    time.Time
	profiling  bool

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer creates a server that routes through d
func NewServer(d *Dispatcher, opts ServerOptions) *Server {
	s := &Server{
		d:          d,
		addr:       opts.Addr,
		maxMessage: opts.MaxMessageBytes,
		log:        opts.Logger,
		router:     httprouter.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// gadgets are served from arbitrary origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		started:   time.Now(),
		profiling: opts.Profiling,
	}
	if s.maxMessage <= 0 {
		s.maxMessage = defaultMaxMessageSize
	}
	if s.log == nil {
		s.log = logger.Global().WithPrefix("server")
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleWebSocket)
	s.router.GET("/healthz", s.handleHealth)
	if s.profiling {
		s.router.GET("/debug/pprof/*profile", s.handleProfile)
	}
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	switch ps.ByName("profile") {
	case "/cmdline":
		netpprof.Cmdline(w, r)
	case "/profile":
		netpprof.Profile(w, r)
	case "/symbol":
		netpprof.Symbol(w, r)
	case "/trace":
		netpprof.Trace(w, r)
	default:
		// the index also serves the named profiles (heap, goroutine, ...)
		netpprof.Index(w, r)
	}
}

// Handler returns the HTTP handler serving websocket and health routes
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe listens on the configured address and serves until Shutdown
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.NewStdLogger(s.log, slog.LevelWarn, "http", slog.String("listener", ln.Addr().String())),
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.log.Info("hub listening on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and closes the live ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	s.log.Info("stopping hub...")
	var err error
	if srv != nil {
		if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("failed to shutdown HTTP server: %w", shutdownErr)
		}
	}
	// hijacked websocket connections are not closed by http.Server
	s.d.CloseAll()
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "expected a websocket upgrade", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("failed to upgrade websocket: %v", err)
		return
	}

	c := newWSConn(conn, s.log)
	ep := s.d.Connect(c)

	go c.writePump()
	go c.readPump(s.maxMessage, func(data []byte) {
		s.d.HandleMessage(ep, data)
	}, func() {
		s.d.Disconnect(ep)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"endpoints": s.d.Counts(),
	})
}

// wsConn queues outbound messages for a websocket connection. A peer that
// falls a full buffer behind is disconnected rather than silently losing
// messages.
type wsConn struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	log       *logger.Logger
}

func newWSConn(conn *websocket.Conn, log *logger.Logger) *wsConn {
	return &wsConn{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
		log:  log,
	}
}

func (c *wsConn) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		c.log.Warn("send buffer full for %s, closing connection", c.conn.RemoteAddr())
		c.Close()
		return false
	}
}

func (c *wsConn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump delivers messages to onMessage until the connection fails, then
// calls onClose once.
func (c *wsConn) readPump(maxMessage int64, onMessage func([]byte), onClose func()) {
	defer func() {
		c.Close()
		c.conn.Close()
		onClose()
	}()

	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error: %v", err)
			}
			return
		}
		onMessage(message)
	}
}

// writePump drains the send queue to the socket and keeps it alive with
// pings. It sends a close frame once the connection is closed locally.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("failed to write message: %v", err)
				c.Close()
				return
			}

		case <-c.done:
			c.flush()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// flush writes whatever was queued before the close
func (c *wsConn) flush() {
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
