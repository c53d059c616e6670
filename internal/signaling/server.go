package signaling

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

// Config wires the WebSocket transport to a Hub.
type Config struct {
	Hub *Hub

	// Metrics and Logger are optional.
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Clock drives the per-connection rate limiters. Defaults to
	// ratelimit.RealClock.
	Clock ratelimit.Clock

	// MaxConnections caps concurrent WebSockets. <= 0 is unlimited.
	MaxConnections int

	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	MaxRelaysPerTargetPerSecond   int
	OutboundQueueBytes            int

	// NewConnID overrides connection id generation (uuid v4).
	NewConnID func() string
}

// Server accepts signaling WebSockets and feeds their frames to the Hub.
//
// Endpoints:
//   - GET /ws     : signaling WebSocket
//   - GET /socket : alias for clients that expect a socket.io style path
type Server struct {
	hub     *Hub
	metrics *metrics.Metrics
	logger  *slog.Logger
	clock   ratelimit.Clock

	maxConnections int
	idleTimeout    time.Duration
	pingInterval   time.Duration

	maxMessageBytes       int64
	maxMessagesPerSecond  int
	maxRelaysPerTargetSec int
	outboundQueueBytes    int

	newConnID func() string
	upgrader  websocket.Upgrader

	mu     sync.Mutex
	active int
	conns  map[*wsConn]struct{}
	closed bool
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	newConnID := cfg.NewConnID
	if newConnID == nil {
		newConnID = uuid.NewString
	}

	s := &Server{
		hub:     cfg.Hub,
		metrics: cfg.Metrics,
		logger:  logger,
		clock:   clock,

		maxConnections: cfg.MaxConnections,
		idleTimeout:    cfg.SignalingWSIdleTimeout,
		pingInterval:   cfg.SignalingWSPingInterval,

		maxMessageBytes:       cfg.MaxSignalingMessageBytes,
		maxMessagesPerSecond:  cfg.MaxSignalingMessagesPerSecond,
		maxRelaysPerTargetSec: cfg.MaxRelaysPerTargetPerSecond,
		outboundQueueBytes:    cfg.OutboundQueueBytes,

		newConnID: newConnID,
		upgrader: websocket.Upgrader{
			// Origin checks are enforced by the outer httpserver origin
			// middleware. Handlers mounted without it accept all origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*wsConn]struct{}),
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = 60 * time.Second
	}
	if s.pingInterval <= 0 || s.pingInterval >= s.idleTimeout {
		s.pingInterval = s.idleTimeout / 3
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = 64 * 1024
	}
	if s.maxMessagesPerSecond <= 0 {
		s.maxMessagesPerSecond = 50
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /socket", s.handleWebSocket)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// ConnectionCount returns the number of accepted WebSockets.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Close stops accepting connections and closes every open one with
// CloseGoingAway. Each connection's read loop then runs its disconnect.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = c.conn.Close()
	}
}

func (s *Server) reserve() (ok bool, shuttingDown bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, true
	}
	if s.maxConnections > 0 && s.active >= s.maxConnections {
		return false, false
	}
	s.active++
	return true, false
}

// track registers c for Close. It reports false once Close has run; the
// caller then owns closing c.
func (s *Server) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) release(c *wsConn) {
	s.mu.Lock()
	if c != nil {
		delete(s.conns, c)
	}
	s.active--
	s.mu.Unlock()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "signaling hub not configured", http.StatusInternalServerError)
		return
	}

	ok, shuttingDown := s.reserve()
	if !ok {
		s.metrics.Inc(metrics.ConnectionsRejected)
		if shuttingDown {
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		s.logger.Warn("signal_connection_rejected", "reason", "max_connections", "max_connections", s.maxConnections)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.release(nil)
		return
	}

	c := &wsConn{
		srv:    s,
		id:     s.newConnID(),
		conn:   conn,
		outbox: NewOutbox(s.outboundQueueBytes),
		limiter: ratelimit.NewConnLimiter(s.clock, ratelimit.ConnConfig{
			MessagesPerSecond:        s.maxMessagesPerSecond,
			RelaysPerTargetPerSecond: s.maxRelaysPerTargetSec,
		}),
		done: make(chan struct{}),
	}
	defer s.release(c)
	if !s.track(c) {
		// Close ran while this upgrade was in flight.
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = conn.Close()
		return
	}

	c.run()
}

// wsConn is one signaling WebSocket. The read loop runs on the handler
// goroutine; writes happen on a dedicated writer goroutine fed by outbox.
type wsConn struct {
	srv     *Server
	id      string
	conn    *websocket.Conn
	outbox  *Outbox
	limiter *ratelimit.ConnLimiter

	writeMu sync.Mutex
	done    chan struct{}
}

func (c *wsConn) run() {
	defer func() { _ = c.conn.Close() }()

	if err := c.srv.hub.Connect(c.id, c.outbox); err != nil {
		c.fail(CodeInternalError, "connection id collision", websocket.CloseInternalServerErr, "internal error")
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()
	go c.pingLoop()

	c.readLoop()

	// Disconnect runs before the outbox is closed so no later event for this
	// id can be queued.
	c.srv.hub.Disconnect(c.id)
	c.outbox.Close()
	close(c.done)
	<-writerDone
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(c.srv.maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case isTimeout(err):
				c.srv.logger.Debug("signal_idle_timeout", "conn_id", c.id)
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				c.srv.metrics.Inc(metrics.MalformedMessages)
				c.srv.logger.Warn("signal_message_too_large", "conn_id", c.id, "limit", c.srv.maxMessageBytes)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout))

		// The limit is applied after the read so unread bytes never force an
		// abortive close that hides the close frame from the client.
		if !c.limiter.AllowMessage() {
			c.srv.metrics.Inc(metrics.RateLimited)
			c.srv.logger.Warn("signal_rate_limited", "conn_id", c.id)
			c.fail(CodeRateLimited, "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.fail(CodeBadMessage, "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}
		c.srv.metrics.Inc(metrics.MessagesReceived)

		req, err := ParseRequest(data)
		if err != nil {
			c.srv.metrics.Inc(metrics.MalformedMessages)
			c.srv.logger.Warn("signal_bad_message", "conn_id", c.id, "err", err)
			c.srv.hub.Reject(c.id, CodeBadMessage, err.Error(), "")
			continue
		}
		if relay, ok := req.(RelayRequest); ok && !c.limiter.AllowRelay(relay.Target) {
			c.srv.metrics.Inc(metrics.RateLimited)
			c.srv.hub.Reject(c.id, CodeRateLimited, "too many messages to this target", relay.Type)
			continue
		}

		if err := c.srv.hub.Handle(c.id, req); err != nil {
			c.srv.logger.Debug("signal_request_failed", "conn_id", c.id, "type", req.requestType(), "err", err)
		}
	}
}

func (c *wsConn) writeLoop() {
	for {
		frame, ok := c.outbox.Next()
		if !ok {
			return
		}
		if err := c.write(frame); err != nil {
			// Unblock the read loop; the disconnect runs there.
			_ = c.conn.Close()
			return
		}
	}
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.srv.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// fail writes an error event directly, bypassing the outbox, and then closes.
func (c *wsConn) fail(code, message string, closeCode int, closeReason string) {
	if frame, err := encode(TypeError, errorData{Code: code, Message: message}); err == nil {
		_ = c.write(frame)
	}
	c.closeWith(closeCode, closeReason)
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
