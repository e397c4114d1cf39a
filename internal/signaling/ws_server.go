package signaling

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mapmeet/presence-relay/internal/metrics"
	"github.com/mapmeet/presence-relay/internal/origin"
	"github.com/mapmeet/presence-relay/internal/presence"
)

const wsWriteWait = 1 * time.Second

// Config wires the signaling server to its collaborators and hardening knobs.
// Zero limits fall back to conservative defaults.
type Config struct {
	Registry *presence.Registry
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	AllowedOrigins []string

	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.IdleTimeout {
		c.PingInterval = c.IdleTimeout / 3
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	if c.MaxMessagesPerSecond <= 0 {
		c.MaxMessagesPerSecond = 50
	}
	return c
}

// Server upgrades HTTP requests to signaling WebSocket sessions and runs one
// read loop per connection. All protocol state lives in the hub.
type Server struct {
	cfg      Config
	log      *slog.Logger
	hub      *hub
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	if cfg.Registry == nil {
		cfg.Registry = presence.NewRegistry()
	}

	return &Server{
		cfg: cfg,
		log: cfg.Logger,
		hub: newHub(cfg.Logger, cfg.Registry, cfg.Metrics),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return origin.Allowed(r.Header.Get("Origin"), r.Host, cfg.AllowedOrigins)
			},
		},
	}
}

// RegisterRoutes attaches the signaling endpoint to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /ws", s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		return
	}
	defer wsConn.Close()

	c := &conn{wire: wsConn}
	s.hub.register(c)
	defer s.hub.unregister(c)

	_ = wsConn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	wsConn.SetPongHandler(func(string) error {
		return wsConn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})

	stopPing := s.startKeepalive(wsConn)
	defer stopPing()

	limiter := newRateLimiter(s.cfg.MaxMessagesPerSecond)

	for {
		if !limiter.Allow(time.Now()) {
			s.cfg.Metrics.Inc(metrics.EventMessageRateLimited)
			writeClose(wsConn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		// Binary frames are tolerated and decoded as text: everything on this
		// wire is JSON either way.
		_, msgReader, err := wsConn.NextReader()
		if err != nil {
			return
		}
		_ = wsConn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		payload, err := readLimited(msgReader, s.cfg.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				s.cfg.Metrics.Inc(metrics.EventMessageTooLarge)
				writeClose(wsConn, websocket.CloseMessageTooBig, "message too large")
				return
			}
			writeClose(wsConn, websocket.CloseInternalServerErr, "failed to read message")
			return
		}

		s.hub.handleMessage(c, payload)
	}
}

func (s *Server) startKeepalive(wsConn *websocket.Conn) (stop func()) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				// WriteControl is safe concurrently with data writes.
				_ = wsConn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
	}
}

// wire is the write surface a conn needs from its transport. Tests substitute
// an in-memory implementation.
type wire interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
}

// conn is one signaling session. The identity fields implement the
// Unidentified -> Identified transition: both are guarded by the hub mutex and
// set by the first accepted position message.
type conn struct {
	wire wire

	writeMu sync.Mutex

	identified bool
	identity   string
}

func (c *conn) send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.wire.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.wire.WriteMessage(websocket.TextMessage, payload)
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}

type rateLimiter struct {
	rate     float64
	capacity float64
	tokens   float64
	last     time.Time
}

func newRateLimiter(messagesPerSecond int) *rateLimiter {
	rate := float64(messagesPerSecond)
	return &rateLimiter{
		rate:     rate,
		capacity: rate,
		tokens:   rate,
		last:     time.Now(),
	}
}

func (rl *rateLimiter) Allow(now time.Time) bool {
	elapsed := now.Sub(rl.last).Seconds()
	rl.tokens += elapsed * rl.rate
	if rl.tokens > rl.capacity {
		rl.tokens = rl.capacity
	}
	rl.last = now

	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}
