// Package stream serves waveform and spectrogram packets over WebSocket and
// pushes confirmed detections to subscribed clients.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"seisflow/internal/detector"
	"seisflow/internal/domain"
	"seisflow/internal/logging"
	"seisflow/internal/observability"
	"seisflow/internal/query"
)

// Querier produces encoded packets. *query.Service implements it.
type Querier interface {
	WaveformPacket(ctx context.Context, req query.Request) ([]byte, error)
	SpectrogramPacket(ctx context.Context, req query.Request) ([]byte, error)
}

// Config configures the stream server.
type Config struct {
	// RequestsPerSecond limits requests per connection. 0 disables limiting.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	// RequestTimeout bounds each packet query.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int   `mapstructure:"send_buffer"`
	ReadLimit  int64 `mapstructure:"read_limit"`
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10,
		Burst:             20,
		RequestTimeout:    30 * time.Second,
		WriteTimeout:      10 * time.Second,
		PingInterval:      30 * time.Second,
		SendBuffer:        64,
		ReadLimit:         64 << 10,
	}
}

// Options configures a Server.
type Options struct {
	Logger *logrus.Entry
}

// Server is an http.Handler upgrading requests to packet streams.
type Server struct {
	q        Querier
	cfg      Config
	log      *logrus.Entry
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

var _ detector.Handler = (*Server)(nil)

// NewServer creates a stream server answering from q.
func NewServer(q Querier, cfg Config, opts Options) *Server {
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = max(1, int(cfg.RequestsPerSecond))
	}
	if opts.Logger == nil {
		opts.Logger = logging.Component("stream")
	}
	return &Server{
		q:   q,
		cfg: cfg,
		log: opts.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Clients returns the number of open connections.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan outbound, s.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	if s.cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.Burst)
	}
	log := s.log.WithFields(logrus.Fields{"client": c.id, "remote": r.RemoteAddr})

	s.register(c)
	defer s.unregister(c)
	log.Info("client connected")

	go s.writeLoop(c, log)
	s.readLoop(r.Context(), c, log)
	log.Info("client disconnected")
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	observability.DefaultMetrics.StreamConnections.Inc()
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
	observability.DefaultMetrics.StreamConnections.Dec()
}

// HandleDetection broadcasts a detection to subscribed clients. Clients
// whose queue is full miss the message.
func (s *Server) HandleDetection(_ context.Context, r domain.DetectionResult) error {
	data, err := json.Marshal(NewDetectionMessage(r))
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		if !c.subscribed.Load() {
			continue
		}
		if !c.offer(outbound{kind: websocket.TextMessage, data: data, label: TypeDetection}) {
			s.log.WithField("client", c.id).Warn("client queue full, detection dropped")
		}
	}
	return nil
}

// readLoop handles requests in arrival order. Replies keep that order.
func (s *Server) readLoop(ctx context.Context, c *client, log *logrus.Entry) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Warn("read failed")
			}
			return
		}
		if kind != websocket.TextMessage {
			s.reply(c, StatusMessage{Type: TypeError, Error: "requests must be JSON text frames"})
			continue
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.reply(c, StatusMessage{Type: TypeError, Error: "malformed request: " + err.Error()})
			continue
		}
		if req.RequestID == "" {
			req.RequestID = uuid.NewString()
		}

		if c.limiter != nil && !c.limiter.Allow() {
			observability.DefaultMetrics.StreamRateLimited.Inc()
			s.reply(c, StatusMessage{Type: TypeError, RequestID: req.RequestID, Error: "rate limit exceeded"})
			continue
		}

		s.handle(ctx, c, req, log)
	}
}

func (s *Server) handle(ctx context.Context, c *client, req Request, log *logrus.Entry) {
	log = log.WithFields(logrus.Fields{"request_id": req.RequestID, "command": req.Command})

	var packet func(context.Context, query.Request) ([]byte, error)
	switch req.Command {
	case CommandWaveform:
		packet = s.q.WaveformPacket
	case CommandSpectrogram:
		packet = s.q.SpectrogramPacket
	case CommandSubscribeDetections:
		c.subscribed.Store(true)
		s.reply(c, StatusMessage{Type: TypeSubscribed, RequestID: req.RequestID})
		return
	default:
		s.reply(c, StatusMessage{Type: TypeError, RequestID: req.RequestID, Error: "unknown command " + req.Command})
		return
	}

	qr, err := req.queryRequest()
	if err != nil {
		s.reply(c, StatusMessage{Type: TypeError, RequestID: req.RequestID, Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	b, err := packet(ctx, qr)
	if err != nil {
		log.WithError(err).Warn("request failed")
		s.reply(c, StatusMessage{Type: TypeError, RequestID: req.RequestID, Error: err.Error()})
		return
	}
	c.push(outbound{kind: websocket.BinaryMessage, data: b, label: req.Command})
}

func (s *Server) reply(c *client, m StatusMessage) {
	data, err := json.Marshal(m)
	if err != nil {
		s.log.WithError(err).Error("marshal reply")
		return
	}
	c.push(outbound{kind: websocket.TextMessage, data: data, label: m.Type})
}

// writeLoop is the only writer of c.conn.
func (s *Server) writeLoop(c *client, log *logrus.Entry) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.cfg.WriteTimeout))
			c.conn.Close()
			return

		case m := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(m.kind, m.data); err != nil {
				log.WithError(err).Warn("write failed")
				c.close()
				c.conn.Close()
				return
			}
			observability.RecordStreamMessage(m.label)

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				c.close()
				c.conn.Close()
				return
			}
		}
	}
}

type outbound struct {
	kind  int
	data  []byte
	label string
}

type client struct {
	id         string
	conn       *websocket.Conn
	send       chan outbound
	done       chan struct{}
	closeOnce  sync.Once
	limiter    *rate.Limiter
	subscribed atomic.Bool
}

// push queues m, waiting for room unless the client is closing.
func (c *client) push(m outbound) {
	select {
	case c.send <- m:
	case <-c.done:
	}
}

// offer queues m without waiting.
func (c *client) offer(m outbound) bool {
	select {
	case c.send <- m:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}
