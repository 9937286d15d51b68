package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"seisflow/internal/domain"
	"seisflow/internal/logging"
	"seisflow/internal/observability"
	"seisflow/internal/wire"
)

// WSConfig configures WebSocket feed behavior.
type WSConfig struct {
	// Endpoint is the ws:// or wss:// URL of the packet feed.
	Endpoint string `mapstructure:"endpoint"`
	// Channels are announced to the feed after each connect. Empty means all.
	Channels []string `mapstructure:"channels"`
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// Buffer is the capacity of the delivery channel.
	Buffer int `mapstructure:"buffer"`
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		Buffer:            1024,
	}
}

// SubscribeMessage is sent as a text frame after every connect.
type SubscribeMessage struct {
	Command  string   `json:"command"`
	Channels []string `json:"channels,omitempty"`
}

// WSSource reads binary waveform packets from a WebSocket feed. Lost
// connections are re-dialled with exponential backoff until ctx ends.
type WSSource struct {
	cfg    WSConfig
	log    *logrus.Entry
	dialer websocket.Dialer

	connMu sync.Mutex
	conn   *websocket.Conn

	subscribed atomic.Bool
	received   atomic.Int64
	dropped    atomic.Int64
}

// WSOptions configures a WSSource.
type WSOptions struct {
	Logger *logrus.Entry
}

// NewWSSource creates a feed client. Nothing is dialled until Subscribe.
func NewWSSource(cfg WSConfig, opts WSOptions) *WSSource {
	def := DefaultWSConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = max(def.MaxReconnectDelay, cfg.ReconnectDelay)
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if opts.Logger == nil {
		opts.Logger = logging.Component("feed")
	}
	return &WSSource{
		cfg:    cfg,
		log:    opts.Logger.WithField("endpoint", cfg.Endpoint),
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Subscribe dials the feed and starts delivering packets. The first dial
// must succeed; later disconnects are retried in the background.
func (s *WSSource) Subscribe(ctx context.Context) (<-chan domain.Trace, error) {
	if s.subscribed.Swap(true) {
		return nil, errors.New("feed already subscribed")
	}

	conn, err := s.dial(ctx)
	if err != nil {
		s.subscribed.Store(false)
		return nil, err
	}

	out := make(chan domain.Trace, s.cfg.Buffer)
	go s.run(ctx, conn, out)
	return out, nil
}

// Stats returns the number of packets delivered and dropped as undecodable.
func (s *WSSource) Stats() (received, dropped int64) {
	return s.received.Load(), s.dropped.Load()
}

func (s *WSSource) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	msg := SubscribeMessage{Command: "subscribe", Channels: s.cfg.Channels}
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write subscribe: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	s.log.Info("feed connected")
	return conn, nil
}

// run owns the connection until ctx ends.
func (s *WSSource) run(ctx context.Context, conn *websocket.Conn, out chan<- domain.Trace) {
	defer close(out)

	stop := context.AfterFunc(ctx, func() { s.closeConn(true) })
	defer stop()

	pingDone := make(chan struct{})
	go s.pingLoop(ctx, pingDone)
	defer close(pingDone)

	for {
		err := s.readLoop(ctx, conn, out)
		if ctx.Err() != nil {
			return
		}
		s.log.WithError(err).Warn("feed connection lost")
		s.closeConn(false)

		conn, err = s.reconnect(ctx)
		if err != nil {
			return
		}
	}
}

// readLoop delivers packets until the connection fails.
func (s *WSSource) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- domain.Trace) error {
	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		kind, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		observability.DefaultMetrics.FeedMessageBytes.Observe(float64(len(message)))

		t, err := decode(message)
		if err != nil {
			s.dropped.Add(1)
			observability.RecordIngestError("decode")
			s.log.WithError(err).Warn("dropping undecodable packet")
			continue
		}

		select {
		case out <- t:
			s.received.Add(1)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// reconnect dials until it succeeds or ctx ends.
func (s *WSSource) reconnect(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReconnectDelay
	b.MaxInterval = s.cfg.MaxReconnectDelay
	b.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		s.log.WithError(err).WithField("wait", wait).Warn("feed reconnect failed")
	}

	var conn *websocket.Conn
	op := func() error {
		observability.DefaultMetrics.FeedReconnects.Inc()
		c, err := s.dial(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// pingLoop sends periodic ping frames to keep connection alive.
func (s *WSSource) pingLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			s.connMu.Lock()
			if s.conn != nil {
				// A dead connection surfaces as a read error
				_ = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout))
			}
			s.connMu.Unlock()
		}
	}
}

func (s *WSSource) closeConn(graceful bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return
	}
	if graceful {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(s.cfg.WriteTimeout))
	}
	s.conn.Close()
	s.conn = nil
}

// decode turns a waveform packet into a trace keyed by its channel id.
func decode(message []byte) (domain.Trace, error) {
	p, err := wire.DecodeWaveform(message)
	if err != nil {
		return domain.Trace{}, err
	}
	if p.ChannelID == "" {
		return domain.Trace{}, fmt.Errorf("%w: missing channel id", wire.ErrCorruptPacket)
	}
	return p.Trace(), nil
}
