package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/saturnino-fabrica-de-software/vigia/internal/backbone"
	"github.com/saturnino-fabrica-de-software/vigia/internal/broadcast"
	"github.com/saturnino-fabrica-de-software/vigia/internal/ratelimit"
)

var (
	ErrRateLimited   = errors.New("connection rate limit exceeded")
	ErrShuttingDown  = errors.New("connection manager shutting down")
	ErrMissingJobID  = errors.New("job id required on the jobs channel")
	ErrWrongDelivery = errors.New("message for another channel")
)

type Config struct {
	IdleTimeout        time.Duration
	PingInterval       time.Duration
	WriteTimeout       time.Duration
	SendBuffer         int
	MaxInvalidMessages int
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:        120 * time.Second,
		PingInterval:       30 * time.Second,
		WriteTimeout:       10 * time.Second,
		SendBuffer:         256,
		MaxInvalidMessages: 20,
	}
}

// SequenceSource reports the authoritative current sequence of a channel.
type SequenceSource interface {
	Current(ctx context.Context, channel broadcast.Channel) (int64, error)
}

// Options are the optional collaborators of a Manager.
type Options struct {
	Auth      *Authenticator
	Limiter   ratelimit.Limiter
	Sequences SequenceSource
}

// AcceptRequest describes an upgraded socket waiting to join a channel.
type AcceptRequest struct {
	Credentials Credentials
	RemoteIP    string
	JobID       string
}

type Stats struct {
	Channel     string `json:"channel"`
	Connections int    `json:"connections"`
	Current     int64  `json:"current_sequence"`
	Accepted    int64  `json:"accepted"`
	Rejected    int64  `json:"rejected"`
	Evicted     int64  `json:"evicted"`
}

// Manager owns the live connections of one channel on this replica. It consumes
// the channel from the backbone and fans every message out to its connections.
type Manager struct {
	channel broadcast.Channel
	cfg     Config
	opts    Options
	logger  *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Connection

	current  atomic.Int64
	accepted atomic.Int64
	rejected atomic.Int64
	evicted  atomic.Int64
	stopping atomic.Bool
}

func NewManager(channel broadcast.Channel, cfg Config, opts Options, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}

	return &Manager{
		channel: channel,
		cfg:     cfg,
		opts:    opts,
		logger:  logger.With("channel", string(channel)),
		conns:   make(map[string]*Connection),
	}
}

func (m *Manager) Channel() broadcast.Channel {
	return m.channel
}

// Start subscribes the manager to its channel on the backbone.
func (m *Manager) Start(bb backbone.Backbone) error {
	if err := bb.Subscribe(string(m.channel), m.Dispatch); err != nil {
		return fmt.Errorf("subscribe %s: %w", m.channel, err)
	}
	return nil
}

// Accept authenticates and registers conn, then serves it until it closes.
// It blocks for the lifetime of the connection.
func (m *Manager) Accept(ctx context.Context, conn Conn, req AcceptRequest) error {
	if m.stopping.Load() {
		m.closeNow(conn, websocket.CloseNormalClosure, ReasonShutdown)
		return ErrShuttingDown
	}
	if m.channel == broadcast.ChannelJobs && req.JobID == "" {
		m.reject(conn, ErrMissingJobID.Error())
		return ErrMissingJobID
	}

	if m.opts.Limiter != nil {
		allowed, err := m.opts.Limiter.Allow(ctx, "ws:"+req.RemoteIP)
		if err != nil {
			m.logger.Warn("connection rate limit check failed", "remote_ip", req.RemoteIP, "error", err)
		} else if !allowed {
			m.reject(conn, ReasonRateLimited)
			return ErrRateLimited
		}
	}

	c := newConnection(uuid.NewString(), m, conn, req.RemoteIP, req.JobID)

	c.principal = &Principal{Subject: "anonymous", Method: AuthNone}
	if m.opts.Auth.Enabled() {
		c.setState(StateAuthenticating)
		p, err := m.opts.Auth.Authenticate(ctx, string(m.channel), req.Credentials)
		if err != nil {
			m.logger.Info("connection rejected", "remote_ip", req.RemoteIP, "error", err)
			m.reject(conn, err.Error())
			return err
		}
		c.principal = p
	}

	c.setState(StateActive)
	hello, err := encode(broadcast.TypeConnected, Connected{
		ConnectionID:        c.id,
		Channel:             string(m.channel),
		JobID:               c.jobID,
		Subject:             c.principal.Subject,
		CurrentSequence:     m.CurrentSequence(ctx),
		Events:              c.Patterns(),
		PingIntervalSeconds: int(m.cfg.PingInterval / time.Second),
		IdleTimeoutSeconds:  int(m.cfg.IdleTimeout / time.Second),
	})
	if err != nil {
		m.closeNow(conn, websocket.CloseInternalServerErr, ReasonInternalError)
		return err
	}
	_ = c.enqueue(hello)

	m.register(c)
	m.accepted.Add(1)
	m.logger.Info("connection accepted",
		"connection_id", c.id,
		"remote_ip", c.remoteIP,
		"subject", c.principal.Subject,
		"auth", c.principal.Method,
		"job_id", c.jobID,
	)

	go c.writePump()
	code, reason := c.readPump(ctx)
	m.unregister(c, code, reason)
	<-c.done

	m.logger.Info("connection closed",
		"connection_id", c.id,
		"code", code,
		"reason", reason,
		"last_sequence", c.LastSequence(),
	)
	return nil
}

func (m *Manager) reject(conn Conn, reason string) {
	m.rejected.Add(1)
	m.closeNow(conn, websocket.ClosePolicyViolation, reason)
}

// closeNow closes a socket that never got pumps.
func (m *Manager) closeNow(conn Conn, code int, reason string) {
	deadline := time.Now().Add(m.cfg.WriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

func (m *Manager) register(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[c.id] = c
}

// unregister removes c and closes its send buffer under the manager lock, so no
// dispatch can reach a half-closed connection.
func (m *Manager) unregister(c *Connection, code int, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.conns[c.id]; ok && cur == c {
		delete(m.conns, c.id)
	}
	c.closeSend(code, reason)
}

// Dispatch delivers one backbone payload to every matching connection.
func (m *Manager) Dispatch(payload []byte) {
	var env broadcast.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		m.logger.Warn("discarding malformed backbone message", "error", err)
		return
	}
	if env.Channel != "" && env.Channel != m.channel {
		m.logger.Warn("discarding backbone message", "error", ErrWrongDelivery, "message_channel", env.Channel)
		return
	}
	if env.Sequence > 0 {
		m.observe(env.Sequence)
	}

	var slow []*Connection

	m.mu.RLock()
	for _, c := range m.conns {
		if err := c.deliver(&env, payload); errors.Is(err, ErrSlowConsumer) {
			slow = append(slow, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range slow {
		m.evicted.Add(1)
		m.logger.Warn("evicting slow consumer",
			"connection_id", c.id,
			"remote_ip", c.remoteIP,
			"last_sequence", c.LastSequence(),
		)
		m.unregister(c, websocket.ClosePolicyViolation, ReasonSlowConsumer)
	}
}

// observe keeps the highest sequence seen on the backbone.
func (m *Manager) observe(seq int64) {
	for {
		cur := m.current.Load()
		if seq <= cur || m.current.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Current is the highest sequence this replica has seen on the channel.
func (m *Manager) Current() int64 {
	return m.current.Load()
}

// CurrentSequence also asks the sequencer, which knows about messages
// published before this replica subscribed.
func (m *Manager) CurrentSequence(ctx context.Context) int64 {
	cur := m.Current()
	if m.opts.Sequences == nil {
		return cur
	}

	v, err := m.opts.Sequences.Current(ctx, m.channel)
	if err != nil {
		m.logger.Warn("read current sequence failed", "error", err)
		return cur
	}
	if v > cur {
		return v
	}
	return cur
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

func (m *Manager) Stats() Stats {
	return Stats{
		Channel:     string(m.channel),
		Connections: m.Count(),
		Current:     m.Current(),
		Accepted:    m.accepted.Load(),
		Rejected:    m.rejected.Load(),
		Evicted:     m.evicted.Load(),
	}
}

// Shutdown closes every connection gracefully and waits for the writers to
// flush, until ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopping.Store(true)

	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		m.unregister(c, websocket.CloseNormalClosure, ReasonShutdown)
	}

	for _, c := range conns {
		select {
		case <-c.done:
		case <-ctx.Done():
			return fmt.Errorf("wait for %s connections: %w", m.channel, ctx.Err())
		}
	}

	m.logger.Info("connection manager stopped", "closed", len(conns))
	return nil
}
