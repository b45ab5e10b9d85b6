package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/websocket/v2"

	"github.com/saturnino-fabrica-de-software/vigia/internal/broadcast"
)

var (
	ErrSlowConsumer     = errors.New("slow consumer: send buffer full")
	errConnectionClosed = errors.New("connection closed")
)

// Close reasons sent with the close frame.
const (
	ReasonIdleTimeout    = "idle timeout"
	ReasonShutdown       = "server shutting down"
	ReasonSlowConsumer   = "slow consumer"
	ReasonRateLimited    = "rate limit exceeded"
	ReasonTooManyInvalid = "too many invalid messages"
	ReasonInternalError  = "internal error"
	ReasonClientClosed   = "client closed"
)

// Conn is the subset of a websocket connection the pumps use.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateIdle
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Connection is one dashboard socket on one channel.
type Connection struct {
	id        string
	channel   broadcast.Channel
	jobID     string
	remoteIP  string
	principal *Principal
	conn      Conn
	manager   *Manager
	send      chan []byte
	done      chan struct{}

	state        atomic.Int32
	lastSequence atomic.Int64
	lastActivity atomic.Int64

	mu        sync.Mutex
	patterns  patternSet
	defaulted bool

	sendMu      sync.Mutex
	sendClosed  bool
	closeCode   int
	closeReason string

	// read goroutine only
	invalidStreak int
}

func newConnection(id string, m *Manager, conn Conn, remoteIP, jobID string) *Connection {
	c := &Connection{
		id:        id,
		channel:   m.channel,
		jobID:     jobID,
		remoteIP:  remoteIP,
		conn:      conn,
		manager:   m,
		send:      make(chan []byte, m.cfg.SendBuffer),
		done:      make(chan struct{}),
		patterns:  patternSet{defaultPattern: {}},
		defaulted: true,
	}
	c.setState(StateConnecting)
	c.touch()
	return c
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Connection) LastSequence() int64 {
	return c.lastSequence.Load()
}

// Patterns returns the current subscription, sorted.
func (c *Connection) Patterns() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.patterns.list()
}

// touch records client traffic and wakes an idle connection.
func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
	c.state.CompareAndSwap(int32(StateIdle), int32(StateActive))
}

func (c *Connection) quietFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastActivity.Load()))
}

// enqueue never blocks. A full buffer reports ErrSlowConsumer.
func (c *Connection) enqueue(msg []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.sendClosed {
		return errConnectionClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// closeSend stops delivery and tells the writer to flush and close with code.
// Only the first call decides the close code.
func (c *Connection) closeSend(code int, reason string) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.sendClosed {
		return false
	}
	c.sendClosed = true
	c.closeCode = code
	c.closeReason = reason
	c.setState(StateClosing)
	close(c.send)
	return true
}

// deliver filters one backbone message for this connection.
func (c *Connection) deliver(env *broadcast.Envelope, payload []byte) error {
	if st := c.State(); st != StateActive && st != StateIdle {
		return nil
	}
	// Redelivered or stale sequences are dropped; the backbone order is authoritative.
	if env.Sequence > 0 && env.Sequence <= c.lastSequence.Load() {
		return nil
	}
	if c.channel == broadcast.ChannelJobs && env.JobID != c.jobID {
		return nil
	}

	c.mu.Lock()
	ok := c.patterns.matches(env.Type)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	if err := c.enqueue(payload); err != nil {
		if errors.Is(err, errConnectionClosed) {
			return nil
		}
		return err
	}
	if env.Sequence > 0 {
		c.lastSequence.Store(env.Sequence)
	}
	return nil
}

// readPump runs on the accepting goroutine and returns the close code to use.
func (c *Connection) readPump(ctx context.Context) (code int, reason string) {
	defer func() {
		if r := recover(); r != nil {
			c.manager.logger.Error("connection panic recovered",
				"connection_id", c.id,
				"channel", c.channel,
				"panic", r,
			)
			code, reason = websocket.CloseInternalServerErr, ReasonInternalError
		}
	}()

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.manager.cfg.IdleTimeout))

		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return websocket.CloseNormalClosure, ReasonIdleTimeout
			}
			return websocket.CloseNormalClosure, ReasonClientClosed
		}

		c.touch()
		if code, reason := c.handleFrame(ctx, frame); code != 0 {
			return code, reason
		}
	}
}

// handleFrame answers one client frame. A non-zero code closes the connection.
func (c *Connection) handleFrame(ctx context.Context, frame []byte) (int, string) {
	reply, cerr, err := c.handleClientMessage(ctx, frame)
	if err != nil {
		c.manager.logger.Error("client message failed", "connection_id", c.id, "error", err)
		return websocket.CloseInternalServerErr, ReasonInternalError
	}

	closing := false
	if cerr != nil {
		c.invalidStreak++
		c.manager.logger.Debug("invalid client message",
			"connection_id", c.id,
			"code", cerr.code,
			"streak", c.invalidStreak,
		)
		if reply, err = errorMessage(cerr.code, cerr.message); err != nil {
			return websocket.CloseInternalServerErr, ReasonInternalError
		}
		limit := c.manager.cfg.MaxInvalidMessages
		closing = limit > 0 && c.invalidStreak >= limit
	} else {
		c.invalidStreak = 0
	}

	if reply != nil {
		if err := c.enqueue(reply); errors.Is(err, ErrSlowConsumer) {
			return websocket.ClosePolicyViolation, ReasonSlowConsumer
		}
	}
	if closing {
		return websocket.ClosePolicyViolation, ReasonTooManyInvalid
	}
	return 0, ""
}

func (c *Connection) handleClientMessage(ctx context.Context, frame []byte) ([]byte, *clientError, error) {
	msgType, payload, cerr := parseClientMessage(frame)
	if cerr != nil {
		return nil, cerr, nil
	}

	switch msgType {
	case ClientPing:
		reply, err := encode(broadcast.TypePong, map[string]time.Time{"server_time": time.Now().UTC()})
		return reply, nil, err

	case ClientSubscribe:
		events, cerr := parseSubscription(payload)
		if cerr != nil {
			return nil, cerr, nil
		}
		reply, err := encode(broadcast.TypeSubscribed, SubscriptionPayload{Events: c.subscribe(events)})
		return reply, nil, err

	case ClientUnsubscribe:
		events, cerr := parseSubscription(payload)
		if cerr != nil {
			return nil, cerr, nil
		}
		reply, err := encode(broadcast.TypeUnsubscribed, SubscriptionPayload{Events: c.unsubscribe(events)})
		return reply, nil, err

	case ClientResync:
		last, cerr := parseResync(payload, c.channel)
		if cerr != nil {
			return nil, cerr, nil
		}
		current := c.manager.CurrentSequence(ctx)
		c.manager.logger.Info("client resync",
			"connection_id", c.id,
			"channel", c.channel,
			"last_sequence", last,
			"current_sequence", current,
		)
		reply, err := encode(broadcast.TypeResyncAck, ResyncAck{
			Channel:         string(c.channel),
			LastSequence:    last,
			CurrentSequence: current,
		})
		return reply, nil, err
	}

	return nil, invalid(CodeUnknownType, "unknown message type %q", msgType), nil
}

// subscribe unions patterns into the filter. The first explicit subscription
// replaces the implicit catch-all.
func (c *Connection) subscribe(events []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.defaulted {
		delete(c.patterns, defaultPattern)
		c.defaulted = false
	}
	for _, p := range events {
		c.patterns[p] = struct{}{}
	}
	return c.patterns.list()
}

// unsubscribe removes exactly the given patterns. A catch-all in the set is first
// expanded into the channel's concrete types, and those are removed by match.
func (c *Connection) unsubscribe(events []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.defaulted = false
	var expanded patternSet
	if _, ok := c.patterns[defaultPattern]; ok {
		delete(c.patterns, defaultPattern)
		expanded = make(patternSet)
		for _, t := range broadcast.TypesFor(c.channel) {
			c.patterns[string(t)] = struct{}{}
			expanded[string(t)] = struct{}{}
		}
	}

	for _, p := range events {
		delete(c.patterns, p)
		for t := range expanded {
			if broadcast.Matches(p, broadcast.MessageType(t)) {
				delete(c.patterns, t)
			}
		}
	}
	return c.patterns.list()
}

// writePump owns every write to the socket. It drains the send buffer after
// closeSend, then writes the close frame.
func (c *Connection) writePump() {
	cfg := c.manager.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		c.setState(StateClosed)
		close(c.done)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.writeClose()
				return
			}
			if err := c.write(msg); err != nil {
				c.manager.logger.Debug("write failed", "connection_id", c.id, "error", err)
				c.drop()
				c.writeClose()
				return
			}

		case now := <-ticker.C:
			if c.quietFor(now) >= cfg.PingInterval {
				c.state.CompareAndSwap(int32(StateActive), int32(StateIdle))
			}
			if err := c.write(c.heartbeat(now)); err != nil {
				c.drop()
				return
			}
		}
	}
}

func (c *Connection) write(msg []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.manager.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *Connection) heartbeat(now time.Time) []byte {
	// Heartbeat has only plain fields; marshal cannot fail.
	data, _ := json.Marshal(Heartbeat{
		Channel:      string(c.channel),
		LastSequence: c.manager.Current(),
		ServerTime:   now.UTC(),
	})
	msg, _ := json.Marshal(broadcast.Envelope{Type: broadcast.TypePing, Data: data})
	return msg
}

func (c *Connection) writeClose() {
	c.sendMu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.sendMu.Unlock()

	// 1006 is reserved for the local side and never goes on the wire.
	if code == websocket.CloseAbnormalClosure {
		return
	}
	deadline := time.Now().Add(c.manager.cfg.WriteTimeout)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

// drop handles a dead socket: stop accepting messages and let the reader fail.
func (c *Connection) drop() {
	c.manager.unregister(c, websocket.CloseAbnormalClosure, "write failed")
}
