package ws

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saturnino-fabrica-de-software/vigia/internal/backbone"
	"github.com/saturnino-fabrica-de-software/vigia/internal/broadcast"
	"github.com/saturnino-fabrica-de-software/vigia/internal/ratelimit"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// fakeConn is an in-memory socket. Frames pushed with send are read by the
// server; everything the server writes is recorded.
type fakeConn struct {
	frames    chan []byte
	closedCh  chan struct{}
	closeOnce sync.Once
	readErr   error
	writeGate chan struct{}

	mu            sync.Mutex
	written       [][]byte
	closeCode     int
	closeText     string
	writeDeadline time.Time
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames:   make(chan []byte, 16),
		closedCh: make(chan struct{}),
	}
}

func (f *fakeConn) send(t *testing.T, v any) {
	t.Helper()
	b, ok := v.([]byte)
	if !ok {
		var err error
		b, err = json.Marshal(v)
		require.NoError(t, err)
	}
	f.frames <- b
}

// hangUp makes the next read fail with err, or a plain close error when nil.
func (f *fakeConn) hangUp(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
	close(f.frames)
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case frame, ok := <-f.frames:
		if !ok {
			f.mu.Lock()
			err := f.readErr
			f.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return 0, nil, err
		}
		return websocket.TextMessage, frame, nil
	case <-f.closedCh:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	if f.writeGate != nil {
		f.mu.Lock()
		wait := time.Until(f.writeDeadline)
		f.mu.Unlock()
		select {
		case <-f.writeGate:
		case <-time.After(wait):
			return timeoutError{}
		case <-f.closedCh:
			return errors.New("use of closed network connection")
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType != websocket.CloseMessage {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(data) >= 2 {
		f.closeCode = int(binary.BigEndian.Uint16(data[:2]))
		f.closeText = string(data[2:])
	}
	return nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (f *fakeConn) SetWriteDeadline(t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeDeadline = t
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closedCh) })
	return nil
}

func (f *fakeConn) messages(t *testing.T) []broadcast.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]broadcast.Envelope, 0, len(f.written))
	for _, raw := range f.written {
		var env broadcast.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		out = append(out, env)
	}
	return out
}

func (f *fakeConn) types(t *testing.T) []broadcast.MessageType {
	var out []broadcast.MessageType
	for _, env := range f.messages(t) {
		out = append(out, env.Type)
	}
	return out
}

func (f *fakeConn) closedWith() (int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.closeText
}

func (f *fakeConn) waitFor(t *testing.T, typ broadcast.MessageType) broadcast.Envelope {
	t.Helper()
	var found broadcast.Envelope
	require.Eventually(t, func() bool {
		for _, env := range f.messages(t) {
			if env.Type == typ {
				found = env
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "waiting for %s", typ)
	return found
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		IdleTimeout:        time.Minute,
		PingInterval:       time.Hour,
		WriteTimeout:       50 * time.Millisecond,
		SendBuffer:         16,
		MaxInvalidMessages: 3,
	}
}

// accept runs Accept in the background and waits until the connection is registered.
func accept(t *testing.T, m *Manager, conn *fakeConn, req AcceptRequest) chan error {
	t.Helper()
	before := m.Count()
	errCh := make(chan error, 1)
	go func() { errCh <- m.Accept(context.Background(), conn, req) }()
	require.Eventually(t, func() bool { return m.Count() > before }, time.Second, 5*time.Millisecond)
	return errCh
}

func waitDone(t *testing.T, errCh chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not return")
		return nil
	}
}

func envelope(t *testing.T, typ broadcast.MessageType, seq int64, jobID string) []byte {
	t.Helper()
	ch, _ := broadcast.ChannelFor(typ)
	b, err := json.Marshal(broadcast.Envelope{
		Type:     typ,
		Data:     json.RawMessage(`{}`),
		Sequence: seq,
		Channel:  ch,
		JobID:    jobID,
	})
	require.NoError(t, err)
	return b
}

func TestManager_AcceptSendsConnectedAndAnswersPing(t *testing.T) {
	m := NewManager(broadcast.ChannelEvents, testConfig(), Options{}, testLogger())
	conn := newFakeConn()

	errCh := accept(t, m, conn, AcceptRequest{RemoteIP: "10.0.0.1"})

	hello := conn.waitFor(t, broadcast.TypeConnected)
	var c Connected
	require.NoError(t, json.Unmarshal(hello.Data, &c))
	assert.Equal(t, "events", c.Channel)
	assert.Equal(t, "anonymous", c.Subject)
	assert.Equal(t, []string{"*"}, c.Events)

	conn.send(t, map[string]string{"type": "ping"})
	conn.waitFor(t, broadcast.TypePong)

	conn.hangUp(nil)
	require.NoError(t, waitDone(t, errCh))
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, broadcast.TypeConnected, conn.types(t)[0])
}

func TestManager_FiltersBySubscription(t *testing.T) {
	m := NewManager(broadcast.ChannelEvents, testConfig(), Options{}, testLogger())
	conn := newFakeConn()
	errCh := accept(t, m, conn, AcceptRequest{})

	conn.send(t, map[string]any{"type": "subscribe", "events": []string{"alert.*"}})
	sub := conn.waitFor(t, broadcast.TypeSubscribed)
	var payload SubscriptionPayload
	require.NoError(t, json.Unmarshal(sub.Data, &payload))
	assert.Equal(t, []string{"alert.*"}, payload.Events)

	m.Dispatch(envelope(t, broadcast.TypeEventNew, 1, ""))
	m.Dispatch(envelope(t, broadcast.TypeAlertCreated, 2, ""))
	conn.waitFor(t, broadcast.TypeAlertCreated)

	assert.NotContains(t, conn.types(t), broadcast.TypeEventNew)
	assert.Equal(t, int64(2), m.Current())

	conn.hangUp(nil)
	waitDone(t, errCh)
}

func TestManager_UnsubscribeRemovesOnlyGivenPatterns(t *testing.T) {
	m := NewManager(broadcast.ChannelEvents, testConfig(), Options{}, testLogger())
	conn := newFakeConn()
	errCh := accept(t, m, conn, AcceptRequest{})

	conn.send(t, map[string]any{"type": "subscribe", "data": map[string]any{"events": []string{"alert.*", "event.new"}}})
	conn.waitFor(t, broadcast.TypeSubscribed)
	conn.send(t, map[string]any{"type": "unsubscribe", "events": []string{"alert.*"}})
	unsub := conn.waitFor(t, broadcast.TypeUnsubscribed)

	var payload SubscriptionPayload
	require.NoError(t, json.Unmarshal(unsub.Data, &payload))
	assert.Equal(t, []string{"event.new"}, payload.Events)

	m.Dispatch(envelope(t, broadcast.TypeAlertCreated, 1, ""))
	m.Dispatch(envelope(t, broadcast.TypeEventNew, 2, ""))
	conn.waitFor(t, broadcast.TypeEventNew)
	assert.NotContains(t, conn.types(t), broadcast.TypeAlertCreated)

	conn.hangUp(nil)
	waitDone(t, errCh)
}

func TestManager_UnsubscribeNarrowsDefaultSubscription(t *testing.T) {
	m := NewManager(broadcast.ChannelEvents, testConfig(), Options{}, testLogger())
	conn := newFakeConn()
	errCh := accept(t, m, conn, AcceptRequest{})

	conn.send(t, map[string]any{"type": "unsubscribe", "events": []string{"alert.*", "detection.new"}})
	unsub := conn.waitFor(t, broadcast.TypeUnsubscribed)

	var payload SubscriptionPayload
	require.NoError(t, json.Unmarshal(unsub.Data, &payload))
	assert.NotContains(t, payload.Events, "*")
	assert.NotContains(t, payload.Events, string(broadcast.TypeAlertCreated))
	assert.NotContains(t, payload.Events, string(broadcast.TypeDetectionNew))
	assert.Contains(t, payload.Events, string(broadcast.TypeEventNew))
	assert.Contains(t, payload.Events, string(broadcast.TypeBatchClosed))

	m.Dispatch(envelope(t, broadcast.TypeAlertCreated, 1, ""))
	m.Dispatch(envelope(t, broadcast.TypeEventNew, 2, ""))
	conn.waitFor(t, broadcast.TypeEventNew)
	assert.NotContains(t, conn.types(t), broadcast.TypeAlertCreated)

	conn.hangUp(nil)
	waitDone(t, errCh)
}

func TestManager_DropsRedeliveredSequences(t *testing.T) {
	m := NewManager(broadcast.ChannelEvents, testConfig(), Options{}, testLogger())
	conn := newFakeConn()
	errCh := accept(t, m, conn, AcceptRequest{})

	m.Dispatch(envelope(t, broadcast.TypeEventNew, 5, ""))
	m.Dispatch(envelope(t, broadcast.TypeEventNew, 5, ""))
	m.Dispatch(envelope(t, broadcast.TypeEventNew, 4, ""))
	m.Dispatch(envelope(t, broadcast.TypeEventNew, 6, ""))

	require.Eventually(t, func() bool {
		var seqs []int64
		for _, env := range conn.messages(t) {
			if env.Type == broadcast.TypeEventNew {
				seqs = append(seqs, env.Sequence)
			}
		}
		return assert.ObjectsAreEqual([]int64{5, 6}, seqs)
	}, time.Second, 5*time.Millisecond)

	conn.hangUp(nil)
	waitDone(t, errCh)
}

func TestManager_JobsChannelScopesByJobID(t *testing.T) {
	m := NewManager(broadcast.ChannelJobs, testConfig(), Options{}, testLogger())
	conn := newFakeConn()
	errCh := accept(t, m, conn, AcceptRequest{JobID: "job-1"})

	m.Dispatch(envelope(t, broadcast.TypeJobLog, 1, "job-2"))
	m.Dispatch(envelope(t, broadcast.TypeJobStatus, 2, "job-1"))
	status := conn.waitFor(t, broadcast.TypeJobStatus)
	assert.Equal(t, "job-1", status.JobID)
	assert.NotContains(t, conn.types(t), broadcast.TypeJobLog)

	conn.hangUp(nil)
	waitDone(t, errCh)
}

func TestManager_JobsChannelRequiresJobID(t *testing.T) {
	m := NewManager(broadcast.ChannelJobs, testConfig(), Options{}, testLogger())
	conn := newFakeConn()

	err := m.Accept(context.Background(), conn, AcceptRequest{})

	assert.ErrorIs(t, err, ErrMissingJobID)
	code, _ := conn.closedWith()
	assert.Equal(t, websocket.ClosePolicyViolation, code)
}

func TestManager_ProtocolErrorsKeepConnectionOpen(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		code  string
	}{
		{"invalid json", []byte(`{not json`), CodeInvalidJSON},
		{"missing type", []byte(`{"events":["a"]}`), CodeInvalidFormat},
		{"non-string type", []byte(`{"type":42}`), CodeInvalidFormat},
		{"unknown type", []byte(`{"type":"dance"}`), CodeUnknownType},
		{"empty subscription", []byte(`{"type":"subscribe","events":[]}`), CodeValidation},
		{"bad pattern", []byte(`{"type":"subscribe","events":["a*b"]}`), CodeValidation},
		{"resync wrong channel", []byte(`{"type":"resync","channel":"system","last_sequence":1}`), CodeValidation},
		{"resync missing sequence", []byte(`{"type":"resync","channel":"events"}`), CodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(broadcast.ChannelEvents, testConfig(), Options{}, testLogger())
			conn := newFakeConn()
			errCh := accept(t, m, conn, AcceptRequest{})

			conn.send(t, tt.frame)
			env := conn.waitFor(t, broadcast.TypeError)
			assert.Equal(t, tt.code, env.Error)

			var payload ErrorPayload
			require.NoError(t, json.Unmarshal(env.Data, &payload))
			assert.Equal(t, tt.code, payload.Code)
			assert.Equal(t, 1, m.Count(), "connection stays open")

			conn.hangUp(nil)
			waitDone(t, errCh)
		})
	}
}

func TestManager_TooManyInvalidMessagesCloses(t *testing.T) {
	m := NewManager(broadcast.ChannelEvents, testConfig(), Options{}, testLogger())
	conn := newFakeConn()
	errCh := accept(t, m, conn, AcceptRequest{})

	conn.send(t, []byte(`nope`))
	conn.send(t, map[string]string{"type": "ping"})
	conn.send(t, []byte(`nope`))
	conn.send(t, []byte(`nope`))
	conn.send(t, []byte(`nope`))

	require.NoError(t, waitDone(t, errCh))
	code, reason := conn.closedWith()
	assert.Equal(t, websocket.ClosePolicyViolation, code)
	assert.Equal(t, ReasonTooManyInvalid, reason)

	replies := 0
	for _, typ := range conn.types(t) {
		if typ == broadcast.TypeError {
			replies++
		}
	}
	assert.Equal(t, 4, replies, "queued error replies are flushed before close")
}

func TestManager_Resync(t *testing.T) {
	m := NewManager(broadcast.ChannelEvents, testConfig(), Options{}, testLogger())
	conn := newFakeConn()
	errCh := accept(t, m, conn, AcceptRequest{})

	m.Dispatch(envelope(t, broadcast.TypeEventNew, 57, ""))
	conn.send(t, map[string]any{"type": "resync", "channel": "events", "last_sequence": 42})

	env := conn.waitFor(t, broadcast.TypeResyncAck)
	var ack ResyncAck
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.Equal(t, ResyncAck{Channel: "events", LastSequence: 42, CurrentSequence: 57}, ack)
	assert.Zero(t, env.Sequence, "control messages are unsequenced")

	conn.hangUp(nil)
	waitDone(t, errCh)
}

type stubSequences struct {
	value int64
	err   error
}

func (s stubSequences) Current(context.Context, broadcast.Channel) (int64, error) {
	return s.value, s.err
}

func TestManager_CurrentSequencePrefersSequencer(t *testing.T) {
	m := NewManager(broadcast.ChannelEvents, testConfig(), Options{Sequences: stubSequences{value: 90}}, testLogger())
	m.observe(12)
	assert.Equal(t, int64(90), m.CurrentSequence(context.Background()))

	m = NewManager(broadcast.ChannelEvents, testConfig(), Options{Sequences: stubSequences{err: errors.New("db down")}}, testLogger())
	m.observe(12)
	assert.Equal(t, int64(12), m.CurrentSequence(context.Background()))
}

func TestManager_IdleTimeoutClosesNormally(t *testing.T) {
	m := NewManager(broadcast.ChannelEvents, testConfig(), Options{}, testLogger())
	conn := newFakeConn()
	errCh := accept(t, m, conn, AcceptRequest{})

	conn.hangUp(timeoutError{})

	require.NoError(t, waitDone(t, errCh))
	code, reason := conn.closedWith()
	assert.Equal(t, websocket.CloseNormalClosure, code)
	assert.Equal(t, ReasonIdleTimeout, reason)
}

func TestManager_HeartbeatCarriesLastSequence(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 20 * time.Millisecond
	m := NewManager(broadcast.ChannelSystem, cfg, Options{}, testLogger())
	conn := newFakeConn()
	errCh := accept(t, m, conn, AcceptRequest{})

	m.Dispatch(envelope(t, broadcast.TypeSystemStatus, 9, ""))

	require.Eventually(t, func() bool {
		for _, env := range conn.messages(t) {
			if env.Type != broadcast.TypePing {
				continue
			}
			var hb Heartbeat
			if json.Unmarshal(env.Data, &hb) == nil && hb.LastSequence == 9 && hb.Channel == "system" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	conn.hangUp(nil)
	waitDone(t, errCh)
}

func TestManager_IdleStateAfterQuietPeriod(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 20 * time.Millisecond
	m := NewManager(broadcast.ChannelEvents, cfg, Options{}, testLogger())
	conn := newFakeConn()
	errCh := accept(t, m, conn, AcceptRequest{})

	var c *Connection
	m.mu.RLock()
	for _, v := range m.conns {
		c = v
	}
	m.mu.RUnlock()

	require.Eventually(t, func() bool { return c.State() == StateIdle }, time.Second, 5*time.Millisecond)

	conn.send(t, map[string]string{"type": "ping"})
	require.Eventually(t, func() bool { return c.State() == StateActive }, time.Second, time.Millisecond)

	conn.hangUp(nil)
	waitDone(t, errCh)
	assert.Equal(t, StateClosed, c.State())
}

func TestManager_SlowConsumerIsEvicted(t *testing.T) {
	cfg := testConfig()
	cfg.SendBuffer = 2
	cfg.WriteTimeout = 500 * time.Millisecond
	m := NewManager(broadcast.ChannelEvents, cfg, Options{}, testLogger())

	slow := newFakeConn()
	slow.writeGate = make(chan struct{})
	fast := newFakeConn()

	slowDone := accept(t, m, slow, AcceptRequest{RemoteIP: "10.0.0.9"})
	fastDone := accept(t, m, fast, AcceptRequest{RemoteIP: "10.0.0.10"})

	countEvents := func() int {
		n := 0
		for _, typ := range fast.types(t) {
			if typ == broadcast.TypeEventNew {
				n++
			}
		}
		return n
	}

	// The slow writer is stuck on the hello frame, so its buffer fills by the third message.
	for seq := int64(1); seq <= 3; seq++ {
		m.Dispatch(envelope(t, broadcast.TypeEventNew, seq, ""))
		want := int(seq)
		require.Eventually(t, func() bool { return countEvents() == want }, time.Second, time.Millisecond)
	}

	assert.Equal(t, int64(1), m.Stats().Evicted)
	assert.Equal(t, 1, m.Count(), "other connections are unaffected")
	require.NoError(t, waitDone(t, slowDone))

	code, reason := slow.closedWith()
	assert.Equal(t, websocket.ClosePolicyViolation, code)
	assert.Equal(t, ReasonSlowConsumer, reason)

	fast.hangUp(nil)
	waitDone(t, fastDone)
}

func TestManager_ShutdownFlushesThenCloses(t *testing.T) {
	m := NewManager(broadcast.ChannelEvents, testConfig(), Options{}, testLogger())
	conn := newFakeConn()
	errCh := accept(t, m, conn, AcceptRequest{})

	m.Dispatch(envelope(t, broadcast.TypeEventNew, 1, ""))
	m.Dispatch(envelope(t, broadcast.TypeEventNew, 2, ""))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	code, reason := conn.closedWith()
	assert.Equal(t, websocket.CloseNormalClosure, code)
	assert.Equal(t, ReasonShutdown, reason)
	assert.Equal(t, []broadcast.MessageType{broadcast.TypeConnected, broadcast.TypeEventNew, broadcast.TypeEventNew}, conn.types(t))

	waitDone(t, errCh)

	late := newFakeConn()
	assert.ErrorIs(t, m.Accept(context.Background(), late, AcceptRequest{}), ErrShuttingDown)
}

func TestManager_RateLimitsConnectAttempts(t *testing.T) {
	m := NewManager(broadcast.ChannelEvents, testConfig(), Options{Limiter: ratelimit.NewWindow(1, time.Minute)}, testLogger())

	first := newFakeConn()
	errCh := accept(t, m, first, AcceptRequest{RemoteIP: "10.0.0.1"})

	second := newFakeConn()
	err := m.Accept(context.Background(), second, AcceptRequest{RemoteIP: "10.0.0.1"})
	assert.ErrorIs(t, err, ErrRateLimited)
	code, reason := second.closedWith()
	assert.Equal(t, websocket.ClosePolicyViolation, code)
	assert.Equal(t, ReasonRateLimited, reason)
	assert.Equal(t, int64(1), m.Stats().Rejected)

	first.hangUp(nil)
	waitDone(t, errCh)
}

func TestManager_AuthFailureClosesWithPolicyViolation(t *testing.T) {
	auth := NewAuthenticator([]string{"deadbeef"}, nil, nil, nil)
	m := NewManager(broadcast.ChannelEvents, testConfig(), Options{Auth: auth}, testLogger())
	conn := newFakeConn()

	err := m.Accept(context.Background(), conn, AcceptRequest{Credentials: Credentials{APIKey: "wrong"}})

	assert.ErrorIs(t, err, ErrInvalidCredentials)
	code, _ := conn.closedWith()
	assert.Equal(t, websocket.ClosePolicyViolation, code)
	assert.Equal(t, 0, m.Count())
	assert.Empty(t, conn.types(t))
}

func TestManager_StartConsumesBackbone(t *testing.T) {
	bb := backbone.NewMemory(16)
	defer bb.Close()

	m := NewManager(broadcast.ChannelEvents, testConfig(), Options{}, testLogger())
	require.NoError(t, m.Start(bb))

	conn := newFakeConn()
	errCh := accept(t, m, conn, AcceptRequest{})

	require.NoError(t, bb.Publish(context.Background(), "events", envelope(t, broadcast.TypeEventNew, 1, "")))
	conn.waitFor(t, broadcast.TypeEventNew)

	conn.hangUp(nil)
	waitDone(t, errCh)
}

func TestManager_DiscardsForeignAndMalformedPayloads(t *testing.T) {
	m := NewManager(broadcast.ChannelEvents, testConfig(), Options{}, testLogger())
	conn := newFakeConn()
	errCh := accept(t, m, conn, AcceptRequest{})

	m.Dispatch([]byte(`garbage`))
	m.Dispatch(envelope(t, broadcast.TypeSystemStatus, 3, ""))
	m.Dispatch(envelope(t, broadcast.TypeEventNew, 1, ""))
	conn.waitFor(t, broadcast.TypeEventNew)

	assert.NotContains(t, conn.types(t), broadcast.TypeSystemStatus)
	assert.Equal(t, int64(1), m.Current())

	conn.hangUp(nil)
	waitDone(t, errCh)
}
