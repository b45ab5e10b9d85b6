package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/saturnino-fabrica-de-software/vigia/internal/domain"
)

var (
	ErrInvalidDetection = errors.New("invalid detection")
	ErrStopped          = errors.New("aggregator stopped")
)

// Handler receives the units of work the aggregator produces.
// Calls may arrive concurrently from different cameras.
type Handler interface {
	HandleBatch(ctx context.Context, b *domain.Batch)
	HandleDetection(ctx context.Context, d domain.Detection)
}

type Config struct {
	Window        time.Duration
	Idle          time.Duration
	MaxDetections int
	// TieBreak is recorded when window and idle expire at the same evaluation.
	TieBreak domain.CloseReason
}

func DefaultConfig() Config {
	return Config{
		Window:        90 * time.Second,
		Idle:          30 * time.Second,
		MaxDetections: 50,
		TieBreak:      domain.CloseWindowTimeout,
	}
}

// cameraSlot holds the open batch of one camera. Its mutex is the only lock taken
// on the ingest path, so cameras never contend with each other.
type cameraSlot struct {
	mu       sync.Mutex
	batch    *domain.Batch
	openedAt time.Time
	lastSeen time.Time
	timer    Timer
	gen      uint64
}

// Stats is a point-in-time view used by the system snapshot.
type Stats struct {
	OpenBatches    int64            `json:"open_batches"`
	Cameras        int              `json:"cameras"`
	FastPath       int64            `json:"fast_path"`
	ClosedByReason map[string]int64 `json:"closed_by_reason"`
}

type Aggregator struct {
	cfg      Config
	fastPath *FastPath
	handler  Handler
	clock    Clock
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	slots map[string]*cameraSlot

	wg       sync.WaitGroup
	stopped  atomic.Bool
	open     atomic.Int64
	fastHits atomic.Int64
	closed   sync.Map // domain.CloseReason -> *atomic.Int64
}

func NewAggregator(cfg Config, fastPath *FastPath, handler Handler, clock Clock, logger *slog.Logger) *Aggregator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.Idle <= 0 {
		cfg.Idle = DefaultConfig().Idle
	}
	if cfg.MaxDetections <= 0 {
		cfg.MaxDetections = DefaultConfig().MaxDetections
	}
	if cfg.TieBreak != domain.CloseIdleTimeout {
		cfg.TieBreak = domain.CloseWindowTimeout
	}
	if clock == nil {
		clock = SystemClock
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Aggregator{
		cfg:      cfg,
		fastPath: fastPath,
		handler:  handler,
		clock:    clock,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		slots:    make(map[string]*cameraSlot),
	}
}

// Ingest routes one detection either to the fast path or into its camera's open batch.
func (a *Aggregator) Ingest(ctx context.Context, d domain.Detection) error {
	if a.stopped.Load() {
		return ErrStopped
	}
	if err := d.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDetection, err)
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}

	if a.fastPath.Matches(d) {
		a.fastHits.Add(1)
		a.logger.Debug("fast path detection",
			"camera_id", d.CameraID,
			"object_type", d.ObjectType,
			"confidence", d.Confidence,
		)
		a.dispatch(func(ctx context.Context) { a.handler.HandleDetection(ctx, d) })
		return nil
	}

	slot := a.slot(d.CameraID)
	var toClose []*domain.Batch

	slot.mu.Lock()
	now := a.clock.Now()

	// The timer may not have fired yet for a batch that is already past a deadline.
	if slot.batch != nil {
		if reason, expired := a.expired(slot, now); expired {
			toClose = append(toClose, a.closeLocked(slot, reason, now))
		}
	}
	// Detection time past the window deadline belongs to a new batch, whatever the wall clock says.
	if slot.batch != nil && d.DetectedAt.Sub(slot.batch.OpenedAt) >= a.cfg.Window {
		toClose = append(toClose, a.closeLocked(slot, domain.CloseWindowTimeout, now))
	}

	if slot.batch == nil {
		slot.batch = domain.NewBatch(d.CameraID, d.DetectedAt)
		slot.openedAt = now
		a.open.Add(1)
		a.logger.Debug("batch opened", "camera_id", d.CameraID, "batch_id", slot.batch.ID)
	}

	slot.batch.Add(d)
	slot.lastSeen = now

	if slot.batch.Size() >= a.cfg.MaxDetections {
		toClose = append(toClose, a.closeLocked(slot, domain.CloseMaxSize, now))
	} else {
		a.armLocked(slot, now)
	}
	slot.mu.Unlock()

	for _, b := range toClose {
		a.handoff(b)
	}

	return nil
}

func (a *Aggregator) slot(cameraID string) *cameraSlot {
	a.mu.RLock()
	s, ok := a.slots[cameraID]
	a.mu.RUnlock()
	if ok {
		return s
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok = a.slots[cameraID]; !ok {
		s = &cameraSlot{}
		a.slots[cameraID] = s
	}
	return s
}

func (a *Aggregator) expired(s *cameraSlot, now time.Time) (domain.CloseReason, bool) {
	windowHit := now.Sub(s.openedAt) >= a.cfg.Window
	idleHit := now.Sub(s.lastSeen) >= a.cfg.Idle

	switch {
	case windowHit && idleHit:
		return a.cfg.TieBreak, true
	case windowHit:
		return domain.CloseWindowTimeout, true
	case idleHit:
		return domain.CloseIdleTimeout, true
	}
	return "", false
}

// armLocked schedules one timer at the earlier of the window and idle deadlines.
func (a *Aggregator) armLocked(s *cameraSlot, now time.Time) {
	deadline := s.openedAt.Add(a.cfg.Window)
	if idle := s.lastSeen.Add(a.cfg.Idle); idle.Before(deadline) {
		deadline = idle
	}

	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = a.clock.AfterFunc(deadline.Sub(now), func() {
		a.onTimer(s, gen)
	})
}

func (a *Aggregator) onTimer(s *cameraSlot, gen uint64) {
	s.mu.Lock()
	if s.batch == nil || s.gen != gen {
		s.mu.Unlock()
		return
	}

	now := a.clock.Now()
	reason, expired := a.expired(s, now)
	if !expired {
		a.armLocked(s, now)
		s.mu.Unlock()
		return
	}

	b := a.closeLocked(s, reason, now)
	s.mu.Unlock()

	a.handoff(b)
}

// closeLocked moves the batch to CLOSING and frees the slot for the next batch.
func (a *Aggregator) closeLocked(s *cameraSlot, reason domain.CloseReason, now time.Time) *domain.Batch {
	b := s.batch
	s.batch = nil
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	closedAt := now
	b.State = domain.BatchClosing
	b.CloseReason = reason
	b.ClosedAt = &closedAt

	a.open.Add(-1)
	a.countClosed(reason)

	a.logger.Info("batch closed",
		"camera_id", b.CameraID,
		"batch_id", b.ID,
		"reason", reason,
		"detections", b.Size(),
		"open_for", now.Sub(s.openedAt),
	)

	return b
}

// handoff transfers ownership of a CLOSING batch to the handler. The batch is
// CLOSED from the handler's point of view and is not touched here afterwards.
func (a *Aggregator) handoff(b *domain.Batch) {
	a.dispatch(func(ctx context.Context) {
		b.State = domain.BatchClosed
		a.handler.HandleBatch(ctx, b)
	})
}

func (a *Aggregator) dispatch(fn func(ctx context.Context)) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn(a.ctx)
	}()
}

func (a *Aggregator) countClosed(reason domain.CloseReason) {
	v, _ := a.closed.LoadOrStore(reason, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

// Flush closes every open batch with reason shutdown and hands it off.
func (a *Aggregator) Flush() int {
	a.mu.RLock()
	slots := make([]*cameraSlot, 0, len(a.slots))
	for _, s := range a.slots {
		slots = append(slots, s)
	}
	a.mu.RUnlock()

	now := a.clock.Now()
	flushed := 0
	for _, s := range slots {
		s.mu.Lock()
		if s.batch == nil {
			s.mu.Unlock()
			continue
		}
		b := a.closeLocked(s, domain.CloseShutdown, now)
		s.mu.Unlock()

		a.handoff(b)
		flushed++
	}
	return flushed
}

// Stop rejects new detections, flushes open batches and waits for in-flight handoffs
// until ctx expires.
func (a *Aggregator) Stop(ctx context.Context) error {
	if !a.stopped.CompareAndSwap(false, true) {
		return nil
	}

	flushed := a.Flush()
	a.logger.Info("aggregator stopping", "flushed_batches", flushed)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.cancel()
		return nil
	case <-ctx.Done():
		a.cancel()
		return fmt.Errorf("wait for batch handoffs: %w", ctx.Err())
	}
}

func (a *Aggregator) OpenBatches() int64 {
	return a.open.Load()
}

func (a *Aggregator) Stats() Stats {
	a.mu.RLock()
	cameras := len(a.slots)
	a.mu.RUnlock()

	byReason := make(map[string]int64)
	a.closed.Range(func(k, v any) bool {
		byReason[string(k.(domain.CloseReason))] = v.(*atomic.Int64).Load()
		return true
	})

	return Stats{
		OpenBatches:    a.open.Load(),
		Cameras:        cameras,
		FastPath:       a.fastHits.Load(),
		ClosedByReason: byReason,
	}
}
