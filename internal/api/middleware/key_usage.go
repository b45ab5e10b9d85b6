package middleware

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// KeyUsageStore persists the last time a stored API key authenticated.
type KeyUsageStore interface {
	UpdateLastUsed(ctx context.Context, id uuid.UUID) error
}

type KeyUsageConfig struct {
	BufferSize       int           // pending key ids (default 1000)
	DebounceInterval time.Duration // min interval between writes for one key (default 1m)
	FlushInterval    time.Duration // default 5s
	MaxBatchSize     int           // default 100
}

// KeyUsageWorker records last_used_at for stored keys off the request path.
// Every authenticated HTTP request and websocket connect enqueues the key id;
// writes are deduplicated, debounced and flushed in batches.
type KeyUsageWorker struct {
	store  KeyUsageStore
	logger *slog.Logger
	cfg    KeyUsageConfig

	pending chan uuid.UUID

	mu      sync.Mutex
	written map[uuid.UUID]time.Time
	dropped int64

	done chan struct{}
}

func NewKeyUsageWorker(store KeyUsageStore, logger *slog.Logger, cfg KeyUsageConfig) *KeyUsageWorker {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = time.Minute
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}

	return &KeyUsageWorker{
		store:   store,
		logger:  logger,
		cfg:     cfg,
		pending: make(chan uuid.UUID, cfg.BufferSize),
		written: make(map[uuid.UUID]time.Time),
		done:    make(chan struct{}),
	}
}

// Enqueue never blocks; when the buffer is full the update is dropped.
func (w *KeyUsageWorker) Enqueue(keyID uuid.UUID) {
	w.mu.Lock()
	last, seen := w.written[keyID]
	w.mu.Unlock()
	if seen && time.Since(last) < w.cfg.DebounceInterval {
		return
	}

	select {
	case w.pending <- keyID:
	default:
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
	}
}

// Run flushes until ctx is cancelled, then writes what is still pending.
func (w *KeyUsageWorker) Run(ctx context.Context) {
	defer close(w.done)

	flush := time.NewTicker(w.cfg.FlushInterval)
	defer flush.Stop()
	prune := time.NewTicker(5 * time.Minute)
	defer prune.Stop()

	w.logger.Info("key usage worker started", "flush_interval", w.cfg.FlushInterval)

	batch := make(map[uuid.UUID]struct{})
	for {
		select {
		case <-ctx.Done():
			w.drain(batch)
			w.write(batch)
			w.logger.Info("key usage worker stopped")
			return

		case id := <-w.pending:
			batch[id] = struct{}{}
			if len(batch) >= w.cfg.MaxBatchSize {
				w.write(batch)
				batch = make(map[uuid.UUID]struct{})
			}

		case <-flush.C:
			w.write(batch)
			batch = make(map[uuid.UUID]struct{})

		case <-prune.C:
			w.prune()
		}
	}
}

// Done is closed when Run has returned.
func (w *KeyUsageWorker) Done() <-chan struct{} {
	return w.done
}

func (w *KeyUsageWorker) drain(batch map[uuid.UUID]struct{}) {
	for {
		select {
		case id := <-w.pending:
			batch[id] = struct{}{}
		default:
			return
		}
	}
}

func (w *KeyUsageWorker) write(batch map[uuid.UUID]struct{}) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	written := 0
	for id := range batch {
		if err := w.store.UpdateLastUsed(ctx, id); err != nil {
			w.logger.Error("failed to update key last used", "key_id", id, "error", err)
			continue
		}
		w.mu.Lock()
		w.written[id] = time.Now()
		w.mu.Unlock()
		written++
	}

	w.mu.Lock()
	dropped := w.dropped
	w.dropped = 0
	w.mu.Unlock()

	w.logger.Debug("key usage flushed", "written", written, "dropped", dropped)
}

func (w *KeyUsageWorker) prune() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for id, at := range w.written {
		if time.Since(at) > 2*w.cfg.DebounceInterval {
			delete(w.written, id)
		}
	}
}
