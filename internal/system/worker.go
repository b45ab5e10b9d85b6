package system

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/saturnino-fabrica-de-software/vigia/internal/broadcast"
)

// LifecyclePublisher announces background workers on the system channel.
type LifecyclePublisher interface {
	PublishWorkerLifecycle(ctx context.Context, t broadcast.MessageType, w broadcast.WorkerLifecycle) error
}

// loop runs tick every interval until ctx is done, bracketed by worker.started
// and worker.stopped. A panicking tick is reported as worker.failed and the
// loop keeps going.
type loop struct {
	name      string
	replicaID string
	interval  time.Duration
	publisher LifecyclePublisher
	logger    *slog.Logger
}

func (l *loop) run(ctx context.Context, tick func(ctx context.Context)) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info(l.name+" worker started", "interval", l.interval)
	l.announce(ctx, broadcast.TypeWorkerStarted, "")

	for {
		select {
		case <-ctx.Done():
			l.logger.Info(l.name + " worker stopped")
			// ctx is already cancelled; the stop notice gets a short budget of its own.
			stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			l.announce(stopCtx, broadcast.TypeWorkerStopped, "")
			cancel()
			return
		case <-ticker.C:
			l.safeTick(ctx, tick)
		}
	}
}

func (l *loop) safeTick(ctx context.Context, tick func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Sprintf("panic: %v", r)
			l.logger.Error(l.name+" worker tick failed", "error", err)
			l.announce(ctx, broadcast.TypeWorkerFailed, err)
		}
	}()
	tick(ctx)
}

func (l *loop) announce(ctx context.Context, t broadcast.MessageType, errText string) {
	if l.publisher == nil {
		return
	}
	err := l.publisher.PublishWorkerLifecycle(ctx, t, broadcast.WorkerLifecycle{
		Worker:    l.name,
		ReplicaID: l.replicaID,
		Error:     errText,
		At:        time.Now().UTC(),
	})
	if err != nil {
		l.logger.Warn("worker lifecycle not broadcast", "worker", l.name, "type", t, "error", err)
	}
}
