package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Limiter answers whether one more attempt for key fits in the current window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type counter struct {
	count     int
	windowEnd time.Time
}

// Window is a fixed-window limiter kept in process memory.
type Window struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	counters map[string]*counter
}

func NewWindow(max int, window time.Duration) *Window {
	if window <= 0 {
		window = time.Minute
	}
	return &Window{
		max:      max,
		window:   window,
		now:      time.Now,
		counters: make(map[string]*counter),
	}
}

// Allow always succeeds when max is not positive.
func (w *Window) Allow(_ context.Context, key string) (bool, error) {
	if w.max <= 0 {
		return true, nil
	}

	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	c, ok := w.counters[key]
	if !ok || !now.Before(c.windowEnd) {
		w.counters[key] = &counter{count: 1, windowEnd: now.Add(w.window)}
		return true, nil
	}

	c.count++
	return c.count <= w.max, nil
}

// Cleanup drops expired windows and returns how many were removed.
func (w *Window) Cleanup() int {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	for key, c := range w.counters {
		if !now.Before(c.windowEnd) {
			delete(w.counters, key)
			removed++
		}
	}
	return removed
}

// Run cleans expired windows until ctx is done.
func (w *Window) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Cleanup()
		}
	}
}

// DB interface for database operations
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGLimiter shares one fixed window per key across every replica.
type PGLimiter struct {
	db     DB
	max    int
	window time.Duration
	now    func() time.Time
}

func NewPGLimiter(db *pgxpool.Pool, max int, window time.Duration) *PGLimiter {
	return NewPGLimiterWithDB(db, max, window)
}

// NewPGLimiterWithDB creates a limiter with custom DB interface
func NewPGLimiterWithDB(db DB, max int, window time.Duration) *PGLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &PGLimiter{
		db:     db,
		max:    max,
		window: window,
		now:    time.Now,
	}
}

func (r *PGLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if r.max <= 0 {
		return true, nil
	}

	now := r.now()

	// An expired row restarts its window in the same statement.
	query := `
		INSERT INTO rate_limit_counters (key, count, window_end)
		VALUES ($1, 1, $2)
		ON CONFLICT (key)
		DO UPDATE SET
			count = CASE
				WHEN rate_limit_counters.window_end <= $3 THEN 1
				ELSE rate_limit_counters.count + 1
			END,
			window_end = CASE
				WHEN rate_limit_counters.window_end <= $3 THEN $2
				ELSE rate_limit_counters.window_end
			END
		RETURNING count
	`

	var count int
	if err := r.db.QueryRow(ctx, query, key, now.Add(r.window), now).Scan(&count); err != nil {
		return false, fmt.Errorf("check rate limit: %w", err)
	}

	return count <= r.max, nil
}

// CleanupExpired removes expired rate limit counters
func (r *PGLimiter) CleanupExpired(ctx context.Context) (int64, error) {
	query := `DELETE FROM rate_limit_counters WHERE window_end < NOW() - INTERVAL '1 hour'`
	result, err := r.db.Exec(ctx, query)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
