package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sequencer hands out the per-channel counter. Emit takes the next value for a
// channel and runs emit with it; no other publisher sharing the sequencer can take
// a value for that channel until emit returns, so the backbone receives each
// channel's messages in sequence order across every replica.
type Sequencer interface {
	Emit(ctx context.Context, channel Channel, emit func(seq int64) error) (int64, error)
	Current(ctx context.Context, channel Channel) (int64, error)
}

// MemorySequencer is authoritative only when this process is the single
// publisher of every channel.
type MemorySequencer struct {
	mu     sync.Mutex
	values map[Channel]int64
	locks  map[Channel]*sync.Mutex
}

func NewMemorySequencer() *MemorySequencer {
	return &MemorySequencer{
		values: make(map[Channel]int64),
		locks:  make(map[Channel]*sync.Mutex),
	}
}

func (s *MemorySequencer) channelLock(channel Channel) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[channel]
	if !ok {
		l = &sync.Mutex{}
		s.locks[channel] = l
	}
	return l
}

func (s *MemorySequencer) Emit(_ context.Context, channel Channel, emit func(seq int64) error) (int64, error) {
	l := s.channelLock(channel)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	s.values[channel]++
	seq := s.values[channel]
	s.mu.Unlock()

	return seq, emit(seq)
}

func (s *MemorySequencer) Current(_ context.Context, channel Channel) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[channel], nil
}

// DB interface for database operations
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PGSequencer keeps the counters in Postgres so every replica draws from the same row.
type PGSequencer struct {
	db DB
}

func NewPGSequencer(pool *pgxpool.Pool) *PGSequencer {
	return &PGSequencer{db: pool}
}

// NewPGSequencerWithDB creates a sequencer with custom DB interface
func NewPGSequencerWithDB(db DB) *PGSequencer {
	return &PGSequencer{db: db}
}

// Emit increments the channel row inside a transaction. The row stays locked
// until commit, so a second replica blocks on its own increment until this
// replica's emit has returned. The value is committed even when emit fails.
func (s *PGSequencer) Emit(ctx context.Context, channel Channel, emit func(seq int64) error) (int64, error) {
	query := `
		INSERT INTO broadcast_sequences (channel, value, updated_at)
		VALUES ($1, 1, NOW())
		ON CONFLICT (channel)
		DO UPDATE SET
			value = broadcast_sequences.value + 1,
			updated_at = NOW()
		RETURNING value
	`

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("next sequence for %s: %w", channel, err)
	}

	var value int64
	if err := tx.QueryRow(ctx, query, string(channel)).Scan(&value); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return 0, fmt.Errorf("next sequence for %s: %w", channel, err)
	}

	emitErr := emit(value)

	if err := tx.Commit(context.WithoutCancel(ctx)); err != nil {
		return value, errors.Join(emitErr, fmt.Errorf("commit sequence for %s: %w", channel, err))
	}
	return value, emitErr
}

func (s *PGSequencer) Current(ctx context.Context, channel Channel) (int64, error) {
	query := `SELECT value FROM broadcast_sequences WHERE channel = $1`

	var value int64
	err := s.db.QueryRow(ctx, query, string(channel)).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("current sequence for %s: %w", channel, err)
	}
	return value, nil
}
