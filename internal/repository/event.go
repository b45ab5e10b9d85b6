package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/saturnino-fabrica-de-software/vigia/internal/domain"
)

const (
	DefaultEventLimit = 100
	MaxEventLimit     = 1000
)

type EventRepository struct {
	pool PgxPool
}

func NewEventRepository(pool PgxPool) *EventRepository {
	return &EventRepository{pool: pool}
}

const eventColumns = `id, camera_id, batch_id, risk_score, risk_level, summary, reasoning,
	object_types, detection_count, started_at, ended_at, degraded, fast_path, created_at`

func scanEvent(row pgx.Row, e *domain.Event) error {
	var level string
	err := row.Scan(
		&e.ID,
		&e.CameraID,
		&e.BatchID,
		&e.RiskScore,
		&level,
		&e.Summary,
		&e.Reasoning,
		&e.ObjectTypes,
		&e.DetectionCount,
		&e.StartedAt,
		&e.EndedAt,
		&e.Degraded,
		&e.FastPath,
		&e.CreatedAt,
	)
	e.RiskLevel = domain.RiskLevel(level)
	return err
}

func (r *EventRepository) Create(ctx context.Context, e *domain.Event) error {
	query := `
		INSERT INTO events (id, camera_id, batch_id, risk_score, risk_level, summary, reasoning,
			object_types, detection_count, started_at, ended_at, degraded, fast_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		RETURNING created_at
	`

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	objectTypes := e.ObjectTypes
	if objectTypes == nil {
		objectTypes = []string{}
	}

	err := r.pool.QueryRow(ctx, query,
		e.ID,
		e.CameraID,
		e.BatchID,
		e.RiskScore,
		string(e.RiskLevel),
		e.Summary,
		e.Reasoning,
		objectTypes,
		e.DetectionCount,
		e.StartedAt,
		e.EndedAt,
		e.Degraded,
		e.FastPath,
	).Scan(&e.CreatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return &domain.AppError{
				Code:       "EVENT_ALREADY_EXISTS",
				Message:    "An event for this batch already exists",
				StatusCode: 409,
			}
		}
		return fmt.Errorf("create event: %w", err)
	}

	return nil
}

func (r *EventRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = $1`

	var e domain.Event
	err := scanEvent(r.pool.QueryRow(ctx, query, id), &e)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event by id: %w", err)
	}

	return &e, nil
}

// ListByTimeRange returns events with start <= started_at < end, oldest first.
func (r *EventRepository) ListByTimeRange(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error) {
	if !filter.Start.Before(filter.End) {
		return nil, domain.ErrInvalidTimeRange
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	if limit > MaxEventLimit {
		limit = MaxEventLimit
	}

	query := `
		SELECT ` + eventColumns + `
		FROM events
		WHERE started_at >= $1 AND started_at < $2
		AND ($3 = '' OR camera_id = $3)
		ORDER BY started_at ASC, id ASC
		LIMIT $4
	`

	rows, err := r.pool.Query(ctx, query, filter.Start, filter.End, filter.CameraID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.Event, 0)
	for rows.Next() {
		var e domain.Event
		if err := scanEvent(rows, &e); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return events, nil
}

// Summarize counts events started in [from, to).
func (r *EventRepository) Summarize(ctx context.Context, from, to time.Time) (*domain.EventSummary, error) {
	query := `
		SELECT camera_id, risk_level, degraded, fast_path, COUNT(*)
		FROM events
		WHERE started_at >= $1 AND started_at < $2
		GROUP BY camera_id, risk_level, degraded, fast_path
	`

	rows, err := r.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("summarize events: %w", err)
	}
	defer rows.Close()

	summary := &domain.EventSummary{
		From:     from,
		To:       to,
		ByLevel:  make(map[domain.RiskLevel]int),
		ByCamera: make(map[string]int),
	}
	for rows.Next() {
		var (
			cameraID string
			level    string
			degraded bool
			fastPath bool
			count    int
		)
		if err := rows.Scan(&cameraID, &level, &degraded, &fastPath, &count); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}

		summary.Total += count
		summary.ByLevel[domain.RiskLevel(level)] += count
		summary.ByCamera[cameraID] += count
		if degraded {
			summary.Degraded += count
		}
		if fastPath {
			summary.FastPath += count
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return summary, nil
}
