package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/saturnino-fabrica-de-software/vigia/internal/domain"
)

type AlertRepository struct {
	pool PgxPool
}

func NewAlertRepository(pool PgxPool) *AlertRepository {
	return &AlertRepository{pool: pool}
}

const alertColumns = `id, event_id, camera_id, severity, status, notes, acknowledged_at, resolved_at, created_at, updated_at`

func scanAlert(row pgx.Row, a *domain.Alert) error {
	var severity, status string
	err := row.Scan(
		&a.ID,
		&a.EventID,
		&a.CameraID,
		&severity,
		&status,
		&a.Notes,
		&a.AcknowledgedAt,
		&a.ResolvedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	a.Severity = domain.RiskLevel(severity)
	a.Status = domain.AlertStatus(status)
	return err
}

func (r *AlertRepository) Create(ctx context.Context, a *domain.Alert) error {
	query := `
		INSERT INTO alerts (id, event_id, camera_id, severity, status, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING created_at, updated_at
	`

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = domain.AlertOpen
	}

	err := r.pool.QueryRow(ctx, query,
		a.ID,
		a.EventID,
		a.CameraID,
		string(a.Severity),
		string(a.Status),
		a.Notes,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.ErrEventNotFound.WithError(err)
		}
		return fmt.Errorf("create alert: %w", err)
	}

	return nil
}

func (r *AlertRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1`

	var a domain.Alert
	err := scanAlert(r.pool.QueryRow(ctx, query, id), &a)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get alert by id: %w", err)
	}

	return &a, nil
}

// List returns the newest alerts, optionally narrowed to one status.
func (r *AlertRepository) List(ctx context.Context, status domain.AlertStatus, limit int) ([]domain.Alert, error) {
	if limit <= 0 || limit > MaxEventLimit {
		limit = DefaultEventLimit
	}

	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]domain.Alert, 0)
	for rows.Next() {
		var a domain.Alert
		if err := scanAlert(rows, &a); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return alerts, nil
}

func (r *AlertRepository) Update(ctx context.Context, a *domain.Alert) error {
	query := `
		UPDATE alerts
		SET status = $2, notes = $3, acknowledged_at = $4, resolved_at = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		a.ID,
		string(a.Status),
		a.Notes,
		a.AcknowledgedAt,
		a.ResolvedAt,
	).Scan(&a.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrAlertNotFound
	}
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}

	return nil
}

func (r *AlertRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM alerts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete alert: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.ErrAlertNotFound
	}

	return nil
}
