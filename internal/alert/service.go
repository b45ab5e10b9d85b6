package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/saturnino-fabrica-de-software/vigia/internal/broadcast"
	"github.com/saturnino-fabrica-de-software/vigia/internal/domain"
)

type RepositoryInterface interface {
	Create(ctx context.Context, alert *domain.Alert) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Alert, error)
	List(ctx context.Context, status domain.AlertStatus, limit int) ([]domain.Alert, error)
	Update(ctx context.Context, alert *domain.Alert) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type Publisher interface {
	PublishAlert(ctx context.Context, t broadcast.MessageType, a *domain.Alert) error
}

// Service owns the alert lifecycle and announces every change on the events channel.
type Service struct {
	repo      RepositoryInterface
	publisher Publisher
	minScore  int
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(repo RepositoryInterface, publisher Publisher, minScore int, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		publisher: publisher,
		minScore:  minScore,
		logger:    logger,
		now:       time.Now,
	}
}

// OpenFromEvent creates an alert for events at or above the configured score.
// It returns nil when the event does not qualify.
func (s *Service) OpenFromEvent(ctx context.Context, e *domain.Event) (*domain.Alert, error) {
	if e.RiskScore < s.minScore && e.RiskLevel != domain.RiskCritical {
		return nil, nil
	}

	a := &domain.Alert{
		ID:       uuid.New(),
		EventID:  e.ID,
		CameraID: e.CameraID,
		Severity: e.RiskLevel,
		Status:   domain.AlertOpen,
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("event %s: create alert: %w", e.ID, err)
	}

	s.logger.Info("alert opened",
		"alert_id", a.ID,
		"event_id", e.ID,
		"camera_id", e.CameraID,
		"severity", a.Severity,
	)
	s.publish(ctx, broadcast.TypeAlertCreated, a)
	return a, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Alert, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, status domain.AlertStatus, limit int) ([]domain.Alert, error) {
	switch status {
	case "", domain.AlertOpen, domain.AlertAcknowledged, domain.AlertResolved, domain.AlertDismissed:
	default:
		return nil, domain.ErrValidationFailed.WithError(fmt.Errorf("unknown status %q", status))
	}
	return s.repo.List(ctx, status, limit)
}

func (s *Service) Acknowledge(ctx context.Context, id uuid.UUID, notes string) (*domain.Alert, error) {
	return s.transition(ctx, id, domain.AlertAcknowledged, notes, broadcast.TypeAlertAcknowledged)
}

func (s *Service) Resolve(ctx context.Context, id uuid.UUID, notes string) (*domain.Alert, error) {
	return s.transition(ctx, id, domain.AlertResolved, notes, broadcast.TypeAlertResolved)
}

func (s *Service) Dismiss(ctx context.Context, id uuid.UUID, notes string) (*domain.Alert, error) {
	return s.transition(ctx, id, domain.AlertDismissed, notes, broadcast.TypeAlertDismissed)
}

// UpdateNotes edits an alert without changing its status.
func (s *Service) UpdateNotes(ctx context.Context, id uuid.UUID, notes string) (*domain.Alert, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	a.Notes = notes
	if err := s.repo.Update(ctx, a); err != nil {
		return nil, fmt.Errorf("alert %s: update: %w", id, err)
	}

	s.publish(ctx, broadcast.TypeAlertUpdated, a)
	return a, nil
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}

	s.logger.Info("alert deleted", "alert_id", id)
	s.publish(ctx, broadcast.TypeAlertDeleted, a)
	return nil
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, next domain.AlertStatus, notes string, t broadcast.MessageType) (*domain.Alert, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !a.Status.CanTransitionTo(next) {
		return nil, domain.ErrInvalidTransition.WithError(fmt.Errorf("%s -> %s", a.Status, next))
	}

	now := s.now()
	a.Status = next
	if notes != "" {
		a.Notes = notes
	}
	switch next {
	case domain.AlertAcknowledged:
		a.AcknowledgedAt = &now
	case domain.AlertResolved, domain.AlertDismissed:
		a.ResolvedAt = &now
	}

	if err := s.repo.Update(ctx, a); err != nil {
		return nil, fmt.Errorf("alert %s: update: %w", id, err)
	}

	s.logger.Info("alert transitioned", "alert_id", id, "status", next)
	s.publish(ctx, t, a)
	return a, nil
}

func (s *Service) publish(ctx context.Context, t broadcast.MessageType, a *domain.Alert) {
	if err := s.publisher.PublishAlert(ctx, t, a); err != nil {
		s.logger.Warn("alert broadcast failed", "type", t, "alert_id", a.ID, "error", err)
	}
}
