package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/saturnino-fabrica-de-software/vigia/internal/domain"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
	defaultLookback   = time.Hour
	maxEventRange     = 7 * 24 * time.Hour
)

type EventRepositoryInterface interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Event, error)
	ListByTimeRange(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error)
}

// EventService answers the authoritative queries dashboards make after a resync.
// A nil repository means the service runs without persistence.
type EventService struct {
	repo     EventRepositoryInterface
	maxRange time.Duration
	now      func() time.Time
}

func NewEventService(repo EventRepositoryInterface) *EventService {
	return &EventService{
		repo:     repo,
		maxRange: maxEventRange,
		now:      time.Now,
	}
}

func (s *EventService) WithMaxRange(d time.Duration) *EventService {
	s.maxRange = d
	return s
}

func (s *EventService) Get(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	if s.repo == nil {
		return nil, domain.ErrStorageDisabled
	}
	return s.repo.GetByID(ctx, id)
}

// List returns events started in [start, end). A zero end means now and a zero
// start means one hour before end.
func (s *EventService) List(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error) {
	if s.repo == nil {
		return nil, domain.ErrStorageDisabled
	}

	normalized, err := s.normalize(filter)
	if err != nil {
		return nil, err
	}

	events, err := s.repo.ListByTimeRange(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

func (s *EventService) normalize(f domain.EventFilter) (domain.EventFilter, error) {
	if f.End.IsZero() {
		f.End = s.now().UTC()
	}
	if f.Start.IsZero() {
		f.Start = f.End.Add(-defaultLookback)
	}
	if !f.Start.Before(f.End) {
		return f, domain.ErrInvalidTimeRange
	}
	if s.maxRange > 0 && f.End.Sub(f.Start) > s.maxRange {
		return f, domain.ErrInvalidTimeRange.WithError(fmt.Errorf("range exceeds %s", s.maxRange))
	}

	switch {
	case f.Limit <= 0:
		f.Limit = defaultEventLimit
	case f.Limit > maxEventLimit:
		f.Limit = maxEventLimit
	}
	return f, nil
}
