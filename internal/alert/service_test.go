package alert

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/saturnino-fabrica-de-software/vigia/internal/broadcast"
	"github.com/saturnino-fabrica-de-software/vigia/internal/domain"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Create(ctx context.Context, a *domain.Alert) error {
	args := m.Called(ctx, a)
	return args.Error(0)
}

func (m *MockRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Alert, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Alert), args.Error(1)
}

func (m *MockRepository) List(ctx context.Context, status domain.AlertStatus, limit int) ([]domain.Alert, error) {
	args := m.Called(ctx, status, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Alert), args.Error(1)
}

func (m *MockRepository) Update(ctx context.Context, a *domain.Alert) error {
	args := m.Called(ctx, a)
	return args.Error(0)
}

func (m *MockRepository) Delete(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishAlert(ctx context.Context, t broadcast.MessageType, a *domain.Alert) error {
	args := m.Called(ctx, t, a)
	return args.Error(0)
}

func newTestService(repo *MockRepository, pub *MockPublisher) *Service {
	s := NewService(repo, pub, 70, slog.New(slog.NewTextHandler(io.Discard, nil)))
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	return s
}

func TestService_OpenFromEvent(t *testing.T) {
	tests := []struct {
		name     string
		event    *domain.Event
		wantOpen bool
	}{
		{"high score opens", &domain.Event{ID: uuid.New(), CameraID: "gate", RiskScore: 75, RiskLevel: domain.RiskHigh}, true},
		{"critical level opens", &domain.Event{ID: uuid.New(), CameraID: "gate", RiskScore: 10, RiskLevel: domain.RiskCritical}, true},
		{"low score ignored", &domain.Event{ID: uuid.New(), CameraID: "gate", RiskScore: 69, RiskLevel: domain.RiskHigh}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(MockRepository)
			pub := new(MockPublisher)
			if tt.wantOpen {
				repo.On("Create", mock.Anything, mock.MatchedBy(func(a *domain.Alert) bool {
					return a.EventID == tt.event.ID && a.Status == domain.AlertOpen && a.Severity == tt.event.RiskLevel
				})).Return(nil)
				pub.On("PublishAlert", mock.Anything, broadcast.TypeAlertCreated, mock.Anything).Return(nil)
			}

			got, err := newTestService(repo, pub).OpenFromEvent(context.Background(), tt.event)

			require.NoError(t, err)
			if tt.wantOpen {
				require.NotNil(t, got)
				assert.Equal(t, "gate", got.CameraID)
			} else {
				assert.Nil(t, got)
			}
			repo.AssertExpectations(t)
			pub.AssertExpectations(t)
		})
	}
}

func TestService_Transitions(t *testing.T) {
	tests := []struct {
		name     string
		from     domain.AlertStatus
		action   func(s *Service, id uuid.UUID) (*domain.Alert, error)
		wantType broadcast.MessageType
		want     domain.AlertStatus
		wantErr  error
	}{
		{
			name: "acknowledge open",
			from: domain.AlertOpen,
			action: func(s *Service, id uuid.UUID) (*domain.Alert, error) {
				return s.Acknowledge(context.Background(), id, "looking")
			},
			wantType: broadcast.TypeAlertAcknowledged,
			want:     domain.AlertAcknowledged,
		},
		{
			name:     "resolve acknowledged",
			from:     domain.AlertAcknowledged,
			action:   func(s *Service, id uuid.UUID) (*domain.Alert, error) { return s.Resolve(context.Background(), id, "") },
			wantType: broadcast.TypeAlertResolved,
			want:     domain.AlertResolved,
		},
		{
			name: "dismiss open",
			from: domain.AlertOpen,
			action: func(s *Service, id uuid.UUID) (*domain.Alert, error) {
				return s.Dismiss(context.Background(), id, "cat")
			},
			wantType: broadcast.TypeAlertDismissed,
			want:     domain.AlertDismissed,
		},
		{
			name: "resolved is terminal",
			from: domain.AlertResolved,
			action: func(s *Service, id uuid.UUID) (*domain.Alert, error) {
				return s.Acknowledge(context.Background(), id, "")
			},
			wantErr: domain.ErrInvalidTransition,
		},
		{
			name:    "dismissed cannot resolve",
			from:    domain.AlertDismissed,
			action:  func(s *Service, id uuid.UUID) (*domain.Alert, error) { return s.Resolve(context.Background(), id, "") },
			wantErr: domain.ErrInvalidTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := uuid.New()
			repo := new(MockRepository)
			pub := new(MockPublisher)

			repo.On("GetByID", mock.Anything, id).Return(&domain.Alert{ID: id, Status: tt.from}, nil)
			if tt.wantErr == nil {
				repo.On("Update", mock.Anything, mock.Anything).Return(nil)
				pub.On("PublishAlert", mock.Anything, tt.wantType, mock.Anything).Return(nil)
			}

			got, err := tt.action(newTestService(repo, pub), id)

			if tt.wantErr != nil {
				var appErr *domain.AppError
				require.ErrorAs(t, err, &appErr)
				assert.Equal(t, tt.wantErr.(*domain.AppError).Code, appErr.Code)
				repo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
			if tt.want == domain.AlertAcknowledged {
				require.NotNil(t, got.AcknowledgedAt)
				assert.Equal(t, "looking", got.Notes)
			} else {
				require.NotNil(t, got.ResolvedAt)
			}
			repo.AssertExpectations(t)
			pub.AssertExpectations(t)
		})
	}
}

func TestService_PublishFailureDoesNotFailTransition(t *testing.T) {
	id := uuid.New()
	repo := new(MockRepository)
	pub := new(MockPublisher)

	repo.On("GetByID", mock.Anything, id).Return(&domain.Alert{ID: id, Status: domain.AlertOpen}, nil)
	repo.On("Update", mock.Anything, mock.Anything).Return(nil)
	pub.On("PublishAlert", mock.Anything, broadcast.TypeAlertAcknowledged, mock.Anything).
		Return(broadcast.ErrBackboneUnavailable)

	got, err := newTestService(repo, pub).Acknowledge(context.Background(), id, "")

	require.NoError(t, err)
	assert.Equal(t, domain.AlertAcknowledged, got.Status)
}

func TestService_UpdateNotesAndDelete(t *testing.T) {
	id := uuid.New()
	repo := new(MockRepository)
	pub := new(MockPublisher)

	repo.On("GetByID", mock.Anything, id).Return(&domain.Alert{ID: id, Status: domain.AlertOpen}, nil)
	repo.On("Update", mock.Anything, mock.MatchedBy(func(a *domain.Alert) bool {
		return a.Notes == "neighbour's dog" && a.Status == domain.AlertOpen
	})).Return(nil)
	repo.On("Delete", mock.Anything, id).Return(nil)
	pub.On("PublishAlert", mock.Anything, broadcast.TypeAlertUpdated, mock.Anything).Return(nil)
	pub.On("PublishAlert", mock.Anything, broadcast.TypeAlertDeleted, mock.Anything).Return(nil)

	s := newTestService(repo, pub)

	got, err := s.UpdateNotes(context.Background(), id, "neighbour's dog")
	require.NoError(t, err)
	assert.Equal(t, "neighbour's dog", got.Notes)

	require.NoError(t, s.Delete(context.Background(), id))

	repo.AssertExpectations(t)
	pub.AssertExpectations(t)
}

func TestService_NotFound(t *testing.T) {
	id := uuid.New()
	repo := new(MockRepository)
	repo.On("GetByID", mock.Anything, id).Return(nil, domain.ErrAlertNotFound)

	s := newTestService(repo, new(MockPublisher))

	_, err := s.Resolve(context.Background(), id, "")
	assert.ErrorIs(t, err, domain.ErrAlertNotFound)

	assert.ErrorIs(t, s.Delete(context.Background(), id), domain.ErrAlertNotFound)
}

func TestService_List(t *testing.T) {
	repo := new(MockRepository)
	repo.On("List", mock.Anything, domain.AlertOpen, 50).Return([]domain.Alert{{ID: uuid.New()}}, nil)

	s := newTestService(repo, new(MockPublisher))

	got, err := s.List(context.Background(), domain.AlertOpen, 50)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = s.List(context.Background(), "bogus", 50)
	var appErr *domain.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "VALIDATION_FAILED", appErr.Code)
}
