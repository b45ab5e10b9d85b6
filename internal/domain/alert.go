package domain

import (
	"time"

	"github.com/google/uuid"
)

type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
	AlertDismissed    AlertStatus = "dismissed"
)

// Terminal reports whether no further transition is allowed.
func (s AlertStatus) Terminal() bool {
	return s == AlertResolved || s == AlertDismissed
}

// CanTransitionTo encodes the alert lifecycle: open -> acknowledged -> resolved,
// with dismissal allowed from any non-terminal status.
func (s AlertStatus) CanTransitionTo(next AlertStatus) bool {
	switch s {
	case AlertOpen:
		return next == AlertAcknowledged || next == AlertResolved || next == AlertDismissed
	case AlertAcknowledged:
		return next == AlertResolved || next == AlertDismissed
	default:
		return false
	}
}

// Alert is an operator-facing follow-up opened for a high risk event.
type Alert struct {
	ID             uuid.UUID   `json:"id"`
	EventID        uuid.UUID   `json:"event_id"`
	CameraID       string      `json:"camera_id"`
	Severity       RiskLevel   `json:"severity"`
	Status         AlertStatus `json:"status"`
	Notes          string      `json:"notes,omitempty"`
	AcknowledgedAt *time.Time  `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}
