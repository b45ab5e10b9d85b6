package domain

import (
	"time"

	"github.com/google/uuid"
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// AckScoreThreshold is the score from which a broadcast event demands client acknowledgment.
const AckScoreThreshold = 80

// LevelForScore buckets a 0..100 risk score.
func LevelForScore(score int) RiskLevel {
	switch {
	case score >= 85:
		return RiskCritical
	case score >= 60:
		return RiskHigh
	case score >= 30:
		return RiskMedium
	default:
		return RiskLow
	}
}

func (l RiskLevel) Valid() bool {
	switch l {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// ClampScore keeps a score inside 0..100.
func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Event is a scored security event produced from a closed batch or a fast-path detection.
type Event struct {
	ID             uuid.UUID  `json:"id"`
	CameraID       string     `json:"camera_id"`
	BatchID        *uuid.UUID `json:"batch_id"`
	RiskScore      int        `json:"risk_score"`
	RiskLevel      RiskLevel  `json:"risk_level"`
	Summary        string     `json:"summary"`
	Reasoning      string     `json:"reasoning"`
	ObjectTypes    []string   `json:"object_types"`
	DetectionCount int        `json:"detection_count"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        time.Time  `json:"ended_at"`
	Degraded       bool       `json:"degraded"`
	FastPath       bool       `json:"fast_path"`
	CreatedAt      time.Time  `json:"created_at"`
}

// RequiresAck reports whether clients must acknowledge an event with this score and level.
func RequiresAck(score int, level RiskLevel) bool {
	return score >= AckScoreThreshold || level == RiskCritical
}

func (e *Event) RequiresAck() bool {
	return RequiresAck(e.RiskScore, e.RiskLevel)
}

// NewEventFromDetections fills the fields an event derives from its detections.
// Score, level and texts are left for the caller.
func NewEventFromDetections(cameraID string, batchID *uuid.UUID, detections []Detection) *Event {
	e := &Event{
		ID:             uuid.New(),
		CameraID:       cameraID,
		BatchID:        batchID,
		ObjectTypes:    distinctObjectTypes(detections),
		DetectionCount: len(detections),
		FastPath:       batchID == nil,
	}
	if len(detections) > 0 {
		e.StartedAt = detections[0].DetectedAt
		e.EndedAt = detections[len(detections)-1].DetectedAt
	}
	return e
}

// EventFilter narrows the authoritative time-range query.
type EventFilter struct {
	Start    time.Time
	End      time.Time
	CameraID string
	Limit    int
}

// EventSummary aggregates the events of a period for the periodic digest.
type EventSummary struct {
	From     time.Time
	To       time.Time
	Total    int
	ByLevel  map[RiskLevel]int
	Degraded int
	FastPath int
	ByCamera map[string]int
}
