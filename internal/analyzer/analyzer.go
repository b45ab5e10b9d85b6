package analyzer

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/saturnino-fabrica-de-software/vigia/internal/domain"
)

// RiskAnalyzer scores a closed batch or a single fast-path detection.
type RiskAnalyzer interface {
	Analyze(ctx context.Context, req *Request) (*Assessment, error)
}

// Request is the unit of work sent for scoring. BatchID is nil on the fast path.
type Request struct {
	CameraID   string             `json:"camera_id"`
	BatchID    *uuid.UUID         `json:"batch_id,omitempty"`
	Detections []domain.Detection `json:"detections"`
	StartedAt  time.Time          `json:"started_at"`
	EndedAt    time.Time          `json:"ended_at"`
}

// Assessment is what the analyzer returns. RiskLevel is optional and derived from
// the score when empty.
type Assessment struct {
	RiskScore int              `json:"risk_score"`
	RiskLevel domain.RiskLevel `json:"risk_level,omitempty"`
	Summary   string           `json:"summary"`
	Reasoning string           `json:"reasoning"`
}

// Normalize clamps the score and fills a missing or unknown level.
func (a *Assessment) Normalize() {
	a.RiskScore = domain.ClampScore(a.RiskScore)
	if !a.RiskLevel.Valid() {
		a.RiskLevel = domain.LevelForScore(a.RiskScore)
	}
}

func NewBatchRequest(b *domain.Batch) *Request {
	id := b.ID
	req := &Request{
		CameraID:   b.CameraID,
		BatchID:    &id,
		Detections: b.Detections,
		StartedAt:  b.OpenedAt,
		EndedAt:    b.LastDetectionAt,
	}
	return req
}

func NewDetectionRequest(d domain.Detection) *Request {
	return &Request{
		CameraID:   d.CameraID,
		Detections: []domain.Detection{d},
		StartedAt:  d.DetectedAt,
		EndedAt:    d.DetectedAt,
	}
}
