package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

type BatchState string

const (
	BatchOpen    BatchState = "open"
	BatchClosing BatchState = "closing"
	BatchClosed  BatchState = "closed"
)

type CloseReason string

const (
	CloseWindowTimeout CloseReason = "window_timeout"
	CloseIdleTimeout   CloseReason = "idle_timeout"
	CloseMaxSize       CloseReason = "max_size"
	// CloseShutdown is used when the process stops with batches still open.
	CloseShutdown CloseReason = "shutdown"
)

// Batch groups the detections of one camera that belong to the same burst of activity.
type Batch struct {
	ID              uuid.UUID   `json:"id"`
	CameraID        string      `json:"camera_id"`
	OpenedAt        time.Time   `json:"opened_at"`
	LastDetectionAt time.Time   `json:"last_detection_at"`
	Detections      []Detection `json:"detections"`
	State           BatchState  `json:"state"`
	CloseReason     CloseReason `json:"close_reason,omitempty"`
	ClosedAt        *time.Time  `json:"closed_at,omitempty"`
}

func NewBatch(cameraID string, openedAt time.Time) *Batch {
	return &Batch{
		ID:              uuid.New(),
		CameraID:        cameraID,
		OpenedAt:        openedAt,
		LastDetectionAt: openedAt,
		State:           BatchOpen,
	}
}

// Add inserts d keeping Detections ordered by DetectedAt. Ties keep arrival order.
func (b *Batch) Add(d Detection) {
	i := sort.Search(len(b.Detections), func(i int) bool {
		return b.Detections[i].DetectedAt.After(d.DetectedAt)
	})
	b.Detections = append(b.Detections, Detection{})
	copy(b.Detections[i+1:], b.Detections[i:])
	b.Detections[i] = d

	if d.DetectedAt.After(b.LastDetectionAt) {
		b.LastDetectionAt = d.DetectedAt
	}
}

func (b *Batch) Size() int {
	return len(b.Detections)
}

// ObjectTypes returns the distinct object classes in first-seen order.
func (b *Batch) ObjectTypes() []string {
	return distinctObjectTypes(b.Detections)
}

func distinctObjectTypes(detections []Detection) []string {
	seen := make(map[string]bool, len(detections))
	types := make([]string, 0, len(detections))
	for _, d := range detections {
		if seen[d.ObjectType] {
			continue
		}
		seen[d.ObjectType] = true
		types = append(types, d.ObjectType)
	}
	return types
}

// BatchClosedSummary is the payload published when a batch leaves the aggregator.
type BatchClosedSummary struct {
	BatchID        uuid.UUID   `json:"batch_id"`
	CameraID       string      `json:"camera_id"`
	DetectionCount int         `json:"detection_count"`
	ObjectTypes    []string    `json:"object_types"`
	CloseReason    CloseReason `json:"close_reason"`
	OpenedAt       time.Time   `json:"opened_at"`
	ClosedAt       time.Time   `json:"closed_at"`
}

func (b *Batch) Summary() BatchClosedSummary {
	s := BatchClosedSummary{
		BatchID:        b.ID,
		CameraID:       b.CameraID,
		DetectionCount: len(b.Detections),
		ObjectTypes:    b.ObjectTypes(),
		CloseReason:    b.CloseReason,
		OpenedAt:       b.OpenedAt,
	}
	if b.ClosedAt != nil {
		s.ClosedAt = *b.ClosedAt
	}
	return s
}
