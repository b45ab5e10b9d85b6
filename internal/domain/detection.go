package domain

import (
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

// BoundingBox is expressed in frame-relative coordinates.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Detection is a single object observation produced by the detection model for one frame.
type Detection struct {
	ID          uuid.UUID   `json:"id"`
	CameraID    string      `json:"camera_id"`
	ObjectType  string      `json:"object_type"`
	Confidence  float64     `json:"confidence"`
	BoundingBox BoundingBox `json:"bounding_box"`
	DetectedAt  time.Time   `json:"detected_at"`
}

// Validate verifica se a detecção pode entrar no pipeline
func (d *Detection) Validate() error {
	if d.CameraID == "" {
		return errors.New("camera_id cannot be empty")
	}

	if d.ObjectType == "" {
		return errors.New("object_type cannot be empty")
	}

	if math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
		return errors.New("confidence must be between 0 and 1")
	}

	if d.DetectedAt.IsZero() {
		return errors.New("detected_at cannot be empty")
	}

	return nil
}
