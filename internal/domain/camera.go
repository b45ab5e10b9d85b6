package domain

import "time"

type CameraStatus string

const (
	CameraOnline   CameraStatus = "online"
	CameraOffline  CameraStatus = "offline"
	CameraDegraded CameraStatus = "degraded"
)

// CameraStatusChange is reported by the camera edge when connectivity changes.
type CameraStatusChange struct {
	CameraID  string       `json:"camera_id"`
	Status    CameraStatus `json:"status"`
	Reason    string       `json:"reason,omitempty"`
	ChangedAt time.Time    `json:"changed_at"`
}

// SceneTamper is reported when the view of a camera is blocked, moved or defocused.
type SceneTamper struct {
	CameraID   string    `json:"camera_id"`
	Tampered   bool      `json:"tampered"`
	Kind       string    `json:"kind,omitempty"`
	Score      float64   `json:"score"`
	DetectedAt time.Time `json:"detected_at"`
}
