package broadcast

import "time"

type WorkerLifecycle struct {
	Worker    string    `json:"worker"`
	ReplicaID string    `json:"replica_id"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// InfrastructureAlert is raised when a resource crosses its threshold and cleared
// when it drops back below.
type InfrastructureAlert struct {
	ReplicaID string    `json:"replica_id"`
	Resource  string    `json:"resource"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Active    bool      `json:"active"`
	At        time.Time `json:"at"`
}

type CameraCount struct {
	CameraID string `json:"camera_id"`
	Events   int    `json:"events"`
}

type Summary struct {
	From       time.Time      `json:"from"`
	To         time.Time      `json:"to"`
	Total      int            `json:"total"`
	ByLevel    map[string]int `json:"by_level"`
	Degraded   int            `json:"degraded"`
	FastPath   int            `json:"fast_path"`
	TopCameras []CameraCount  `json:"top_cameras"`
}

type SystemStatus struct {
	ReplicaID     string           `json:"replica_id"`
	Hostname      string           `json:"hostname"`
	CPUPercent    float64          `json:"cpu_percent"`
	MemoryRSS     uint64           `json:"memory_rss_bytes"`
	MemoryPercent float32          `json:"memory_percent"`
	Goroutines    int              `json:"goroutines"`
	OpenBatches   int              `json:"open_batches"`
	Connections   map[string]int   `json:"connections"`
	Sequences     map[string]int64 `json:"sequences"`
	Ingest        *IngestStatus    `json:"ingest,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	At            time.Time        `json:"at"`
}

// IngestStatus counts what the detection source accepted since start.
type IngestStatus struct {
	Detections int64 `json:"detections"`
	Rejected   int64 `json:"rejected"`
	Signals    int64 `json:"signals"`
}

type JobState string

const (
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobDegraded  JobState = "degraded"
)

type JobLog struct {
	JobID   string    `json:"job_id"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type JobStatus struct {
	JobID    string    `json:"job_id"`
	State    JobState  `json:"state"`
	CameraID string    `json:"camera_id"`
	EventID  string    `json:"event_id,omitempty"`
	At       time.Time `json:"at"`
}
