package broadcast

import (
	"encoding/json"
	"strings"
)

// Channel is a logical stream with its own sequence counter.
type Channel string

const (
	ChannelEvents Channel = "events"
	ChannelSystem Channel = "system"
	ChannelJobs   Channel = "jobs"
)

// Channels lists every channel a replica serves.
var Channels = []Channel{ChannelEvents, ChannelSystem, ChannelJobs}

func (c Channel) Valid() bool {
	switch c {
	case ChannelEvents, ChannelSystem, ChannelJobs:
		return true
	}
	return false
}

type MessageType string

// Published message types. Each one belongs to exactly one channel.
const (
	TypeEventNew            MessageType = "event.new"
	TypeAlertCreated        MessageType = "alert.created"
	TypeAlertUpdated        MessageType = "alert.updated"
	TypeAlertAcknowledged   MessageType = "alert.acknowledged"
	TypeAlertResolved       MessageType = "alert.resolved"
	TypeAlertDismissed      MessageType = "alert.dismissed"
	TypeAlertDeleted        MessageType = "alert.deleted"
	TypeCameraStatusChanged MessageType = "camera.status_changed"
	TypeSceneTamper         MessageType = "camera.scene_tamper"
	TypeDetectionNew        MessageType = "detection.new"
	TypeBatchClosed         MessageType = "detection.batch_closed"

	TypeWorkerStarted       MessageType = "worker.started"
	TypeWorkerStopped       MessageType = "worker.stopped"
	TypeWorkerFailed        MessageType = "worker.failed"
	TypeInfrastructureAlert MessageType = "infrastructure.alert"
	TypeSummaryGenerated    MessageType = "summary.generated"
	TypeSystemStatus        MessageType = "system.status"

	TypeJobLog    MessageType = "job.log"
	TypeJobStatus MessageType = "job.status"
)

// Control types are produced per connection and never sequenced.
const (
	TypePing         MessageType = "ping"
	TypePong         MessageType = "pong"
	TypeConnected    MessageType = "connected"
	TypeSubscribed   MessageType = "subscribed"
	TypeUnsubscribed MessageType = "unsubscribed"
	TypeResyncAck    MessageType = "resync_ack"
	TypeError        MessageType = "error"
)

var published = []MessageType{
	TypeEventNew,
	TypeAlertCreated, TypeAlertUpdated, TypeAlertAcknowledged,
	TypeAlertResolved, TypeAlertDismissed, TypeAlertDeleted,
	TypeCameraStatusChanged, TypeSceneTamper,
	TypeDetectionNew, TypeBatchClosed,
	TypeWorkerStarted, TypeWorkerStopped, TypeWorkerFailed,
	TypeInfrastructureAlert, TypeSummaryGenerated, TypeSystemStatus,
	TypeJobLog, TypeJobStatus,
}

// TypesFor lists the published types carried by a channel.
func TypesFor(c Channel) []MessageType {
	var out []MessageType
	for _, t := range published {
		if ch, _ := ChannelFor(t); ch == c {
			out = append(out, t)
		}
	}
	return out
}

// ChannelFor maps a published type to its channel.
func ChannelFor(t MessageType) (Channel, bool) {
	switch t {
	case TypeEventNew,
		TypeAlertCreated, TypeAlertUpdated, TypeAlertAcknowledged,
		TypeAlertResolved, TypeAlertDismissed, TypeAlertDeleted,
		TypeCameraStatusChanged, TypeSceneTamper,
		TypeDetectionNew, TypeBatchClosed:
		return ChannelEvents, true
	case TypeWorkerStarted, TypeWorkerStopped, TypeWorkerFailed,
		TypeInfrastructureAlert, TypeSummaryGenerated, TypeSystemStatus:
		return ChannelSystem, true
	case TypeJobLog, TypeJobStatus:
		return ChannelJobs, true
	}
	return "", false
}

// Envelope is the wire message. Channel and JobID let a replica route what it
// reads off the backbone; clients may ignore them.
type Envelope struct {
	Type        MessageType     `json:"type"`
	Data        json.RawMessage `json:"data"`
	Sequence    int64           `json:"sequence,omitempty"`
	RequiresAck bool            `json:"requires_ack,omitempty"`
	Channel     Channel         `json:"channel,omitempty"`
	JobID       string          `json:"job_id,omitempty"`
	// Error repeats the code of an error message at the top level.
	Error string `json:"error,omitempty"`
}

// Matches reports whether a subscription pattern selects the message type.
// "*" selects everything; a trailing "*" or ".*" selects by prefix.
func Matches(pattern string, t MessageType) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(string(t), prefix)
	}
	return pattern == string(t)
}

// ValidPattern rejects empty patterns and wildcards anywhere but the end.
func ValidPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	return !strings.Contains(strings.TrimSuffix(pattern, "*"), "*")
}
