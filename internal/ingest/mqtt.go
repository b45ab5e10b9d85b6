package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/saturnino-fabrica-de-software/vigia/internal/domain"
)

const (
	topicDetections = "detections"
	topicStatus     = "status"
	topicTamper     = "tamper"
)

// Subscriber is satisfied by backbone.MQTTConn.
type Subscriber interface {
	Subscribe(topic string, handler func(topic string, payload []byte)) error
}

// Sink receives every decoded detection. The batch aggregator implements it.
type Sink interface {
	Ingest(ctx context.Context, d domain.Detection) error
}

// CameraPublisher forwards camera signals to dashboards.
type CameraPublisher interface {
	PublishCameraStatus(ctx context.Context, change domain.CameraStatusChange) error
	PublishSceneTamper(ctx context.Context, tamper domain.SceneTamper) error
}

type Stats struct {
	Detections int64 `json:"detections"`
	Rejected   int64 `json:"rejected"`
	Signals    int64 `json:"signals"`
}

// MQTTSource reads camera edge topics:
//
//	<prefix>/<camera_id>/detections   one detection or an array of them
//	<prefix>/<camera_id>/status       camera connectivity changes
//	<prefix>/<camera_id>/tamper       scene tamper reports
type MQTTSource struct {
	sub       Subscriber
	prefix    string
	sink      Sink
	publisher CameraPublisher
	logger    *slog.Logger
	now       func() time.Time

	detections atomic.Int64
	rejected   atomic.Int64
	signals    atomic.Int64
}

func NewMQTTSource(sub Subscriber, prefix string, sink Sink, publisher CameraPublisher, logger *slog.Logger) *MQTTSource {
	return &MQTTSource{
		sub:       sub,
		prefix:    strings.TrimSuffix(prefix, "/"),
		sink:      sink,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Start subscribes to the three camera topics. Messages are handled on the
// client's callback goroutine, in broker order.
func (s *MQTTSource) Start() error {
	routes := map[string]func(string, []byte){
		topicDetections: s.handleDetections,
		topicStatus:     s.handleStatus,
		topicTamper:     s.handleTamper,
	}
	for kind, handler := range routes {
		topic := s.prefix + "/+/" + kind
		if err := s.sub.Subscribe(topic, handler); err != nil {
			return fmt.Errorf("ingest: %w", err)
		}
		s.logger.Info("subscribed to camera topic", "topic", topic)
	}
	return nil
}

func (s *MQTTSource) Stats() Stats {
	return Stats{
		Detections: s.detections.Load(),
		Rejected:   s.rejected.Load(),
		Signals:    s.signals.Load(),
	}
}

// cameraFromTopic returns the camera segment of <prefix>/<camera_id>/<kind>.
func (s *MQTTSource) cameraFromTopic(topic string) string {
	rest := strings.TrimPrefix(topic, s.prefix+"/")
	if i := strings.IndexByte(rest, '/'); i > 0 {
		return rest[:i]
	}
	return ""
}

func (s *MQTTSource) handleDetections(topic string, payload []byte) {
	var batch []domain.Detection

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			s.reject(topic, err)
			return
		}
	} else {
		var d domain.Detection
		if err := json.Unmarshal(trimmed, &d); err != nil {
			s.reject(topic, err)
			return
		}
		batch = append(batch, d)
	}

	camera := s.cameraFromTopic(topic)
	ctx := context.Background()

	for _, d := range batch {
		if d.CameraID == "" {
			d.CameraID = camera
		}
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		if d.DetectedAt.IsZero() {
			d.DetectedAt = s.now().UTC()
		}
		d.ObjectType = strings.ToLower(strings.TrimSpace(d.ObjectType))

		if err := s.sink.Ingest(ctx, d); err != nil {
			s.reject(topic, err)
			continue
		}
		s.detections.Add(1)
	}
}

func (s *MQTTSource) handleStatus(topic string, payload []byte) {
	var change domain.CameraStatusChange
	if err := json.Unmarshal(payload, &change); err != nil {
		s.reject(topic, err)
		return
	}
	if change.CameraID == "" {
		change.CameraID = s.cameraFromTopic(topic)
	}
	switch change.Status {
	case domain.CameraOnline, domain.CameraOffline, domain.CameraDegraded:
	default:
		s.reject(topic, fmt.Errorf("unknown camera status %q", change.Status))
		return
	}
	if change.ChangedAt.IsZero() {
		change.ChangedAt = s.now().UTC()
	}

	s.signals.Add(1)
	if err := s.publisher.PublishCameraStatus(context.Background(), change); err != nil {
		s.logger.Warn("camera status not broadcast", "camera_id", change.CameraID, "error", err)
	}
}

func (s *MQTTSource) handleTamper(topic string, payload []byte) {
	var tamper domain.SceneTamper
	if err := json.Unmarshal(payload, &tamper); err != nil {
		s.reject(topic, err)
		return
	}
	if tamper.CameraID == "" {
		tamper.CameraID = s.cameraFromTopic(topic)
	}
	if tamper.DetectedAt.IsZero() {
		tamper.DetectedAt = s.now().UTC()
	}

	s.signals.Add(1)
	if err := s.publisher.PublishSceneTamper(context.Background(), tamper); err != nil {
		s.logger.Warn("scene tamper not broadcast", "camera_id", tamper.CameraID, "error", err)
	}
}

// reject drops a message at the edge; it never becomes a detection.
func (s *MQTTSource) reject(topic string, err error) {
	s.rejected.Add(1)
	s.logger.Warn("dropping camera message", "topic", topic, "error", err)
}
