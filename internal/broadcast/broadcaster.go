package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/saturnino-fabrica-de-software/vigia/internal/backbone"
	"github.com/saturnino-fabrica-de-software/vigia/internal/domain"
)

var (
	ErrBackboneUnavailable = errors.New("broadcast backbone unavailable")
	ErrUnknownType         = errors.New("unknown broadcast message type")
	ErrMissingJobID        = errors.New("job messages require a job id")
)

// Risk marks an occurrence as a scored event so the envelope can demand acknowledgment.
type Risk struct {
	Score int
	Level domain.RiskLevel
}

func (r *Risk) requiresAck() bool {
	return r != nil && domain.RequiresAck(r.Score, r.Level)
}

// Occurrence is anything worth telling dashboards about.
type Occurrence struct {
	Type  MessageType
	Data  interface{}
	JobID string
	Risk  *Risk
}

// Stats counts publish outcomes since start.
type Stats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

// Broadcaster turns occurrences into sequenced envelopes on the backbone.
// Publishes for a channel queue on a local lock before entering the sequencer,
// which orders them across replicas.
type Broadcaster struct {
	backbone  backbone.Backbone
	sequencer Sequencer
	logger    *slog.Logger

	locks map[Channel]*sync.Mutex

	published atomic.Uint64
	failed    atomic.Uint64
}

func New(bb backbone.Backbone, sequencer Sequencer, logger *slog.Logger) *Broadcaster {
	locks := make(map[Channel]*sync.Mutex, len(Channels))
	for _, c := range Channels {
		locks[c] = &sync.Mutex{}
	}
	return &Broadcaster{
		backbone:  bb,
		sequencer: sequencer,
		logger:    logger,
		locks:     locks,
	}
}

// Publish never retries: a failed message is logged and reported as
// ErrBackboneUnavailable, and clients recover through resync plus a query.
func (b *Broadcaster) Publish(ctx context.Context, occ Occurrence) (*Envelope, error) {
	channel, ok := ChannelFor(occ.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, occ.Type)
	}
	if channel == ChannelJobs && occ.JobID == "" {
		return nil, ErrMissingJobID
	}

	data, err := json.Marshal(occ.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", occ.Type, err)
	}

	lock := b.locks[channel]
	lock.Lock()
	defer lock.Unlock()

	var (
		env        *Envelope
		publishErr error
	)
	seq, err := b.sequencer.Emit(ctx, channel, func(seq int64) error {
		env = &Envelope{
			Type:        occ.Type,
			Data:        data,
			Sequence:    seq,
			RequiresAck: occ.Risk.requiresAck(),
			Channel:     channel,
			JobID:       occ.JobID,
		}

		payload, err := json.Marshal(env)
		if err != nil {
			publishErr = fmt.Errorf("marshal envelope: %w", err)
			return publishErr
		}
		publishErr = b.backbone.Publish(ctx, string(channel), payload)
		if publishErr != nil {
			publishErr = fmt.Errorf("%w: %w", ErrBackboneUnavailable, publishErr)
		}
		return publishErr
	})
	if env == nil {
		b.failed.Add(1)
		b.logger.Error("broadcast sequence failed",
			"type", occ.Type,
			"channel", channel,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", ErrBackboneUnavailable, err)
	}
	if err != nil {
		b.failed.Add(1)
		b.logger.Warn("broadcast dropped",
			"type", occ.Type,
			"channel", channel,
			"sequence", seq,
			"error", err,
		)
		if publishErr != nil {
			return env, publishErr
		}
		return env, fmt.Errorf("%w: %w", ErrBackboneUnavailable, err)
	}

	b.published.Add(1)
	b.logger.Debug("broadcast published",
		"type", occ.Type,
		"channel", channel,
		"sequence", seq,
		"requires_ack", env.RequiresAck,
	)
	return env, nil
}

// Current returns the last sequence assigned on a channel.
func (b *Broadcaster) Current(ctx context.Context, channel Channel) (int64, error) {
	return b.sequencer.Current(ctx, channel)
}

func (b *Broadcaster) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Failed:    b.failed.Load(),
	}
}

func (b *Broadcaster) PublishEvent(ctx context.Context, e *domain.Event) error {
	_, err := b.Publish(ctx, Occurrence{
		Type: TypeEventNew,
		Data: e,
		Risk: &Risk{Score: e.RiskScore, Level: e.RiskLevel},
	})
	return err
}

// PublishAlert sends one of the alert.* types.
func (b *Broadcaster) PublishAlert(ctx context.Context, t MessageType, a *domain.Alert) error {
	_, err := b.Publish(ctx, Occurrence{Type: t, Data: a})
	return err
}

func (b *Broadcaster) PublishCameraStatus(ctx context.Context, change domain.CameraStatusChange) error {
	_, err := b.Publish(ctx, Occurrence{Type: TypeCameraStatusChanged, Data: change})
	return err
}

func (b *Broadcaster) PublishSceneTamper(ctx context.Context, tamper domain.SceneTamper) error {
	_, err := b.Publish(ctx, Occurrence{Type: TypeSceneTamper, Data: tamper})
	return err
}

func (b *Broadcaster) PublishDetection(ctx context.Context, d domain.Detection) error {
	_, err := b.Publish(ctx, Occurrence{Type: TypeDetectionNew, Data: d})
	return err
}

func (b *Broadcaster) PublishBatchClosed(ctx context.Context, summary domain.BatchClosedSummary) error {
	_, err := b.Publish(ctx, Occurrence{Type: TypeBatchClosed, Data: summary})
	return err
}

// PublishWorkerLifecycle sends worker.started, worker.stopped or worker.failed.
func (b *Broadcaster) PublishWorkerLifecycle(ctx context.Context, t MessageType, w WorkerLifecycle) error {
	_, err := b.Publish(ctx, Occurrence{Type: t, Data: w})
	return err
}

func (b *Broadcaster) PublishInfrastructureAlert(ctx context.Context, a InfrastructureAlert) error {
	_, err := b.Publish(ctx, Occurrence{Type: TypeInfrastructureAlert, Data: a})
	return err
}

func (b *Broadcaster) PublishSummary(ctx context.Context, s Summary) error {
	_, err := b.Publish(ctx, Occurrence{Type: TypeSummaryGenerated, Data: s})
	return err
}

func (b *Broadcaster) PublishSystemStatus(ctx context.Context, s SystemStatus) error {
	_, err := b.Publish(ctx, Occurrence{Type: TypeSystemStatus, Data: s})
	return err
}

func (b *Broadcaster) PublishJobLog(ctx context.Context, l JobLog) error {
	_, err := b.Publish(ctx, Occurrence{Type: TypeJobLog, Data: l, JobID: l.JobID})
	return err
}

func (b *Broadcaster) PublishJobStatus(ctx context.Context, s JobStatus) error {
	_, err := b.Publish(ctx, Occurrence{Type: TypeJobStatus, Data: s, JobID: s.JobID})
	return err
}
