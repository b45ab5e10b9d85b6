package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/saturnino-fabrica-de-software/vigia/internal/analyzer"
	"github.com/saturnino-fabrica-de-software/vigia/internal/broadcast"
	"github.com/saturnino-fabrica-de-software/vigia/internal/domain"
)

const degradedSummary = "Risk analysis unavailable, default score applied"

type Publisher interface {
	PublishEvent(ctx context.Context, e *domain.Event) error
	PublishDetection(ctx context.Context, d domain.Detection) error
	PublishBatchClosed(ctx context.Context, summary domain.BatchClosedSummary) error
	PublishJobLog(ctx context.Context, l broadcast.JobLog) error
	PublishJobStatus(ctx context.Context, s broadcast.JobStatus) error
}

type EventStore interface {
	Create(ctx context.Context, e *domain.Event) error
}

type Archiver interface {
	Archive(ctx context.Context, b *domain.Batch, e *domain.Event) (string, error)
}

type AlertOpener interface {
	OpenFromEvent(ctx context.Context, e *domain.Event) (*domain.Alert, error)
}

type Config struct {
	AnalyzerTimeout   time.Duration
	DegradedRiskScore int
}

// Options carries the optional collaborators. Nil fields are skipped.
type Options struct {
	Events  EventStore
	Archive Archiver
	Alerts  AlertOpener
}

type Stats struct {
	Events   int64 `json:"events"`
	Degraded int64 `json:"degraded"`
	FastPath int64 `json:"fast_path"`
}

// Processor turns aggregator handoffs into scored events. It never drops a unit
// of work: when the analyzer fails the event is emitted as degraded.
type Processor struct {
	cfg       Config
	analyzer  analyzer.RiskAnalyzer
	publisher Publisher
	opts      Options
	logger    *slog.Logger
	now       func() time.Time

	events   atomic.Int64
	degraded atomic.Int64
	fastPath atomic.Int64
}

func NewProcessor(cfg Config, a analyzer.RiskAnalyzer, publisher Publisher, opts Options, logger *slog.Logger) *Processor {
	if cfg.AnalyzerTimeout <= 0 {
		cfg.AnalyzerTimeout = 20 * time.Second
	}
	cfg.DegradedRiskScore = domain.ClampScore(cfg.DegradedRiskScore)

	return &Processor{
		cfg:       cfg,
		analyzer:  a,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// HandleBatch scores a closed batch.
func (p *Processor) HandleBatch(ctx context.Context, b *domain.Batch) {
	jobID := b.ID.String()

	if err := p.publisher.PublishBatchClosed(ctx, b.Summary()); err != nil {
		p.logger.Warn("batch closed broadcast failed", "batch_id", b.ID, "error", err)
	}

	id := b.ID
	e := domain.NewEventFromDetections(b.CameraID, &id, b.Detections)
	p.startJob(ctx, jobID, b.CameraID, fmt.Sprintf("analyzing batch of %d detections (%s)", b.Size(), b.CloseReason))

	p.score(ctx, jobID, e, analyzer.NewBatchRequest(b))
	p.persist(ctx, e)

	if p.opts.Archive != nil {
		if key, err := p.opts.Archive.Archive(ctx, b, e); err != nil {
			p.logger.Warn("batch archive failed", "batch_id", b.ID, "error", err)
		} else {
			p.jobLog(ctx, jobID, "info", "batch archived as "+key)
		}
	}

	p.finish(ctx, jobID, e)
}

// HandleDetection scores a single fast-path detection.
func (p *Processor) HandleDetection(ctx context.Context, d domain.Detection) {
	p.fastPath.Add(1)

	if err := p.publisher.PublishDetection(ctx, d); err != nil {
		p.logger.Warn("detection broadcast failed", "camera_id", d.CameraID, "error", err)
	}

	e := domain.NewEventFromDetections(d.CameraID, nil, []domain.Detection{d})
	jobID := e.ID.String()
	p.startJob(ctx, jobID, d.CameraID, fmt.Sprintf("fast path %s at %.2f", d.ObjectType, d.Confidence))

	p.score(ctx, jobID, e, analyzer.NewDetectionRequest(d))
	p.persist(ctx, e)
	p.finish(ctx, jobID, e)
}

func (p *Processor) Stats() Stats {
	return Stats{
		Events:   p.events.Load(),
		Degraded: p.degraded.Load(),
		FastPath: p.fastPath.Load(),
	}
}

func (p *Processor) score(ctx context.Context, jobID string, e *domain.Event, req *analyzer.Request) {
	actx, cancel := context.WithTimeout(ctx, p.cfg.AnalyzerTimeout)
	defer cancel()

	start := p.now()
	assessment, err := p.analyzer.Analyze(actx, req)
	if err != nil {
		p.degraded.Add(1)
		e.Degraded = true
		e.RiskScore = p.cfg.DegradedRiskScore
		e.RiskLevel = domain.LevelForScore(e.RiskScore)
		e.Summary = degradedSummary
		e.Reasoning = err.Error()

		p.logger.Warn("risk analysis failed, emitting degraded event",
			"camera_id", e.CameraID,
			"event_id", e.ID,
			"error", err,
		)
		p.jobLog(ctx, jobID, "warn", "analysis failed: "+err.Error())
		return
	}

	assessment.Normalize()
	e.RiskScore = assessment.RiskScore
	e.RiskLevel = assessment.RiskLevel
	e.Summary = assessment.Summary
	e.Reasoning = assessment.Reasoning

	p.logger.Info("event scored",
		"camera_id", e.CameraID,
		"event_id", e.ID,
		"risk_score", e.RiskScore,
		"risk_level", e.RiskLevel,
		"duration", p.now().Sub(start),
	)
	p.jobLog(ctx, jobID, "info", fmt.Sprintf("scored %d (%s)", e.RiskScore, e.RiskLevel))
}

func (p *Processor) persist(ctx context.Context, e *domain.Event) {
	e.CreatedAt = p.now()
	if p.opts.Events == nil {
		return
	}
	if err := p.opts.Events.Create(ctx, e); err != nil {
		p.logger.Error("persist event failed", "event_id", e.ID, "error", err)
	}
}

func (p *Processor) finish(ctx context.Context, jobID string, e *domain.Event) {
	p.events.Add(1)

	if p.opts.Alerts != nil {
		if a, err := p.opts.Alerts.OpenFromEvent(ctx, e); err != nil {
			p.logger.Error("open alert failed", "event_id", e.ID, "error", err)
		} else if a != nil {
			p.jobLog(ctx, jobID, "info", "alert opened "+a.ID.String())
		}
	}

	if err := p.publisher.PublishEvent(ctx, e); err != nil {
		p.logger.Warn("event broadcast failed", "event_id", e.ID, "error", err)
	}

	state := broadcast.JobCompleted
	if e.Degraded {
		state = broadcast.JobDegraded
	}
	p.jobStatus(ctx, jobID, state, e.CameraID, e.ID.String())
}

func (p *Processor) startJob(ctx context.Context, jobID, cameraID, message string) {
	p.jobStatus(ctx, jobID, broadcast.JobRunning, cameraID, "")
	p.jobLog(ctx, jobID, "info", message)
}

func (p *Processor) jobLog(ctx context.Context, jobID, level, message string) {
	err := p.publisher.PublishJobLog(ctx, broadcast.JobLog{
		JobID:   jobID,
		Level:   level,
		Message: message,
		At:      p.now(),
	})
	if err != nil {
		p.logger.Debug("job log broadcast failed", "job_id", jobID, "error", err)
	}
}

func (p *Processor) jobStatus(ctx context.Context, jobID string, state broadcast.JobState, cameraID, eventID string) {
	err := p.publisher.PublishJobStatus(ctx, broadcast.JobStatus{
		JobID:    jobID,
		State:    state,
		CameraID: cameraID,
		EventID:  eventID,
		At:       p.now(),
	})
	if err != nil {
		p.logger.Debug("job status broadcast failed", "job_id", jobID, "error", err)
	}
}
