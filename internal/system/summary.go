package system

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/saturnino-fabrica-de-software/vigia/internal/broadcast"
	"github.com/saturnino-fabrica-de-software/vigia/internal/domain"
)

const topCameras = 5

type Summarizer interface {
	Summarize(ctx context.Context, from, to time.Time) (*domain.EventSummary, error)
}

type SummaryPublisher interface {
	LifecyclePublisher
	PublishSummary(ctx context.Context, s broadcast.Summary) error
}

// SummaryWorker publishes summary.generated for the events of the last interval.
type SummaryWorker struct {
	repo      Summarizer
	publisher SummaryPublisher
	interval  time.Duration
	replicaID string
	logger    *slog.Logger
	now       func() time.Time
}

func NewSummaryWorker(repo Summarizer, publisher SummaryPublisher, interval time.Duration, replicaID string, logger *slog.Logger) *SummaryWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &SummaryWorker{
		repo:      repo,
		publisher: publisher,
		interval:  interval,
		replicaID: replicaID,
		logger:    logger,
		now:       time.Now,
	}
}

func (w *SummaryWorker) Start(ctx context.Context) {
	l := &loop{
		name:      "summary",
		replicaID: w.replicaID,
		interval:  w.interval,
		publisher: w.publisher,
		logger:    w.logger,
	}
	l.run(ctx, w.tick)
}

func (w *SummaryWorker) tick(ctx context.Context) {
	to := w.now().UTC()
	from := to.Add(-w.interval)

	summary, err := w.Build(ctx, from, to)
	if err != nil {
		w.logger.Error("failed to summarize events", "from", from, "to", to, "error", err)
		return
	}

	if err := w.publisher.PublishSummary(ctx, *summary); err != nil {
		w.logger.Warn("summary not broadcast", "error", err)
		return
	}
	w.logger.Info("summary published", "from", from, "to", to, "total", summary.Total)
}

// Build turns the repository aggregate into the broadcast payload.
func (w *SummaryWorker) Build(ctx context.Context, from, to time.Time) (*broadcast.Summary, error) {
	agg, err := w.repo.Summarize(ctx, from, to)
	if err != nil {
		return nil, err
	}

	byLevel := make(map[string]int, len(agg.ByLevel))
	for level, n := range agg.ByLevel {
		byLevel[string(level)] = n
	}

	cameras := make([]broadcast.CameraCount, 0, len(agg.ByCamera))
	for id, n := range agg.ByCamera {
		cameras = append(cameras, broadcast.CameraCount{CameraID: id, Events: n})
	}
	sort.Slice(cameras, func(i, j int) bool {
		if cameras[i].Events != cameras[j].Events {
			return cameras[i].Events > cameras[j].Events
		}
		return cameras[i].CameraID < cameras[j].CameraID
	})
	if len(cameras) > topCameras {
		cameras = cameras[:topCameras]
	}

	return &broadcast.Summary{
		From:       from,
		To:         to,
		Total:      agg.Total,
		ByLevel:    byLevel,
		Degraded:   agg.Degraded,
		FastPath:   agg.FastPath,
		TopCameras: cameras,
	}, nil
}
