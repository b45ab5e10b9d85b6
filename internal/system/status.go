package system

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/saturnino-fabrica-de-software/vigia/internal/broadcast"
	"github.com/saturnino-fabrica-de-software/vigia/internal/ingest"
)

const (
	ResourceCPU    = "cpu"
	ResourceMemory = "memory"
)

// ProcessSample is the resource usage of this process.
type ProcessSample struct {
	CPUPercent    float64
	RSS           uint64
	MemoryPercent float32
}

type Sampler interface {
	Sample() (ProcessSample, error)
}

// ProcessSampler reads this process's usage with gopsutil.
type ProcessSampler struct {
	proc *process.Process
}

func NewProcessSampler() (*ProcessSampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("open process handle: %w", err)
	}
	return &ProcessSampler{proc: p}, nil
}

func (s *ProcessSampler) Sample() (ProcessSample, error) {
	var sample ProcessSample

	cpu, err := s.proc.CPUPercent()
	if err != nil {
		return sample, fmt.Errorf("cpu percent: %w", err)
	}
	sample.CPUPercent = cpu

	if mem, err := s.proc.MemoryInfo(); err == nil {
		sample.RSS = mem.RSS
	}
	if memP, err := s.proc.MemoryPercent(); err == nil {
		sample.MemoryPercent = memP
	}
	return sample, nil
}

// ChannelCounter is one connection manager, seen from the status snapshot.
type ChannelCounter interface {
	Channel() broadcast.Channel
	Count() int
	Current() int64
}

type BatchCounter interface {
	OpenBatches() int64
}

// IngestCounter is the detection source, when this replica runs one.
type IngestCounter interface {
	Stats() ingest.Stats
}

type StatusPublisher interface {
	LifecyclePublisher
	PublishSystemStatus(ctx context.Context, s broadcast.SystemStatus) error
	PublishInfrastructureAlert(ctx context.Context, a broadcast.InfrastructureAlert) error
}

type StatusConfig struct {
	Interval           time.Duration
	ReplicaID          string
	CPUAlertPercent    float64
	MemoryAlertPercent float64
}

// StatusWorker publishes a system.status snapshot every interval and raises an
// infrastructure.alert when a resource crosses its threshold, and again when it
// recovers.
type StatusWorker struct {
	cfg       StatusConfig
	sampler   Sampler
	batches   BatchCounter
	channels  []ChannelCounter
	ingest    IngestCounter
	publisher StatusPublisher
	logger    *slog.Logger
	hostname  string
	started   time.Time
	now       func() time.Time

	// tick goroutine only
	alerting map[string]bool
}

func NewStatusWorker(cfg StatusConfig, sampler Sampler, batches BatchCounter, channels []ChannelCounter, publisher StatusPublisher, logger *slog.Logger) *StatusWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	hostname, _ := os.Hostname()

	return &StatusWorker{
		cfg:       cfg,
		sampler:   sampler,
		batches:   batches,
		channels:  channels,
		publisher: publisher,
		logger:    logger,
		hostname:  hostname,
		started:   time.Now(),
		now:       time.Now,
		alerting:  make(map[string]bool),
	}
}

// WithIngest adds the detection source counters to every snapshot.
func (w *StatusWorker) WithIngest(source IngestCounter) *StatusWorker {
	w.ingest = source
	return w
}

// Start blocks until ctx is cancelled.
func (w *StatusWorker) Start(ctx context.Context) {
	l := &loop{
		name:      "system_status",
		replicaID: w.cfg.ReplicaID,
		interval:  w.cfg.Interval,
		publisher: w.publisher,
		logger:    w.logger,
	}
	l.run(ctx, w.tick)
}

// Snapshot collects the current status. Sampling errors leave the resource
// fields at zero.
func (w *StatusWorker) Snapshot() broadcast.SystemStatus {
	now := w.now()
	status := broadcast.SystemStatus{
		ReplicaID:     w.cfg.ReplicaID,
		Hostname:      w.hostname,
		Goroutines:    runtime.NumGoroutine(),
		Connections:   make(map[string]int, len(w.channels)),
		Sequences:     make(map[string]int64, len(w.channels)),
		UptimeSeconds: int64(now.Sub(w.started).Seconds()),
		At:            now.UTC(),
	}

	if w.sampler != nil {
		sample, err := w.sampler.Sample()
		if err != nil {
			w.logger.Warn("process sample failed", "error", err)
		} else {
			status.CPUPercent = sample.CPUPercent
			status.MemoryRSS = sample.RSS
			status.MemoryPercent = sample.MemoryPercent
		}
	}
	if w.batches != nil {
		status.OpenBatches = int(w.batches.OpenBatches())
	}
	for _, ch := range w.channels {
		status.Connections[string(ch.Channel())] = ch.Count()
		status.Sequences[string(ch.Channel())] = ch.Current()
	}
	if w.ingest != nil {
		st := w.ingest.Stats()
		status.Ingest = &broadcast.IngestStatus{
			Detections: st.Detections,
			Rejected:   st.Rejected,
			Signals:    st.Signals,
		}
	}
	return status
}

func (w *StatusWorker) tick(ctx context.Context) {
	status := w.Snapshot()

	if err := w.publisher.PublishSystemStatus(ctx, status); err != nil {
		w.logger.Warn("system status not broadcast", "error", err)
	}

	w.evaluate(ctx, ResourceCPU, status.CPUPercent, w.cfg.CPUAlertPercent, status.At)
	w.evaluate(ctx, ResourceMemory, float64(status.MemoryPercent), w.cfg.MemoryAlertPercent, status.At)
}

// evaluate publishes only on transitions across threshold.
func (w *StatusWorker) evaluate(ctx context.Context, resource string, value, threshold float64, at time.Time) {
	if threshold <= 0 {
		return
	}

	above := value >= threshold
	if above == w.alerting[resource] {
		return
	}
	w.alerting[resource] = above

	if above {
		w.logger.Warn("resource above threshold", "resource", resource, "value", value, "threshold", threshold)
	} else {
		w.logger.Info("resource recovered", "resource", resource, "value", value, "threshold", threshold)
	}

	err := w.publisher.PublishInfrastructureAlert(ctx, broadcast.InfrastructureAlert{
		ReplicaID: w.cfg.ReplicaID,
		Resource:  resource,
		Value:     value,
		Threshold: threshold,
		Active:    above,
		At:        at,
	})
	if err != nil {
		w.logger.Warn("infrastructure alert not broadcast", "resource", resource, "error", err)
	}
}
