// Package worker provides the per-location worker pool that drains the
// job queue: resolve the algorithm, evaluate it against fresh inputs, and
// publish the clamped outputs plus the resulting state.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atriumbms/atrium/internal/control"
	"github.com/atriumbms/atrium/internal/events"
	"github.com/atriumbms/atrium/internal/metricstore"
	"github.com/atriumbms/atrium/internal/otel"
	"github.com/atriumbms/atrium/internal/scalar"
	"github.com/atriumbms/atrium/internal/types"
)

// ErrPoolClosed is returned when starting a pool that was already stopped.
var ErrPoolClosed = errors.New("worker: pool closed")

const (
	// Pool size bounds; evaluation suspends only at I/O so a handful of
	// workers saturate a location.
	minConcurrency = 2
	maxConcurrency = 4

	// idleDelay is the dequeue backoff when the queue is empty.
	idleDelay = 250 * time.Millisecond
)

// JobSource is the queue surface the pool consumes.
type JobSource interface {
	Dequeue(ctx context.Context) (*types.Job, error)
	Complete(ctx context.Context, job *types.Job) error
	Fail(ctx context.Context, job *types.Job, reason string) (bool, error)
}

// MetricGateway is the metric store surface the pool consumes.
type MetricGateway interface {
	ReadLatestMetrics(ctx context.Context, equipmentID, locationID string, window time.Duration) (scalar.Map, error)
	WriteCommands(ctx context.Context, equipmentID, locationID string, equipmentType types.EquipmentType, commands []metricstore.Command, opts metricstore.WriteOptions) []metricstore.FieldResult
}

// StateGateway is the state store surface the pool consumes.
type StateGateway interface {
	GetSettings(ctx context.Context, locationID, equipmentID string) (*types.EquipmentSettings, error)
	PutSettings(ctx context.Context, locationID, equipmentID string, settings *types.EquipmentSettings) error
	GetAlgoState(ctx context.Context, locationID, equipmentID string) (map[string]interface{}, error)
	PutAlgoState(ctx context.Context, locationID, equipmentID string, state map[string]interface{}) error
	PutStatus(ctx context.Context, jobID string, status *types.JobStatus) error
}

// EquipmentLookup resolves roster metadata (subtype, role, group) that a
// queued job does not carry.
type EquipmentLookup interface {
	Find(locationID, equipmentID string) (types.Equipment, bool)
}

// JobRecorder receives job telemetry. Satisfied by *metrics.Collector.
type JobRecorder interface {
	JobStarted()
	JobFinished()
	RecordJob(locationID, equipmentType, outcome string, seconds float64)
	RecordSafetyTrip(equipmentType string)
	RecordCommandWrites(source, status string, n int)
}

// Pool runs a bounded set of workers against one location's queue.
type Pool struct {
	queue    JobSource
	metrics  MetricGateway
	state    StateGateway
	registry *control.Registry
	roster   EquipmentLookup
	log      *events.EventLogger

	tracer    *otel.Tracer
	collector JobRecorder

	concurrency int

	started atomic.Bool
	closed  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// NewPool creates a worker pool. Concurrency is clamped to [2,4].
func NewPool(q JobSource, metrics MetricGateway, state StateGateway, registry *control.Registry, roster EquipmentLookup, concurrency int, log *events.EventLogger) *Pool {
	if concurrency < minConcurrency {
		concurrency = minConcurrency
	}
	if concurrency > maxConcurrency {
		concurrency = maxConcurrency
	}
	if log == nil {
		log = events.NoopEventLogger()
	}
	return &Pool{
		queue:       q,
		metrics:     metrics,
		state:       state,
		registry:    registry,
		roster:      roster,
		log:         log,
		tracer:      otel.GetGlobalTracer(),
		concurrency: concurrency,
		now:         time.Now,
	}
}

// SetTracer replaces the tracer used to span job execution.
func (p *Pool) SetTracer(t *otel.Tracer) {
	if t == nil {
		t = otel.NoopTracer()
	}
	p.tracer = t
}

// SetCollector wires a telemetry sink. A nil collector disables recording.
func (p *Pool) SetCollector(rec JobRecorder) {
	p.collector = rec
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if p.started.Swap(true) {
		return nil
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.runWorker()
	}
	return nil
}

// Stop cancels the workers and waits for in-progress jobs to finish.
func (p *Pool) Stop(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) runWorker() {
	defer p.wg.Done()

	for {
		if p.ctx.Err() != nil {
			return
		}

		job, err := p.queue.Dequeue(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.log.LogQueueError("dequeue", err)
			p.idle()
			continue
		}
		if job == nil {
			p.idle()
			continue
		}

		p.processJob(job)
	}
}

func (p *Pool) idle() {
	select {
	case <-p.ctx.Done():
	case <-time.After(idleDelay):
	}
}
