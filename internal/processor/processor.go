// Package processor drives one location's equipment through the gate on
// per-category tick periods and keeps the in-flight set that prevents a
// jobKey from being re-gated while its job is still live.
package processor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atriumbms/atrium/internal/events"
	"github.com/atriumbms/atrium/internal/gate"
	"github.com/atriumbms/atrium/internal/queue"
	"github.com/atriumbms/atrium/internal/types"
)

// ErrProcessorClosed is returned when starting a processor that was
// already stopped.
var ErrProcessorClosed = errors.New("processor: closed")

const (
	// tickResolution bounds how late an equipment tick can fire; actual
	// periods come from each equipment's category.
	tickResolution = 1 * time.Second

	// reapInterval / reapMaxAge drive the queue-side backstop for
	// active jobs whose worker disappeared.
	reapInterval = 30 * time.Second
	reapMaxAge   = 90 * time.Second
)

// Decider is the gate surface the processor consumes.
type Decider interface {
	Decide(ctx context.Context, eq types.Equipment) gate.Decision
}

// JobQueue is the queue surface the processor consumes.
type JobQueue interface {
	Enqueue(ctx context.Context, job *types.Job) (bool, error)
	Subscribe(ctx context.Context) (<-chan queue.Event, func())
	ReapActive(ctx context.Context, maxAge time.Duration) (int, error)
}

// Processor owns the tick scheduling for one location. Equipment ticks
// run serially on a single goroutine; a slow tick delays the next one
// rather than overlapping it.
type Processor struct {
	locationID string
	roster     []types.Equipment
	gate       Decider
	queue      JobQueue
	log        *events.EventLogger

	mu       sync.Mutex
	inflight map[string]*time.Timer
	nextDue  map[string]time.Time

	started atomic.Bool
	closed  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// New creates a processor for one location's roster.
func New(locationID string, roster []types.Equipment, decider Decider, q JobQueue, log *events.EventLogger) *Processor {
	if log == nil {
		log = events.NoopEventLogger()
	}
	return &Processor{
		locationID: locationID,
		roster:     roster,
		gate:       decider,
		queue:      q,
		log:        log,
		inflight:   make(map[string]*time.Timer),
		nextDue:    make(map[string]time.Time),
		now:        time.Now,
	}
}

// LocationID returns the location this processor serves.
func (p *Processor) LocationID() string { return p.locationID }

// Start launches the tick loop and the queue event listener.
func (p *Processor) Start(ctx context.Context) error {
	if p.closed.Load() {
		return ErrProcessorClosed
	}
	if p.started.Swap(true) {
		return nil
	}

	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(2)
	go p.runTicks()
	go p.runEvents()
	return nil
}

// Stop halts ticking, cancels cleanup timers, and waits for the loops.
func (p *Processor) Stop(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}
	if p.cancel != nil {
		p.cancel()
	}

	p.mu.Lock()
	for key, timer := range p.inflight {
		timer.Stop()
		delete(p.inflight, key)
	}
	p.mu.Unlock()

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

func (p *Processor) runTicks() {
	defer p.wg.Done()

	// First pass immediately so a fresh processor evaluates its whole
	// roster without waiting out a tick.
	p.tickDue()

	ticker := time.NewTicker(tickResolution)
	defer ticker.Stop()
	reaper := time.NewTicker(reapInterval)
	defer reaper.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.tickDue()
		case <-reaper.C:
			if _, err := p.queue.ReapActive(p.ctx, reapMaxAge); err != nil && p.ctx.Err() == nil {
				p.log.LogQueueError("reap_active", err)
			}
		}
	}
}

// tickDue runs every equipment whose period has elapsed, serially.
func (p *Processor) tickDue() {
	now := p.now()
	for _, eq := range p.roster {
		key := eq.JobKey()

		p.mu.Lock()
		due, seen := p.nextDue[key]
		p.mu.Unlock()
		if seen && now.Before(due) {
			continue
		}

		p.tickOne(eq)

		p.mu.Lock()
		p.nextDue[key] = now.Add(eq.TickPeriod())
		p.mu.Unlock()
	}
}

func (p *Processor) tickOne(eq types.Equipment) {
	key := eq.JobKey()
	if p.InFlight(key) {
		p.log.LogSkipped("", eq.EquipmentID, "in flight")
		return
	}

	decision := p.gate.Decide(p.ctx, eq)
	if !decision.Process {
		p.log.LogSkipped("", eq.EquipmentID, decision.Reason)
		return
	}

	job := &types.Job{
		EquipmentID: eq.EquipmentID,
		LocationID:  eq.LocationID,
		Type:        types.JobTypeEvaluate,
		Equipment:   eq.Type,
		Priority:    decision.Priority,
		Reason:      decision.Reason,
	}
	enqueued, err := p.queue.Enqueue(p.ctx, job)
	if err != nil {
		p.log.LogJobFailed("", key, "enqueue: "+err.Error(), 0)
		return
	}

	// Mark in-flight either way: a dedup hit means the jobKey is
	// already live in the queue, so later ticks can skip locally.
	p.markInFlight(key, eq.CleanupTimeout())
	if enqueued {
		p.log.LogEnqueued(job.RequestID, eq.EquipmentID, job.JobKey, job.Priority, decision.Reason)
	} else {
		p.log.LogSkipped("", eq.EquipmentID, "already queued")
	}
}

func (p *Processor) runEvents() {
	defer p.wg.Done()

	eventsCh, unsubscribe := p.queue.Subscribe(p.ctx)
	defer unsubscribe()

	for {
		select {
		case <-p.ctx.Done():
			return
		case ev, ok := <-eventsCh:
			if !ok {
				return
			}
			p.clearInFlight(ev.JobKey)
		}
	}
}

// InFlight reports whether a jobKey currently blocks re-gating.
func (p *Processor) InFlight(jobKey string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[jobKey]
	return ok
}

func (p *Processor) markInFlight(jobKey string, timeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if timer, ok := p.inflight[jobKey]; ok {
		timer.Stop()
	}
	p.inflight[jobKey] = time.AfterFunc(timeout, func() {
		if p.clearInFlight(jobKey) {
			p.log.LogInFlightCleanup(jobKey)
		}
	})
}

func (p *Processor) clearInFlight(jobKey string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	timer, ok := p.inflight[jobKey]
	if !ok {
		return false
	}
	timer.Stop()
	delete(p.inflight, jobKey)
	return true
}
