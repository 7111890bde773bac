package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/atriumbms/atrium/internal/events"
	"github.com/atriumbms/atrium/internal/gate"
	"github.com/atriumbms/atrium/internal/queue"
	"github.com/atriumbms/atrium/internal/types"
)

type fakeDecider struct {
	mu        sync.Mutex
	decisions map[string]gate.Decision
	calls     int
}

func (f *fakeDecider) Decide(ctx context.Context, eq types.Equipment) gate.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if d, ok := f.decisions[eq.EquipmentID]; ok {
		return d
	}
	return gate.Decision{Process: false, Reason: "no trigger"}
}

func (f *fakeDecider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeQueue struct {
	mu     sync.Mutex
	jobs   []*types.Job
	dedup  bool
	events chan queue.Event
	reaps  int
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{events: make(chan queue.Event, 8)}
}

func (f *fakeQueue) Enqueue(ctx context.Context, job *types.Job) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job.JobKey = job.LocationID + "-" + job.EquipmentID + "-" + string(job.Equipment)
	if f.dedup {
		return false, nil
	}
	f.jobs = append(f.jobs, job)
	return true, nil
}

func (f *fakeQueue) Subscribe(ctx context.Context) (<-chan queue.Event, func()) {
	return f.events, func() {}
}

func (f *fakeQueue) ReapActive(ctx context.Context, maxAge time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reaps++
	return 0, nil
}

func (f *fakeQueue) enqueued() []*types.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Job, len(f.jobs))
	copy(out, f.jobs)
	return out
}

func testRoster() []types.Equipment {
	return []types.Equipment{
		{EquipmentID: "AH1", LocationID: "L1", Type: types.TypeAirHandler},
		{EquipmentID: "P1", LocationID: "L1", Type: types.TypePump},
	}
}

func newTestProcessor(d *fakeDecider, q *fakeQueue) *Processor {
	return New("L1", testRoster(), d, q, events.NoopEventLogger())
}

func TestTickEnqueuesApprovedEquipment(t *testing.T) {
	d := &fakeDecider{decisions: map[string]gate.Decision{
		"AH1": {Process: true, Priority: types.PriorityDeviation, Reason: "deviation: test"},
	}}
	q := newFakeQueue()
	p := newTestProcessor(d, q)
	p.ctx = context.Background()

	p.tickDue()

	jobs := q.enqueued()
	if len(jobs) != 1 {
		t.Fatalf("enqueued %d jobs, want 1", len(jobs))
	}
	job := jobs[0]
	if job.EquipmentID != "AH1" || job.Priority != types.PriorityDeviation || job.Type != types.JobTypeEvaluate {
		t.Errorf("job = %+v, want AH1 evaluate at priority %d", job, types.PriorityDeviation)
	}
	if !p.InFlight(job.JobKey) {
		t.Error("jobKey not marked in-flight after enqueue")
	}
}

func TestTickSkipsInFlightWithoutGateCall(t *testing.T) {
	d := &fakeDecider{decisions: map[string]gate.Decision{
		"AH1": {Process: true, Priority: types.PriorityStale, Reason: "max staleness"},
		"P1":  {Process: true, Priority: types.PriorityStale, Reason: "max staleness"},
	}}
	q := newFakeQueue()
	p := newTestProcessor(d, q)
	p.ctx = context.Background()

	p.tickDue()
	if got := d.callCount(); got != 2 {
		t.Fatalf("gate calls = %d, want 2", got)
	}

	// Clear the due times so the next pass re-ticks immediately; both
	// keys are in-flight so the gate must not be consulted again.
	p.mu.Lock()
	p.nextDue = map[string]time.Time{}
	p.mu.Unlock()

	p.tickDue()
	if got := d.callCount(); got != 2 {
		t.Errorf("gate calls = %d, want 2 (in-flight suppresses gating)", got)
	}
	if got := len(q.enqueued()); got != 2 {
		t.Errorf("enqueued %d jobs, want 2", got)
	}
}

func TestTickHonorsPeriods(t *testing.T) {
	d := &fakeDecider{}
	q := newFakeQueue()
	p := newTestProcessor(d, q)
	p.ctx = context.Background()

	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }

	p.tickDue()
	first := d.callCount()
	if first != 2 {
		t.Fatalf("gate calls = %d, want 2 on first pass", first)
	}

	// 10 seconds later nothing is due (both categories tick at 30s).
	base = base.Add(10 * time.Second)
	p.tickDue()
	if got := d.callCount(); got != first {
		t.Errorf("gate calls = %d, want %d within the period", got, first)
	}

	base = base.Add(25 * time.Second)
	p.tickDue()
	if got := d.callCount(); got != first+2 {
		t.Errorf("gate calls = %d, want %d after the period", got, first+2)
	}
}

func TestDedupHitStillMarksInFlight(t *testing.T) {
	d := &fakeDecider{decisions: map[string]gate.Decision{
		"AH1": {Process: true, Priority: types.PriorityStale, Reason: "max staleness"},
	}}
	q := newFakeQueue()
	q.dedup = true
	p := newTestProcessor(d, q)
	p.ctx = context.Background()

	p.tickDue()
	if len(q.enqueued()) != 0 {
		t.Fatal("dedup queue accepted a job")
	}
	if !p.InFlight("L1-AH1-airHandler") {
		t.Error("jobKey not marked in-flight after dedup hit")
	}
}

func TestQueueEventClearsInFlight(t *testing.T) {
	d := &fakeDecider{decisions: map[string]gate.Decision{
		"AH1": {Process: true, Priority: types.PriorityOperator, Reason: "operator"},
	}}
	q := newFakeQueue()
	p := newTestProcessor(d, q)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Stop(context.Background())

	key := "L1-AH1-airHandler"
	deadline := time.Now().Add(2 * time.Second)
	for !p.InFlight(key) {
		if time.Now().After(deadline) {
			t.Fatal("jobKey never marked in-flight")
		}
		time.Sleep(10 * time.Millisecond)
	}

	q.events <- queue.Event{Type: queue.EventCompleted, JobKey: key}

	deadline = time.Now().Add(2 * time.Second)
	for p.InFlight(key) {
		if time.Now().After(deadline) {
			t.Fatal("completed event did not clear in-flight mark")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCleanupTimerClearsInFlight(t *testing.T) {
	p := newTestProcessor(&fakeDecider{}, newFakeQueue())

	p.markInFlight("L1-AH1-airHandler", 20*time.Millisecond)
	if !p.InFlight("L1-AH1-airHandler") {
		t.Fatal("jobKey not marked in-flight")
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.InFlight("L1-AH1-airHandler") {
		if time.Now().After(deadline) {
			t.Fatal("cleanup timer did not clear in-flight mark")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	p := newTestProcessor(&fakeDecider{}, newFakeQueue())

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	if err := p.Start(context.Background()); err != ErrProcessorClosed {
		t.Errorf("Start() after Stop error = %v, want ErrProcessorClosed", err)
	}
}
