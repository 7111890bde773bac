package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/atriumbms/atrium/internal/types"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, "L9")
}

func boilerJob(equipmentID string, priority int) *types.Job {
	return &types.Job{
		EquipmentID: equipmentID,
		LocationID:  "L9",
		Type:        types.JobTypeEvaluate,
		Equipment:   types.TypeBoiler,
		Priority:    priority,
		Reason:      "test",
	}
}

func TestEnqueueDeduplicatesJobKey(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first := boilerJob("E1", types.PriorityStale)
	queued, err := q.Enqueue(ctx, first)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if !queued {
		t.Fatal("Enqueue() = false for a fresh jobKey")
	}
	if first.JobKey != "L9-E1-boiler" {
		t.Errorf("JobKey = %q, want L9-E1-boiler", first.JobKey)
	}

	queued, err = q.Enqueue(ctx, boilerJob("E1", types.PriorityOperator))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if queued {
		t.Error("Enqueue() = true for a live jobKey, want already-queued")
	}

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if counts.Waiting != 1 {
		t.Errorf("Waiting = %d, want 1", counts.Waiting)
	}
}

func TestDequeueOrdersByPriorityThenFIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	enqueue := func(id string, priority int) {
		t.Helper()
		if _, err := q.Enqueue(ctx, boilerJob(id, priority)); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", id, err)
		}
	}
	enqueue("stale", types.PriorityStale)
	enqueue("safety-1", types.PrioritySafety)
	enqueue("operator", types.PriorityOperator)
	enqueue("safety-2", types.PrioritySafety)

	want := []string{"safety-1", "safety-2", "operator", "stale"}
	for i, wantID := range want {
		job, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue() #%d error = %v", i, err)
		}
		if job == nil {
			t.Fatalf("Dequeue() #%d = nil, want %s", i, wantID)
		}
		if job.EquipmentID != wantID {
			t.Errorf("Dequeue() #%d = %s, want %s", i, job.EquipmentID, wantID)
		}
		if job.State != types.JobStateActive {
			t.Errorf("Dequeue() #%d state = %s, want active", i, job.State)
		}
		if job.Attempts != 1 {
			t.Errorf("Dequeue() #%d attempts = %d, want 1", i, job.Attempts)
		}
	}

	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() on empty queue error = %v", err)
	}
	if job != nil {
		t.Errorf("Dequeue() on empty queue = %+v, want nil", job)
	}
}

func TestCompleteFreesJobKey(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, boilerJob("E1", types.PriorityChange)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	job, err := q.Dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("Dequeue() = %v, %v", job, err)
	}

	// Still live while active.
	if queued, _ := q.Enqueue(ctx, boilerJob("E1", types.PriorityChange)); queued {
		t.Error("Enqueue() while active = true, want already-queued")
	}

	if err := q.Complete(ctx, job); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if queued, _ := q.Enqueue(ctx, boilerJob("E1", types.PriorityChange)); !queued {
		t.Error("Enqueue() after completion = false, want accepted")
	}

	done, err := q.RecentCompleted(ctx, 10)
	if err != nil {
		t.Fatalf("RecentCompleted() error = %v", err)
	}
	if len(done) != 1 || done[0].State != types.JobStateCompleted {
		t.Errorf("RecentCompleted() = %+v, want one completed job", done)
	}
}

func TestFailRetriesWithBackoffThenLandsInFailed(t *testing.T) {
	q := newTestQueue(t)
	q.backoffInitial = 20 * time.Millisecond
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, boilerJob("E1", types.PriorityChange)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	for attempt := 1; attempt < q.maxAttempts; attempt++ {
		job, err := q.Dequeue(ctx)
		if err != nil || job == nil {
			t.Fatalf("Dequeue() attempt %d = %v, %v", attempt, job, err)
		}
		if job.Attempts != attempt {
			t.Fatalf("attempts = %d, want %d", job.Attempts, attempt)
		}

		retried, err := q.Fail(ctx, job, "influx write refused")
		if err != nil {
			t.Fatalf("Fail() error = %v", err)
		}
		if !retried {
			t.Fatalf("Fail() attempt %d scheduled no retry", attempt)
		}

		// Not ready until the backoff elapses; the jobKey stays live.
		if early, _ := q.Dequeue(ctx); early != nil {
			t.Fatalf("Dequeue() before backoff = %+v, want nil", early)
		}
		if queued, _ := q.Enqueue(ctx, boilerJob("E1", types.PriorityChange)); queued {
			t.Fatal("Enqueue() while delayed = true, want already-queued")
		}
		time.Sleep(q.backoffInitial<<(attempt-1) + 30*time.Millisecond)
	}

	job, err := q.Dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("Dequeue() final attempt = %v, %v", job, err)
	}
	retried, err := q.Fail(ctx, job, "influx write refused")
	if err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if retried {
		t.Error("Fail() after exhausting attempts scheduled a retry")
	}

	failed, err := q.RecentFailed(ctx, 10)
	if err != nil {
		t.Fatalf("RecentFailed() error = %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("RecentFailed() has %d jobs, want 1", len(failed))
	}
	if failed[0].FailureReason != "influx write refused" {
		t.Errorf("FailureReason = %q, want the write error", failed[0].FailureReason)
	}

	if queued, _ := q.Enqueue(ctx, boilerJob("E1", types.PriorityChange)); !queued {
		t.Error("Enqueue() after terminal failure = false, want accepted")
	}
}

func TestFailBeforeFirstAttemptSchedulesRetry(t *testing.T) {
	q := newTestQueue(t)
	q.backoffInitial = 20 * time.Millisecond
	ctx := context.Background()

	// A job can be failed before any dequeue counted an attempt. The
	// retry must park at the initial backoff; a negative shift would
	// panic.
	job := boilerJob("E1", types.PriorityChange)
	job.JobID = NewJobID()
	job.JobKey = "L9-E1-boiler"

	retried, err := q.Fail(ctx, job, "payload rejected")
	if err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if !retried {
		t.Fatal("Fail() with zero attempts scheduled no retry")
	}

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if counts.Delayed != 1 {
		t.Fatalf("Delayed = %d, want 1", counts.Delayed)
	}

	if early, _ := q.Dequeue(ctx); early != nil {
		t.Fatalf("Dequeue() before backoff = %+v, want nil", early)
	}
	time.Sleep(q.backoffInitial + 30*time.Millisecond)

	job, err = q.Dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("Dequeue() after backoff = %v, %v", job, err)
	}
	if job.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", job.Attempts)
	}
}

func TestRetentionTrims(t *testing.T) {
	q := newTestQueue(t)
	q.keepCompleted = 3
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		job := boilerJob("E1", types.PriorityChange)
		if _, err := q.Enqueue(ctx, job); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		dequeued, err := q.Dequeue(ctx)
		if err != nil || dequeued == nil {
			t.Fatalf("Dequeue() = %v, %v", dequeued, err)
		}
		if err := q.Complete(ctx, dequeued); err != nil {
			t.Fatalf("Complete() error = %v", err)
		}
	}

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if counts.Completed != 3 {
		t.Errorf("Completed retention = %d, want 3", counts.Completed)
	}
}

func TestCompletionEventsReachSubscribers(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, stop := q.Subscribe(ctx)
	defer stop()
	// Give the subscription a beat to register before publishing.
	time.Sleep(50 * time.Millisecond)

	if _, err := q.Enqueue(ctx, boilerJob("E1", types.PriorityChange)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	job, err := q.Dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("Dequeue() = %v, %v", job, err)
	}
	if err := q.Complete(ctx, job); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	select {
	case event := <-events:
		if event.Type != EventCompleted || event.JobKey != "L9-E1-boiler" {
			t.Errorf("event = %+v, want completed L9-E1-boiler", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no completion event within 2s")
	}
}

func TestReapActiveConvertsStuckJobs(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, boilerJob("E1", types.PriorityChange)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	job, err := q.Dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("Dequeue() = %v, %v", job, err)
	}

	// Backdate the attempt as if the worker died two minutes ago.
	job.UpdatedAtMs = time.Now().Add(-2 * time.Minute).UnixMilli()
	if err := q.storeJob(ctx, job); err != nil {
		t.Fatalf("storeJob() error = %v", err)
	}

	reaped, err := q.ReapActive(ctx, 90*time.Second)
	if err != nil {
		t.Fatalf("ReapActive() error = %v", err)
	}
	if reaped != 1 {
		t.Fatalf("ReapActive() = %d, want 1", reaped)
	}

	failed, err := q.RecentFailed(ctx, 10)
	if err != nil {
		t.Fatalf("RecentFailed() error = %v", err)
	}
	if len(failed) != 1 || failed[0].FailureReason != "timeout" {
		t.Fatalf("RecentFailed() = %+v, want one timeout failure", failed)
	}

	// The reclaimed key accepts new work.
	if queued, _ := q.Enqueue(ctx, boilerJob("E1", types.PriorityChange)); !queued {
		t.Error("Enqueue() after reap = false, want accepted")
	}

	// A fresh active job is left alone.
	fresh, err := q.Dequeue(ctx)
	if err != nil || fresh == nil {
		t.Fatalf("Dequeue() = %v, %v", fresh, err)
	}
	reaped, err = q.ReapActive(ctx, 90*time.Second)
	if err != nil {
		t.Fatalf("ReapActive() error = %v", err)
	}
	if reaped != 0 {
		t.Errorf("ReapActive() = %d, want 0 for a fresh job", reaped)
	}
}
