// Package batch is the global enqueuer behind the cron endpoint: one
// lock-guarded pass walking the whole fleet through the smart gate, plus
// a single-equipment path with a short result cache for targeted
// refreshes.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/atriumbms/atrium/internal/config"
	"github.com/atriumbms/atrium/internal/events"
	"github.com/atriumbms/atrium/internal/gate"
	"github.com/atriumbms/atrium/internal/statestore"
	"github.com/atriumbms/atrium/internal/types"
)

const batchLockName = "batch"

// releaseTimeout bounds the lock release in the exit handler; the lock
// TTL is the backstop if even that fails.
const releaseTimeout = 5 * time.Second

// ErrUnknownEquipment is returned by RunOne for ids not on the roster.
var ErrUnknownEquipment = errors.New("batch: unknown equipment")

// Decider is the gate surface the enqueuer consults per equipment.
type Decider interface {
	Decide(ctx context.Context, eq types.Equipment) gate.Decision
}

// Enqueuer routes one job to its location's queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *types.Job) (bool, error)
}

// FleetSource lists the roster and resolves single units.
type FleetSource interface {
	All() []types.Equipment
	FindByID(equipmentID string) (types.Equipment, bool)
}

// LeadLagRunner is kicked once per location at the end of a fleet pass;
// its own lock decides whether anything actually runs.
type LeadLagRunner interface {
	Run(ctx context.Context, locationID string) (bool, error)
}

// Result summarizes one enqueuer pass. Serialized as the cron endpoint's
// response body.
type Result struct {
	Queued        int    `json:"queued"`
	AlreadyQueued int    `json:"alreadyQueued"`
	Errors        int    `json:"errors"`
	DurationMs    int64  `json:"durationMs"`
	RequestID     string `json:"requestId"`

	// Success mirrors the HTTP outcome for cron clients that only read
	// the body. A skipped pass is still a success.
	Success bool `json:"success"`
	// TimeSinceLastRunMs is the age of the previous pass start at the
	// moment this call was made, zero when no pass has ever run.
	TimeSinceLastRunMs int64 `json:"timeSinceLastRun"`

	// Skipped is set when another holder had the batch lock. A skip is
	// a success: the work is already happening elsewhere.
	Skipped bool `json:"skipped,omitempty"`
	// Cached is set on single-equipment runs answered from the result
	// cache.
	Cached bool `json:"cached,omitempty"`

	Decisions []DecisionRecord `json:"decisions,omitempty"`
}

// DecisionRecord is one per-equipment gate verdict, included when the
// caller asked for debug output.
type DecisionRecord struct {
	EquipmentID string `json:"equipmentId"`
	Process     bool   `json:"process"`
	Priority    int    `json:"priority,omitempty"`
	Reason      string `json:"reason"`
	Queued      bool   `json:"queued,omitempty"`
}

// Options modify one run.
type Options struct {
	// Force bypasses the batch lock. It does not bypass the
	// single-equipment result cache.
	Force bool
	// RequestID is assigned when empty.
	RequestID string
	// Debug includes per-equipment decisions in the result.
	Debug bool
}

// Runner is the batch enqueuer.
type Runner struct {
	state   *statestore.Store
	gate    Decider
	queue   Enqueuer
	fleet   FleetSource
	leadlag LeadLagRunner
	log     *events.EventLogger

	now func() time.Time
}

// New creates a runner. leadlag may be nil when rotation is managed
// elsewhere.
func New(state *statestore.Store, g Decider, queue Enqueuer, fleet FleetSource, leadlag LeadLagRunner, log *events.EventLogger) *Runner {
	if log == nil {
		log = events.NoopEventLogger()
	}
	return &Runner{
		state:   state,
		gate:    g,
		queue:   queue,
		fleet:   fleet,
		leadlag: leadlag,
		log:     log,
		now:     time.Now,
	}
}

// RunAll walks the whole fleet through the gate under the batch lock,
// then kicks the lead-lag pass per location. A held lock is a successful
// skip; the lock is always released on the way out.
func (r *Runner) RunAll(ctx context.Context, opts Options) (Result, error) {
	start := r.now()
	res := Result{RequestID: requestID(opts)}
	if last, err := r.state.GetBatchRunStamp(ctx); err == nil && !last.IsZero() {
		res.TimeSinceLastRunMs = start.Sub(last).Milliseconds()
	}

	if !opts.Force {
		lock, acquired, err := r.state.AcquireLock(ctx, batchLockName, config.DefaultBatchLockTTL)
		if err != nil {
			return res, fmt.Errorf("batch: acquire lock: %w", err)
		}
		if !acquired {
			res.Skipped = true
			res.Success = true
			res.DurationMs = r.now().Sub(start).Milliseconds()
			r.log.LogSkipped(res.RequestID, "*", "batch lock held elsewhere")
			return res, nil
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if _, err := lock.Release(releaseCtx); err != nil {
				r.log.LogQueueError("release_batch_lock", err)
			}
		}()
	}

	if err := r.state.PutBatchRunStamp(ctx, start); err != nil {
		r.log.LogQueueError("batch_run_stamp", err)
	}

	fleet := r.fleet.All()
	for i := range fleet {
		r.processOne(ctx, fleet[i], &res, opts.Debug)
	}

	if r.leadlag != nil {
		locations := lo.Uniq(lo.Map(fleet, func(eq types.Equipment, _ int) string { return eq.LocationID }))
		sort.Strings(locations)
		for _, loc := range locations {
			if _, err := r.leadlag.Run(ctx, loc); err != nil {
				res.Errors++
				r.log.LogQueueError("leadlag_run", err)
			}
		}
	}

	res.Success = true
	res.DurationMs = r.now().Sub(start).Milliseconds()
	r.log.LogBatchRun(res.RequestID, res.Queued, res.AlreadyQueued, res.Errors, res.DurationMs)
	return res, nil
}

// RunOne evaluates one equipment through the gate. Results are cached
// briefly so dashboard refresh storms do not multiply gate queries; the
// cache is keyed by jobKey and answers repeats within its TTL.
func (r *Runner) RunOne(ctx context.Context, equipmentID string, opts Options) (Result, error) {
	start := r.now()
	res := Result{RequestID: requestID(opts)}

	eq, ok := r.fleet.FindByID(equipmentID)
	if !ok {
		return res, fmt.Errorf("%w: %s", ErrUnknownEquipment, equipmentID)
	}

	if v, ok := r.state.CacheFetch(statestore.CacheEquipmentResult, eq.JobKey()); ok {
		cached, ok := v.(Result)
		if ok {
			cached.RequestID = res.RequestID
			cached.Cached = true
			cached.DurationMs = r.now().Sub(start).Milliseconds()
			return cached, nil
		}
	}

	r.processOne(ctx, eq, &res, opts.Debug)
	res.Success = true
	res.DurationMs = r.now().Sub(start).Milliseconds()
	r.state.CachePut(statestore.CacheEquipmentResult, eq.JobKey(), res)
	r.log.LogBatchRun(res.RequestID, res.Queued, res.AlreadyQueued, res.Errors, res.DurationMs)
	return res, nil
}

func (r *Runner) processOne(ctx context.Context, eq types.Equipment, res *Result, debug bool) {
	decision := r.gate.Decide(ctx, eq)
	rec := DecisionRecord{
		EquipmentID: eq.EquipmentID,
		Process:     decision.Process,
		Priority:    decision.Priority,
		Reason:      decision.Reason,
	}
	defer func() {
		if debug {
			res.Decisions = append(res.Decisions, rec)
		}
	}()

	if !decision.Process {
		r.log.LogSkipped(res.RequestID, eq.EquipmentID, decision.Reason)
		return
	}

	job := &types.Job{
		EquipmentID: eq.EquipmentID,
		LocationID:  eq.LocationID,
		Type:        types.JobTypeEvaluate,
		Equipment:   eq.Type,
		Priority:    decision.Priority,
		Reason:      decision.Reason,
		RequestID:   res.RequestID,
	}
	added, err := r.queue.Enqueue(ctx, job)
	switch {
	case err != nil:
		res.Errors++
		r.log.LogQueueError("enqueue", err)
	case added:
		res.Queued++
		rec.Queued = true
		r.log.LogEnqueued(res.RequestID, eq.EquipmentID, job.JobKey, job.Priority, job.Reason)
	default:
		res.AlreadyQueued++
		r.log.LogSkipped(res.RequestID, eq.EquipmentID, "already queued")
	}
}

func requestID(opts Options) string {
	if opts.RequestID != "" {
		return opts.RequestID
	}
	return uuid.NewString()
}
