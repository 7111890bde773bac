// Package queue is the per-location job queue on Redis: priority ordering
// with FIFO ties, jobKey deduplication across waiting/active/delayed,
// retries with exponential backoff, bounded retention of finished jobs,
// and completion events over pub/sub.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atriumbms/atrium/internal/config"
	"github.com/atriumbms/atrium/internal/types"
)

var (
	ErrNilJob     = errors.New("queue: nil job")
	ErrBadPayload = errors.New("queue: undecodable job record")
)

// Scores order waiting jobs: higher priority pops first, FIFO inside one
// priority class. score = seq - priority*2^40, popped with ZPOPMIN.
const priorityStride = float64(1 << 40)

// enqueueScript refuses a jobKey that is already live, otherwise stores
// the record and ranks it. Returns 1 when the job was added.
var enqueueScript = redis.NewScript(`
if redis.call("sismember", KEYS[1], ARGV[1]) == 1 then
	return 0
end
redis.call("sadd", KEYS[1], ARGV[1])
redis.call("set", KEYS[2], ARGV[2])
redis.call("hset", KEYS[5], ARGV[4], ARGV[3])
local seq = redis.call("incr", KEYS[4])
redis.call("zadd", KEYS[3], seq - tonumber(ARGV[3]) * 1099511627776, ARGV[4])
return 1`)

// dequeueScript promotes due delayed jobs into waiting, then pops the
// best-ranked waiting job into the active set. Returns false when idle.
var dequeueScript = redis.NewScript(`
local due = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(due) do
	redis.call("zrem", KEYS[1], id)
	local prio = tonumber(redis.call("hget", KEYS[4], id)) or 0
	local seq = redis.call("incr", KEYS[3])
	redis.call("zadd", KEYS[2], seq - prio * 1099511627776, id)
end
local popped = redis.call("zpopmin", KEYS[2])
if popped == false or #popped == 0 then
	return false
end
redis.call("sadd", KEYS[5], popped[1])
return popped[1]`)

// Queue is one location's job queue. All methods are safe for concurrent
// use; ordering inside the queue is enforced by Redis, not by callers.
type Queue struct {
	rdb        redis.UniversalClient
	locationID string

	maxAttempts    int
	backoffInitial time.Duration
	keepCompleted  int64
	keepFailed     int64
}

// New creates the queue for one location.
func New(rdb redis.UniversalClient, locationID string) *Queue {
	return &Queue{
		rdb:            rdb,
		locationID:     locationID,
		maxAttempts:    config.DefaultJobAttempts,
		backoffInitial: config.DefaultBackoffInitial,
		keepCompleted:  config.DefaultKeepCompletedJobs,
		keepFailed:     config.DefaultKeepFailedJobs,
	}
}

// LocationID returns the location this queue serves.
func (q *Queue) LocationID() string { return q.locationID }

func (q *Queue) key(suffix string) string {
	return fmt.Sprintf("atrium:q:%s:%s", q.locationID, suffix)
}

func (q *Queue) jobKeyRecord(jobID string) string { return q.key("job:" + jobID) }

// EventChannel is the pub/sub channel completion events are published on.
func (q *Queue) EventChannel() string { return q.key("events") }

// NewJobID mints a job identifier usable as a status-poll handle.
func NewJobID() string {
	return "job_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Enqueue adds a job unless its jobKey is already live. The second return
// is false when the key was already queued; that is a skip, not an error.
// The job's identity fields are stamped in place.
func (q *Queue) Enqueue(ctx context.Context, job *types.Job) (bool, error) {
	if job == nil {
		return false, ErrNilJob
	}
	if job.JobKey == "" {
		job.JobKey = fmt.Sprintf("%s-%s-%s", job.LocationID, job.EquipmentID, job.Equipment)
	}
	if job.JobID == "" {
		job.JobID = NewJobID()
	}
	now := time.Now().UnixMilli()
	job.State = types.JobStateWaiting
	job.Attempts = 0
	job.EnqueuedAtMs = now
	job.UpdatedAtMs = now

	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("queue: encode job: %w", err)
	}

	added, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.key("keys"), q.jobKeyRecord(job.JobID), q.key("waiting"), q.key("seq"), q.key("prios")},
		job.JobKey, payload, job.Priority, job.JobID,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("queue: enqueue %s: %w", job.JobKey, err)
	}
	return added == 1, nil
}

// Dequeue pops the highest-priority ready job and marks it active,
// counting the attempt. Returns nil when the queue is idle.
func (q *Queue) Dequeue(ctx context.Context) (*types.Job, error) {
	res, err := dequeueScript.Run(ctx, q.rdb,
		[]string{q.key("delayed"), q.key("waiting"), q.key("seq"), q.key("prios"), q.key("active")},
		time.Now().UnixMilli(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}

	jobID, ok := res.(string)
	if !ok || jobID == "" {
		return nil, nil
	}

	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		// The record is gone or unreadable; drop the orphan so it cannot
		// wedge the active set.
		q.rdb.SRem(ctx, q.key("active"), jobID)
		return nil, err
	}

	job.State = types.JobStateActive
	job.Attempts++
	job.UpdatedAtMs = time.Now().UnixMilli()
	if err := q.storeJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Complete retires an active job as successful, trims retention, and
// publishes the completion event.
func (q *Queue) Complete(ctx context.Context, job *types.Job) error {
	if job == nil {
		return ErrNilJob
	}
	job.State = types.JobStateCompleted
	job.UpdatedAtMs = time.Now().UnixMilli()

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: encode job: %w", err)
	}
	event, err := json.Marshal(Event{Type: EventCompleted, JobID: job.JobID, JobKey: job.JobKey})
	if err != nil {
		return fmt.Errorf("queue: encode event: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.SRem(ctx, q.key("active"), job.JobID)
	pipe.SRem(ctx, q.key("keys"), job.JobKey)
	pipe.HDel(ctx, q.key("prios"), job.JobID)
	pipe.Del(ctx, q.jobKeyRecord(job.JobID))
	pipe.LPush(ctx, q.key("completed"), payload)
	pipe.LTrim(ctx, q.key("completed"), 0, q.keepCompleted-1)
	pipe.Publish(ctx, q.EventChannel(), event)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: complete %s: %w", job.JobKey, err)
	}
	return nil
}

// Fail records a failed attempt. Inside the attempt budget the job is
// parked in delayed with exponential backoff and stays live for
// deduplication; once the budget is spent it moves to the failed
// retention list and the failure event fires. The first return reports
// whether a retry was scheduled.
func (q *Queue) Fail(ctx context.Context, job *types.Job, reason string) (bool, error) {
	if job == nil {
		return false, ErrNilJob
	}

	if job.Attempts < q.maxAttempts {
		// Attempts can be zero when a job is failed before any dequeue
		// counted an attempt; a negative shift would panic.
		shift := job.Attempts - 1
		if shift < 0 {
			shift = 0
		}
		backoff := q.backoffInitial << shift
		job.State = types.JobStateDelayed
		job.UpdatedAtMs = time.Now().UnixMilli()

		payload, err := json.Marshal(job)
		if err != nil {
			return false, fmt.Errorf("queue: encode job: %w", err)
		}
		readyAt := time.Now().Add(backoff).UnixMilli()

		pipe := q.rdb.TxPipeline()
		pipe.SRem(ctx, q.key("active"), job.JobID)
		pipe.Set(ctx, q.jobKeyRecord(job.JobID), payload, 0)
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(readyAt), Member: job.JobID})
		if _, err := pipe.Exec(ctx); err != nil {
			return false, fmt.Errorf("queue: delay %s: %w", job.JobKey, err)
		}
		return true, nil
	}

	job.State = types.JobStateFailed
	job.FailureReason = reason
	job.UpdatedAtMs = time.Now().UnixMilli()

	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("queue: encode job: %w", err)
	}
	event, err := json.Marshal(Event{Type: EventFailed, JobID: job.JobID, JobKey: job.JobKey, Reason: reason})
	if err != nil {
		return false, fmt.Errorf("queue: encode event: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.SRem(ctx, q.key("active"), job.JobID)
	pipe.SRem(ctx, q.key("keys"), job.JobKey)
	pipe.HDel(ctx, q.key("prios"), job.JobID)
	pipe.Del(ctx, q.jobKeyRecord(job.JobID))
	pipe.LPush(ctx, q.key("failed"), payload)
	pipe.LTrim(ctx, q.key("failed"), 0, q.keepFailed-1)
	pipe.Publish(ctx, q.EventChannel(), event)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("queue: fail %s: %w", job.JobKey, err)
	}
	return false, nil
}

// IsQueued reports whether the jobKey is live (waiting, active, or
// delayed).
func (q *Queue) IsQueued(ctx context.Context, jobKey string) (bool, error) {
	ok, err := q.rdb.SIsMember(ctx, q.key("keys"), jobKey).Result()
	if err != nil {
		return false, fmt.Errorf("queue: check %s: %w", jobKey, err)
	}
	return ok, nil
}

// Counts is a point-in-time census of the queue.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Counts returns the census across all five states.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, q.key("waiting"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	active := pipe.SCard(ctx, q.key("active"))
	completed := pipe.LLen(ctx, q.key("completed"))
	failed := pipe.LLen(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Counts{}, fmt.Errorf("queue: counts: %w", err)
	}
	return Counts{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// RecentFailed returns up to n most recently failed jobs, newest first.
func (q *Queue) RecentFailed(ctx context.Context, n int64) ([]*types.Job, error) {
	return q.recentList(ctx, q.key("failed"), n)
}

// RecentCompleted returns up to n most recently completed jobs, newest
// first.
func (q *Queue) RecentCompleted(ctx context.Context, n int64) ([]*types.Job, error) {
	return q.recentList(ctx, q.key("completed"), n)
}

func (q *Queue) recentList(ctx context.Context, key string, n int64) ([]*types.Job, error) {
	if n <= 0 {
		n = 25
	}
	raw, err := q.rdb.LRange(ctx, key, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list %s: %w", key, err)
	}
	jobs := make([]*types.Job, 0, len(raw))
	for _, item := range raw {
		var job types.Job
		if err := json.Unmarshal([]byte(item), &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// ReapActive converts active jobs whose last update is older than maxAge
// into failures with reason "timeout". This is the shared-state backstop
// for a worker that died mid-job: without it the dead job's key would
// block re-enqueueing forever. Returns the number of jobs reaped.
func (q *Queue) ReapActive(ctx context.Context, maxAge time.Duration) (int, error) {
	ids, err := q.rdb.SMembers(ctx, q.key("active")).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: list active: %w", err)
	}

	cutoff := time.Now().Add(-maxAge).UnixMilli()
	reaped := 0
	for _, jobID := range ids {
		job, err := q.loadJob(ctx, jobID)
		if err != nil {
			q.rdb.SRem(ctx, q.key("active"), jobID)
			continue
		}
		if job.UpdatedAtMs > cutoff {
			continue
		}
		// Burn the remaining budget; a timed-out worker may still be
		// running and must not race a retried copy of its own job.
		job.Attempts = q.maxAttempts
		if _, err := q.Fail(ctx, job, "timeout"); err != nil {
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

func (q *Queue) loadJob(ctx context.Context, jobID string) (*types.Job, error) {
	raw, err := q.rdb.Get(ctx, q.jobKeyRecord(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s missing", ErrBadPayload, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("queue: load %s: %w", jobID, err)
	}
	var job types.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadPayload, jobID, err)
	}
	return &job, nil
}

func (q *Queue) storeJob(ctx context.Context, job *types.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: encode job: %w", err)
	}
	if err := q.rdb.Set(ctx, q.jobKeyRecord(job.JobID), payload, 0).Err(); err != nil {
		return fmt.Errorf("queue: store %s: %w", job.JobID, err)
	}
	return nil
}
