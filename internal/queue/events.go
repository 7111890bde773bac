package queue

import (
	"context"
	"encoding/json"
)

// Event types published on the queue's pub/sub channel.
const (
	EventCompleted = "completed"
	EventFailed    = "failed"
)

// Event reports a job leaving the live set. Processors use it to clear
// their in-flight entries without polling.
type Event struct {
	Type   string `json:"type"`
	JobID  string `json:"job_id"`
	JobKey string `json:"job_key"`
	Reason string `json:"reason,omitempty"`
}

// Subscribe delivers completion events until the returned stop function
// is called. Undecodable messages are dropped.
func (q *Queue) Subscribe(ctx context.Context) (<-chan Event, func()) {
	sub := q.rdb.Subscribe(ctx, q.EventChannel())
	out := make(chan Event, 64)

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	stop := func() { _ = sub.Close() }
	return out, stop
}
