package steps

import (
	"context"
	"errors"
	"sync"

	"github.com/cuemby/fleetagent/pkg/types"
)

// AsyncQueue tracks background commands enqueued by the Job Runner or Step
// Runner (detection commands, log uploads) that must be waited on. At job
// level the Step Runner only waits on them, so their failure never fails
// the job; at step level it merges Result into the step's result, so a
// failed or canceled command makes the step Failed or Canceled.
type AsyncQueue struct {
	wg sync.WaitGroup

	mu       sync.Mutex
	failed   bool
	canceled bool
}

// NewAsyncQueue creates an empty queue.
func NewAsyncQueue() *AsyncQueue {
	return &AsyncQueue{}
}

// Enqueue runs fn in the background, tracking its completion for Sync/Drain.
func (q *AsyncQueue) Enqueue(ctx context.Context, fn func(context.Context) error) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		err := fn(ctx)
		if err == nil {
			return
		}
		q.mu.Lock()
		defer q.mu.Unlock()
		if errors.Is(err, context.Canceled) {
			q.canceled = true
		} else {
			q.failed = true
		}
	}()
}

// Sync blocks until every command enqueued so far has completed. Commands
// enqueued concurrently with Sync may or may not be waited on; this mirrors
// the looser "queued before step i" requirement without tracking a
// generation counter no caller actually needs.
func (q *AsyncQueue) Sync() {
	q.wg.Wait()
}

// Result reports the aggregate outcome of every command run so far:
// Canceled if any was canceled, Failed if any errored without being
// canceled, Succeeded otherwise.
func (q *AsyncQueue) Result() types.Result {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch {
	case q.canceled:
		return types.ResultCanceled
	case q.failed:
		return types.ResultFailed
	default:
		return types.ResultSucceeded
	}
}
