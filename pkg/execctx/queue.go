package execctx

import (
	"context"
	"sync"

	"github.com/cuemby/fleetagent/pkg/log"
	"github.com/cuemby/fleetagent/pkg/metrics"
	"github.com/cuemby/fleetagent/pkg/types"
)

// queueCapacity bounds the number of pending timeline snapshots buffered
// between the agent and the control plane. When it is full, Enqueue drops
// the oldest pending snapshot to make room for the new one.
const queueCapacity = 256

// TimelineSink uploads timeline record snapshots to the control plane. The
// concrete implementation lives in pkg/controlplane; Execution Context only
// needs this narrow interface.
type TimelineSink interface {
	UploadTimeline(ctx context.Context, timelineID string, records []*types.TimelineRecord) error
}

// Queue asynchronously drains timeline record updates to a TimelineSink so
// that Write/Complete/AddIssue never block on network I/O. One Queue is
// created per job and shared by every Context in the job's tree.
type Queue struct {
	sink       TimelineSink
	timelineID string

	ch   chan *types.TimelineRecord
	wg   sync.WaitGroup
	stop chan struct{}
}

// NewQueue creates a Queue bound to sink. Start must be called before any
// Enqueue for records to actually be drained.
func NewQueue(sink TimelineSink, timelineID string) *Queue {
	return &Queue{
		sink:       sink,
		timelineID: timelineID,
		ch:         make(chan *types.TimelineRecord, queueCapacity),
		stop:       make(chan struct{}),
	}
}

// Start launches the background drain loop.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.run()
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case rec := <-q.ch:
			metrics.QueueDepth.Set(float64(len(q.ch)))
			q.upload(rec)
		case <-q.stop:
			q.drainPending()
			return
		}
	}
}

func (q *Queue) drainPending() {
	for {
		select {
		case rec := <-q.ch:
			q.upload(rec)
		default:
			return
		}
	}
}

func (q *Queue) upload(rec *types.TimelineRecord) {
	if q.sink == nil {
		return
	}
	if err := q.sink.UploadTimeline(context.Background(), q.timelineID, []*types.TimelineRecord{rec}); err != nil {
		log.WithRecordID(rec.ID).Warn("timeline upload failed: " + err.Error())
	}
}

// Enqueue schedules rec for upload. It never blocks: under sustained
// backpressure it discards the oldest pending snapshot, whichever record
// it belongs to, to make room for rec. A record whose only pending snapshot
// is discarded is not re-sent until it changes again.
func (q *Queue) Enqueue(rec *types.TimelineRecord) {
	select {
	case q.ch <- rec:
	default:
		select {
		case <-q.ch:
		default:
		}
		select {
		case q.ch <- rec:
		default:
		}
	}
}

// Drain stops accepting new background work after flushing everything
// already queued, blocking until the drain loop exits. Called once, at job
// finalization.
func (q *Queue) Drain(ctx context.Context) error {
	close(q.stop)
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
