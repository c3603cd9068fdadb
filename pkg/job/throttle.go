package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/fleetagent/pkg/controlplane"
	"github.com/cuemby/fleetagent/pkg/metrics"
	"github.com/cuemby/fleetagent/pkg/types"
)

// defaultThrottleThreshold is the cumulative upload-delay threshold past
// which the one-shot user warning fires.
const defaultThrottleThreshold = 30 * time.Second

// throttleWarningLink points the warning at this agent's own diagnostics
// surface rather than a server-side article.
const throttleWarningLink = "see agent diagnostics for server queue latency details"

// throttledSink wraps a controlplane.Source's UploadTimeline, implementing
// execctx.TimelineSink, and accumulates the time each upload call takes. The
// first time the cumulative delay crosses threshold, warn is invoked exactly
// once — the Job Runner uses this to surface a job-level issue without
// spamming one per slow upload.
type throttledSink struct {
	source    controlplane.Source
	sess      *controlplane.Session
	threshold time.Duration
	warn      func(message string)

	mu     sync.Mutex
	total  time.Duration
	warned bool
}

func newThrottledSink(source controlplane.Source, sess *controlplane.Session, threshold time.Duration, warn func(string)) *throttledSink {
	if threshold <= 0 {
		threshold = defaultThrottleThreshold
	}
	return &throttledSink{source: source, sess: sess, threshold: threshold, warn: warn}
}

func (t *throttledSink) UploadTimeline(ctx context.Context, timelineID string, records []*types.TimelineRecord) error {
	start := time.Now()
	err := t.source.UploadTimeline(ctx, timelineID, records)
	elapsed := time.Since(start)
	metrics.ThrottleDelaySeconds.Observe(elapsed.Seconds())

	t.mu.Lock()
	t.total += elapsed
	crossed := !t.warned && t.total >= t.threshold
	if crossed {
		t.warned = true
	}
	t.mu.Unlock()

	if crossed && t.warn != nil {
		t.warn(fmt.Sprintf("server queue is falling behind (cumulative delay %s) — %s", t.total.Round(time.Second), throttleWarningLink))
	}
	return err
}
