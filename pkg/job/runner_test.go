package job

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetagent/pkg/controlplane"
	"github.com/cuemby/fleetagent/pkg/execctx"
	"github.com/cuemby/fleetagent/pkg/steps"
	"github.com/cuemby/fleetagent/pkg/types"
)

// fakeSource is a minimal in-memory controlplane.Source recording every
// call a Runner makes against it.
type fakeSource struct {
	mu           sync.Mutex
	timelines    map[string][]*types.TimelineRecord
	completed    []types.Result
	completeErrs []error // consumed in order, one per Complete call
}

func newFakeSource() *fakeSource {
	return &fakeSource{timelines: make(map[string][]*types.TimelineRecord)}
}

func (f *fakeSource) CreateSession(context.Context, string, string) (*controlplane.Session, error) {
	return &controlplane.Session{SessionID: "s1"}, nil
}
func (f *fakeSource) KeepAlive(context.Context, *controlplane.Session) error    { return nil }
func (f *fakeSource) DeleteSession(context.Context, *controlplane.Session) error { return nil }
func (f *fakeSource) GetNext(context.Context, *controlplane.Session) (*controlplane.Message, error) {
	return nil, nil
}
func (f *fakeSource) Delete(context.Context, *controlplane.Session, string) error { return nil }

func (f *fakeSource) Complete(_ context.Context, _ *controlplane.Session, _ *types.JobRequest, result types.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, result)
	if len(f.completeErrs) > 0 {
		err := f.completeErrs[0]
		f.completeErrs = f.completeErrs[1:]
		return err
	}
	return nil
}

func (f *fakeSource) UploadTimeline(_ context.Context, timelineID string, records []*types.TimelineRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timelines[timelineID] = append(f.timelines[timelineID], records...)
	return nil
}

func (f *fakeSource) completions() []types.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Result, len(f.completed))
	copy(out, f.completed)
	return out
}

func baseRequest(steps []*types.StepDescriptor) *types.JobRequest {
	return &types.JobRequest{
		JobID:      "job-1",
		TimelineID: "timeline-1",
		Steps:      steps,
		Variables:  map[string]*types.Variable{},
		SystemConnection: &types.Endpoint{
			ID:  "system",
			URL: "https://example.invalid",
			Auth: map[string]string{
				"sessionId": "sess-1",
				"token":     "tok-1",
			},
		},
	}
}

func newTestRunner(t *testing.T, source controlplane.Source, executor steps.Executor) *Runner {
	t.Helper()
	return NewRunner(Config{
		Source:       source,
		WorkRoot:     t.TempDir(),
		LogsDir:      t.TempDir(),
		HostExecutor: executor,
	})
}

func TestRunHappyPathSucceeds(t *testing.T) {
	executor := steps.ExecutorFunc(func(ctx *execctx.Context, step *types.StepDescriptor, async *steps.AsyncQueue) (types.Result, error) {
		ctx.Write("hello secret-value world", false)
		return types.ResultSucceeded, nil
	})

	src := newFakeSource()
	r := newTestRunner(t, src, executor)

	req := baseRequest([]*types.StepDescriptor{
		{ID: "step-1", DisplayName: "Step One", Target: types.StepTargetHost},
	})
	req.Variables["mySecret"] = &types.Variable{Value: "secret-value", IsSecret: true}

	result := r.Run(context.Background(), req)
	assert.Equal(t, types.ResultSucceeded, result)
	assert.Equal(t, []types.Result{types.ResultSucceeded}, src.completions())
}

func TestRunStepTimeoutFailsJob(t *testing.T) {
	blocked := make(chan struct{})
	executor := steps.ExecutorFunc(func(ctx *execctx.Context, step *types.StepDescriptor, async *steps.AsyncQueue) (types.Result, error) {
		<-blocked
		return types.ResultSucceeded, nil
	})
	defer close(blocked)

	src := newFakeSource()
	r := newTestRunner(t, src, executor)

	req := baseRequest([]*types.StepDescriptor{
		{ID: "step-1", DisplayName: "Slow Step", Target: types.StepTargetHost, Timeout: 20 * time.Millisecond},
	})

	result := r.Run(context.Background(), req)
	assert.Equal(t, types.ResultFailed, result)
}

func TestRunContinueOnErrorDowngradesResult(t *testing.T) {
	executor := steps.ExecutorFunc(func(ctx *execctx.Context, step *types.StepDescriptor, async *steps.AsyncQueue) (types.Result, error) {
		return types.ResultFailed, nil
	})

	src := newFakeSource()
	r := newTestRunner(t, src, executor)

	req := baseRequest([]*types.StepDescriptor{
		{ID: "step-1", DisplayName: "Flaky Step", Target: types.StepTargetHost, ContinueOnError: true},
	})

	result := r.Run(context.Background(), req)
	assert.Equal(t, types.ResultSucceededWithIssues, result)
}

func TestRunCancelDuringSecondStepReportsCanceled(t *testing.T) {
	var callCount int
	var mu sync.Mutex
	started := make(chan struct{}, 2)
	release := make(chan struct{})

	executor := steps.ExecutorFunc(func(ctx *execctx.Context, step *types.StepDescriptor, async *steps.AsyncQueue) (types.Result, error) {
		mu.Lock()
		callCount++
		n := callCount
		mu.Unlock()
		started <- struct{}{}
		if n == 2 {
			<-ctx.Done()
			return types.ResultCanceled, nil
		}
		return types.ResultSucceeded, nil
	})

	src := newFakeSource()
	r := newTestRunner(t, src, executor)

	ctx, cancel := context.WithCancel(context.Background())
	req := baseRequest([]*types.StepDescriptor{
		{ID: "step-1", DisplayName: "First", Target: types.StepTargetHost},
		{ID: "step-2", DisplayName: "Second", Target: types.StepTargetHost},
	})

	go func() {
		<-started // step 1 started
		<-started // step 2 started
		cancel()
		close(release)
	}()

	result := r.Run(ctx, req)
	<-release
	assert.Equal(t, types.ResultCanceled, result)
}

func TestRunMissingSystemConnectionFailsValidation(t *testing.T) {
	src := newFakeSource()
	r := newTestRunner(t, src, steps.ExecutorFunc(func(ctx *execctx.Context, step *types.StepDescriptor, async *steps.AsyncQueue) (types.Result, error) {
		return types.ResultSucceeded, nil
	}))

	req := baseRequest([]*types.StepDescriptor{{ID: "step-1", DisplayName: "One"}})
	req.SystemConnection = nil

	result := r.Run(context.Background(), req)
	assert.Equal(t, types.ResultFailed, result)
	assert.Empty(t, src.completions(), "an invalid request must never reach Complete")
}

func TestRunRetriesTransientCompletionFailure(t *testing.T) {
	executor := steps.ExecutorFunc(func(ctx *execctx.Context, step *types.StepDescriptor, async *steps.AsyncQueue) (types.Result, error) {
		return types.ResultSucceeded, nil
	})

	src := newFakeSource()
	src.completeErrs = []error{assertError("transient upstream hiccup")}

	r := NewRunner(Config{
		Source:               src,
		WorkRoot:             t.TempDir(),
		LogsDir:              t.TempDir(),
		HostExecutor:         executor,
		CompletionRetries:    3,
		CompletionRetryDelay: time.Millisecond,
	})

	req := baseRequest([]*types.StepDescriptor{{ID: "step-1", DisplayName: "One", Target: types.StepTargetHost}})
	result := r.Run(context.Background(), req)

	require.Equal(t, types.ResultSucceeded, result)
	assert.Len(t, src.completions(), 2, "expected one failed attempt followed by one successful retry")
}

func TestRunNonRetryableCompletionErrorFailsImmediately(t *testing.T) {
	executor := steps.ExecutorFunc(func(ctx *execctx.Context, step *types.StepDescriptor, async *steps.AsyncQueue) (types.Result, error) {
		return types.ResultSucceeded, nil
	})

	src := newFakeSource()
	src.completeErrs = []error{ErrPlanNotFound}

	r := NewRunner(Config{
		Source:       src,
		WorkRoot:     t.TempDir(),
		LogsDir:      t.TempDir(),
		HostExecutor: executor,
	})

	req := baseRequest([]*types.StepDescriptor{{ID: "step-1", DisplayName: "One", Target: types.StepTargetHost}})
	result := r.Run(context.Background(), req)

	assert.Equal(t, types.ResultFailed, result)
	assert.Len(t, src.completions(), 1, "a non-retryable error must not be retried")
}

type assertError string

func (e assertError) Error() string { return string(e) }
