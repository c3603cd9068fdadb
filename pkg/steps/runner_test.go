package steps

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetagent/pkg/execctx"
	"github.com/cuemby/fleetagent/pkg/mask"
	"github.com/cuemby/fleetagent/pkg/types"
)

func newTestJobContext(t *testing.T) (*execctx.Context, *execctx.VariableStore) {
	t.Helper()
	m := mask.New(mask.DefaultMinimumLength)
	vars := execctx.NewVariableStore(m)
	root, err := execctx.NewRoot(context.Background(), execctx.Options{
		JobID:     "job-1",
		Masker:    m,
		Variables: vars,
	})
	require.NoError(t, err)
	root.Start()
	return root, vars
}

func TestRunStepsAllSucceed(t *testing.T) {
	jobCtx, vars := newTestJobContext(t)
	always := ExecutorFunc(func(ctx *execctx.Context, step *types.StepDescriptor, async *AsyncQueue) (types.Result, error) {
		return types.ResultSucceeded, nil
	})
	runner := NewRunner(Config{JobCtx: jobCtx, Variables: vars, HostExecutor: always})

	result := runner.RunSteps([]*types.StepDescriptor{
		{ID: "s1", DisplayName: "one", Target: types.StepTargetHost},
		{ID: "s2", DisplayName: "two", Target: types.StepTargetHost},
	})
	assert.Equal(t, types.ResultSucceeded, result)
}

func TestRunStepsFailurePropagatesButContinueOnErrorDowngrades(t *testing.T) {
	jobCtx, vars := newTestJobContext(t)
	failing := ExecutorFunc(func(ctx *execctx.Context, step *types.StepDescriptor, async *AsyncQueue) (types.Result, error) {
		return types.ResultFailed, nil
	})
	runner := NewRunner(Config{JobCtx: jobCtx, Variables: vars, HostExecutor: failing})

	result := runner.RunSteps([]*types.StepDescriptor{
		{ID: "s1", DisplayName: "one", Target: types.StepTargetHost, ContinueOnError: true},
	})
	assert.Equal(t, types.ResultSucceededWithIssues, result)
}

func TestRunStepsSkipsWhenConditionFalseAfterFailure(t *testing.T) {
	jobCtx, vars := newTestJobContext(t)

	ran := false
	callCount := 0
	mixed := ExecutorFunc(func(ctx *execctx.Context, step *types.StepDescriptor, async *AsyncQueue) (types.Result, error) {
		callCount++
		if step.ID == "s1" {
			return types.ResultFailed, nil
		}
		ran = true
		return types.ResultSucceeded, nil
	})
	runner := NewRunner(Config{JobCtx: jobCtx, Variables: vars, HostExecutor: mixed})

	result := runner.RunSteps([]*types.StepDescriptor{
		{ID: "s1", DisplayName: "one", Target: types.StepTargetHost},
		{ID: "s2", DisplayName: "two", Target: types.StepTargetHost},
	})
	assert.Equal(t, types.ResultFailed, result)
	assert.False(t, ran, "second step must be skipped once the job has failed")
	assert.Equal(t, 1, callCount)
}

func TestRunStepTimesOut(t *testing.T) {
	jobCtx, vars := newTestJobContext(t)
	slow := ExecutorFunc(func(ctx *execctx.Context, step *types.StepDescriptor, async *AsyncQueue) (types.Result, error) {
		<-ctx.Done()
		return types.ResultFailed, nil
	})
	runner := NewRunner(Config{JobCtx: jobCtx, Variables: vars, HostExecutor: slow})

	result := runner.RunSteps([]*types.StepDescriptor{
		{ID: "s1", DisplayName: "slow", Target: types.StepTargetHost, Timeout: 10 * time.Millisecond},
	})
	assert.Equal(t, types.ResultFailed, result)
}

func TestRunStepCanceledWhenJobCancelled(t *testing.T) {
	m := mask.New(mask.DefaultMinimumLength)
	vars := execctx.NewVariableStore(m)
	parentCtx, cancel := context.WithCancel(context.Background())
	jobCtx, err := execctx.NewRoot(parentCtx, execctx.Options{JobID: "job-1", Masker: m, Variables: vars})
	require.NoError(t, err)
	jobCtx.Start()

	blocking := ExecutorFunc(func(ctx *execctx.Context, step *types.StepDescriptor, async *AsyncQueue) (types.Result, error) {
		<-ctx.Done()
		return types.ResultFailed, nil
	})
	runner := NewRunner(Config{JobCtx: jobCtx, Variables: vars, HostExecutor: blocking})

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result := runner.RunSteps([]*types.StepDescriptor{
		{ID: "s1", DisplayName: "blocked", Target: types.StepTargetHost},
	})
	assert.Equal(t, types.ResultCanceled, result)
}

func TestRunStepAlwaysRunSurvivesJobCancellation(t *testing.T) {
	m := mask.New(mask.DefaultMinimumLength)
	vars := execctx.NewVariableStore(m)
	parentCtx, cancel := context.WithCancel(context.Background())
	jobCtx, err := execctx.NewRoot(parentCtx, execctx.Options{JobID: "job-1", Masker: m, Variables: vars})
	require.NoError(t, err)
	jobCtx.Start()
	cancel() // job already cancelled before the step even starts

	ran := false
	cleanup := ExecutorFunc(func(ctx *execctx.Context, step *types.StepDescriptor, async *AsyncQueue) (types.Result, error) {
		ran = true
		return types.ResultSucceeded, nil
	})
	runner := NewRunner(Config{JobCtx: jobCtx, Variables: vars, HostExecutor: cleanup})

	result := runner.RunSteps([]*types.StepDescriptor{
		{ID: "cleanup", DisplayName: "cleanup", Target: types.StepTargetHost, Condition: "always()"},
	})
	assert.True(t, ran)
	assert.Equal(t, types.ResultSucceeded, result)
}
