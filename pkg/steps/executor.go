package steps

import (
	"github.com/cuemby/fleetagent/pkg/execctx"
	"github.com/cuemby/fleetagent/pkg/types"
)

// Executor runs one step's payload against its target (host process or
// container) and returns the step's result. Implementations must honor
// ctx's cancellation signal promptly; the runner enforces the grace period
// via ctx.ForceTaskComplete/ForceCompleteDeadline on top of whatever the
// executor itself does. async lets the executor hand off background work
// (e.g. a detached log-shipping command) that the runner will wait for and
// merge into the step's result; a failed command fails the step.
type Executor interface {
	Execute(ctx *execctx.Context, step *types.StepDescriptor, async *AsyncQueue) (types.Result, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx *execctx.Context, step *types.StepDescriptor, async *AsyncQueue) (types.Result, error)

func (f ExecutorFunc) Execute(ctx *execctx.Context, step *types.StepDescriptor, async *AsyncQueue) (types.Result, error) {
	return f(ctx, step, async)
}
