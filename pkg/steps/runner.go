package steps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/fleetagent/pkg/execctx"
	"github.com/cuemby/fleetagent/pkg/log"
	"github.com/cuemby/fleetagent/pkg/metrics"
	"github.com/cuemby/fleetagent/pkg/types"
)

// consoleCodePageTimeout bounds the best-effort console-codepage switch
// console encoding requires on platforms that are not natively UTF-8.
const consoleCodePageTimeout = 60 * time.Second

// Runner drives sequential execution of a job's step list.
type Runner struct {
	jobCtx    *execctx.Context
	variables *execctx.VariableStore

	hostExecutor      Executor
	containerExecutor Executor

	jobAsync *AsyncQueue

	agentShuttingDown   func() bool
	failOnAgentShutdown bool
}

// Config parameterizes a Runner.
type Config struct {
	JobCtx              *execctx.Context
	Variables           *execctx.VariableStore
	HostExecutor        Executor
	ContainerExecutor   Executor
	JobAsync            *AsyncQueue
	AgentShuttingDown   func() bool
	FailOnAgentShutdown bool
}

// NewRunner constructs a Runner from cfg, filling in safe defaults for any
// unset hook.
func NewRunner(cfg Config) *Runner {
	if cfg.JobAsync == nil {
		cfg.JobAsync = NewAsyncQueue()
	}
	if cfg.AgentShuttingDown == nil {
		cfg.AgentShuttingDown = func() bool { return false }
	}
	return &Runner{
		jobCtx:              cfg.JobCtx,
		variables:           cfg.Variables,
		hostExecutor:        cfg.HostExecutor,
		containerExecutor:   cfg.ContainerExecutor,
		jobAsync:            cfg.JobAsync,
		agentShuttingDown:   cfg.AgentShuttingDown,
		failOnAgentShutdown: cfg.FailOnAgentShutdown,
	}
}

// RunSteps executes every step in order and returns the merged job result.
// It never panics or returns an error to the caller: every failure becomes
// a recorded issue and a Result on the relevant Execution Context.
func (r *Runner) RunSteps(stepList []*types.StepDescriptor) types.Result {
	jobResult := types.ResultNone

	for _, step := range stepList {
		// 1. wait for job-level async commands queued before this step.
		r.jobAsync.Sync()

		stepResult := r.runStep(step, jobResult)
		jobResult = types.Merge(jobResult, stepResult)
	}

	return jobResult
}

func (r *Runner) runStep(step *types.StepDescriptor, jobResultSoFar types.Result) types.Result {
	stepCtx, err := r.jobCtx.CreateChild(step.ID, step.DisplayName, step.ID, true, true)
	if err != nil {
		log.Error(fmt.Sprintf("failed to create execution context for step %s: %v", step.ID, err))
		return types.ResultFailed
	}

	stepCtx.Start()

	condition, warnings := stepCtx.Expand(step.Condition)
	for _, w := range warnings {
		stepCtx.AddIssue(types.IssueWarning, w)
	}

	cancelWatchDone := r.registerJobCancellationCallback(stepCtx, condition, jobResultSoFar)
	defer func() { <-cancelWatchDone }()

	stepAsync := NewAsyncQueue()

	var result types.Result
	switch {
	case r.agentShuttingDown():
		result = types.ResultSkipped
		stepCtx.Write(fmt.Sprintf("Skipping: %s (agent is shutting down)", step.DisplayName), false)
	default:
		proceed, evalErr := EvaluateCondition(condition, EvalContext{JobResult: jobResultSoFar, Variables: r.variables})
		switch {
		case evalErr != nil:
			stepCtx.AddIssue(types.IssueError, evalErr.Error())
			result = types.ResultFailed
		case !proceed:
			stepCtx.Write(fmt.Sprintf("Skipping: %s", step.DisplayName), false)
			result = types.ResultSkipped
		default:
			result = r.runStepBody(stepCtx, step, stepAsync)
		}
	}

	stepAsync.Sync()
	result = types.Merge(result, stepAsync.Result())

	if result == types.ResultFailed && step.ContinueOnError {
		result = types.ResultSucceededWithIssues
	}

	stepCtx.Complete(result, "")
	return result
}

// registerJobCancellationCallback watches the job's cancellation signal. If
// it fires, the step's condition is re-evaluated with Canceled=true; a
// truthy result (an always-run condition) lets the step proceed untouched,
// otherwise the step's own token is cancelled. The returned channel closes
// once the watch is disposed, either because it fired or because the step
// completed on its own.
func (r *Runner) registerJobCancellationCallback(stepCtx *execctx.Context, condition string, jobResultSoFar types.Result) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-r.jobCtx.Done():
			ec := EvalContext{JobResult: jobResultSoFar, Canceled: true, Variables: r.variables}
			proceed, evalErr := EvaluateCondition(condition, ec)
			if evalErr == nil && proceed {
				return
			}
			if r.agentShuttingDown() && r.failOnAgentShutdown {
				stepCtx.AddIssue(types.IssueError, "step failed: agent is shutting down")
			}
			stepCtx.CancelToken()
		case <-stepCtx.Done():
		}
	}()
	return done
}

// runStepBody arms the step timeout, invokes the step's executor, and
// classifies however it stops.
func (r *Runner) runStepBody(stepCtx *execctx.Context, step *types.StepDescriptor, async *AsyncQueue) (result types.Result) {
	stepCtx.Write(fmt.Sprintf("Starting: %s", step.DisplayName), false)
	stepCtx.SetTimeout(step.Timeout)
	ensureUTF8ConsoleCodePage(stepCtx)

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.StepDuration, string(step.Target), string(result))
	}()

	executor := r.hostExecutor
	if step.Target == types.StepTargetContainer {
		executor = r.containerExecutor
	}
	if executor == nil {
		stepCtx.AddIssue(types.IssueError, fmt.Sprintf("no executor configured for target %q", step.Target))
		return types.ResultFailed
	}

	type outcome struct {
		result types.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{types.ResultFailed, fmt.Errorf("step panicked: %v", rec)}
			}
		}()
		res, err := executor.Execute(stepCtx, step, async)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			stepCtx.AddIssue(types.IssueError, out.err.Error())
			return types.ResultFailed
		}
		return out.result
	case <-stepCtx.Done():
		var result types.Result
		switch {
		case errors.Is(stepCtx.Err(), context.DeadlineExceeded):
			stepCtx.AddIssue(types.IssueError, "step timed out")
			result = types.ResultFailed
		case r.jobCtx.Err() != nil && r.agentShuttingDown() && r.failOnAgentShutdown:
			stepCtx.AddIssue(types.IssueError, "step failed: agent is shutting down")
			result = types.ResultFailed
		default:
			result = types.ResultCanceled
		}

		stepCtx.ForceTaskComplete()
		select {
		case out := <-done:
			if result == types.ResultCanceled && out.err == nil && out.result != types.ResultNone {
				// the executor still managed to finish cleanly; keep its result.
				result = out.result
			}
		case <-stepCtx.ForceCompleteDeadline():
		}
		return result
	}
}

// ensureUTF8ConsoleCodePage is a best-effort hook for platforms whose
// console is not natively UTF-8. Go's console handling is UTF-8 by default
// everywhere this agent runs, so there is nothing to switch; the bounded
// context exists so a future platform-specific implementation has
// somewhere to hang a real timeout without changing this call site.
func ensureUTF8ConsoleCodePage(ctx *execctx.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
	}()
	select {
	case <-done:
	case <-time.After(consoleCodePageTimeout):
		ctx.AddIssue(types.IssueWarning, "timed out switching console code page to UTF-8")
	}
}
