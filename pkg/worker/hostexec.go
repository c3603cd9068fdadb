package worker

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/cuemby/fleetagent/pkg/execctx"
	"github.com/cuemby/fleetagent/pkg/steps"
	"github.com/cuemby/fleetagent/pkg/types"
)

// HostExecutor implements steps.Executor for StepTargetHost steps: it
// invokes the step's handler as a child process of the Worker, following
// the `<handlerPath> <jsonArgsFile>` contract every step kind shares. The
// child inherits the Worker's own environment; step-scoped variables travel
// through the argument file rather than the environment, so no per-step
// environment construction is needed here.
type HostExecutor struct{}

// NewHostExecutor constructs a HostExecutor.
func NewHostExecutor() *HostExecutor { return &HostExecutor{} }

// Execute writes the step's inputs to a throwaway argument file, runs
// handlerPath against it, streams combined stdout/stderr through ctx.Write
// line by line (masked, like every other output this context produces), and
// classifies the process's exit code.
func (e *HostExecutor) Execute(ctx *execctx.Context, step *types.StepDescriptor, async *steps.AsyncQueue) (types.Result, error) {
	argsFile, cleanup, err := steps.WriteHandlerArgsFile(step.Inputs)
	if err != nil {
		return types.ResultFailed, fmt.Errorf("worker: preparing handler args: %w", err)
	}
	defer cleanup()

	cmd := exec.CommandContext(ctx.Context(), step.HandlerPath, argsFile)
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return types.ResultFailed, fmt.Errorf("worker: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return types.ResultFailed, fmt.Errorf("worker: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return types.ResultFailed, fmt.Errorf("worker: starting handler %s: %w", step.HandlerPath, err)
	}

	done := make(chan struct{}, 2)
	pump := func(r *bufio.Scanner) {
		defer func() { done <- struct{}{} }()
		for r.Scan() {
			ctx.Write(r.Text(), true)
		}
	}
	go pump(bufio.NewScanner(stdout))
	go pump(bufio.NewScanner(stderr))
	<-done
	<-done

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return types.ResultFailed, nil
		}
		return types.ResultFailed, fmt.Errorf("worker: handler %s: %w", step.HandlerPath, err)
	}
	return types.ResultSucceeded, nil
}
