package job

import (
	"github.com/cuemby/fleetagent/pkg/execctx"
	"github.com/cuemby/fleetagent/pkg/types"
)

// StepResolver is the job-extension seam that resolves task references into
// concrete executable steps, provisioning handlers and preparing working
// directories. The concrete task/handler ecosystem is out of scope for this
// core; this interface is the boundary a real extension would implement
// against.
type StepResolver interface {
	// ResolveSteps returns the concrete step list to hand to the Step
	// Runner. An error here completes the job as Failed (or Canceled if
	// jobCtx was already cancelled when it occurred).
	ResolveSteps(jobCtx *execctx.Context, req *types.JobRequest) ([]*types.StepDescriptor, error)

	// Finalize runs once, regardless of outcome, before the job's terminal
	// event is raised. It must not panic; Run recovers defensively, and a
	// panicking Finalize only produces an error log entry, never a crash.
	Finalize(jobCtx *execctx.Context, req *types.JobRequest, result types.Result)
}

// PassthroughResolver is the default StepResolver: it takes the job
// request's step list as already-resolved, which is the common case when
// the control plane hands down fully-expanded step descriptors (no task
// package download/provisioning phase). Finalize is a no-op.
type PassthroughResolver struct{}

func (PassthroughResolver) ResolveSteps(_ *execctx.Context, req *types.JobRequest) ([]*types.StepDescriptor, error) {
	return req.Steps, nil
}

func (PassthroughResolver) Finalize(*execctx.Context, *types.JobRequest, types.Result) {}
