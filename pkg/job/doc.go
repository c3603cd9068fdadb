// Package job implements the Job Runner: it takes one *types.JobRequest,
// builds the job-level Execution Context, resolves and runs its steps
// through pkg/steps, and reports the terminal result back to the control
// plane. Everything it needs from the network is the opaque
// pkg/controlplane.Source interface; everything it needs to run a step is
// pkg/steps.Executor. Run never panics out to its caller — every failure
// becomes a Result, matching pkg/steps.Runner's own contract.
package job
