/*
Package types defines the core data structures shared by every component of
the agent: the job/step descriptors the control plane hands to a Worker, the
timeline records an Execution Context mutates as work proceeds, and the
result-merge rules that decide a job's final outcome.

# Architecture

This package has no behavior of its own beyond Merge and
TimelineRecord.AddIssue — invariants that are
cheap to enforce at the data level rather than re-checked by every caller.
Everything else (cancellation, masking, variable expansion, logging) lives
in the packages that own that concern and operate on these types.

# Core types

Job lifecycle:
  - JobRequest: everything a Worker needs to run one job, consumed once
  - StepDescriptor: one immutable step in the job's sequence
  - TimelineRecord: the live, server-visible state of a job or step
  - Issue: one error/warning appended to a record (capped at 10 per severity)
  - Result: the step/job outcome, with Merge implementing the
    Succeeded < SucceededWithIssues < Failed ordering

Resources referenced by a job:
  - Endpoint, Repository, SecureFileTicket, ContainerResource

# Usage

Building a step descriptor:

	step := &types.StepDescriptor{
		ID:          uuid.New().String(),
		DisplayName: "Run unit tests",
		Target:      types.StepTargetHost,
		Kind:        types.StepKindTask,
		Timeout:     10 * time.Minute,
		HandlerPath: "/opt/agent/tasks/go-test/run",
	}

Merging step results into a job result:

	jobResult := types.ResultSucceeded
	for _, r := range stepResults {
		jobResult = types.Merge(jobResult, r)
	}
*/
package types
