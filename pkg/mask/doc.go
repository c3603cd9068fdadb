/*
Package mask implements the agent's secret-masking pipeline: a single
redaction sink applied at every place job output leaves the process
(console lines, paging log files, timeline issues, IPC message bodies).

A Masker is constructed once per job (see pkg/job's Runner.Run) and
threaded explicitly into every Execution Context rather than reached via a
package-level singleton — explicit construction matters more here than for
most components, since a masker silently shared across unrelated jobs would
leak one job's secrets into another's masking rules.
*/
package mask
