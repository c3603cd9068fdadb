/*
Package log provides structured logging for the agent using zerolog.

A single global Logger is configured once via Init and every component
derives a scoped child logger from it (WithComponent, WithJobID, WithStepID)
rather than constructing loggers of its own — this mirrors the scoping the
Execution Context applies to job output, but log is strictly the agent's own
operational trace, never the job's timeline/console output (see pkg/execctx).
*/
package log
