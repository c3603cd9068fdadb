// Package dispatcher owns the single-worker invariant: at most one Worker
// child process runs at a time, spawned with a pair of process-unique IPC
// pipe names and supervised until it exits. It translates Listener-level
// intents (run a job, cancel it, push a metadata update, shut down) into
// process signals and IPC frames, and classifies a child exit as a crash
// when no JobCompleted frame arrived before it; the exit code is only logged.
package dispatcher
