// Package events is an in-memory, non-blocking pub/sub broker used to fan
// out agent lifecycle occurrences (session state, job progress, worker
// spawn/crash, self-update holds) to local observers; the only subscriber
// today is cmd/agent run's logging subscriber. Delivery is best-effort: a subscriber
// with a full buffer simply misses the event rather than blocking the
// publisher.
package events
