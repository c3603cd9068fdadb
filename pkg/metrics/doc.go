/*
Package metrics provides Prometheus metrics collection and exposition for the
agent.

Unlike a server-side component, the agent has two metrics producers that
never share a process: the Listener (cmd/agent) registers dispatcher- and
poll-level metrics, while the Worker (cmd/agent-worker) registers queue and
step metrics in its own short-lived process. Both use the same package-level
Prometheus collectors and the same Handler(); only the Listener serves
them over HTTP, from the `run` verb's loopback listener (--metrics-addr,
default 127.0.0.1:9090). The Worker does not serve its own metrics.

# Metric categories

  - Queue: fleetagent_queue_depth — timeline records buffered in the active
    job's upload queue (pkg/execctx.Queue).
  - Poll: fleetagent_poll_latency_seconds, fleetagent_poll_errors_total —
    GetNext long-poll round trips and their failure classification.
  - Throttle: fleetagent_timeline_throttle_delay_seconds — duration of each
    timeline upload call; the job-level throttle warning fires on their sum.
  - Dispatcher: fleetagent_active_workers, fleetagent_job_results_total,
    fleetagent_worker_crashes_total — single-worker occupancy and terminal
    outcomes.
  - Steps: fleetagent_step_duration_seconds, labeled by target (host or
    container) and result.
  - Session: fleetagent_keepalive_failures_total, fleetagent_self_updates_total.

# Collection model

Counters and histograms are updated inline by the package that owns the
event (pkg/dispatcher increments fleetagent_job_results_total the moment it
classifies a worker exit; pkg/listener observes fleetagent_poll_latency_seconds
around every GetNext call). Collector exists only for gauge-shaped state that
has to be actively sampled rather than pushed — currently just the active
worker count, read from pkg/dispatcher.Dispatcher through the small
StatsSource interface so this package never imports pkg/dispatcher directly.

# Health

health.go tracks named component health (controlplane, dispatcher) behind a
package-level HealthChecker, exposed over /health, /ready, and /live by the
`run` verb's HTTP server, following the same registered-component pattern regardless
of what the components actually are.
*/
package metrics
