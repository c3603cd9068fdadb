/*
Package worker implements the Worker process: the short-lived child the
Dispatcher spawns to run exactly one job.

A Worker's entire lifetime is one job. cmd/agent-worker's only argument
parsing is the three-positional "spawnclient <in-pipe> <out-pipe>" form; it
constructs a Worker and calls Run, which does the following in order:

  1. Dial both IPC pipes the Dispatcher already created and is listening on.
  2. Receive the NewJobRequest frame — the job this process exists to run.
  3. Hand the decoded request to pkg/job.Runner, which drives it to
     completion exactly as it would in any other host process.
  4. While the job runs, a background goroutine keeps reading frames off the
     same channel: a CancelRequest cancels the job's context, a
     JobMetadataUpdate is forwarded to the Runner's live Variable Store, and
     an AgentShutdown or OperatingSystemShutdown closes the job's shutdown
     signal so steps see it through their own agent-shutdown handling.
  5. Once the Runner returns a terminal Result, send a JobCompleted frame
     and return the process exit code pkg/dispatcher's worker contract
     defines (ExitSuccess, ExitTerminalFailure, ExitRetryableFailure).

Host-target steps run as child processes of the Worker itself
(HostExecutor); container-target steps run inside containerd, when a
ContainerRuntime is configured (agentruntime.ContainerExecutor). Both follow
the same `<handlerPath> <jsonArgsFile>` invocation contract, so a step's
result classification doesn't depend on which target it ran against.

The Dispatcher's crash classification does not trust this process's exit
code: it only trusts whether a JobCompleted frame actually arrived before
the process died. Run is written so that frame is always the last thing
sent, after every other cleanup, to keep that invariant true even on the
less common exit paths (a job the agent had to cancel, a handler that never
starts).
*/
package worker
