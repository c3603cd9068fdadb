/*
Package runtime adapts containerd into a steps.Executor for container-target
steps. A ContainerdRuntime holds one long-lived client connection, namespaced
so a fleetagent process's containers never collide with anything else on the
same host; ContainerExecutor is built fresh per job from that job's declared
container resources, so a step's ContainerAlias only ever resolves against
containers its own JobRequest named.

A step's container lifecycle is pull, create, run-to-completion, delete: no
long-running containers persist across steps, and cleanup always runs via
defer regardless of how the step's context exited. Stdout/stderr are streamed
through the same Execution Context Write sink the host executor uses, so
masking applies identically no matter which target a step runs against.
*/
package runtime
