package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/google/uuid"

	"github.com/cuemby/fleetagent/pkg/execctx"
	"github.com/cuemby/fleetagent/pkg/steps"
	"github.com/cuemby/fleetagent/pkg/types"
)

// deleteGrace bounds how long container cleanup waits once a step's handler
// has already exited.
const deleteGrace = 30 * time.Second

// ContainerExecutor implements steps.Executor for StepTargetContainer steps.
// It is constructed per job from that job's container resource list, so a
// step's ContainerAlias resolves only against containers the job itself
// declared.
type ContainerExecutor struct {
	runtime    *ContainerdRuntime
	containers map[string]*types.ContainerResource
}

// NewContainerExecutor builds a ContainerExecutor keyed by container alias.
func NewContainerExecutor(rt *ContainerdRuntime, containers []*types.ContainerResource) *ContainerExecutor {
	m := make(map[string]*types.ContainerResource, len(containers))
	for _, c := range containers {
		if c != nil {
			m[c.Alias] = c
		}
	}
	return &ContainerExecutor{runtime: rt, containers: m}
}

// Execute resolves step.ContainerAlias, pulls its image, runs the step's
// handler inside a fresh container, streams its output through ctx.Write
// (masked, exactly as the host target does), and classifies the container's
// exit code into a Result.
func (e *ContainerExecutor) Execute(ctx *execctx.Context, step *types.StepDescriptor, async *steps.AsyncQueue) (types.Result, error) {
	res, ok := e.containers[step.ContainerAlias]
	if !ok {
		return types.ResultFailed, fmt.Errorf("runtime: step %s references unknown container alias %q", step.ID, step.ContainerAlias)
	}

	argsFile, cleanup, err := steps.WriteHandlerArgsFile(step.Inputs)
	if err != nil {
		return types.ResultFailed, fmt.Errorf("runtime: preparing handler args: %w", err)
	}
	defer cleanup()

	if err := e.runtime.PullImage(ctx.Context(), res.Image); err != nil {
		return types.ResultFailed, err
	}

	containerID := "fleetagent-" + uuid.NewString()
	mountedArgsFile := "/run/fleetagent/" + filepath.Base(argsFile)
	spec := &ContainerSpec{
		ID:    containerID,
		Image: res.Image,
		Env:   envSlice(res.Env),
		Args:  []string{step.HandlerPath, mountedArgsFile},
		Mounts: []specs.Mount{{
			Source:      filepath.Dir(argsFile),
			Destination: "/run/fleetagent",
			Type:        "bind",
			Options:     []string{"rbind", "ro"},
		}},
	}

	if _, err := e.runtime.CreateContainer(ctx.Context(), spec); err != nil {
		return types.ResultFailed, err
	}
	defer func() {
		deleteCtx, cancel := context.WithTimeout(context.Background(), deleteGrace)
		defer cancel()
		_ = e.runtime.DeleteContainer(deleteCtx, containerID)
	}()

	exitCode, err := e.runtime.RunToCompletion(ctx.Context(), containerID, func(line string) {
		ctx.Write(line, true)
	})
	if err != nil {
		return types.ResultFailed, err
	}
	if exitCode != 0 {
		return types.ResultFailed, nil
	}
	return types.ResultSucceeded, nil
}

// envSlice flattens a name->value map into the KEY=VALUE form containerd's
// OCI spec options expect. Map order is nondeterministic, which is fine:
// environment variables don't have a meaningful relative order.
func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

