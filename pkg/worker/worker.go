package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/fleetagent/pkg/controlplane"
	"github.com/cuemby/fleetagent/pkg/dispatcher"
	"github.com/cuemby/fleetagent/pkg/ipc"
	"github.com/cuemby/fleetagent/pkg/job"
	"github.com/cuemby/fleetagent/pkg/log"
	agentruntime "github.com/cuemby/fleetagent/pkg/runtime"
	"github.com/cuemby/fleetagent/pkg/security"
	"github.com/cuemby/fleetagent/pkg/steps"
	"github.com/cuemby/fleetagent/pkg/types"
)

// Config parameterizes a Worker.
type Config struct {
	Source controlplane.Source

	WorkRoot string
	LogsDir  string

	AgentID       string
	AgentName     string
	MachineName   string
	ToolsDir      string
	ProxyURL      string
	SelfHosted    bool
	OnPremBaseURL string

	SecretsManager      *security.SecretsManager
	MinimumSecretLength int

	// ContainerRuntime, when non-nil, is used to run container-target
	// steps. A process with no local containerd socket leaves this nil;
	// any job that targets a container on such a process fails that step
	// with "no executor configured", exactly as pkg/steps.Runner reports
	// for any unset executor.
	ContainerRuntime *agentruntime.ContainerdRuntime

	ThrottleThreshold    time.Duration
	CompletionRetries    int
	CompletionRetryDelay time.Duration

	// DialTimeout bounds how long Run waits to connect both IPC pipes
	// before giving up.
	DialTimeout time.Duration
}

// Worker runs exactly one job over its lifetime: dial the two IPC pipes the
// Dispatcher created, receive the job request, execute it end to end via
// pkg/job.Runner while relaying cancel/metadata/shutdown frames into the
// running job, report the terminal result, and exit.
type Worker struct {
	cfg Config
}

// New constructs a Worker, filling in safe defaults for any unset optional
// field.
func New(cfg Config) *Worker {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	return &Worker{cfg: cfg}
}

// Run dials toWorkerPath and fromWorkerPath, executes the single job they
// deliver, and returns the process exit code the Dispatcher's worker
// contract expects (see pkg/dispatcher's Exit* constants). It always
// attempts to send a JobCompleted frame before returning, short of a
// connection failure severe enough that no frame can be sent at all.
func (w *Worker) Run(ctx context.Context, toWorkerPath, fromWorkerPath string) int {
	dialCtx, cancel := context.WithTimeout(ctx, w.cfg.DialTimeout)
	defer cancel()

	toConn, err := ipc.Dial(dialCtx, toWorkerPath)
	if err != nil {
		log.Error("worker: dial listener-to-worker pipe: " + err.Error())
		return dispatcher.ExitRetryableFailure
	}
	fromConn, err := ipc.Dial(dialCtx, fromWorkerPath)
	if err != nil {
		_ = toConn.Close()
		log.Error("worker: dial worker-to-listener pipe: " + err.Error())
		return dispatcher.ExitRetryableFailure
	}

	channel := ipc.NewDuplexChannel(toConn, fromConn)
	defer channel.Close()

	msgType, body, err := channel.Receive()
	if err != nil {
		log.Error("worker: receive job request: " + err.Error())
		return dispatcher.ExitRetryableFailure
	}
	if msgType != ipc.MessageNewJobRequest {
		log.Error(fmt.Sprintf("worker: expected NewJobRequest, got %s", msgType))
		return dispatcher.ExitRetryableFailure
	}
	req, err := ipc.Decode[types.JobRequest](body)
	if err != nil {
		log.Error("worker: decode job request: " + err.Error())
		return dispatcher.ExitRetryableFailure
	}

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	agentShutdown := make(chan struct{})
	var shutdownOnce sync.Once
	var shutdownReason string
	setShutdown := func(reason string) {
		shutdownOnce.Do(func() {
			shutdownReason = reason
			close(agentShutdown)
		})
	}

	metadataCh := make(chan controlplane.MetadataUpdateBody, 8)

	go w.pumpControlFrames(channel, cancelJob, metadataCh, setShutdown)

	result := w.runJob(jobCtx, &req, agentShutdown, func() string { return shutdownReason }, metadataCh)

	if err := channel.Send(ipc.MessageJobCompleted, ipc.JobCompletedBody{JobID: req.JobID, Result: result}); err != nil {
		log.Error("worker: send job completed: " + err.Error())
	}

	return exitCodeForResult(result)
}

// pumpControlFrames reads frames from channel for the life of the process,
// applying each to the running job. It returns once the channel errors —
// normally because the Listener closed its side after receiving
// JobCompleted, or because the process is about to exit anyway.
func (w *Worker) pumpControlFrames(channel *ipc.Channel, cancelJob context.CancelFunc, metadataCh chan<- controlplane.MetadataUpdateBody, setShutdown func(string)) {
	for {
		msgType, body, err := channel.Receive()
		if err != nil {
			return
		}
		switch msgType {
		case ipc.MessageCancelRequest:
			cancelJob()
		case ipc.MessageJobMetadataUpdate:
			upd, decErr := ipc.Decode[ipc.JobMetadataUpdateBody](body)
			if decErr != nil {
				log.Warn("worker: decode metadata update: " + decErr.Error())
				continue
			}
			select {
			case metadataCh <- controlplane.MetadataUpdateBody{JobID: upd.JobID, Variables: upd.Variables}:
			default:
				log.Warn("worker: metadata update dropped, channel full")
			}
		case ipc.MessageAgentShutdown:
			body2, _ := ipc.Decode[ipc.AgentShutdownBody](body)
			reason := body2.Reason
			if reason == "" {
				reason = "agent shutdown"
			}
			setShutdown(reason)
		case ipc.MessageOperatingSystemShutdown:
			setShutdown("operating system shutdown")
		default:
			log.Warn(fmt.Sprintf("worker: ignoring unexpected frame %s", msgType))
		}
	}
}

func (w *Worker) runJob(ctx context.Context, req *types.JobRequest, agentShutdown <-chan struct{}, shutdownReason func() string, metadataCh <-chan controlplane.MetadataUpdateBody) types.Result {
	var containerFactory func([]*types.ContainerResource) steps.Executor
	if w.cfg.ContainerRuntime != nil {
		containerFactory = func(containers []*types.ContainerResource) steps.Executor {
			return agentruntime.NewContainerExecutor(w.cfg.ContainerRuntime, containers)
		}
	}

	runner := job.NewRunner(job.Config{
		Source: w.cfg.Source,

		WorkRoot: w.cfg.WorkRoot,
		LogsDir:  w.cfg.LogsDir,

		AgentID:       w.cfg.AgentID,
		AgentName:     w.cfg.AgentName,
		MachineName:   w.cfg.MachineName,
		ToolsDir:      w.cfg.ToolsDir,
		ProxyURL:      w.cfg.ProxyURL,
		SelfHosted:    w.cfg.SelfHosted,
		OnPremBaseURL: w.cfg.OnPremBaseURL,

		HostExecutor:             NewHostExecutor(),
		ContainerExecutorFactory: containerFactory,

		SecretsManager:      w.cfg.SecretsManager,
		MinimumSecretLength: w.cfg.MinimumSecretLength,

		ThrottleThreshold:    w.cfg.ThrottleThreshold,
		CompletionRetries:    w.cfg.CompletionRetries,
		CompletionRetryDelay: w.cfg.CompletionRetryDelay,

		AgentShutdown:       agentShutdown,
		ShutdownReason:      shutdownReason,
		FailOnAgentShutdown: false,

		MetadataUpdates: metadataCh,
	})

	return runner.Run(ctx, req)
}

// exitCodeForResult maps a job's terminal Result to the worker process exit
// code the Dispatcher classifies by (for logging only — crash detection
// itself keys off whether a JobCompleted frame was received at all).
func exitCodeForResult(result types.Result) int {
	if result == types.ResultFailed {
		return dispatcher.ExitTerminalFailure
	}
	return dispatcher.ExitSuccess
}
