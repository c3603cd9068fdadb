package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/cuemby/fleetagent/pkg/controlplane"
	"github.com/cuemby/fleetagent/pkg/execctx"
	"github.com/cuemby/fleetagent/pkg/log"
	"github.com/cuemby/fleetagent/pkg/mask"
	"github.com/cuemby/fleetagent/pkg/security"
	"github.com/cuemby/fleetagent/pkg/steps"
	"github.com/cuemby/fleetagent/pkg/types"
)

// ErrPlanNotFound and ErrSecurityRejected are the two non-retryable
// completion-report failures: a Source implementation returns one of these
// (wrapped) from Complete to short-circuit the retry loop rather than have
// the Job Runner keep hammering a request the server will never accept.
var (
	ErrPlanNotFound    = errors.New("job: plan not found")
	ErrSecurityRejected = errors.New("job: security rejected")
)

const (
	defaultCompletionRetries    = 5
	defaultCompletionRetryDelay = 5 * time.Second
	queueDrainTimeout           = 10 * time.Second
)

// DetectionCommand is one opportunistic, non-fatal background probe run
// during job startup (environment facts like "running in a VM" or "running
// in a container"). A failure is swallowed by the job's AsyncQueue
// bookkeeping; it never fails the job.
type DetectionCommand func(ctx context.Context, jobCtx *execctx.Context) error

// DiagnosticUploader optionally ships the job's diagnostic logs when the
// job's "system.debug" variable is truthy. Log collection and shipping
// itself is out of scope for this core; this is the seam a concrete
// implementation would hang off of.
type DiagnosticUploader interface {
	UploadDiagnostics(ctx context.Context, jobCtx *execctx.Context) error
}

// Config parameterizes a Runner. Only Source, HostExecutor, and WorkRoot are
// required; everything else has a safe default.
type Config struct {
	Source controlplane.Source

	WorkRoot string
	LogsDir  string

	AgentID     string
	AgentName   string
	MachineName string
	ToolsDir    string
	ProxyURL    string
	SelfHosted  bool

	// OnPremBaseURL, when non-empty, activates on-prem URL rewriting.
	OnPremBaseURL string

	HostExecutor      steps.Executor
	ContainerExecutor steps.Executor
	// ContainerExecutorFactory, when set, builds a per-job container
	// executor from the job request's own Containers list, taking
	// precedence over a static ContainerExecutor for any step targeting a
	// container. This is how a job's container-alias declarations reach an
	// executor that only the Job Runner sees req.Containers to construct.
	ContainerExecutorFactory func(containers []*types.ContainerResource) steps.Executor
	Resolver                 StepResolver

	// MetadataUpdates, when non-nil, is drained for the life of the job;
	// each update's variables are applied to the Variable Store so
	// subsequent steps observe them. The Worker wires this to
	// metadata-update frames arriving over IPC mid-job.
	MetadataUpdates <-chan controlplane.MetadataUpdateBody

	SecretsManager      *security.SecretsManager
	MinimumSecretLength int

	DetectionCommands []DetectionCommand
	Console           execctx.ConsoleSink

	ThrottleThreshold    time.Duration
	CompletionRetries    int
	CompletionRetryDelay time.Duration

	// AgentShutdown, when non-nil, is closed to signal agent-wide
	// shutdown (user Ctrl-C or OS shutdown); ShutdownReason supplies the
	// human-readable reason recorded on the job.
	AgentShutdown       <-chan struct{}
	ShutdownReason      func() string
	FailOnAgentShutdown bool

	DiagnosticUploader DiagnosticUploader
}

// Runner orchestrates one job's lifecycle end-to-end.
type Runner struct {
	cfg Config
}

// NewRunner constructs a Runner, filling in safe defaults for any unset
// optional field.
func NewRunner(cfg Config) *Runner {
	if cfg.Resolver == nil {
		cfg.Resolver = PassthroughResolver{}
	}
	if cfg.CompletionRetries <= 0 {
		cfg.CompletionRetries = defaultCompletionRetries
	}
	if cfg.CompletionRetryDelay <= 0 {
		cfg.CompletionRetryDelay = defaultCompletionRetryDelay
	}
	return &Runner{cfg: cfg}
}

// Run executes req end-to-end and returns its final result. It never
// panics or returns an error: every failure becomes a Result, exactly as
// pkg/steps.Runner does for individual steps.
func (r *Runner) Run(ctx context.Context, req *types.JobRequest) types.Result {
	if err := validateJobRequest(req); err != nil {
		log.Error("job request failed validation: " + err.Error())
		return types.ResultFailed
	}

	sess := sessionFromSystemConnection(req)
	rewriteOnPrem(req, r.cfg.OnPremBaseURL)

	masker := mask.New(r.cfg.MinimumSecretLength)
	for _, hint := range req.MaskHints {
		if hint.IsRegex {
			if err := masker.AddRegex(hint.Value, "mask-hint"); err != nil {
				log.Warn("invalid mask-hint regex: " + err.Error())
			}
			continue
		}
		masker.AddValue(hint.Value, "mask-hint")
	}

	if r.cfg.SecretsManager != nil {
		if _, err := r.cfg.SecretsManager.DecryptVariables(req.Variables); err != nil {
			log.Error("decrypting job secrets: " + err.Error())
			return types.ResultFailed
		}
	}

	variables := execctx.NewVariableStore(masker)
	for name, v := range req.Variables {
		if v == nil {
			continue
		}
		_ = variables.Set(name, v.Value, v.IsSecret, v.IsReadOnly, v.PreserveCase)
	}

	var jobCtx *execctx.Context
	sink := newThrottledSink(r.cfg.Source, sess, r.cfg.ThrottleThreshold, func(msg string) {
		if jobCtx != nil {
			jobCtx.AddIssue(types.IssueWarning, msg)
		}
	})
	queue := execctx.NewQueue(sink, req.TimelineID)

	var err error
	jobCtx, err = execctx.NewRoot(ctx, execctx.Options{
		JobID:      req.JobID,
		TimelineID: req.TimelineID,
		LogsDir:    r.cfg.LogsDir,
		Masker:     masker,
		Variables:  variables,
		Queue:      queue,
		Console:    r.cfg.Console,
	})
	if err != nil {
		log.Error("constructing job execution context: " + err.Error())
		return types.ResultFailed
	}
	jobCtx.Start()

	r.watchAgentShutdown(jobCtx)
	r.watchMetadataUpdates(jobCtx, variables)

	if err := validateWorkDir(r.cfg.WorkRoot); err != nil {
		jobCtx.AddIssue(types.IssueError, fmt.Sprintf("work directory not usable: %v", err))
		return r.finalize(ctx, jobCtx, queue, req, variables, sess, types.ResultFailed)
	}

	r.populateAgentMetadata(variables)

	jobAsync := steps.NewAsyncQueue()
	for _, cmd := range r.cfg.DetectionCommands {
		cmd := cmd
		jobAsync.Enqueue(jobCtx.Context(), func(c context.Context) error { return cmd(c, jobCtx) })
	}

	resolved, err := r.cfg.Resolver.ResolveSteps(jobCtx, req)
	if err != nil {
		result := types.ResultFailed
		if jobCtx.Err() != nil {
			result = types.ResultCanceled
		}
		jobCtx.AddIssue(types.IssueError, fmt.Sprintf("resolving job steps: %v", err))
		return r.finalize(ctx, jobCtx, queue, req, variables, sess, result)
	}

	result := r.runSteps(jobCtx, variables, jobAsync, resolved, req.Containers)
	return r.finalize(ctx, jobCtx, queue, req, variables, sess, result)
}

// watchMetadataUpdates drains cfg.MetadataUpdates for the job's lifetime,
// applying each update's variables to the shared store. It is a no-op when
// no channel was configured.
func (r *Runner) watchMetadataUpdates(jobCtx *execctx.Context, variables *execctx.VariableStore) {
	if r.cfg.MetadataUpdates == nil {
		return
	}
	go func() {
		for {
			select {
			case upd, ok := <-r.cfg.MetadataUpdates:
				if !ok {
					return
				}
				for name, value := range upd.Variables {
					_ = variables.Set(name, value, false, false, false)
				}
			case <-jobCtx.Done():
				return
			}
		}
	}()
}

func (r *Runner) watchAgentShutdown(jobCtx *execctx.Context) {
	if r.cfg.AgentShutdown == nil {
		return
	}
	go func() {
		select {
		case <-r.cfg.AgentShutdown:
			reason := "agent shutdown"
			if r.cfg.ShutdownReason != nil {
				reason = r.cfg.ShutdownReason()
			}
			jobCtx.AddIssue(types.IssueWarning, fmt.Sprintf("job cancelled: %s", reason))
		case <-jobCtx.Done():
		}
	}()
}

// runSteps guards against a bug in the step runner itself: a panic there
// completes the job as Failed rather than crashing the whole worker
// process.
func (r *Runner) runSteps(jobCtx *execctx.Context, variables *execctx.VariableStore, jobAsync *steps.AsyncQueue, stepList []*types.StepDescriptor, containers []*types.ContainerResource) (result types.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			jobCtx.AddIssue(types.IssueError, fmt.Sprintf("step runner panicked: %v", rec))
			result = types.ResultFailed
		}
	}()

	containerExecutor := r.cfg.ContainerExecutor
	if r.cfg.ContainerExecutorFactory != nil {
		containerExecutor = r.cfg.ContainerExecutorFactory(containers)
	}

	runner := steps.NewRunner(steps.Config{
		JobCtx:            jobCtx,
		Variables:         variables,
		HostExecutor:      r.cfg.HostExecutor,
		ContainerExecutor: containerExecutor,
		JobAsync:          jobAsync,
		AgentShuttingDown: func() bool {
			if r.cfg.AgentShutdown == nil {
				return false
			}
			select {
			case <-r.cfg.AgentShutdown:
				return true
			default:
				return false
			}
		},
		FailOnAgentShutdown: r.cfg.FailOnAgentShutdown,
	})
	return runner.RunSteps(stepList)
}

// finalize runs the resolver's cleanup hook, ships diagnostics if asked for,
// marks the execution context terminal, drains the timeline queue, and
// reports the job's completion to the control plane.
func (r *Runner) finalize(ctx context.Context, jobCtx *execctx.Context, queue *execctx.Queue, req *types.JobRequest, variables *execctx.VariableStore, sess *controlplane.Session, result types.Result) types.Result {
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error(fmt.Sprintf("resolver finalize panicked: %v", rec))
			}
		}()
		r.cfg.Resolver.Finalize(jobCtx, req, result)
	}()

	if r.cfg.DiagnosticUploader != nil {
		if v, ok := variables.Get("system.debug"); ok && strings.EqualFold(v.Value, "true") {
			if err := r.cfg.DiagnosticUploader.UploadDiagnostics(ctx, jobCtx); err != nil {
				jobCtx.AddIssue(types.IssueWarning, fmt.Sprintf("diagnostic log upload failed: %v", err))
			}
		}
	}

	jobCtx.Complete(result, "")

	drainCtx, cancel := context.WithTimeout(context.Background(), queueDrainTimeout)
	defer cancel()
	if err := queue.Drain(drainCtx); err != nil {
		log.Warn("timeline queue drain: " + err.Error())
	}

	return r.reportCompletion(ctx, req, sess, result)
}

// reportCompletion raises the terminal job-completed event, retrying
// transient failures up to CompletionRetries times with CompletionRetryDelay
// between attempts. A non-retryable plan-not-found/security error overrides
// the job's computed result with Failed and returns immediately.
func (r *Runner) reportCompletion(ctx context.Context, req *types.JobRequest, sess *controlplane.Session, result types.Result) types.Result {
	var lastErr error
	for attempt := 0; attempt < r.cfg.CompletionRetries; attempt++ {
		err := r.cfg.Source.Complete(ctx, sess, req, result)
		if err == nil {
			return result
		}
		lastErr = err
		if !isRetryableCompletionError(err) {
			log.Error("job completion rejected (non-retryable): " + err.Error())
			return types.ResultFailed
		}
		if attempt < r.cfg.CompletionRetries-1 {
			select {
			case <-time.After(r.cfg.CompletionRetryDelay):
			case <-ctx.Done():
				return result
			}
		}
	}
	log.Error(fmt.Sprintf("job completion failed after %d attempts: %v", r.cfg.CompletionRetries, lastErr))
	return result
}

func isRetryableCompletionError(err error) bool {
	return !errors.Is(err, ErrPlanNotFound) && !errors.Is(err, ErrSecurityRejected)
}

func (r *Runner) populateAgentMetadata(variables *execctx.VariableStore) {
	set := func(name, value string) { _ = variables.Set(name, value, false, false, false) }

	set("agent.id", r.cfg.AgentID)
	set("agent.name", r.cfg.AgentName)
	set("agent.machineName", r.cfg.MachineName)
	set("agent.os", runtime.GOOS)
	set("agent.arch", runtime.GOARCH)
	set("agent.isSelfHosted", fmt.Sprintf("%t", r.cfg.SelfHosted))
	set("agent.toolsDirectory", r.cfg.ToolsDir)
	set("agent.workFolder", r.cfg.WorkRoot)
	if r.cfg.ProxyURL != "" {
		set("agent.proxyurl", r.cfg.ProxyURL)
	}
}

// sessionFromSystemConnection extracts the job-scoped control-plane session
// the Worker authenticates with from the job request's system connection
// endpoint, which carries it out-of-band from the Listener's own pool
// session.
func sessionFromSystemConnection(req *types.JobRequest) *controlplane.Session {
	if req.SystemConnection == nil || req.SystemConnection.Auth == nil {
		return &controlplane.Session{}
	}
	return &controlplane.Session{
		SessionID: req.SystemConnection.Auth["sessionId"],
		Token:     req.SystemConnection.Auth["token"],
	}
}

func validateJobRequest(req *types.JobRequest) error {
	if req == nil {
		return errors.New("job request is nil")
	}
	if req.JobID == "" {
		return errors.New("job request missing job id")
	}
	if req.TimelineID == "" {
		return errors.New("job request missing timeline id")
	}
	if len(req.Steps) == 0 {
		return errors.New("job request has no steps")
	}
	if req.SystemConnection == nil {
		return errors.New("job request missing system connection endpoint")
	}
	return nil
}

// validateWorkDir checks that root exists (creating it if necessary) and is
// writable by attempting to create and remove a marker file.
func validateWorkDir(root string) error {
	if root == "" {
		return errors.New("work root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create work root: %w", err)
	}
	probe := filepath.Join(root, ".fleetagent-write-probe")
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("work root is not writable: %w", err)
	}
	_ = f.Close()
	_ = os.Remove(probe)
	return nil
}
