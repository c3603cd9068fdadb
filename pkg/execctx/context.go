package execctx

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/fleetagent/pkg/mask"
	"github.com/cuemby/fleetagent/pkg/types"
)

// ForceCompleteGracePeriod is how long ForceTaskComplete waits for a step to
// unwind on its own before the Step Runner gives up on it.
const ForceCompleteGracePeriod = 5 * time.Second

// Options configures the root Context created by NewRoot.
type Options struct {
	JobID      string
	TimelineID string
	LogsDir    string
	Masker     *mask.Masker
	Variables  *VariableStore
	Queue      *Queue
	Console    ConsoleSink
}

// Context is the Execution Context: one per
// timeline record, carrying masked output, variables, cancellation and
// issue tracking. The root Context belongs to the job itself; every step
// gets a child via CreateChild.
type Context struct {
	mu sync.Mutex

	parent *Context
	root   *Context

	masker    *mask.Masker
	variables *VariableStore
	queue     *Queue
	console   ConsoleSink

	record *types.TimelineRecord

	ctx    context.Context
	cancel context.CancelFunc

	lineCount      int64
	paging         *pagingLog
	mirrorToParent bool

	forceComplete     chan struct{}
	forceCompleteOnce sync.Once
	forceCancelled    bool

	nextChildOrder int
}

// NewRoot constructs the job-level Context. parentCtx is the cancellation
// source the Job Runner derives from the job's own cancellation token (user
// cancel, agent shutdown, or the job's overall timeout).
func NewRoot(parentCtx context.Context, opts Options) (*Context, error) {
	if opts.Queue != nil {
		opts.Queue.Start()
	}
	console := opts.Console
	if console == nil {
		console = discardConsoleSink{}
	}
	paging, err := newPagingLog(opts.LogsDir, opts.JobID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Context{
		masker:    opts.Masker,
		variables: opts.Variables,
		queue:     opts.Queue,
		console:   console,
		record: &types.TimelineRecord{
			ID:    opts.JobID,
			Name:  opts.JobID,
			Type:  types.RecordTypeJob,
			State: types.RecordPending,
		},
		ctx:           ctx,
		cancel:        cancel,
		paging:        paging,
		forceComplete: make(chan struct{}),
	}
	c.root = c
	return c, nil
}

// CreateChild starts a new child Context for a single step's timeline
// record. The child shares this Context's variable store and Secret Masker
// by reference; it gets its own cancellation scope derived from this
// Context's, its own paging log, and its own line-number sequence.
//
// detachCancellation controls whether the child automatically inherits this
// Context's cancellation. The Step Runner passes true for every step: a
// step's cancellation is instead decided by its own job-cancellation
// callback (which may let an always-run step proceed past a cancelled job),
// so the child must not be cancelled merely by virtue of being derived from
// a cancelled parent.
func (c *Context) CreateChild(recordID, displayName, refName string, mirrorToParent, detachCancellation bool) (*Context, error) {
	c.mu.Lock()
	order := c.nextChildOrder
	c.nextChildOrder++
	c.mu.Unlock()

	logsDir := ""
	if c.paging != nil {
		logsDir = c.logsDir()
	}
	paging, err := newPagingLog(logsDir, recordID)
	if err != nil {
		return nil, err
	}

	base := c.ctx
	if detachCancellation {
		base = context.Background()
	}
	childCtx, cancel := context.WithCancel(base)
	child := &Context{
		parent:    c,
		root:      c.root,
		masker:    c.masker,
		variables: c.variables,
		queue:     c.queue,
		console:   c.console,
		record: &types.TimelineRecord{
			ID:       recordID,
			ParentID: c.record.ID,
			Order:    order,
			Name:     displayName,
			RefName:  refName,
			Type:     types.RecordTypeTask,
			State:    types.RecordPending,
		},
		ctx:            childCtx,
		cancel:         cancel,
		paging:         paging,
		mirrorToParent: mirrorToParent,
		forceComplete:  make(chan struct{}),
	}

	return child, nil
}

// logsDir is a best-effort hook for tests; production wiring passes an
// explicit LogsDir through Options and CreateChild's paging log inherits no
// directory tracking of its own beyond what NewRoot was given. Child logs
// therefore go to a fresh file in os.TempDir() (see newPagingLog), not to
// the root's LogsDir. Kept as a seam rather than threading LogsDir through
// every child for a detail that belongs to the storage layer, not semantics.
func (c *Context) logsDir() string { return "" }

// Done returns the context's own cancellation signal.
func (c *Context) Done() <-chan struct{} { return c.ctx.Done() }

// Err mirrors context.Context.Err.
func (c *Context) Err() error { return c.ctx.Err() }

// Context returns the underlying context.Context, for passing to I/O calls
// that should be interrupted by cancellation (step timeout, user cancel, or
// agent shutdown).
func (c *Context) Context() context.Context { return c.ctx }

// Record returns a snapshot copy of the current timeline record.
func (c *Context) Record() types.TimelineRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Context) snapshotLocked() types.TimelineRecord {
	r := *c.record
	r.Issues = append([]types.Issue(nil), c.record.Issues...)
	r.Variables = make(map[string]string, len(c.record.Variables))
	for k, v := range c.record.Variables {
		r.Variables[k] = v
	}
	return r
}

func (c *Context) enqueueLocked() {
	if c.queue == nil {
		return
	}
	snap := c.snapshotLocked()
	c.queue.Enqueue(&snap)
}

// Start moves the record from Pending to InProgress and records StartTime.
// Calling Start on an already-started record is a no-op, since the state
// machine never regresses.
func (c *Context) Start() {
	c.mu.Lock()
	if c.record.State != types.RecordPending {
		c.mu.Unlock()
		return
	}
	c.record.State = types.RecordInProgress
	c.record.StartTime = nowFunc()
	c.enqueueLocked()
	c.mu.Unlock()
}

// Complete moves the record to Completed with the given result. An empty
// result defaults to Succeeded unless a result was already recorded (for
// example by AddIssue-driven downgrade logic in the Step Runner). Calling
// Complete more than once is a no-op.
func (c *Context) Complete(result types.Result, operation string) {
	c.mu.Lock()
	if c.record.State == types.RecordCompleted {
		c.mu.Unlock()
		return
	}
	if result == types.ResultNone {
		if c.record.Result == types.ResultNone {
			result = types.ResultSucceeded
		} else {
			result = c.record.Result
		}
	}
	c.record.Result = result
	c.record.State = types.RecordCompleted
	c.record.FinishTime = nowFunc()
	c.record.Percent = 100
	c.enqueueLocked()
	c.mu.Unlock()

	c.cancel()
	if c.paging != nil {
		_ = c.paging.Close()
	}
}

// SetResult downgrades or sets the eventual result without completing the
// record, e.g. when a continue-on-error step fails but the runner has not
// yet finished the record.
func (c *Context) SetResult(result types.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record.Result = types.Merge(c.record.Result, result)
}

// Write appends one line of output: it is masked (unless requested
// otherwise), assigned the next monotonically increasing line number for
// this record, persisted to the paging log, optionally mirrored to the
// parent's paging log, and forwarded to the console sink. It returns the
// assigned line number.
func (c *Context) Write(text string, maskIt bool) int {
	if maskIt && c.masker != nil {
		text = c.masker.Mask(text)
	}
	line := int(atomic.AddInt64(&c.lineCount, 1))

	if c.paging != nil {
		_ = c.paging.WriteLine(text)
	}
	if c.mirrorToParent && c.parent != nil && c.parent.paging != nil {
		_ = c.parent.paging.WriteLine(text)
	}
	if c.console != nil {
		c.console.AppendConsoleLine(c.timelineID(), c.record.ID, line, text)
	}
	return line
}

func (c *Context) timelineID() string {
	if c.queue != nil {
		return c.queue.timelineID
	}
	return ""
}

// AddIssue masks the issue message, writes it to the console/paging stream,
// stamps it with the log line number it was written at, and records it on
// the timeline (capped at 10 per severity, with uncapped counters — see
// types.TimelineRecord.AddIssue).
func (c *Context) AddIssue(issueType types.IssueType, message string) {
	masked := message
	if c.masker != nil {
		masked = c.masker.Mask(message)
	}
	tag := "error"
	if issueType == types.IssueWarning {
		tag = "warning"
	}
	line := c.Write(fmt.Sprintf("##[%s]%s", tag, masked), false)

	c.mu.Lock()
	c.record.AddIssue(types.Issue{
		Type:    issueType,
		Message: masked,
		Data:    map[string]string{"logFileLineNumber": fmt.Sprintf("%d", line)},
	})
	c.enqueueLocked()
	c.mu.Unlock()
}

// SetVariable writes to the shared variable store. When isOutput is true
// and this Context has a parent, the value is also published on the
// parent's store under "refName.name" and recorded on this record's
// Variables map, matching how a step's outputs become visible to later
// steps under its reference name.
func (c *Context) SetVariable(name, value string, isSecret, isOutput, isReadOnly, preserveCase bool) error {
	if c.variables == nil {
		return nil
	}
	if err := c.variables.Set(name, value, isSecret, isReadOnly, preserveCase); err != nil {
		return err
	}

	c.mu.Lock()
	if c.record.Variables == nil {
		c.record.Variables = make(map[string]string)
	}
	if !isSecret {
		c.record.Variables[name] = value
	}
	refName := c.record.RefName
	c.mu.Unlock()

	if isOutput && c.parent != nil && refName != "" {
		qualified := refName + "." + name
		return c.parent.variables.Set(qualified, value, isSecret, true, preserveCase)
	}
	return nil
}

// Expand resolves $(name) references against the shared variable store,
// returning any cycle/depth warnings it encountered.
func (c *Context) Expand(input string) (string, []string) {
	if c.variables == nil {
		return input, nil
	}
	return c.variables.Expand(input)
}

// SetTimeout arms a deadline on this Context's own cancellation scope. It
// must be called before any child derives its cancellation from this
// Context (in practice: immediately after Start, before step work begins),
// since a context.Context's deadline cannot be tightened retroactively for
// contexts already derived from it.
func (c *Context) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(c.ctx, d)
	c.ctx = ctx
	c.cancel = cancel
}

// CancelToken cancels this Context's own scope (and, transitively, every
// child derived from it) without affecting siblings or the parent.
func (c *Context) CancelToken() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	cancel()
}

// ForceTaskComplete flips the force-complete latch. Idempotent.
func (c *Context) ForceTaskComplete() {
	c.forceCompleteOnce.Do(func() { close(c.forceComplete) })
}

// CancelForceTaskCompletion aborts a pending force-complete grace period,
// if ForceTaskComplete was called but the step has since unwound on its own.
func (c *Context) CancelForceTaskCompletion() {
	c.mu.Lock()
	c.forceCancelled = true
	c.mu.Unlock()
}

// ForceCompleteDeadline returns a channel that closes ForceCompleteGracePeriod
// after ForceTaskComplete is called, unless CancelForceTaskCompletion is
// called first. The channel is never closed if ForceTaskComplete is never
// called.
func (c *Context) ForceCompleteDeadline() <-chan struct{} {
	out := make(chan struct{})
	go func() {
		<-c.forceComplete
		timer := time.NewTimer(ForceCompleteGracePeriod)
		defer timer.Stop()
		ticker := time.NewTicker(25 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-timer.C:
				close(out)
				return
			case <-ticker.C:
				c.mu.Lock()
				cancelled := c.forceCancelled
				c.mu.Unlock()
				if cancelled {
					return
				}
			}
		}
	}()
	return out
}

// nowFunc is a seam for tests; production code always uses time.Now.
var nowFunc = time.Now
