package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"sync"
	"time"

	"github.com/cuemby/fleetagent/pkg/controlplane"
	"github.com/cuemby/fleetagent/pkg/ipc"
	"github.com/cuemby/fleetagent/pkg/log"
	"github.com/cuemby/fleetagent/pkg/metrics"
	"github.com/cuemby/fleetagent/pkg/types"
)

// Worker process exit codes, agreed between Dispatcher and cmd/agent-worker.
const (
	ExitSuccess          = 0
	ExitTerminalFailure  = 1
	ExitRetryableFailure = 2
	ExitSelfUpdate       = 3
)

// ErrWorkerBusy is returned by Run when a worker is already active; the
// single-worker invariant forbids a second concurrent job.
var ErrWorkerBusy = errors.New("dispatcher: a worker is already active")

const defaultAcceptTimeout = 15 * time.Second

// Config parameterizes a Dispatcher.
type Config struct {
	// WorkerBinary is the path to the cmd/agent-worker executable.
	WorkerBinary string
	// WorkerArgs is prepended before "spawnclient <in-pipe> <out-pipe>",
	// e.g. for re-invoking a single multi-command binary.
	WorkerArgs []string

	AcceptTimeout       time.Duration
	ShutdownGracePeriod time.Duration

	// OnWorkerExit, if set, is called once per worker after it exits and
	// resources have been torn down. crashed is true when the worker exited
	// without ever sending a JobCompleted frame.
	OnWorkerExit func(jobID string, result types.Result, crashed bool)
}

// Dispatcher supervises at most one Worker child process at a time.
type Dispatcher struct {
	cfg Config

	mu     sync.Mutex
	active *workerHandle
}

type workerHandle struct {
	jobID   string
	runOnce bool

	cmd     *exec.Cmd
	channel *ipc.Channel

	toWorkerLn     net.Listener
	fromWorkerLn   net.Listener
	toWorkerPath   string
	fromWorkerPath string

	exited      chan struct{}
	runOnceDone chan struct{}
}

// New constructs a Dispatcher, filling in safe defaults for any unset
// optional field.
func New(cfg Config) *Dispatcher {
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = defaultAcceptTimeout
	}
	if cfg.ShutdownGracePeriod <= 0 {
		cfg.ShutdownGracePeriod = 30 * time.Second
	}
	return &Dispatcher{cfg: cfg}
}

// Run spawns a Worker child process for req, establishes the IPC channel as
// server, and sends the job request over it. It returns once the worker has
// been successfully started and handed its job; the worker's own lifecycle
// is then tracked asynchronously. Only one worker may be active at a time.
func (d *Dispatcher) Run(ctx context.Context, req *types.JobRequest, runOnce bool) error {
	d.mu.Lock()
	if d.active != nil {
		d.mu.Unlock()
		return ErrWorkerBusy
	}
	d.mu.Unlock()

	h, err := d.spawn(ctx, req.JobID, runOnce)
	if err != nil {
		return err
	}

	if err := h.channel.Send(ipc.MessageNewJobRequest, req); err != nil {
		d.teardown(h)
		return fmt.Errorf("dispatcher: send job request: %w", err)
	}

	d.mu.Lock()
	d.active = h
	d.mu.Unlock()

	go d.monitor(h)
	return nil
}

func (d *Dispatcher) spawn(ctx context.Context, jobID string, runOnce bool) (*workerHandle, error) {
	toWorkerPath, err := ipc.NewPipeName("listener-to-worker")
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}
	fromWorkerPath, err := ipc.NewPipeName("worker-to-listener")
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}

	toWorkerLn, err := ipc.Listen(toWorkerPath)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}
	fromWorkerLn, err := ipc.Listen(fromWorkerPath)
	if err != nil {
		toWorkerLn.Close()
		_ = ipc.RemovePipe(toWorkerPath)
		return nil, fmt.Errorf("dispatcher: %w", err)
	}

	args := append(append([]string{}, d.cfg.WorkerArgs...), "spawnclient", toWorkerPath, fromWorkerPath)
	cmd := exec.CommandContext(ctx, d.cfg.WorkerBinary, args...)
	if err := cmd.Start(); err != nil {
		toWorkerLn.Close()
		fromWorkerLn.Close()
		_ = ipc.RemovePipe(toWorkerPath)
		_ = ipc.RemovePipe(fromWorkerPath)
		return nil, fmt.Errorf("dispatcher: start worker process: %w", err)
	}

	toWorkerConn, fromWorkerConn, err := acceptBoth(toWorkerLn, fromWorkerLn, d.cfg.AcceptTimeout)
	if err != nil {
		_ = cmd.Process.Kill()
		toWorkerLn.Close()
		fromWorkerLn.Close()
		_ = ipc.RemovePipe(toWorkerPath)
		_ = ipc.RemovePipe(fromWorkerPath)
		return nil, fmt.Errorf("dispatcher: accept worker connections: %w", err)
	}

	h := &workerHandle{
		jobID:          jobID,
		runOnce:        runOnce,
		cmd:            cmd,
		channel:        ipc.NewDuplexChannel(fromWorkerConn, toWorkerConn),
		toWorkerLn:     toWorkerLn,
		fromWorkerLn:   fromWorkerLn,
		toWorkerPath:   toWorkerPath,
		fromWorkerPath: fromWorkerPath,
		exited:         make(chan struct{}),
	}
	if runOnce {
		h.runOnceDone = make(chan struct{})
	}
	return h, nil
}

func acceptBoth(toWorkerLn, fromWorkerLn net.Listener, timeout time.Duration) (net.Conn, net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	acceptOne := func(ln net.Listener) <-chan result {
		ch := make(chan result, 1)
		go func() {
			conn, err := ln.Accept()
			ch <- result{conn, err}
		}()
		return ch
	}

	toCh := acceptOne(toWorkerLn)
	fromCh := acceptOne(fromWorkerLn)
	deadline := time.After(timeout)

	var toConn, fromConn net.Conn
	for toConn == nil || fromConn == nil {
		select {
		case r := <-toCh:
			if r.err != nil {
				return nil, nil, fmt.Errorf("accept listener-to-worker: %w", r.err)
			}
			toConn = r.conn
		case r := <-fromCh:
			if r.err != nil {
				return nil, nil, fmt.Errorf("accept worker-to-listener: %w", r.err)
			}
			fromConn = r.conn
		case <-deadline:
			return nil, nil, errors.New("timed out waiting for worker to connect")
		}
	}
	return toConn, fromConn, nil
}

// monitor waits for the active worker to exit, classifies the outcome, and
// releases the single-worker slot.
func (d *Dispatcher) monitor(h *workerHandle) {
	completed := make(chan types.Result, 1)
	go func() {
		defer close(completed)
		for {
			msgType, body, err := h.channel.Receive()
			if err != nil {
				return
			}
			if msgType == ipc.MessageJobCompleted {
				jc, decodeErr := ipc.Decode[ipc.JobCompletedBody](body)
				if decodeErr == nil {
					completed <- jc.Result
				}
				return
			}
		}
	}()

	waitErr := h.cmd.Wait()
	exitCode := exitCodeOf(waitErr)

	// The worker writes its JobCompleted frame immediately before exiting;
	// give the receive goroutine a brief window to drain it rather than
	// racing cmd.Wait()'s return against the frame still being decoded. The
	// receive goroutine closes completed when the channel ends without a
	// frame, so a crashed worker does not wait out the whole window.
	var result types.Result
	var receivedCompletion bool
	select {
	case r, ok := <-completed:
		if ok {
			result = r
			receivedCompletion = true
		}
	case <-time.After(2 * time.Second):
	}

	if !receivedCompletion {
		result = types.ResultFailed
		metrics.WorkerCrashesTotal.Inc()
		log.Error(fmt.Sprintf("worker for job %s exited (code %d) before reporting completion; treating as crashed", h.jobID, exitCode))
	} else {
		log.Info(fmt.Sprintf("worker for job %s exited cleanly (code %d, result %s)", h.jobID, exitCode, result))
	}
	metrics.JobResultsTotal.WithLabelValues(string(result)).Inc()

	d.teardown(h)

	d.mu.Lock()
	if d.active == h {
		d.active = nil
	}
	d.mu.Unlock()

	close(h.exited)
	if h.runOnce {
		close(h.runOnceDone)
	}

	if d.cfg.OnWorkerExit != nil {
		d.cfg.OnWorkerExit(h.jobID, result, !receivedCompletion)
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return ExitRetryableFailure
}

func (d *Dispatcher) teardown(h *workerHandle) {
	_ = h.channel.Close()
	_ = h.toWorkerLn.Close()
	_ = h.fromWorkerLn.Close()
	_ = ipc.RemovePipe(h.toWorkerPath)
	_ = ipc.RemovePipe(h.fromWorkerPath)
}

// Cancel forwards a cancel request to the active worker if its job id
// matches. It reports whether the cancellation was actually dispatched, so
// the caller can decide whether to re-deliver the cancel message on its
// next poll.
func (d *Dispatcher) Cancel(body controlplane.CancelJobBody) bool {
	d.mu.Lock()
	h := d.active
	d.mu.Unlock()
	if h == nil || h.jobID != body.JobID {
		return false
	}
	if err := h.channel.Send(ipc.MessageCancelRequest, ipc.CancelRequestBody{JobID: body.JobID, Reason: body.Reason}); err != nil {
		log.Error("dispatcher: send cancel request: " + err.Error())
		return false
	}
	return true
}

// MetadataUpdate best-effort forwards a metadata update to the active
// worker. A missing or mismatched worker is silently ignored.
func (d *Dispatcher) MetadataUpdate(body controlplane.MetadataUpdateBody) {
	d.mu.Lock()
	h := d.active
	d.mu.Unlock()
	if h == nil || h.jobID != body.JobID {
		return
	}
	if err := h.channel.Send(ipc.MessageJobMetadataUpdate, ipc.JobMetadataUpdateBody{JobID: body.JobID, Variables: body.Variables}); err != nil {
		log.Warn("dispatcher: send metadata update: " + err.Error())
	}
}

// Shutdown signals the active worker (if any) to wind down, waits up to the
// configured grace period, and kills it if it has not exited by then.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.mu.Lock()
	h := d.active
	d.mu.Unlock()
	if h == nil {
		return
	}

	if err := h.channel.Send(ipc.MessageAgentShutdown, ipc.AgentShutdownBody{Reason: "agent shutdown"}); err != nil {
		log.Warn("dispatcher: send agent shutdown: " + err.Error())
	}

	grace, cancel := context.WithTimeout(ctx, d.cfg.ShutdownGracePeriod)
	defer cancel()

	select {
	case <-h.exited:
	case <-grace.Done():
		log.Warn(fmt.Sprintf("worker for job %s did not exit within grace period, killing", h.jobID))
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
		<-h.exited
	}
}

// RunOnceJobCompleted returns a channel that closes once the current
// run-once job's worker has exited. It returns nil if no run-once worker is
// active.
func (d *Dispatcher) RunOnceJobCompleted() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		return nil
	}
	return d.active.runOnceDone
}

// ActiveWorkerCount reports 0 or 1, satisfying pkg/metrics.StatsSource.
func (d *Dispatcher) ActiveWorkerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		return 0
	}
	return 1
}
