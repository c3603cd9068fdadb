package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cuemby/fleetagent/pkg/controlplane"
	"github.com/cuemby/fleetagent/pkg/log"
	"github.com/cuemby/fleetagent/pkg/metrics"
	"github.com/cuemby/fleetagent/pkg/types"
)

// Dispatcher is the subset of pkg/dispatcher.Dispatcher the Listener drives
// jobs through. Defined locally so the two packages can be tested and
// composed independently.
type Dispatcher interface {
	Run(ctx context.Context, req *types.JobRequest, runOnce bool) error
	Cancel(body controlplane.CancelJobBody) bool
	MetadataUpdate(body controlplane.MetadataUpdateBody)
	Shutdown(ctx context.Context)
	RunOnceJobCompleted() <-chan struct{}
}

// SelfUpdateFunc performs an agent self-update in response to an
// agent-refresh message. It is launched in the background; the Listener
// does not wait on it.
type SelfUpdateFunc func(ctx context.Context) error

// Config parameterizes a Listener.
type Config struct {
	Source     controlplane.Source
	Dispatcher Dispatcher

	AgentID string
	PoolID  string

	KeepAliveInterval time.Duration
	PollBackoffMin    time.Duration
	PollBackoffMax    time.Duration

	SelfUpdate SelfUpdateFunc
}

// Listener owns the agent's session with the control plane and pumps
// messages from it to the Dispatcher.
type Listener struct {
	cfg Config

	mu   sync.Mutex
	sess *controlplane.Session
}

// New constructs a Listener, filling in safe defaults for any unset
// optional field.
func New(cfg Config) *Listener {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 30 * time.Second
	}
	if cfg.PollBackoffMin <= 0 {
		cfg.PollBackoffMin = 500 * time.Millisecond
	}
	if cfg.PollBackoffMax <= 0 {
		cfg.PollBackoffMax = 30 * time.Second
	}
	return &Listener{cfg: cfg}
}

func (l *Listener) session() *controlplane.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sess
}

func (l *Listener) setSession(sess *controlplane.Session) {
	l.mu.Lock()
	l.sess = sess
	l.mu.Unlock()
}

// Run creates a session, pumps messages until ctx is cancelled (or, in
// one-shot mode, until the dispatched job's worker exits), and always
// attempts DeleteSession before returning.
func (l *Listener) Run(ctx context.Context, runOnce bool) error {
	sess, err := l.cfg.Source.CreateSession(ctx, l.cfg.AgentID, l.cfg.PoolID)
	if err != nil {
		return fmt.Errorf("listener: create session: %w", err)
	}
	l.setSession(sess)

	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := l.cfg.Source.DeleteSession(dctx, l.session()); err != nil {
			log.Warn("listener: delete session: " + err.Error())
		}
	}()

	keepAliveCtx, stopKeepAlive := context.WithCancel(ctx)
	defer stopKeepAlive()
	go l.keepAliveLoop(keepAliveCtx)

	holdingForSelfUpdate := false
	var runOnceCh <-chan struct{}

	for {
		type pollResult struct {
			msg *controlplane.Message
			err error
		}
		pollCh := make(chan pollResult, 1)
		go func() {
			msg, err := l.getNext(ctx)
			pollCh <- pollResult{msg, err}
		}()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-runOnceCh:
			return nil
		case res := <-pollCh:
			if res.err != nil {
				return res.err
			}
			if res.msg == nil {
				continue
			}
			if next := l.handle(ctx, res.msg, runOnce, &holdingForSelfUpdate); next != nil {
				runOnceCh = next
			}
		}
	}
}

// handle routes one message to its handler, returning a non-nil channel
// when it just dispatched a run-once job (signaling Run to watch it).
func (l *Listener) handle(ctx context.Context, msg *controlplane.Message, runOnce bool, holding *bool) <-chan struct{} {
	sess := l.session()

	switch msg.Kind {
	case controlplane.MessageKindAgentRefresh:
		_ = l.cfg.Source.Delete(ctx, sess, msg.ID)
		*holding = true
		metrics.SelfUpdatesTotal.Inc()
		if l.cfg.SelfUpdate != nil {
			go func() {
				if err := l.cfg.SelfUpdate(context.Background()); err != nil {
					log.Error("listener: self-update failed: " + err.Error())
				}
			}()
		}

	case controlplane.MessageKindJobRequest:
		if *holding {
			// A self-update is in flight: leave this job request on the
			// server queue undeleted so the next agent generation picks it
			// up after restart.
			return nil
		}
		job, err := msg.DecodeJobRequest()
		if err != nil {
			log.Error("listener: decode job request: " + err.Error())
			_ = l.cfg.Source.Delete(ctx, sess, msg.ID)
			return nil
		}
		if err := l.cfg.Dispatcher.Run(ctx, job, runOnce); err != nil {
			log.Error("listener: dispatch job: " + err.Error())
			return nil
		}
		_ = l.cfg.Source.Delete(ctx, sess, msg.ID)
		if runOnce {
			return l.cfg.Dispatcher.RunOnceJobCompleted()
		}

	case controlplane.MessageKindCancelJob:
		body, err := msg.DecodeCancelJob()
		if err != nil {
			log.Error("listener: decode cancel-job: " + err.Error())
			_ = l.cfg.Source.Delete(ctx, sess, msg.ID)
			return nil
		}
		if l.cfg.Dispatcher.Cancel(body) {
			_ = l.cfg.Source.Delete(ctx, sess, msg.ID)
		}

	case controlplane.MessageKindJobMetadataUpdate:
		body, err := msg.DecodeMetadataUpdate()
		if err == nil {
			l.cfg.Dispatcher.MetadataUpdate(body)
		}
		_ = l.cfg.Source.Delete(ctx, sess, msg.ID)

	default:
		log.Warn(fmt.Sprintf("listener: unknown message kind %q, deleting", msg.Kind))
		_ = l.cfg.Source.Delete(ctx, sess, msg.ID)
	}
	return nil
}

// getNext long-polls for the next message, retrying transient failures with
// exponential backoff and jitter. An authentication failure gets exactly
// one session refresh attempt before the error is surfaced.
func (l *Listener) getNext(ctx context.Context) (*controlplane.Message, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.PollBackoffMin
	b.MaxInterval = l.cfg.PollBackoffMax
	b.MaxElapsedTime = 0

	refreshed := false
	for {
		timer := metrics.NewTimer()
		msg, err := l.cfg.Source.GetNext(ctx, l.session())
		timer.ObserveDuration(metrics.PollLatency)
		if err == nil {
			b.Reset()
			return msg, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if errors.Is(err, controlplane.ErrUnauthorized) {
			metrics.PollErrorsTotal.WithLabelValues("unauthorized").Inc()
			if refreshed {
				return nil, fmt.Errorf("listener: unauthorized after session refresh: %w", err)
			}
			refreshed = true
			newSess, rerr := l.cfg.Source.CreateSession(ctx, l.cfg.AgentID, l.cfg.PoolID)
			if rerr != nil {
				return nil, fmt.Errorf("listener: session refresh failed: %v: %w", rerr, err)
			}
			l.setSession(newSess)
			continue
		} else {
			metrics.PollErrorsTotal.WithLabelValues("transient").Inc()
		}

		d := b.NextBackOff()
		if d == backoff.Stop {
			return nil, fmt.Errorf("listener: poll backoff exhausted: %w", err)
		}
		log.Warn(fmt.Sprintf("listener: poll failed, retrying in %s: %v", d, err))
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *Listener) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := l.cfg.Source.KeepAlive(ctx, l.session()); err != nil {
				metrics.KeepAliveFailuresTotal.Inc()
				log.Warn("listener: keep-alive failed: " + err.Error())
			}
		case <-ctx.Done():
			return
		}
	}
}
