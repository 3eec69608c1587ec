package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/coderelay/relay/pkg/event"
)

// strategy is the per-agent adaptation. run produces events through the
// execution's push helpers and returns once the agent's turn is over; stop
// asks for a graceful shutdown and blocks until the agent has stopped; kill
// terminates forcibly.
type strategy interface {
	run(ctx context.Context, ex *Execution) error
	stop(ctx context.Context) error
	kill()
}

// Execution is one in-flight agent run. The underlying process/SDK starts
// lazily on the first Events call; repeated calls return the same stream.
type Execution struct {
	strat  strategy
	cfg    Config
	logger zerolog.Logger

	bridge    *bridge
	startOnce sync.Once
	cancelled atomic.Bool

	runCtx    context.Context
	runCancel context.CancelFunc

	// streaming snapshot state
	streamMu      sync.Mutex
	prevSnapshot  string
	lastExternal  string
	lastAssistant string
}

func newExecution(ctx context.Context, strat strategy, cfg Config, params Params, logger zerolog.Logger) *Execution {
	runCtx, runCancel := context.WithCancel(context.WithoutCancel(ctx))

	return &Execution{
		strat:     strat,
		cfg:       cfg,
		logger:    logger,
		bridge:    newBridge(),
		runCtx:    runCtx,
		runCancel: runCancel,
		// An explicit resume id counts as already reported.
		lastExternal: params.ResumeExternalID,
	}
}

// Events starts the execution if needed and returns its event stream. The
// channel closes once the terminal completed event has been delivered.
func (ex *Execution) Events() <-chan event.Event {
	ex.startOnce.Do(func() {
		go ex.run()
	})
	return ex.bridge.Out()
}

// Cancel requests a graceful stop, racing the configured grace period.
// On timeout the execution is aborted. Idempotent and panic-free.
func (ex *Execution) Cancel(ctx context.Context) {
	if ex.cancelled.Swap(true) {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() { _ = recover() }()
		if err := ex.strat.stop(ctx); err != nil {
			ex.logger.Debug().Err(err).Msg("Graceful agent stop failed")
		}
	}()

	select {
	case <-done:
	case <-time.After(ex.cfg.CancelGrace):
		ex.logger.Warn().Dur("grace", ex.cfg.CancelGrace).Msg("Cancel grace period expired, aborting")
		ex.Abort()
	case <-ctx.Done():
		ex.Abort()
	}
}

// Abort terminates the execution immediately. Idempotent and panic-free.
func (ex *Execution) Abort() {
	defer func() { _ = recover() }()
	ex.cancelled.Store(true)
	ex.runCancel()
	ex.strat.kill()
}

// run consumes the strategy and guarantees exactly one terminal event.
func (ex *Execution) run() {
	defer ex.bridge.Close()
	defer ex.runCancel()

	if ex.cancelled.Load() {
		ex.pushTerminal(event.Completed(false, "cancelled", ex.lastAssistantMessage()))
		return
	}

	err := ex.strat.run(ex.runCtx, ex)
	last := ex.lastAssistantMessage()

	switch {
	case err == nil && !ex.cancelled.Load():
		ex.pushTerminal(event.Completed(true, "", last))
	case ex.cancelled.Load() || errors.Is(err, context.Canceled):
		// Cancellation is not a reported failure: no error event.
		ex.pushTerminal(event.Completed(false, "cancelled", last))
	default:
		ex.push(event.Error(err.Error()))
		ex.pushTerminal(event.Completed(false, err.Error(), last))
	}
}

// push delivers a non-terminal event. Once cancellation has been observed
// nothing but the terminal event goes out.
func (ex *Execution) push(ev event.Event) {
	if ex.cancelled.Load() {
		return
	}
	ex.bridge.Push(ev)
}

func (ex *Execution) pushTerminal(ev event.Event) {
	ex.bridge.Push(ev)
}

// pushSessionDetected reports an external session id, suppressing
// duplicates of the last id already reported for this execution.
func (ex *Execution) pushSessionDetected(externalID string) {
	if externalID == "" {
		return
	}

	ex.streamMu.Lock()
	if ex.lastExternal == externalID {
		ex.streamMu.Unlock()
		return
	}
	ex.lastExternal = externalID
	ex.streamMu.Unlock()

	ex.push(event.SessionDetected(externalID))
}

// pushAssistantText reconciles an incoming content update against the
// previous snapshot and emits the downsampled snapshot sequence. Snapshots
// born from a full (non-delta) replacement are paced with a small delay to
// simulate incremental typing; delta-sourced snapshots go out immediately.
func (ex *Execution) pushAssistantText(content string, delta bool) {
	ex.streamMu.Lock()
	snaps := reconcileSnapshots(ex.prevSnapshot, content, delta)
	if len(snaps) == 0 {
		ex.streamMu.Unlock()
		return
	}
	final := snaps[len(snaps)-1]
	ex.prevSnapshot = final
	ex.lastAssistant = final
	ex.streamMu.Unlock()

	snaps = downsample(snaps, ex.cfg.MaxStreamUpdates)
	paced := !delta && len(snaps) > 1

	for i, snap := range snaps {
		if paced && i > 0 {
			select {
			case <-ex.runCtx.Done():
				return
			case <-time.After(ex.cfg.TypingDelay):
			}
		}
		ex.push(event.Message("assistant", snap))
	}
}

func (ex *Execution) lastAssistantMessage() string {
	ex.streamMu.Lock()
	defer ex.streamMu.Unlock()
	return ex.lastAssistant
}
