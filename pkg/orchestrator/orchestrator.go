// Package orchestrator owns session admission control, the session state
// machine, event fan-out to subscribers, and the prompt-level queue that
// resolves conversational continuity before dispatching work to the agent
// runner.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/coderelay/relay/pkg/event"
	"github.com/coderelay/relay/pkg/runner"
)

// Execution is the live handle the orchestrator holds on a dispatched run.
type Execution interface {
	Events() <-chan event.Event
	Cancel(ctx context.Context)
	Abort()
}

// AgentRunner creates executions. *runner.Runner satisfies it via
// WrapRunner.
type AgentRunner interface {
	Execute(ctx context.Context, params runner.Params) (Execution, error)
}

type runnerAdapter struct {
	r *runner.Runner
}

func (a runnerAdapter) Execute(ctx context.Context, params runner.Params) (Execution, error) {
	ex, err := a.r.Execute(ctx, params)
	if err != nil {
		return nil, err
	}
	return ex, nil
}

// WrapRunner adapts the concrete runner to the AgentRunner contract.
func WrapRunner(r *runner.Runner) AgentRunner {
	return runnerAdapter{r: r}
}

// ToolRegistry is the capability registry collaborator supplied to the
// runner when spawning an agent.
type ToolRegistry interface {
	AllowedToolNames() []string
	ToolServers() map[string]interface{}
}

// Listener observes one session's event stream.
type Listener func(event.Event)

// Request describes one session submission.
type Request struct {
	Prompt      string
	FullPrompt  string
	Agent       runner.AgentType
	ProjectPath string

	// ResumeExternalID continues an existing external conversation.
	ResumeExternalID string

	// Immediate requests an immediate start when capacity allows.
	Immediate bool
}

// SubmitResult reports how a submission was admitted.
type SubmitResult struct {
	SessionID     string `json:"sessionId"`
	Immediate     bool   `json:"immediate"`
	QueuePosition int    `json:"queuePosition,omitempty"`
}

// QueueStatus is a point-in-time view of admission state.
type QueueStatus struct {
	RunningCount      int      `json:"runningCount"`
	QueuedCount       int      `json:"queuedCount"`
	TotalCount        int      `json:"totalCount"`
	RunningSessionIDs []string `json:"runningSessionIds"`
}

// Config holds orchestrator configuration.
type Config struct {
	MaxConcurrent int
	MaxQueueSize  int
	SessionMaxAge time.Duration

	Runner  AgentRunner
	Records RecordStore
	Tools   ToolRegistry
	Logger  zerolog.Logger
}

// Orchestrator tracks sessions from admission through their terminal state.
type Orchestrator struct {
	cfg    Config
	logger zerolog.Logger

	mu          sync.Mutex
	sessions    map[string]*Session
	requests    map[string]Request
	executions  map[string]Execution
	waiting     []string
	running     int
	listeners   map[string]map[int]Listener
	listenerSeq int
	slotHooks   []func()

	janitor *janitor
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("agent runner is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 50
	}
	if cfg.SessionMaxAge <= 0 {
		cfg.SessionMaxAge = time.Hour
	}
	if cfg.Records == nil {
		cfg.Records = NewMemoryRecordStore()
	}

	return &Orchestrator{
		cfg:        cfg,
		logger:     cfg.Logger,
		sessions:   make(map[string]*Session),
		requests:   make(map[string]Request),
		executions: make(map[string]Execution),
		listeners:  make(map[string]map[int]Listener),
	}, nil
}

// Submit admits a session. With Immediate set and free capacity the session
// starts right away; otherwise it joins the FIFO waiting list. A full
// waiting list rejects the submission and retains nothing.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (SubmitResult, error) {
	if req.Prompt == "" {
		return SubmitResult{}, fmt.Errorf("prompt cannot be empty")
	}

	id, err := gonanoid.New()
	if err != nil {
		return SubmitResult{}, fmt.Errorf("failed to generate session id: %w", err)
	}

	s := &Session{
		ID:          id,
		State:       StateQueued,
		Prompt:      req.Prompt,
		FullPrompt:  req.FullPrompt,
		ProjectPath: req.ProjectPath,
		CreatedAt:   time.Now(),
	}

	o.mu.Lock()

	if req.Immediate && o.running < o.cfg.MaxConcurrent {
		o.sessions[id] = s
		o.requests[id] = req
		o.startLocked(id)
		o.mu.Unlock()

		o.persistInsert(s, req)
		o.logger.Info().Str("session_id", id).Msg("Session started immediately")
		return SubmitResult{SessionID: id, Immediate: true}, nil
	}

	if len(o.waiting) >= o.cfg.MaxQueueSize {
		o.mu.Unlock()
		return SubmitResult{}, fmt.Errorf("%w (max %d)", ErrQueueFull, o.cfg.MaxQueueSize)
	}

	o.sessions[id] = s
	o.requests[id] = req
	o.waiting = append(o.waiting, id)
	pos := len(o.waiting)
	idle := o.running < o.cfg.MaxConcurrent
	o.mu.Unlock()

	o.persistInsert(s, req)
	o.logger.Info().Str("session_id", id).Int("queue_position", pos).Msg("Session queued")

	// Idle capacity drains the waiting list without waiting for a slot to
	// free up.
	if idle {
		o.mu.Lock()
		o.startNextLocked()
		o.mu.Unlock()
	}

	return SubmitResult{SessionID: id, QueuePosition: pos}, nil
}

// Cancel cancels a session. Unknown ids are an error; already-terminal
// sessions are a no-op. The session is marked cancelled before the runner
// is asked to stop, so subscribers observe the terminal state without
// delay.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	o.mu.Lock()
	s, ok := o.sessions[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if s.State.Terminal() {
		o.mu.Unlock()
		return nil
	}

	wasQueued := s.State == StateQueued
	if wasQueued {
		o.removeWaitingLocked(id)
	}

	now := time.Now()
	s.State = StateCancelled
	s.CompletedAt = &now
	last := s.LastAssistantMessage
	exec := o.executions[id]
	o.mu.Unlock()

	o.logger.Info().Str("session_id", id).Bool("was_queued", wasQueued).Msg("Session cancelled")
	o.updateRecord(id, StateCancelled, "", "")

	if exec == nil {
		if wasQueued {
			// Never dispatched; deliver the terminal event ourselves.
			o.emit(id, event.Completed(false, "cancelled", last))
		}
		// A session caught between start and execution registration is
		// aborted by its own background task, which also delivers the
		// terminal event.
		return nil
	}

	exec.Cancel(ctx)
	return nil
}

// Subscribe attaches a listener to a session's events and returns an
// unsubscribe closure. Unknown ids yield a harmless no-op unsubscribe.
func (o *Orchestrator) Subscribe(id string, fn Listener) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.sessions[id]; !ok {
		return func() {}
	}

	o.listenerSeq++
	key := o.listenerSeq
	if o.listeners[id] == nil {
		o.listeners[id] = make(map[int]Listener)
	}
	o.listeners[id][key] = fn

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if m := o.listeners[id]; m != nil {
			delete(m, key)
		}
	}
}

// GetSession returns a snapshot of a session.
func (o *Orchestrator) GetSession(id string) (Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.snapshot(), nil
}

// QueueStatus reports current admission state.
func (o *Orchestrator) QueueStatus() QueueStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids := make([]string, 0, o.running)
	for id, s := range o.sessions {
		if s.State == StateRunning {
			ids = append(ids, id)
		}
	}

	return QueueStatus{
		RunningCount:      o.running,
		QueuedCount:       len(o.waiting),
		TotalCount:        len(o.sessions),
		RunningSessionIDs: ids,
	}
}

// HasCapacity reports whether another session could start right now.
func (o *Orchestrator) HasCapacity() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running < o.cfg.MaxConcurrent
}

// OnSlotFree registers a hook invoked after a running slot has been
// released (that is, after the concurrency counter decrement).
func (o *Orchestrator) OnSlotFree(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.slotHooks = append(o.slotHooks, fn)
}

// Cleanup evicts terminal sessions older than the configured max age.
// Queued and running sessions are never evicted.
func (o *Orchestrator) Cleanup() {
	o.mu.Lock()
	defer o.mu.Unlock()

	cutoff := time.Now().Add(-o.cfg.SessionMaxAge)
	evicted := 0

	for id, s := range o.sessions {
		if !s.State.Terminal() || s.CompletedAt == nil || s.CompletedAt.After(cutoff) {
			continue
		}
		delete(o.sessions, id)
		delete(o.requests, id)
		delete(o.executions, id)
		delete(o.listeners, id)
		evicted++
	}

	if evicted > 0 {
		o.logger.Info().Int("evicted", evicted).Msg("Terminal sessions cleaned up")
	}
}

// startLocked reserves a slot and launches the session's background task.
// Caller holds the lock.
func (o *Orchestrator) startLocked(id string) {
	o.running++
	go o.runSession(id)
}

// startNextLocked starts eligible FIFO entries while capacity allows.
// Caller holds the lock.
func (o *Orchestrator) startNextLocked() {
	for o.running < o.cfg.MaxConcurrent && len(o.waiting) > 0 {
		id := o.waiting[0]
		o.waiting = o.waiting[1:]

		s, ok := o.sessions[id]
		if !ok || s.State.Terminal() {
			continue
		}
		o.startLocked(id)
	}
}

func (o *Orchestrator) removeWaitingLocked(id string) {
	for i, waiting := range o.waiting {
		if waiting == id {
			o.waiting = append(o.waiting[:i], o.waiting[i+1:]...)
			return
		}
	}
}

// runSession is the background task of one session: dispatch to the runner,
// drain the event stream into session state and subscribers, then release
// the slot.
func (o *Orchestrator) runSession(id string) {
	o.mu.Lock()
	s := o.sessions[id]
	if s == nil || s.State.Terminal() {
		// Cancelled between admission and start.
		o.mu.Unlock()
		o.finishRun(id)
		return
	}
	req := o.requests[id]
	now := time.Now()
	s.State = StateRunning
	s.StartedAt = &now
	o.mu.Unlock()

	o.updateRecord(id, StateRunning, "", "")

	params := runner.Params{
		Agent:            req.Agent,
		Prompt:           req.FullPrompt,
		WorkDir:          req.ProjectPath,
		ResumeExternalID: req.ResumeExternalID,
	}
	if params.Prompt == "" {
		params.Prompt = req.Prompt
	}
	if o.cfg.Tools != nil {
		params.AllowedTools = o.cfg.Tools.AllowedToolNames()
		params.ToolServers = o.cfg.Tools.ToolServers()
	}

	exec, err := o.cfg.Runner.Execute(context.Background(), params)
	if err != nil {
		o.logger.Error().Err(err).Str("session_id", id).Msg("Failed to start agent execution")
		o.handleEvent(id, event.Error(err.Error()))
		o.handleEvent(id, event.Completed(false, err.Error(), ""))
		o.finishRun(id)
		return
	}

	o.mu.Lock()
	o.executions[id] = exec
	cancelledEarly := o.sessions[id] == nil || o.sessions[id].State.Terminal()
	o.mu.Unlock()

	if cancelledEarly {
		exec.Abort()
	}

	for ev := range exec.Events() {
		o.handleEvent(id, ev)
	}

	o.mu.Lock()
	if s := o.sessions[id]; s != nil && !s.State.Terminal() {
		now := time.Now()
		s.State = StateFailed
		s.CompletedAt = &now
		s.Error = "agent stream ended unexpectedly"
	}
	o.mu.Unlock()

	o.finishRun(id)
}

// finishRun releases the session's slot, restarts the waiting-list scan and
// fires the slot-freed hooks after the counter decrement.
func (o *Orchestrator) finishRun(id string) {
	o.mu.Lock()
	delete(o.executions, id)
	o.running--
	o.startNextLocked()
	hooks := append([]func(){}, o.slotHooks...)
	o.mu.Unlock()

	for _, hook := range hooks {
		o.safeCall(hook)
	}
}

// handleEvent folds a canonical event into session state and fans it out.
func (o *Orchestrator) handleEvent(id string, ev event.Event) {
	o.mu.Lock()
	if s := o.sessions[id]; s != nil {
		switch ev.Type {
		case event.TypeSessionDetected:
			s.addExternalID(ev.ExternalSessionID)
		case event.TypeMessage:
			if ev.Role == "assistant" {
				s.LastAssistantMessage = ev.Content
			}
		case event.TypeActivity:
			if ev.Activity != nil {
				a := *ev.Activity
				s.Activity = &a
			} else {
				s.Activity = nil
			}
		case event.TypeError:
			s.Error = ev.Message
		case event.TypeCompleted:
			// Terminal states are absorbing: a late completed event (for
			// example after Cancel already marked the session) must not
			// resurrect or re-label the session.
			if !s.State.Terminal() {
				now := time.Now()
				s.CompletedAt = &now
				switch {
				case ev.Success:
					s.State = StateCompleted
				case ev.Error == "cancelled":
					s.State = StateCancelled
				default:
					s.State = StateFailed
					s.Error = ev.Error
				}
			}
			if ev.LastAssistantMessage != "" {
				s.LastAssistantMessage = ev.LastAssistantMessage
			}
		}
	}
	o.mu.Unlock()

	o.emit(id, ev)

	if ev.Type == event.TypeCompleted {
		o.mu.Lock()
		var state State
		var errText, externalID string
		if s := o.sessions[id]; s != nil {
			state = s.State
			errText = s.Error
			externalID = s.ExternalSessionID
		}
		o.mu.Unlock()
		if state != "" {
			o.updateRecord(id, state, externalID, errText)
		}
	}
}

// emit delivers an event synchronously to every subscriber of the session.
// A panicking listener is isolated so it cannot break delivery to the rest
// or take down the executing task.
func (o *Orchestrator) emit(id string, ev event.Event) {
	o.mu.Lock()
	var fns []Listener
	for _, fn := range o.listeners[id] {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					o.logger.Warn().Interface("panic", r).Str("session_id", id).Msg("Session listener panicked")
				}
			}()
			fn(ev)
		}()
	}
}

func (o *Orchestrator) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Warn().Interface("panic", r).Msg("Slot-free hook panicked")
		}
	}()
	fn()
}

// persistInsert mirrors a new session into the record store, best-effort.
func (o *Orchestrator) persistInsert(s *Session, req Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := o.cfg.Records.Insert(ctx, Record{
		ID:          s.ID,
		State:       s.State,
		Prompt:      req.Prompt,
		ProjectPath: req.ProjectPath,
		CreatedAt:   s.CreatedAt,
	})
	if err != nil {
		o.logger.Warn().Err(err).Str("session_id", s.ID).Msg("Failed to persist session record")
	}
}

// updateRecord mirrors a state change into the record store, best-effort.
func (o *Orchestrator) updateRecord(id string, state State, externalID, errText string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := o.cfg.Records.UpdateState(ctx, id, state, externalID, errText); err != nil {
		o.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to update session record")
	}
}
