package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/coderelay/relay/pkg/continuity"
	"github.com/coderelay/relay/pkg/event"
	"github.com/coderelay/relay/pkg/runner"
)

// ContinuityResolver is the slice of the continuity store the prompt queue
// needs: forward resolution of a conversation key to an external session id,
// and recording of freshly observed external ids.
type ContinuityResolver interface {
	FindExternalID(ctx context.Context, internalID string) (string, bool)
	Upsert(ctx context.Context, externalID, projectPath, worktreeID string, source continuity.Source) (string, error)
}

// PromptMessage is one caller-submitted unit of conversational work.
type PromptMessage struct {
	Prompt      string
	FullPrompt  string
	Agent       runner.AgentType
	ProjectPath string

	// WorktreeID scopes continuity fallback. Derived from ProjectPath when
	// empty.
	WorktreeID string

	// ClientGroupID keys persisted continuity lookups across restarts.
	ClientGroupID string

	// ResumeExternalID is an explicit resume hint. Group matches outrank it.
	ResumeExternalID string
}

// QueuedPrompt tracks a prompt from submission through the mirrored state
// of the session it dispatched into.
type QueuedPrompt struct {
	ID                   string     `json:"id"`
	WorktreeID           string     `json:"worktreeId"`
	ClientGroupID        string     `json:"clientGroupId,omitempty"`
	Prompt               string     `json:"prompt"`
	Agent                string     `json:"agent"`
	ProjectPath          string     `json:"projectPath"`
	State                State      `json:"state"`
	SessionID            string     `json:"sessionId,omitempty"`
	ExternalSessionID    string     `json:"externalSessionId,omitempty"`
	Activity             *string    `json:"activity,omitempty"`
	LastAssistantMessage string     `json:"lastAssistantMessage,omitempty"`
	Error                string     `json:"error,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	CompletedAt          *time.Time `json:"completedAt,omitempty"`

	fullPrompt  string
	resumeHint  string
	unsubscribe func()
}

// PromptQueueConfig holds prompt queue configuration.
type PromptQueueConfig struct {
	// MaxHistory bounds how many terminal prompts are retained.
	MaxHistory int

	Continuity ContinuityResolver
	Logger     zerolog.Logger
}

// PromptQueue layers conversational continuity on top of raw sessions. It
// is constructed in two phases: NewPromptQueue builds the queue, then Bind
// injects the orchestrator handle once the orchestrator exists, since
// dispatch calls back into the orchestrator's own Submit and Subscribe.
type PromptQueue struct {
	cfg    PromptQueueConfig
	logger zerolog.Logger

	mu       sync.Mutex
	orch     *Orchestrator
	prompts  []*QueuedPrompt
	onChange []func([]QueuedPrompt)
}

// NewPromptQueue creates an unbound prompt queue.
func NewPromptQueue(cfg PromptQueueConfig) *PromptQueue {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	return &PromptQueue{cfg: cfg, logger: cfg.Logger}
}

// Bind attaches the orchestrator and hooks prompt dispatch to its
// slot-freed notifications. Dispatch re-runs after the concurrency counter
// decrement; re-checking capacity only inside a completion subscriber sees
// the stale pre-decrement count and stalls the queue.
func (q *PromptQueue) Bind(orch *Orchestrator) {
	q.mu.Lock()
	q.orch = orch
	q.mu.Unlock()

	orch.OnSlotFree(q.DispatchNext)
}

// SubmitPrompt enqueues a prompt and attempts an immediate dispatch.
func (q *PromptQueue) SubmitPrompt(ctx context.Context, msg PromptMessage) (QueuedPrompt, error) {
	if msg.Prompt == "" {
		return QueuedPrompt{}, fmt.Errorf("prompt cannot be empty")
	}

	q.mu.Lock()
	if q.orch == nil {
		q.mu.Unlock()
		return QueuedPrompt{}, fmt.Errorf("prompt queue is not bound to an orchestrator")
	}
	q.mu.Unlock()

	id, err := gonanoid.New()
	if err != nil {
		return QueuedPrompt{}, fmt.Errorf("failed to generate prompt id: %w", err)
	}

	worktreeID := msg.WorktreeID
	if worktreeID == "" {
		worktreeID = continuity.WorktreeIDFromPath(msg.ProjectPath)
	}

	p := &QueuedPrompt{
		ID:            id,
		WorktreeID:    worktreeID,
		ClientGroupID: msg.ClientGroupID,
		Prompt:        msg.Prompt,
		Agent:         string(msg.Agent),
		ProjectPath:   msg.ProjectPath,
		State:         StateQueued,
		CreatedAt:     time.Now(),
		fullPrompt:    msg.FullPrompt,
		resumeHint:    msg.ResumeExternalID,
	}

	q.mu.Lock()
	q.prompts = append(q.prompts, p)
	snapshot := q.snapshotLocked("")
	q.mu.Unlock()

	q.logger.Info().Str("prompt_id", id).Str("worktree_id", worktreeID).Msg("Prompt queued")
	q.broadcast(snapshot)

	q.DispatchNext()
	return p.clone(), nil
}

// DispatchNext starts the oldest still-queued prompt if a session slot is
// free, then keeps going while capacity remains.
func (q *PromptQueue) DispatchNext() {
	for q.dispatchOne() {
	}
}

// dispatchOne attempts a single dispatch and reports whether one happened.
func (q *PromptQueue) dispatchOne() bool {
	q.mu.Lock()
	orch := q.orch
	if orch == nil || !q.hasQueuedLocked() {
		q.mu.Unlock()
		return false
	}
	q.mu.Unlock()

	if !orch.HasCapacity() {
		return false
	}

	q.mu.Lock()
	p := q.oldestQueuedLocked()
	if p == nil {
		q.mu.Unlock()
		return false
	}
	resume := q.resolveResumeLocked(p)
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := orch.Submit(ctx, Request{
		Prompt:           p.Prompt,
		FullPrompt:       p.fullPrompt,
		Agent:            runner.AgentType(p.Agent),
		ProjectPath:      p.ProjectPath,
		ResumeExternalID: resume,
		Immediate:        true,
	})
	if err != nil {
		now := time.Now()
		q.mu.Lock()
		p.State = StateFailed
		p.Error = err.Error()
		p.CompletedAt = &now
		snapshot := q.snapshotLocked("")
		q.mu.Unlock()

		q.logger.Error().Err(err).Str("prompt_id", p.ID).Msg("Failed to dispatch prompt")
		q.broadcast(snapshot)
		return true
	}

	unsubscribe := orch.Subscribe(result.SessionID, func(ev event.Event) {
		q.onSessionEvent(p.ID, ev)
	})

	q.mu.Lock()
	p.SessionID = result.SessionID
	p.State = StateRunning
	if resume != "" {
		p.ExternalSessionID = resume
	}
	p.unsubscribe = unsubscribe
	snapshot := q.snapshotLocked("")
	q.mu.Unlock()

	q.logger.Info().
		Str("prompt_id", p.ID).
		Str("session_id", result.SessionID).
		Bool("resumed", resume != "").
		Msg("Prompt dispatched")
	q.broadcast(snapshot)
	return true
}

// resolveResumeLocked picks the external session id to resume, with strict
// priority: persisted continuity mapping for the client group, then the
// latest sibling prompt in the same group that produced an external id,
// then the caller's explicit hint, then the latest prompt in the same
// worktree, then none. Caller holds the lock.
func (q *PromptQueue) resolveResumeLocked(p *QueuedPrompt) string {
	if p.ClientGroupID != "" && q.cfg.Continuity != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		externalID, ok := q.cfg.Continuity.FindExternalID(ctx, p.ClientGroupID)
		cancel()
		if ok {
			return externalID
		}
	}

	if p.ClientGroupID != "" {
		if id := q.latestExternalIDLocked(func(prior *QueuedPrompt) bool {
			return prior.ClientGroupID == p.ClientGroupID
		}); id != "" {
			return id
		}
	}

	if p.resumeHint != "" {
		return p.resumeHint
	}

	return q.latestExternalIDLocked(func(prior *QueuedPrompt) bool {
		return prior.WorktreeID == p.WorktreeID
	})
}

// latestExternalIDLocked returns the external id of the most recent prompt
// matching the predicate, skipping the ones that never produced one.
func (q *PromptQueue) latestExternalIDLocked(match func(*QueuedPrompt) bool) string {
	for i := len(q.prompts) - 1; i >= 0; i-- {
		prior := q.prompts[i]
		if prior.ExternalSessionID != "" && match(prior) {
			return prior.ExternalSessionID
		}
	}
	return ""
}

// onSessionEvent mirrors a session event onto the owning prompt.
func (q *PromptQueue) onSessionEvent(promptID string, ev event.Event) {
	q.mu.Lock()
	p := q.findLocked(promptID)
	if p == nil {
		q.mu.Unlock()
		return
	}

	switch ev.Type {
	case event.TypeSessionDetected:
		p.ExternalSessionID = ev.ExternalSessionID
	case event.TypeMessage:
		if ev.Role == "assistant" {
			p.LastAssistantMessage = ev.Content
		}
	case event.TypeActivity:
		if ev.Activity != nil {
			a := *ev.Activity
			p.Activity = &a
		} else {
			p.Activity = nil
		}
	case event.TypeError:
		p.Error = ev.Message
	case event.TypeCompleted:
		now := time.Now()
		p.CompletedAt = &now
		p.Activity = nil
		switch {
		case ev.Success:
			p.State = StateCompleted
		case ev.Error == "cancelled":
			p.State = StateCancelled
		default:
			p.State = StateFailed
			p.Error = ev.Error
		}
		if ev.LastAssistantMessage != "" {
			p.LastAssistantMessage = ev.LastAssistantMessage
		}
		if p.unsubscribe != nil {
			p.unsubscribe()
			p.unsubscribe = nil
		}
		q.trimHistoryLocked()
	}

	projectPath := p.ProjectPath
	worktreeID := p.WorktreeID
	snapshot := q.snapshotLocked("")
	q.mu.Unlock()

	if ev.Type == event.TypeSessionDetected && ev.ExternalSessionID != "" {
		q.recordMapping(ev.ExternalSessionID, projectPath, worktreeID)
	}

	q.broadcast(snapshot)

	if ev.Type == event.TypeCompleted {
		// The raw slot is released after this subscriber returns; the
		// slot-freed hook registered in Bind performs the authoritative
		// re-dispatch. This early attempt just shortens the gap when more
		// capacity already exists.
		q.DispatchNext()
	}
}

// recordMapping persists a freshly observed external id, best-effort.
// Continuity bookkeeping must never affect the session outcome.
func (q *PromptQueue) recordMapping(externalID, projectPath, worktreeID string) {
	if q.cfg.Continuity == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := q.cfg.Continuity.Upsert(ctx, externalID, projectPath, worktreeID, continuity.SourceSystem); err != nil {
		q.logger.Warn().Err(err).Str("external_id", externalID).Msg("Failed to persist continuity mapping")
	}
}

// GetPromptQueue returns ordered prompt snapshots, optionally scoped to one
// worktree.
func (q *PromptQueue) GetPromptQueue(worktreeID string) []QueuedPrompt {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked(worktreeID)
}

// OnChange registers a callback receiving a full queue snapshot after every
// mutation.
func (q *PromptQueue) OnChange(fn func([]QueuedPrompt)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onChange = append(q.onChange, fn)
}

// trimHistoryLocked drops the oldest terminal prompts beyond the retention
// bound. Non-terminal prompts are never dropped, even when they are
// chronologically oldest. Caller holds the lock.
func (q *PromptQueue) trimHistoryLocked() {
	terminal := 0
	for _, p := range q.prompts {
		if p.State.Terminal() {
			terminal++
		}
	}

	excess := terminal - q.cfg.MaxHistory
	if excess <= 0 {
		return
	}

	kept := q.prompts[:0]
	for _, p := range q.prompts {
		if excess > 0 && p.State.Terminal() {
			excess--
			continue
		}
		kept = append(kept, p)
	}
	q.prompts = kept
}

func (q *PromptQueue) hasQueuedLocked() bool {
	return q.oldestQueuedLocked() != nil
}

func (q *PromptQueue) oldestQueuedLocked() *QueuedPrompt {
	for _, p := range q.prompts {
		if p.State == StateQueued {
			return p
		}
	}
	return nil
}

func (q *PromptQueue) findLocked(id string) *QueuedPrompt {
	for _, p := range q.prompts {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (q *PromptQueue) snapshotLocked(worktreeID string) []QueuedPrompt {
	out := make([]QueuedPrompt, 0, len(q.prompts))
	for _, p := range q.prompts {
		if worktreeID != "" && p.WorktreeID != worktreeID {
			continue
		}
		out = append(out, p.clone())
	}
	return out
}

func (q *PromptQueue) broadcast(snapshot []QueuedPrompt) {
	q.mu.Lock()
	fns := append([]func([]QueuedPrompt){}, q.onChange...)
	q.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Warn().Interface("panic", r).Msg("Prompt queue listener panicked")
				}
			}()
			fn(snapshot)
		}()
	}
}

func (p *QueuedPrompt) clone() QueuedPrompt {
	out := *p
	out.unsubscribe = nil
	if p.Activity != nil {
		a := *p.Activity
		out.Activity = &a
	}
	return out
}
