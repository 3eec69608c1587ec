package orchestrator

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrQueueFull       = errors.New("session queue is full")
	ErrSessionNotFound = errors.New("session not found")
)

// State is a session's lifecycle state. Terminal states are absorbing.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is absorbing.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Session is one orchestrator-tracked execution of a prompt against an
// external agent. Mutated only by its executing task and by Cancel, always
// under the orchestrator lock.
type Session struct {
	ID          string    `json:"id"`
	State       State     `json:"state"`
	Prompt      string    `json:"prompt"`
	FullPrompt  string    `json:"fullPrompt,omitempty"`
	ProjectPath string    `json:"projectPath,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	LastAssistantMessage string  `json:"lastAssistantMessage,omitempty"`
	Activity             *string `json:"activity,omitempty"`
	Error                string  `json:"error,omitempty"`

	// ExternalSessionID is the current external id; ExternalIDs holds every
	// id ever seen for this session.
	ExternalSessionID string   `json:"externalSessionId,omitempty"`
	ExternalIDs       []string `json:"externalIds,omitempty"`
}

// snapshot returns a copy safe to hand to callers.
func (s *Session) snapshot() Session {
	cp := *s
	if s.Activity != nil {
		a := *s.Activity
		cp.Activity = &a
	}
	cp.ExternalIDs = append([]string(nil), s.ExternalIDs...)
	return cp
}

// addExternalID records an external id, keeping the seen-set deduplicated.
func (s *Session) addExternalID(id string) {
	s.ExternalSessionID = id
	for _, seen := range s.ExternalIDs {
		if seen == id {
			return
		}
	}
	s.ExternalIDs = append(s.ExternalIDs, id)
}
