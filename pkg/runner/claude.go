package runner

import (
	"context"
	"time"

	"github.com/coderelay/relay/pkg/event"
)

// ClaudeClient opens SDK-backed agent sessions. The vendor SDK itself is an
// external collaborator; this is the narrow surface the runner needs from it.
type ClaudeClient interface {
	NewSession(ctx context.Context, opts ClaudeSessionOptions) (ClaudeSession, error)
}

// ClaudeSessionOptions configures one SDK session.
type ClaudeSessionOptions struct {
	Prompt          string
	WorkDir         string
	ResumeSessionID string
	AllowedTools    []string
	ToolServers     map[string]interface{}
}

// ClaudeMessage is an assistant content update. Delta marks an append-only
// fragment; otherwise Content is a full snapshot.
type ClaudeMessage struct {
	Role    string
	Content string
	Delta   bool
}

// ClaudeToolCall is a tool invocation reported by the SDK.
type ClaudeToolCall struct {
	Name  string
	Input map[string]interface{}
}

// ClaudeToolResult is a finished tool invocation.
type ClaudeToolResult struct {
	Name    string
	Output  string
	IsError bool
}

// ClaudeState is the polled session state. The SDK has no turn-complete
// event, so AwaitingInput is sampled instead.
type ClaudeState struct {
	SessionID     string
	AwaitingInput bool
	Activity      string
}

// ClaudeSession is one live SDK session.
type ClaudeSession interface {
	OnMessage(func(ClaudeMessage))
	OnToolCall(func(ClaudeToolCall))
	OnToolResult(func(ClaudeToolResult))
	OnError(func(error))
	State() ClaudeState
	Close() error
	Kill() error
}

// claudeStrategy adapts the event-driven SDK surface: callbacks feed the
// canonical stream while a polling loop watches for the awaiting-input
// condition that marks the end of a turn.
type claudeStrategy struct {
	client ClaudeClient
	params Params
	poll   time.Duration

	sess ClaudeSession
}

func (s *claudeStrategy) run(ctx context.Context, ex *Execution) error {
	sess, err := s.client.NewSession(ctx, ClaudeSessionOptions{
		Prompt:          s.params.Prompt,
		WorkDir:         s.params.WorkDir,
		ResumeSessionID: s.params.ResumeExternalID,
		AllowedTools:    s.params.AllowedTools,
		ToolServers:     s.params.ToolServers,
	})
	if err != nil {
		return err
	}
	s.sess = sess
	defer sess.Close()

	errCh := make(chan error, 1)

	sess.OnMessage(func(m ClaudeMessage) {
		if m.Role == "" || m.Role == "assistant" {
			ex.pushAssistantText(m.Content, m.Delta)
		}
	})
	sess.OnToolCall(func(tc ClaudeToolCall) {
		ex.push(event.ToolCall(tc.Name, tc.Input))
	})
	sess.OnToolResult(func(tr ClaudeToolResult) {
		ex.push(event.ToolResult(tr.Name, tr.Output, tr.IsError))
	})
	sess.OnError(func(err error) {
		select {
		case errCh <- err:
		default:
		}
	})

	// A resumed session may already be awaiting input when we attach; only
	// a transition out of that condition and back marks a completed turn.
	// Otherwise resumed sessions would falsely complete immediately.
	sawBusy := s.params.ResumeExternalID == ""
	lastActivity := ""

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-ticker.C:
			st := sess.State()

			ex.pushSessionDetected(st.SessionID)

			if st.Activity != lastActivity {
				lastActivity = st.Activity
				ex.push(event.Activity(st.Activity))
			}

			if !st.AwaitingInput {
				sawBusy = true
				continue
			}
			if sawBusy {
				return nil
			}
		}
	}
}

func (s *claudeStrategy) stop(ctx context.Context) error {
	if s.sess == nil {
		return nil
	}
	return s.sess.Close()
}

func (s *claudeStrategy) kill() {
	if s.sess == nil {
		return
	}
	_ = s.sess.Kill()
}
