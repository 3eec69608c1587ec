// Package event defines the canonical agent event model. Every external
// agent protocol is normalized into these events before anything else in
// the engine sees it.
package event

// Type discriminates the event union. It is serialized as the "type" field.
type Type string

const (
	TypeSessionDetected Type = "session_detected"
	TypeMessage         Type = "message"
	TypeToolCall        Type = "tool_call"
	TypeToolResult      Type = "tool_result"
	TypeError           Type = "error"
	TypeActivity        Type = "activity"
	TypeCompleted       Type = "completed"
)

// Event is a tagged union over all canonical agent events. Only the fields
// belonging to the tagged variant are populated; the rest stay zero and are
// omitted from the wire form.
type Event struct {
	Type Type `json:"type"`

	// session_detected
	ExternalSessionID string `json:"externalSessionId,omitempty"`

	// message
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// tool_call / tool_result
	ToolName string                 `json:"toolName,omitempty"`
	Input    map[string]interface{} `json:"input,omitempty"`
	Output   string                 `json:"output,omitempty"`
	IsError  bool                   `json:"isError,omitempty"`

	// error
	Message string `json:"message,omitempty"`

	// activity; nil clears the current activity label
	Activity *string `json:"activity,omitempty"`

	// completed
	Success              bool   `json:"success,omitempty"`
	Error                string `json:"error,omitempty"`
	LastAssistantMessage string `json:"lastAssistantMessage,omitempty"`
}

// SessionDetected reports an external session id discovered mid-stream.
func SessionDetected(externalID string) Event {
	return Event{Type: TypeSessionDetected, ExternalSessionID: externalID}
}

// Message reports an assistant or user message snapshot.
func Message(role, content string) Event {
	return Event{Type: TypeMessage, Role: role, Content: content}
}

// ToolCall reports a tool invocation started by the agent.
func ToolCall(name string, input map[string]interface{}) Event {
	return Event{Type: TypeToolCall, ToolName: name, Input: input}
}

// ToolResult reports the outcome of a tool invocation.
func ToolResult(name, output string, isError bool) Event {
	return Event{Type: TypeToolResult, ToolName: name, Output: output, IsError: isError}
}

// Error reports a non-fatal execution error.
func Error(message string) Event {
	return Event{Type: TypeError, Message: message}
}

// Activity reports the agent's current activity label. An empty label
// clears it.
func Activity(label string) Event {
	ev := Event{Type: TypeActivity}
	if label != "" {
		ev.Activity = &label
	}
	return ev
}

// Completed is the terminal event of every execution.
func Completed(success bool, errText, lastAssistantMessage string) Event {
	return Event{
		Type:                 TypeCompleted,
		Success:              success,
		Error:                errText,
		LastAssistantMessage: lastAssistantMessage,
	}
}

// Terminal reports whether the event ends its stream.
func (e Event) Terminal() bool {
	return e.Type == TypeCompleted
}
