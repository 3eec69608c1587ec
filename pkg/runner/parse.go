package runner

import (
	"encoding/json"
	"strings"

	"github.com/coderelay/relay/pkg/event"
)

// parsedLine is one protocol line normalized into a canonical event. Delta
// marks message content that is an append-only fragment rather than a full
// snapshot.
type parsedLine struct {
	ev    event.Event
	delta bool
}

// parseCodexLine parses one newline-delimited JSON record from the codex
// subprocess. The payloads are untyped and multi-shaped, so every field is
// read defensively; anything unrecognized or malformed is dropped without
// error.
func parseCodexLine(line []byte) (parsedLine, bool) {
	var raw map[string]interface{}
	if err := json.Unmarshal(line, &raw); err != nil {
		return parsedLine{}, false
	}

	switch str(raw, "type") {
	case "thread.started":
		if id := firstStr(raw, "thread_id", "session_id", "id"); id != "" {
			return parsedLine{ev: event.SessionDetected(id)}, true
		}
	case "session_meta":
		meta := firstObj(raw, "payload", "meta")
		if meta == nil {
			meta = raw
		}
		if id := firstStr(meta, "session_id", "id"); id != "" {
			return parsedLine{ev: event.SessionDetected(id)}, true
		}
	case "item.started":
		return parseItem(obj(raw, "item"), false)
	case "item.completed":
		return parseItem(obj(raw, "item"), true)
	case "item.delta":
		if text := deltaText(raw); text != "" {
			return parsedLine{ev: event.Message("assistant", text), delta: true}, true
		}
	case "event_msg":
		return parseEventMsg(obj(raw, "payload"))
	case "response_item":
		return parseResponseItem(obj(raw, "payload"))
	}

	return parsedLine{}, false
}

// parseItem maps an item record to a tool or message event depending on the
// nested item type.
func parseItem(item map[string]interface{}, completed bool) (parsedLine, bool) {
	if item == nil {
		return parsedLine{}, false
	}

	switch str(item, "type") {
	case "command_execution", "local_shell_call":
		name := "shell"
		if completed {
			output := firstStr(item, "aggregated_output", "output")
			return parsedLine{ev: event.ToolResult(name, output, str(item, "status") == "failed")}, true
		}
		input := map[string]interface{}{}
		if cmd := firstStr(item, "command", "cmd"); cmd != "" {
			input["command"] = cmd
		}
		return parsedLine{ev: event.ToolCall(name, input)}, true

	case "mcp_tool_call", "tool_call", "web_search":
		name := firstStr(item, "tool", "name", "server")
		if name == "" {
			name = str(item, "type")
		}
		if completed {
			return parsedLine{ev: event.ToolResult(name, firstStr(item, "output", "result"), str(item, "status") == "failed")}, true
		}
		return parsedLine{ev: event.ToolCall(name, obj(item, "arguments"))}, true

	case "agent_message", "assistant_message":
		if !completed {
			return parsedLine{}, false
		}
		if text := firstStr(item, "text", "message", "content"); text != "" {
			return parsedLine{ev: event.Message("assistant", text)}, true
		}

	case "reasoning":
		if !completed {
			return parsedLine{ev: event.Activity("thinking")}, true
		}
		return parsedLine{ev: event.Activity("")}, true
	}

	return parsedLine{}, false
}

// parseEventMsg maps the legacy event_msg wrapper.
func parseEventMsg(payload map[string]interface{}) (parsedLine, bool) {
	if payload == nil {
		return parsedLine{}, false
	}

	switch str(payload, "type") {
	case "session_configured":
		if id := str(payload, "session_id"); id != "" {
			return parsedLine{ev: event.SessionDetected(id)}, true
		}
	case "agent_message":
		if text := firstStr(payload, "message", "text"); text != "" {
			return parsedLine{ev: event.Message("assistant", text)}, true
		}
	case "agent_message_delta":
		if text := firstStr(payload, "delta", "text"); text != "" {
			return parsedLine{ev: event.Message("assistant", text), delta: true}, true
		}
	case "task_started":
		return parsedLine{ev: event.Activity("working")}, true
	case "task_complete":
		return parsedLine{ev: event.Activity("")}, true
	case "agent_reasoning":
		return parsedLine{ev: event.Activity("thinking")}, true
	case "error":
		if msg := str(payload, "message"); msg != "" {
			return parsedLine{ev: event.Error(msg)}, true
		}
	}

	return parsedLine{}, false
}

// parseResponseItem maps raw response items (messages and function calls).
func parseResponseItem(payload map[string]interface{}) (parsedLine, bool) {
	if payload == nil {
		return parsedLine{}, false
	}

	switch str(payload, "type") {
	case "message":
		if str(payload, "role") != "assistant" {
			return parsedLine{}, false
		}
		if text := contentText(payload); text != "" {
			return parsedLine{ev: event.Message("assistant", text)}, true
		}
	case "function_call":
		name := str(payload, "name")
		if name == "" {
			return parsedLine{}, false
		}
		input := map[string]interface{}{}
		if args := str(payload, "arguments"); args != "" {
			// Arguments arrive as a JSON string; keep them opaque on failure.
			if err := json.Unmarshal([]byte(args), &input); err != nil {
				input = map[string]interface{}{"raw": args}
			}
		}
		return parsedLine{ev: event.ToolCall(name, input)}, true
	case "function_call_output":
		return parsedLine{ev: event.ToolResult(str(payload, "name"), firstStr(payload, "output", "result"), false)}, true
	}

	return parsedLine{}, false
}

// deltaText pulls the text fragment out of an item.delta record.
func deltaText(raw map[string]interface{}) string {
	if delta := obj(raw, "delta"); delta != nil {
		return firstStr(delta, "text", "delta")
	}
	return firstStr(raw, "text")
}

// contentText flattens a message content array into plain text.
func contentText(payload map[string]interface{}) string {
	items, ok := payload["content"].([]interface{})
	if !ok {
		return firstStr(payload, "content", "text")
	}

	var sb strings.Builder
	for _, item := range items {
		part, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		sb.WriteString(str(part, "text"))
	}
	return sb.String()
}

func str(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func firstStr(m map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s := str(m, key); s != "" {
			return s
		}
	}
	return ""
}

func obj(m map[string]interface{}, key string) map[string]interface{} {
	o, _ := m[key].(map[string]interface{})
	return o
}

func firstObj(m map[string]interface{}, keys ...string) map[string]interface{} {
	for _, key := range keys {
		if o := obj(m, key); o != nil {
			return o
		}
	}
	return nil
}
