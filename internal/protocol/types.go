// Package protocol defines the wire shapes shared by the event stream
// client, the tool dispatcher and the HTTP surface.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
)

// ToolFunction identifies the requested tool and its raw arguments.
// Arguments arrive either as a JSON object or as a JSON-encoded string.
type ToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolCall wraps the function call inside an event.
type ToolCall struct {
	Function ToolFunction `json:"function"`
}

// Event is a single tool-call event delivered by the upstream.
type Event struct {
	ID         string    `json:"id"`
	CreateTime time.Time `json:"create_time"`
	CallbackID string    `json:"callback_id,omitempty"`
	ToolCall   ToolCall  `json:"tool_call"`
}

// ResultError carries a tool failure inside a result frame.
type ResultError struct {
	Message string `json:"message"`
}

// ToolRef names the tool a result belongs to.
type ToolRef struct {
	Name string `json:"name"`
}

// Result is the per-event outcome record. A populated Error is still a
// protocol success: cursors advance and callbacks are posted.
type Result struct {
	EventID    string         `json:"event_id"`
	CreateTime time.Time      `json:"create_time"`
	Tool       ToolRef        `json:"tool"`
	Args       map[string]any `json:"args"`
	Result     any            `json:"result"`
	Error      *ResultError   `json:"error"`
	Timestamp  time.Time      `json:"timestamp"`
}

// ControlLine is a non-result frame on a push-streaming response: either
// a ping heartbeat or a gcs_sync stats report.
type ControlLine struct {
	Type string `json:"type"`

	ScannedRemote int `json:"scanned_remote,omitempty"`
	Downloaded    int `json:"downloaded,omitempty"`
	Uploaded      int `json:"uploaded,omitempty"`
	Conflicts     int `json:"conflicts,omitempty"`
}

// Ping returns a heartbeat control line.
func Ping() ControlLine {
	return ControlLine{Type: "ping"}
}

// DecodeArguments normalizes tool_call arguments into a map, accepting
// either an object or a JSON string. A string that is not parseable JSON
// is run through jsonrepair before giving up.
func DecodeArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return map[string]any{}, nil
	}

	if trimmed[0] == '{' {
		var args map[string]any
		if err := json.Unmarshal(trimmed, &args); err != nil {
			return nil, fmt.Errorf("decode arguments object: %w", err)
		}
		return args, nil
	}

	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, fmt.Errorf("decode arguments string: %w", err)
		}
		return decodeArgumentsString(inner)
	}

	return nil, fmt.Errorf("arguments must be an object or a JSON string")
}

func decodeArgumentsString(inner string) (map[string]any, error) {
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(inner), &args); err == nil {
		return args, nil
	}

	// Model-produced argument strings are frequently almost-JSON; try to
	// repair before rejecting.
	repaired, repairErr := jsonrepair.JSONRepair(inner)
	if repairErr != nil {
		return nil, fmt.Errorf("arguments string is not valid JSON")
	}
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, fmt.Errorf("arguments string is not valid JSON")
	}
	return args, nil
}
