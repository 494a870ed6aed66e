package support

import (
	"encoding/json"
	"time"
)

// Envelope is the uniform result shape every tool invocation is normalised to.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Succeed wraps data in a successful envelope. Values that fail to marshal
// produce a failed envelope instead.
func Succeed(data any) Envelope {
	if raw, ok := data.(json.RawMessage); ok {
		return Envelope{Success: true, Data: raw}.Normalize()
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Fail("encode tool result: " + err.Error())
	}
	return Envelope{Success: true, Data: raw}.Normalize()
}

// Fail builds a failed envelope.
func Fail(message string) Envelope {
	return Envelope{Success: false, Error: message}.Normalize()
}

// Normalize guarantees that exactly one of Data or Error carries the outcome.
func (e Envelope) Normalize() Envelope {
	if e.Success {
		e.Error = ""
		if len(e.Data) == 0 || string(e.Data) == "null" {
			e.Data = json.RawMessage(`{}`)
		}
		return e
	}
	e.Data = nil
	if e.Error == "" {
		e.Error = "tool failed"
	}
	return e
}

// JSON renders the envelope as the tool message content fed back to the model.
func (e Envelope) JSON() string {
	raw, err := json.Marshal(e.Normalize())
	if err != nil {
		return `{"success":false,"error":"unencodable tool result"}`
	}
	return string(raw)
}

// ToolCall is a write-once record of one tool invocation within a stage.
type ToolCall struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Stage     string          `json:"stage"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Result    Envelope        `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
}
