package support

import "time"

// Escalation is created at most once per session, together with the flag flip.
type Escalation struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
	Summary   string    `json:"summary_for_team"`
	Stage     string    `json:"stage"`
	Customer  Customer  `json:"customer"`
	CreatedAt time.Time `json:"created_at"`
}

// Trace is the read-only view of a session.
type Trace struct {
	Session    Session     `json:"session"`
	Messages   []Message   `json:"messages"`
	ToolCalls  []ToolCall  `json:"tool_calls"`
	Escalation *Escalation `json:"escalation,omitempty"`
	Escalated  bool        `json:"escalated"`
}
