package pipeline

import (
	"github.com/zhouzirui/support-desk/backend/internal/model/support"
)

// EventType names a progress event emitted while a message is processed.
type EventType string

const (
	EventStageStarted   EventType = "stage_started"
	EventToolCalled     EventType = "tool_called"
	EventStageCompleted EventType = "stage_completed"
)

// Event reports pipeline progress. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType         `json:"type"`
	SessionID string            `json:"session_id"`
	Stage     string            `json:"stage"`
	ToolCall  *support.ToolCall `json:"tool_call,omitempty"`
	Outcome   string            `json:"outcome,omitempty"`
	Category  Category          `json:"category,omitempty"`
	Verdict   Verdict           `json:"verdict,omitempty"`
}

// Observer receives events synchronously on the processing goroutine.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

func emit(o Observer, e Event) {
	if o != nil {
		o.OnEvent(e)
	}
}
