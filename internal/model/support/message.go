package support

import "time"

// Role identifies the author side of a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Senders recorded next to the role.
const (
	SenderCustomer = "customer"
	SenderAgent    = "agent"
)

// Message persists one transcript turn. The transcript is append-only.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// UserMessage builds an unsaved customer turn.
func UserMessage(sessionID, content string) Message {
	return Message{SessionID: sessionID, Role: RoleUser, Sender: SenderCustomer, Content: content}
}

// AssistantMessage builds an unsaved agent turn.
func AssistantMessage(sessionID, content string) Message {
	return Message{SessionID: sessionID, Role: RoleAssistant, Sender: SenderAgent, Content: content}
}
