// Package store provides durable session persistence for the support desk.
package store

import (
	"context"
	"errors"

	"github.com/zhouzirui/support-desk/backend/internal/model/support"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrAlreadyEscalated = errors.New("session already escalated")
)

// Store defines the persistence operations the session state machine relies on.
type Store interface {
	// CreateSession persists a new, non-escalated session.
	CreateSession(ctx context.Context, customer support.Customer) (support.Session, error)

	// LoadSession returns nil, nil when the session does not exist.
	LoadSession(ctx context.Context, sessionID string) (*support.Session, error)

	// IsEscalated reads the escalation flag straight from storage.
	IsEscalated(ctx context.Context, sessionID string) (bool, error)

	// Messages returns the transcript in append order.
	Messages(ctx context.Context, sessionID string) ([]support.Message, error)

	// ToolCalls returns every recorded invocation in order.
	ToolCalls(ctx context.Context, sessionID string) ([]support.ToolCall, error)

	// Escalation returns nil, nil when the session was never escalated.
	Escalation(ctx context.Context, sessionID string) (*support.Escalation, error)

	// RecordToolCall stores a write-once tool invocation record.
	RecordToolCall(ctx context.Context, call support.ToolCall) (support.ToolCall, error)

	// AppendMessages appends all messages or none. It refuses escalated sessions.
	AppendMessages(ctx context.Context, sessionID string, messages ...support.Message) ([]support.Message, error)

	// Escalate flips the flag, writes the escalation record and appends the
	// messages in one atomic step. ErrAlreadyEscalated is returned when the flag
	// was already set; nothing is written in that case.
	Escalate(ctx context.Context, escalation support.Escalation, messages ...support.Message) (support.Escalation, error)

	// Ping verifies the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}
