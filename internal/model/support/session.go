package support

import (
	"errors"
	"strings"
	"time"
)

// Customer holds the identity attributes captured when a session starts.
type Customer struct {
	Email      string `json:"customer_email"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	ExternalID string `json:"shopify_customer_id"`
}

// DisplayName joins first and last name.
func (c Customer) DisplayName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// Validate checks that every attribute needed by the stages is present.
func (c Customer) Validate() error {
	switch {
	case !strings.Contains(c.Email, "@"):
		return errors.New("customer_email must be a valid address")
	case strings.TrimSpace(c.FirstName) == "":
		return errors.New("first_name is required")
	case strings.TrimSpace(c.LastName) == "":
		return errors.New("last_name is required")
	case strings.TrimSpace(c.ExternalID) == "":
		return errors.New("shopify_customer_id is required")
	}
	return nil
}

// Session is the durable conversation owned by the session state machine.
// Escalated only ever moves from false to true.
type Session struct {
	ID          string     `json:"session_id"`
	Customer    Customer   `json:"customer"`
	Escalated   bool       `json:"escalated"`
	EscalatedAt *time.Time `json:"escalated_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
