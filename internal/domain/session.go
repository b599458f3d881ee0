// Package domain contains the persisted records of the session gateway.
package domain

import (
	"time"
)

// Session is the durable view of one ACP session.
type Session struct {
	ID            string    `json:"id"`
	Owner         string    `json:"owner"`
	AgentType     string    `json:"agent_type,omitempty"`
	State         string    `json:"state"`
	RetryCount    int       `json:"retry_count"`
	LastErrorCode string    `json:"last_error_code,omitempty"`
	URL           string    `json:"url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IsIdle reports whether the session is parked in a state where nothing is
// happening on the wire.
func (s *Session) IsIdle() bool {
	return s.State == "disconnected" || s.State == "error"
}

// IdleFor returns how long the session has been idle as of now.
// Returns 0 if the session is active.
func (s *Session) IdleFor(now time.Time) time.Duration {
	if !s.IsIdle() {
		return 0
	}
	d := now.Sub(s.UpdatedAt)
	if d < 0 {
		return 0
	}
	return d
}
