package domain

import (
	"encoding/json"
	"time"
)

// StoredMessage is one inbound frame recorded for a session.
type StoredMessage struct {
	SessionID  string          `json:"session_id"`
	Seq        int64           `json:"seq"`
	Type       string          `json:"type"`
	Method     string          `json:"method,omitempty"`
	Raw        json.RawMessage `json:"raw"`
	ReceivedAt time.Time       `json:"received_at"`
}
