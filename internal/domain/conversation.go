package domain

import "time"

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is a single exchange entry in a conversation window.
type Turn struct {
	Role         string        `json:"role"`
	Content      string        `json:"content"`
	Timestamp    time.Time     `json:"timestamp"`
	ResponseTime time.Duration `json:"response_time,omitempty"`
}
