package models

import "time"

// Role identifies who produced a message.
type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// Label is the name shown next to a message in the views.
func (r Role) Label() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleBot:
		return "Bot"
	default:
		return string(r)
	}
}

// Message represents a single utterance in a conversation. Messages are
// created once and never mutated.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationState names the controller state machine positions.
type ConversationState string

const (
	StateUninitialized ConversationState = "uninitialized"
	StateReady         ConversationState = "ready"
	StateGenerating    ConversationState = "generating"
)

// Snapshot is an immutable copy of a conversation's state. Version increases
// with every change so views can drop stale updates.
type Snapshot struct {
	Version    uint64            `json:"version"`
	State      ConversationState `json:"state"`
	Messages   []Message         `json:"messages"`
	Input      string            `json:"input"`
	Generating bool              `json:"generating"`
	Error      string            `json:"error,omitempty"`
}

// MessageView is a message prepared for display.
type MessageView struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Label     string    `json:"label"`
	Text      string    `json:"text"`
	HTML      string    `json:"html"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatView is the payload the browser renders.
type ChatView struct {
	Version    uint64            `json:"version"`
	State      ConversationState `json:"state"`
	Messages   []MessageView     `json:"messages"`
	Input      string            `json:"input"`
	Generating bool              `json:"generating"`
	Error      string            `json:"error,omitempty"`
}

// SubmitRequest is the payload sent to the messages endpoint.
type SubmitRequest struct {
	Text string `json:"text"`
}

// SubmitResponse reports whether the text was dispatched. Whitespace-only
// input is not.
type SubmitResponse struct {
	Accepted bool `json:"accepted"`
}

// InputRequest replaces the pending input buffer.
type InputRequest struct {
	Text string `json:"text"`
}
