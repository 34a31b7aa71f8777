package checkpoint

import "time"

// Message roles follow the chat-completions convention.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn entry. Messages are append-only within a
// conversation; ordering is the sole consistency guarantee.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationState is the durable per-thread snapshot. One in-flight
// pipeline invocation owns it exclusively for its thread.
type ConversationState struct {
	ThreadID  string    `json:"thread_id"`
	Messages  []Message `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Append returns the state with msg added, keeping append-only order.
func (s *ConversationState) Append(role, content string, at time.Time) {
	s.Messages = append(s.Messages, Message{Role: role, Content: content, Timestamp: at})
	s.UpdatedAt = at
}
