// Package types defines the shared types used across all toolrouter packages.
//
// These types form the lingua franca between providers, the pipeline stages,
// and the session layer. Each package defines its own domain types; only
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// IsValid reports whether r is one of the recognised roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message represents a single message in a conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role Role `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content"`

	// Timestamp is when the message was appended to the conversation.
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage returns a message stamped with the current time.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content, Timestamp: time.Now()}
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsStructuredOutput indicates the backend can enforce a JSON Schema
	// on the completion natively.
	SupportsStructuredOutput bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}
