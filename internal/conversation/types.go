// Package conversation persists chat transcripts and prepares them for the
// upstream messages API.
package conversation

import (
	"strings"
	"time"
)

// Role tags one message in a transcript.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleThinking   Role = "thinking"
	RoleToolUse    Role = "tool_use"
	RoleToolResult Role = "tool_result"
)

// Metadata keys used on tool messages.
const (
	MetaToolID   = "toolId"
	MetaToolName = "toolName"
	MetaIsError  = "isError"
)

// Message is one role-tagged transcript record. Tool messages carry their
// linkage in Metadata: toolId, toolName, and isError.
type Message struct {
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Conversation is an ordered message log persisted by id.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created"`
	Messages  []Message `json:"messages"`
}

// maxTitleLen caps auto-derived conversation titles.
const maxTitleLen = 50

// DeriveTitle builds a title from the first user message prefix.
func DeriveTitle(content string) string {
	title := strings.TrimSpace(content)
	if len(title) > maxTitleLen {
		title = strings.TrimSpace(title[:maxTitleLen])
	}
	return title
}

// LastMessageTime returns the timestamp of the newest message, or the
// creation time for an empty conversation.
func (c *Conversation) LastMessageTime() time.Time {
	if len(c.Messages) == 0 {
		return c.CreatedAt
	}
	return c.Messages[len(c.Messages)-1].Timestamp
}

// Append adds a message and derives the title from the first user message
// when none is set.
func (c *Conversation) Append(msg Message) {
	if c.Title == "" && msg.Role == RoleUser {
		c.Title = DeriveTitle(msg.Content)
	}
	c.Messages = append(c.Messages, msg)
}

// toolID returns the message's toolId metadata, if any.
func (m *Message) toolID() string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[MetaToolID]
}

// isToolMessage reports whether the message is part of a tool exchange.
func (m *Message) isToolMessage() bool {
	return m.Role == RoleToolUse || m.Role == RoleToolResult
}
