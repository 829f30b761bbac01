// Package llm streams chat completions from an Anthropic-style messages
// endpoint, translating server-sent events into typed stream events.
package llm

import "encoding/json"

// EventType identifies one streaming event.
type EventType string

const (
	EventThinkingStart     EventType = "thinking_start"
	EventThinkingDelta     EventType = "thinking_delta"
	EventThinkingDone      EventType = "thinking_done"
	EventTextStart         EventType = "text_start"
	EventTextDelta         EventType = "text_delta"
	EventTextDone          EventType = "text_done"
	EventToolUseStart      EventType = "tool_use_start"
	EventToolUseInputDelta EventType = "tool_use_input_delta"
	EventToolUseDone       EventType = "tool_use_done"
	EventMessageComplete   EventType = "message_complete"
	EventError             EventType = "error"
)

// Event is one element of the ordered stream a turn produces. Block
// start/stop events are well nested per content-block index.
type Event struct {
	Type      EventType
	Text      string // delta payload for text/thinking/input deltas
	ToolID    string
	ToolName  string
	ToolInput json.RawMessage // accumulated input, set on EventToolUseDone
	Err       string          // set on EventError
}

// ContentBlock is one typed block inside an API message.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// APIMessage is one message in the upstream request body.
type APIMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// request is the POST body for a streaming chat turn.
type request struct {
	Model     string         `json:"model"`
	MaxTokens int            `json:"max_tokens"`
	Messages  []APIMessage   `json:"messages"`
	System    string         `json:"system,omitempty"`
	Stream    bool           `json:"stream"`
	Tools     []ToolDef      `json:"tools,omitempty"`
	Thinking  *thinkingParam `json:"thinking,omitempty"`
}

type thinkingParam struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

// ssePayload is the decoded data line of one SSE frame.
type ssePayload struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`

	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
