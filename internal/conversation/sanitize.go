package conversation

import (
	"encoding/json"

	"github.com/lanternlabs/lantern/internal/llm"
)

// interruptedToolResult is the content of a synthetic repair tool_result.
const interruptedToolResult = "Error: tool call was interrupted (client disconnected or timeout)"

// Repair pairs every dangling tool_use with a synthetic error tool_result,
// inserted after the last tool_use of its run and before the next non-tool
// message. Repair is idempotent.
func Repair(msgs []Message) []Message {
	resultIDs := make(map[string]bool)
	for i := range msgs {
		if msgs[i].Role == RoleToolResult {
			resultIDs[msgs[i].toolID()] = true
		}
	}

	out := make([]Message, 0, len(msgs))
	var orphans []Message

	flush := func() {
		out = append(out, orphans...)
		orphans = nil
	}

	for i := range msgs {
		msg := msgs[i]
		if !msg.isToolMessage() {
			flush()
			out = append(out, msg)
			continue
		}

		out = append(out, msg)
		if msg.Role == RoleToolUse && !resultIDs[msg.toolID()] {
			orphans = append(orphans, Message{
				Role:      RoleToolResult,
				Content:   interruptedToolResult,
				Timestamp: msg.Timestamp,
				Metadata: map[string]string{
					MetaToolID:   msg.toolID(),
					MetaToolName: msg.Metadata[MetaToolName],
					MetaIsError:  "true",
				},
			})
		}
	}
	flush()
	return out
}

// ToAPIMessages converts a repaired transcript into the upstream message
// list. Consecutive messages mapping to the same API role coalesce into one
// message with multiple content blocks, preserving block order: user and
// tool_result map to role "user"; assistant, thinking, and tool_use map to
// role "assistant".
func ToAPIMessages(msgs []Message) []llm.APIMessage {
	var out []llm.APIMessage

	appendBlock := func(role string, block llm.ContentBlock) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, block)
			return
		}
		out = append(out, llm.APIMessage{Role: role, Content: []llm.ContentBlock{block}})
	}

	for i := range msgs {
		msg := msgs[i]
		switch msg.Role {
		case RoleUser:
			appendBlock("user", llm.ContentBlock{Type: "text", Text: msg.Content})
		case RoleAssistant:
			appendBlock("assistant", llm.ContentBlock{Type: "text", Text: msg.Content})
		case RoleThinking:
			appendBlock("assistant", llm.ContentBlock{Type: "thinking", Thinking: msg.Content})
		case RoleToolUse:
			appendBlock("assistant", llm.ContentBlock{
				Type:  "tool_use",
				ID:    msg.toolID(),
				Name:  msg.Metadata[MetaToolName],
				Input: toolInput(msg.Content),
			})
		case RoleToolResult:
			appendBlock("user", llm.ContentBlock{
				Type:      "tool_result",
				ToolUseID: msg.toolID(),
				Content:   msg.Content,
				IsError:   msg.Metadata[MetaIsError] == "true",
			})
		}
	}
	return out
}

// Sanitize produces the API message list for a transcript: repair first,
// then coalesce. An empty transcript sanitizes to an empty list.
func Sanitize(msgs []Message) []llm.APIMessage {
	return ToAPIMessages(Repair(msgs))
}

// toolInput parses a stored tool input, falling back to an empty object.
func toolInput(content string) json.RawMessage {
	if json.Valid([]byte(content)) && content != "" {
		return json.RawMessage(content)
	}
	return json.RawMessage("{}")
}
