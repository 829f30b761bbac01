// Package chat drives LLM turns: streaming, tool dispatch, persistence,
// and client broadcast for one conversation at a time.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lanternlabs/lantern/internal/conversation"
	"github.com/lanternlabs/lantern/internal/events"
	"github.com/lanternlabs/lantern/internal/llm"
	"github.com/lanternlabs/lantern/internal/logger"
	"github.com/lanternlabs/lantern/internal/mcp"
	"github.com/lanternlabs/lantern/internal/metrics"
	"github.com/lanternlabs/lantern/internal/ws"
)

// maxTurns caps the stream/tool-call loop for one user message.
const maxTurns = 16

// Streamer opens one LLM streaming turn.
type Streamer interface {
	Stream(ctx context.Context, messages []llm.APIMessage, system string, tools []llm.ToolDef) (<-chan llm.Event, error)
	HasAPIKey() bool
}

// ToolRunner exposes the active tool catalog and dispatch.
type ToolRunner interface {
	ToolDefinitions() []mcp.Tool
	CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.ToolResult, error)
}

// Engine runs chat turns. Turns on the same conversation are serialized;
// different conversations proceed concurrently.
type Engine struct {
	store     *conversation.Store
	llm       Streamer
	tools     ToolRunner
	bus       *events.Bus
	broadcast func(ws.Envelope)
	system    string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine wires the engine. The system prompt is fixed at startup.
func NewEngine(store *conversation.Store, streamer Streamer, tools ToolRunner, bus *events.Bus, broadcast func(ws.Envelope), system string) *Engine {
	return &Engine{
		store:     store,
		llm:       streamer,
		tools:     tools,
		bus:       bus,
		broadcast: broadcast,
		system:    system,
		locks:     make(map[string]*sync.Mutex),
	}
}

// HandleUserMessage persists the inbound message and drives the turn loop
// to completion: stream, translate events, run tools, re-enter while the
// model keeps calling tools, up to the turn cap.
func (e *Engine) HandleUserMessage(ctx context.Context, conversationID, content string) error {
	lock := e.conversationLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	if !e.llm.HasAPIKey() {
		e.sendError(conversationID, "no api key configured")
		return llm.ErrNoAPIKey
	}

	conv, err := e.store.Get(conversationID)
	if err != nil {
		e.sendError(conversationID, fmt.Sprintf("load conversation: %v", err))
		return err
	}

	conv.Append(conversation.Message{
		Role:      conversation.RoleUser,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	if err := e.store.Save(conv); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}

	toolDefs := e.toolDefs()
	for turn := 0; turn < maxTurns; turn++ {
		stream, err := e.llm.Stream(ctx, conversation.Sanitize(conv.Messages), e.system, toolDefs)
		if err != nil {
			e.sendError(conversationID, err.Error())
			return err
		}

		toolsInvoked, err := e.consumeStream(ctx, conv, stream)
		if err != nil {
			// Stream-level failure already surfaced to the client; the
			// transcript stays consistent via repair on next load.
			return nil
		}
		if !toolsInvoked {
			break
		}
	}

	metrics.ChatTurns.Inc()
	return nil
}

// consumeStream translates one SSE stream into broadcasts and persisted
// messages. Returns whether any tool was invoked (the loop re-enters) and
// a non-nil error when the stream ended with a transport error.
func (e *Engine) consumeStream(ctx context.Context, conv *conversation.Conversation, stream <-chan llm.Event) (bool, error) {
	var textBuf, thinkingBuf strings.Builder
	toolsInvoked := false

	for ev := range stream {
		switch ev.Type {
		case llm.EventThinkingDelta:
			thinkingBuf.WriteString(ev.Text)
			e.send(conv.ID, ws.Envelope{Type: ws.TypeThinkingChunk, ConversationID: conv.ID, Content: ev.Text})

		case llm.EventThinkingDone:
			if thinkingBuf.Len() > 0 {
				e.persist(conv, conversation.Message{
					Role:      conversation.RoleThinking,
					Content:   thinkingBuf.String(),
					Timestamp: time.Now().UTC(),
				})
				thinkingBuf.Reset()
			}
			e.send(conv.ID, ws.Envelope{Type: ws.TypeThinkingDone, ConversationID: conv.ID})

		case llm.EventTextDelta:
			textBuf.WriteString(ev.Text)
			e.send(conv.ID, ws.Envelope{Type: ws.TypeAssistantChunk, ConversationID: conv.ID, Content: ev.Text})

		case llm.EventTextDone:
			text := textBuf.String()
			textBuf.Reset()
			e.persist(conv, conversation.Message{
				Role:      conversation.RoleAssistant,
				Content:   text,
				Timestamp: time.Now().UTC(),
			})
			e.send(conv.ID, ws.Envelope{Type: ws.TypeAssistantDone, ConversationID: conv.ID, Content: text})

		case llm.EventToolUseDone:
			e.runTool(ctx, conv, ev)
			toolsInvoked = true

		case llm.EventError:
			e.sendError(conv.ID, ev.Err)
			return toolsInvoked, fmt.Errorf("stream error: %s", ev.Err)
		}
	}
	return toolsInvoked, nil
}

// runTool persists the tool_use, dispatches the call, persists the
// tool_result, and publishes a tool_called event for workflow triggers.
func (e *Engine) runTool(ctx context.Context, conv *conversation.Conversation, ev llm.Event) {
	e.persist(conv, conversation.Message{
		Role:      conversation.RoleToolUse,
		Content:   string(ev.ToolInput),
		Timestamp: time.Now().UTC(),
		Metadata: map[string]string{
			conversation.MetaToolID:   ev.ToolID,
			conversation.MetaToolName: ev.ToolName,
		},
	})
	e.send(conv.ID, ws.Envelope{
		Type:           ws.TypeToolCallStart,
		ConversationID: conv.ID,
		Metadata:       map[string]any{"toolId": ev.ToolID, "toolName": ev.ToolName},
	})

	var args map[string]any
	if err := json.Unmarshal(ev.ToolInput, &args); err != nil {
		args = map[string]any{}
	}

	result, err := e.tools.CallTool(ctx, ev.ToolName, args)
	if err != nil {
		result = &mcp.ToolResult{Content: fmt.Sprintf("Error: %v", err), IsError: true}
	}

	e.persist(conv, conversation.Message{
		Role:      conversation.RoleToolResult,
		Content:   result.Content,
		Timestamp: time.Now().UTC(),
		Metadata: map[string]string{
			conversation.MetaToolID:   ev.ToolID,
			conversation.MetaToolName: ev.ToolName,
			conversation.MetaIsError:  fmt.Sprintf("%t", result.IsError),
		},
	})
	e.send(conv.ID, ws.Envelope{
		Type:           ws.TypeToolCallDone,
		ConversationID: conv.ID,
		Content:        result.Content,
		Metadata: map[string]any{
			"toolId":   ev.ToolID,
			"toolName": ev.ToolName,
			"isError":  result.IsError,
		},
	})

	e.bus.Publish(events.Event{
		Source: "chat",
		Type:   "tool_called",
		Payload: map[string]any{
			"toolName":       ev.ToolName,
			"conversationId": conv.ID,
			"isError":        result.IsError,
		},
	})
}

func (e *Engine) toolDefs() []llm.ToolDef {
	tools := e.tools.ToolDefinitions()
	defs := make([]llm.ToolDef, 0, len(tools))
	for _, tool := range tools {
		schema := tool.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		defs = append(defs, llm.ToolDef{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return defs
}

func (e *Engine) persist(conv *conversation.Conversation, msg conversation.Message) {
	conv.Append(msg)
	if err := e.store.Save(conv); err != nil {
		logger.Error("saving conversation failed", "conversation", conv.ID, "error", err)
	}
}

func (e *Engine) send(conversationID string, env ws.Envelope) {
	env.ConversationID = conversationID
	e.broadcast(env)
}

func (e *Engine) sendError(conversationID, msg string) {
	e.broadcast(ws.Envelope{
		Type:           ws.TypeError,
		ConversationID: conversationID,
		Content:        msg,
	})
}

// conversationLock returns the mutex serializing turns on one conversation.
func (e *Engine) conversationLock(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[id] = lock
	}
	return lock
}
