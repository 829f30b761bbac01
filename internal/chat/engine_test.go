package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/lanternlabs/lantern/internal/conversation"
	"github.com/lanternlabs/lantern/internal/events"
	"github.com/lanternlabs/lantern/internal/llm"
	"github.com/lanternlabs/lantern/internal/mcp"
	"github.com/lanternlabs/lantern/internal/ws"
)

// fakeStreamer replays scripted event sequences, one per Stream call.
// When the scripts run out it repeats the last one.
type fakeStreamer struct {
	mu      sync.Mutex
	scripts [][]llm.Event
	calls   int
	lastMsg []llm.APIMessage
	hasKey  bool
	err     error
}

func (f *fakeStreamer) HasAPIKey() bool { return f.hasKey }

func (f *fakeStreamer) Stream(_ context.Context, messages []llm.APIMessage, _ string, _ []llm.ToolDef) (<-chan llm.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	idx := f.calls
	if idx >= len(f.scripts) {
		idx = len(f.scripts) - 1
	}
	f.calls++
	f.lastMsg = messages

	ch := make(chan llm.Event, len(f.scripts[idx]))
	for _, ev := range f.scripts[idx] {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeStreamer) streamCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	args    []map[string]any
	result  *mcp.ToolResult
	callErr error
}

func (f *fakeRunner) ToolDefinitions() []mcp.Tool {
	return []mcp.Tool{{Server: "fs", Name: "read_file", Description: "reads"}}
}

func (f *fakeRunner) CallTool(_ context.Context, name string, arguments map[string]any) (*mcp.ToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	f.args = append(f.args, arguments)
	if f.callErr != nil {
		return nil, f.callErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &mcp.ToolResult{Content: "file contents"}, nil
}

type sink struct {
	mu   sync.Mutex
	envs []ws.Envelope
}

func (s *sink) add(env ws.Envelope) {
	s.mu.Lock()
	s.envs = append(s.envs, env)
	s.mu.Unlock()
}

func (s *sink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.envs))
	for i, env := range s.envs {
		out[i] = env.Type
	}
	return out
}

func (s *sink) first(envType string) (ws.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, env := range s.envs {
		if env.Type == envType {
			return env, true
		}
	}
	return ws.Envelope{}, false
}

func textScript(text string) []llm.Event {
	return []llm.Event{
		{Type: llm.EventTextStart},
		{Type: llm.EventTextDelta, Text: text[:1]},
		{Type: llm.EventTextDelta, Text: text[1:]},
		{Type: llm.EventTextDone},
		{Type: llm.EventMessageComplete},
	}
}

func toolScript(id, name, input string) []llm.Event {
	return []llm.Event{
		{Type: llm.EventToolUseStart, ToolID: id, ToolName: name},
		{Type: llm.EventToolUseDone, ToolID: id, ToolName: name, ToolInput: json.RawMessage(input)},
		{Type: llm.EventMessageComplete},
	}
}

func newTestEngine(t *testing.T, streamer *fakeStreamer, runner *fakeRunner) (*Engine, *conversation.Store, *sink, *events.Bus) {
	t.Helper()
	store, err := conversation.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	bus := events.NewBus()
	out := &sink{}
	engine := NewEngine(store, streamer, runner, bus, out.add, "be helpful")
	return engine, store, out, bus
}

func newConv(t *testing.T, store *conversation.Store) string {
	t.Helper()
	conv, err := store.New()
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return conv.ID
}

func TestEngine_TextTurn(t *testing.T) {
	streamer := &fakeStreamer{hasKey: true, scripts: [][]llm.Event{textScript("Hi")}}
	engine, store, out, _ := newTestEngine(t, streamer, &fakeRunner{})
	id := newConv(t, store)

	if err := engine.HandleUserMessage(context.Background(), id, "hello"); err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}

	types := strings.Join(out.types(), ",")
	for _, want := range []string{ws.TypeAssistantChunk, ws.TypeAssistantDone} {
		if !strings.Contains(types, want) {
			t.Errorf("missing %s in %s", want, types)
		}
	}
	done, _ := out.first(ws.TypeAssistantDone)
	if done.Content != "Hi" || done.ConversationID != id {
		t.Errorf("assistant_done = %+v", done)
	}

	conv, err := store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("messages = %+v", conv.Messages)
	}
	if conv.Messages[1].Role != conversation.RoleAssistant || conv.Messages[1].Content != "Hi" {
		t.Errorf("assistant message = %+v", conv.Messages[1])
	}
	if streamer.streamCalls() != 1 {
		t.Errorf("stream calls = %d, want 1", streamer.streamCalls())
	}
}

func TestEngine_ToolLoop(t *testing.T) {
	streamer := &fakeStreamer{hasKey: true, scripts: [][]llm.Event{
		toolScript("t1", "read_file", `{"path":"/tmp/a"}`),
		textScript("ok"),
	}}
	runner := &fakeRunner{}
	engine, store, out, _ := newTestEngine(t, streamer, runner)
	id := newConv(t, store)

	if err := engine.HandleUserMessage(context.Background(), id, "read it"); err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}

	if streamer.streamCalls() != 2 {
		t.Errorf("stream calls = %d, want 2", streamer.streamCalls())
	}
	runner.mu.Lock()
	if len(runner.calls) != 1 || runner.calls[0] != "read_file" {
		t.Errorf("tool calls = %v", runner.calls)
	}
	if runner.args[0]["path"] != "/tmp/a" {
		t.Errorf("args = %v", runner.args[0])
	}
	runner.mu.Unlock()

	start, ok := out.first(ws.TypeToolCallStart)
	if !ok || start.Metadata["toolName"] != "read_file" {
		t.Errorf("tool_call_start = %+v", start)
	}
	doneEnv, ok := out.first(ws.TypeToolCallDone)
	if !ok || doneEnv.Content != "file contents" || doneEnv.Metadata["isError"] != false {
		t.Errorf("tool_call_done = %+v", doneEnv)
	}

	conv, _ := store.Get(id)
	roles := make([]conversation.Role, len(conv.Messages))
	for i, m := range conv.Messages {
		roles[i] = m.Role
	}
	want := []conversation.Role{
		conversation.RoleUser,
		conversation.RoleToolUse,
		conversation.RoleToolResult,
		conversation.RoleAssistant,
	}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v", roles)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Errorf("role %d = %s, want %s", i, roles[i], want[i])
		}
	}
}

func TestEngine_ToolErrorFoldedAndLoopContinues(t *testing.T) {
	streamer := &fakeStreamer{hasKey: true, scripts: [][]llm.Event{
		toolScript("t1", "read_file", `{}`),
		textScript("recovered"),
	}}
	runner := &fakeRunner{callErr: errors.New("tool not found")}
	engine, store, out, _ := newTestEngine(t, streamer, runner)
	id := newConv(t, store)

	if err := engine.HandleUserMessage(context.Background(), id, "go"); err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}

	doneEnv, ok := out.first(ws.TypeToolCallDone)
	if !ok || doneEnv.Metadata["isError"] != true {
		t.Errorf("tool_call_done = %+v", doneEnv)
	}
	if !strings.HasPrefix(doneEnv.Content, "Error:") {
		t.Errorf("content = %q", doneEnv.Content)
	}

	conv, _ := store.Get(id)
	var result *conversation.Message
	for i := range conv.Messages {
		if conv.Messages[i].Role == conversation.RoleToolResult {
			result = &conv.Messages[i]
		}
	}
	if result == nil || result.Metadata[conversation.MetaIsError] != "true" {
		t.Errorf("tool_result = %+v", result)
	}
	if streamer.streamCalls() != 2 {
		t.Errorf("stream calls = %d, want 2 (loop continues after tool error)", streamer.streamCalls())
	}
}

func TestEngine_StreamErrorEndsTurn(t *testing.T) {
	streamer := &fakeStreamer{hasKey: true, scripts: [][]llm.Event{
		{{Type: llm.EventError, Err: "overloaded"}},
	}}
	engine, store, out, _ := newTestEngine(t, streamer, &fakeRunner{})
	id := newConv(t, store)

	if err := engine.HandleUserMessage(context.Background(), id, "hi"); err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}

	errEnv, ok := out.first(ws.TypeError)
	if !ok || !strings.Contains(errEnv.Content, "overloaded") {
		t.Errorf("error envelope = %+v", errEnv)
	}
	if streamer.streamCalls() != 1 {
		t.Errorf("stream calls = %d, want 1 (no re-entry after stream error)", streamer.streamCalls())
	}
}

func TestEngine_TurnCap(t *testing.T) {
	// A model that never stops calling tools hits the hard cap.
	streamer := &fakeStreamer{hasKey: true, scripts: [][]llm.Event{
		toolScript("t1", "read_file", `{}`),
	}}
	engine, store, _, _ := newTestEngine(t, streamer, &fakeRunner{})
	id := newConv(t, store)

	if err := engine.HandleUserMessage(context.Background(), id, "loop forever"); err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}
	if streamer.streamCalls() != maxTurns {
		t.Errorf("stream calls = %d, want %d", streamer.streamCalls(), maxTurns)
	}
}

func TestEngine_NoAPIKey(t *testing.T) {
	streamer := &fakeStreamer{hasKey: false}
	engine, store, out, _ := newTestEngine(t, streamer, &fakeRunner{})
	id := newConv(t, store)

	err := engine.HandleUserMessage(context.Background(), id, "hi")
	if !errors.Is(err, llm.ErrNoAPIKey) {
		t.Fatalf("err = %v, want ErrNoAPIKey", err)
	}
	if _, ok := out.first(ws.TypeError); !ok {
		t.Error("no error envelope broadcast")
	}
	if streamer.streamCalls() != 0 {
		t.Errorf("stream calls = %d, want 0", streamer.streamCalls())
	}
}

func TestEngine_UnknownConversation(t *testing.T) {
	streamer := &fakeStreamer{hasKey: true, scripts: [][]llm.Event{textScript("hi")}}
	engine, _, out, _ := newTestEngine(t, streamer, &fakeRunner{})

	err := engine.HandleUserMessage(context.Background(), "missing", "hi")
	if !errors.Is(err, conversation.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, ok := out.first(ws.TypeError); !ok {
		t.Error("no error envelope broadcast")
	}
}

func TestEngine_PublishesToolCalledEvent(t *testing.T) {
	streamer := &fakeStreamer{hasKey: true, scripts: [][]llm.Event{
		toolScript("t1", "read_file", `{"path":"/tmp/a"}`),
		textScript("ok"),
	}}
	engine, store, _, bus := newTestEngine(t, streamer, &fakeRunner{})
	id := newConv(t, store)

	var published []events.Event
	bus.Subscribe("chat", "tool_called", func(ev events.Event) {
		published = append(published, ev)
	})

	if err := engine.HandleUserMessage(context.Background(), id, "read"); err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}

	if len(published) != 1 {
		t.Fatalf("published = %+v", published)
	}
	if published[0].Payload["toolName"] != "read_file" || published[0].Payload["conversationId"] != id {
		t.Errorf("payload = %+v", published[0].Payload)
	}
}

func TestEngine_SanitizedHistorySentToModel(t *testing.T) {
	streamer := &fakeStreamer{hasKey: true, scripts: [][]llm.Event{
		toolScript("t1", "read_file", `{}`),
		textScript("ok"),
	}}
	engine, store, _, _ := newTestEngine(t, streamer, &fakeRunner{})
	id := newConv(t, store)

	if err := engine.HandleUserMessage(context.Background(), id, "go"); err != nil {
		t.Fatal(err)
	}

	// The second stream call must include the tool exchange, coalesced into
	// assistant (tool_use) and user (tool_result) API messages.
	streamer.mu.Lock()
	defer streamer.mu.Unlock()
	var sawToolUse, sawToolResult bool
	for _, msg := range streamer.lastMsg {
		for _, block := range msg.Content {
			switch block.Type {
			case "tool_use":
				sawToolUse = msg.Role == "assistant"
			case "tool_result":
				sawToolResult = msg.Role == "user"
			}
		}
	}
	if !sawToolUse || !sawToolResult {
		t.Errorf("history missing tool blocks: %+v", streamer.lastMsg)
	}
}
