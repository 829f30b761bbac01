package llm

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/lanternlabs/lantern/internal/logger"
	"github.com/lanternlabs/lantern/internal/metrics"
)

// blockState tracks one open content block by index.
type blockState struct {
	kind      string // text, thinking, tool_use
	toolID    string
	toolName  string
	toolInput strings.Builder
}

// sseParser turns raw SSE lines into typed stream events. A frame is
// complete when an empty line arrives with buffered data, when a new
// "event:" line arrives with buffered data (previous frame flushes first),
// or when the byte stream ends with a buffered frame.
type sseParser struct {
	emit func(Event)

	eventName string
	data      string
	blocks    map[int]*blockState
	stopped   bool
}

func newSSEParser(emit func(Event)) *sseParser {
	return &sseParser{emit: emit, blocks: make(map[int]*blockState)}
}

// run consumes the stream until EOF or a terminating error event.
func (p *sseParser) run(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for scanner.Scan() {
		p.line(scanner.Text())
		if p.stopped {
			return nil
		}
	}
	p.flush()
	return scanner.Err()
}

// line feeds one SSE line into the state machine.
func (p *sseParser) line(line string) {
	switch {
	case line == "":
		p.flush()
	case strings.HasPrefix(line, "event:"):
		if p.data != "" {
			p.flush()
		}
		p.eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
	case strings.HasPrefix(line, "data:"):
		p.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	}
}

// flush completes the buffered frame, if any.
func (p *sseParser) flush() {
	if p.data == "" {
		p.eventName = ""
		return
	}
	data := p.data
	p.data = ""
	p.eventName = ""

	var payload ssePayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		// One bad event is dropped; the stream continues.
		logger.Warn("sse payload decode failed", "error", err)
		return
	}
	p.handle(&payload)
}

func (p *sseParser) handle(payload *ssePayload) {
	metrics.RecordSSEEvent(payload.Type)

	switch payload.Type {
	case "message_start", "message_delta", "ping":
		// Ignored.

	case "content_block_start":
		if payload.ContentBlock == nil {
			return
		}
		block := &blockState{kind: payload.ContentBlock.Type}
		p.blocks[payload.Index] = block
		switch block.kind {
		case "text":
			p.emit(Event{Type: EventTextStart})
		case "thinking":
			p.emit(Event{Type: EventThinkingStart})
		case "tool_use":
			block.toolID = payload.ContentBlock.ID
			block.toolName = payload.ContentBlock.Name
			p.emit(Event{Type: EventToolUseStart, ToolID: block.toolID, ToolName: block.toolName})
		}

	case "content_block_delta":
		block := p.blocks[payload.Index]
		if block == nil || payload.Delta == nil {
			return
		}
		switch payload.Delta.Type {
		case "text_delta":
			p.emit(Event{Type: EventTextDelta, Text: payload.Delta.Text})
		case "thinking_delta":
			p.emit(Event{Type: EventThinkingDelta, Text: payload.Delta.Thinking})
		case "input_json_delta":
			block.toolInput.WriteString(payload.Delta.PartialJSON)
			p.emit(Event{Type: EventToolUseInputDelta, Text: payload.Delta.PartialJSON})
		}

	case "content_block_stop":
		block := p.blocks[payload.Index]
		if block == nil {
			return
		}
		delete(p.blocks, payload.Index)
		switch block.kind {
		case "text":
			p.emit(Event{Type: EventTextDone})
		case "thinking":
			p.emit(Event{Type: EventThinkingDone})
		case "tool_use":
			input := block.toolInput.String()
			if input == "" {
				input = "{}"
			}
			p.emit(Event{
				Type:      EventToolUseDone,
				ToolID:    block.toolID,
				ToolName:  block.toolName,
				ToolInput: json.RawMessage(input),
			})
		}

	case "message_stop":
		p.emit(Event{Type: EventMessageComplete})

	case "error":
		msg := "stream error"
		if payload.Error != nil && payload.Error.Message != "" {
			msg = payload.Error.Message
		}
		p.emit(Event{Type: EventError, Err: msg})
		p.stopped = true
	}
}
