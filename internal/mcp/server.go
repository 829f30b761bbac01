package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lanternlabs/lantern/internal/jsonrpc"
	"github.com/lanternlabs/lantern/internal/logger"
)

const (
	// Cold starts (npx downloads, interpreter startup) need generous room.
	initializeTimeout = 60 * time.Second
	listToolsTimeout  = 10 * time.Second
	callToolTimeout   = 60 * time.Second
)

// Server is one supervised MCP child process. It is safe for any number of
// in-process callers; outbound requests carry monotonically increasing ids
// and a pending table matches responses back to their awaiters.
type Server struct {
	name   string
	cmd    *exec.Cmd
	framer *jsonrpc.Framer
	tools  []Tool

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan *jsonrpc.Response

	done chan struct{} // closed when the child exits
	wg   sync.WaitGroup
}

// StartServer launches the configured command, performs the MCP handshake,
// and discovers the server's tools. The caller owns the returned server's
// lifecycle and must Stop it.
func StartServer(ctx context.Context, name string, cfg ServerConfig) (*Server, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}

	s := &Server{
		name:    name,
		cmd:     cmd,
		framer:  jsonrpc.NewFramer(stdout, stdin),
		pending: make(map[int64]chan *jsonrpc.Response),
		done:    make(chan struct{}),
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.drainStderr(stderr)

	// The Wait call also closes the pipes once the child is gone.
	go func() {
		err := cmd.Wait()
		if err != nil {
			logger.Warn("mcp server exited", "server", name, "error", err)
		} else {
			logger.Info("mcp server exited", "server", name)
		}
		s.terminate()
	}()

	if err := s.initialize(ctx); err != nil {
		s.Stop()
		return nil, err
	}

	if err := s.discoverTools(ctx); err != nil {
		s.Stop()
		return nil, err
	}

	logger.Info("mcp server ready", "server", name, "tools", len(s.tools))
	return s, nil
}

// Name returns the configured server name.
func (s *Server) Name() string { return s.name }

// Tools returns the tools discovered at startup.
func (s *Server) Tools() []Tool { return s.tools }

// initialize performs the MCP handshake: an initialize request followed by
// the fire-and-forget notifications/initialized.
func (s *Server) initialize(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: "lantern", Version: "1.0.0"},
	}
	if _, err := s.call(ctx, "initialize", params, initializeTimeout); err != nil {
		return fmt.Errorf("initialize %s: %w", s.name, err)
	}

	notif, err := jsonrpc.NewNotification("notifications/initialized", nil)
	if err != nil {
		return err
	}
	return s.framer.WriteFrame(notif)
}

// discoverTools issues tools/list and records the catalog.
func (s *Server) discoverTools(ctx context.Context) error {
	result, err := s.call(ctx, "tools/list", nil, listToolsTimeout)
	if err != nil {
		return fmt.Errorf("tools/list %s: %w", s.name, err)
	}

	var listed listToolsResult
	if err := json.Unmarshal(result, &listed); err != nil {
		return fmt.Errorf("tools/list %s: decode: %w", s.name, err)
	}

	s.tools = make([]Tool, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		s.tools = append(s.tools, Tool{
			Server:      s.name,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return nil
}

// CallTool invokes a tool on this server. Call-time failures (timeouts,
// crashes, JSON-RPC errors) are folded into an error ToolResult so the chat
// engine never sees a thrown tool failure.
func (s *Server) CallTool(ctx context.Context, name string, arguments map[string]any) *ToolResult {
	if arguments == nil {
		arguments = map[string]any{}
	}
	result, err := s.call(ctx, "tools/call", callToolParams{Name: name, Arguments: arguments}, callToolTimeout)
	if err != nil {
		return &ToolResult{Content: "Error: " + err.Error(), IsError: true}
	}
	return normalizeResult(result)
}

// call sends one request and awaits its response within timeout. On timeout
// the awaiter is removed; the request itself is abandoned.
func (s *Server) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := s.nextID.Add(1)
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan *jsonrpc.Response, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.framer.WriteFrame(req); err != nil {
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("%s error %d: %s", method, resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s after %s: %w", method, timeout, ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrServerCrashed
	}
}

// readLoop decodes frames off the child's stdout and resolves awaiters.
// Decode failures and unknown ids are logged and dropped; the stream is
// never torn down for a bad frame.
func (s *Server) readLoop() {
	defer s.wg.Done()

	for {
		frame, err := s.framer.ReadFrame()
		if err != nil {
			if err != io.EOF {
				logger.Warn("mcp read failed", "server", s.name, "error", err)
			}
			return
		}

		var resp jsonrpc.Response
		if err := json.Unmarshal(frame, &resp); err != nil {
			logger.Warn("mcp frame decode failed", "server", s.name, "error", err)
			continue
		}

		if resp.ID == nil {
			// Server-initiated notification; nothing awaits it.
			continue
		}

		s.mu.Lock()
		ch, ok := s.pending[*resp.ID]
		if ok {
			delete(s.pending, *resp.ID)
		}
		s.mu.Unlock()

		if !ok {
			logger.Warn("mcp response for unknown id", "server", s.name, "id", *resp.ID)
			continue
		}
		ch <- &resp
	}
}

// drainStderr forwards the child's stderr to the log.
func (s *Server) drainStderr(stderr io.Reader) {
	defer s.wg.Done()

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			logger.Debug("mcp stderr", "server", s.name, "line", line)
		}
	}
}

// terminate marks the server dead and fails every pending caller.
func (s *Server) terminate() {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
	}
	close(s.done)
	// Awaiters observe the closed done channel and fail with ErrServerCrashed;
	// dropping the table prevents late frames from resolving anything.
	s.pending = make(map[int64]chan *jsonrpc.Response)
	s.mu.Unlock()
}

// Stop kills the child process and waits for the reader goroutines.
func (s *Server) Stop() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.terminate()
	s.wg.Wait()
}
