package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/lanternlabs/lantern/internal/jsonrpc"
)

// fakeChild wires a Server to in-memory pipes standing in for a child
// process's stdio.
type fakeChild struct {
	srv      *Server
	requests *bufio.Scanner // frames the server wrote to "stdin"
	stdout   io.Writer      // where the fake child writes responses
}

func newFakeChild(t *testing.T) *fakeChild {
	t.Helper()

	stdoutR, stdoutW := io.Pipe() // child stdout -> server reader
	stdinR, stdinW := io.Pipe()   // server writer -> child stdin

	s := &Server{
		name:    "fake",
		framer:  jsonrpc.NewFramer(stdoutR, stdinW),
		pending: make(map[int64]chan *jsonrpc.Response),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop()

	t.Cleanup(func() {
		stdoutW.Close()
		stdinR.Close()
		s.terminate()
	})

	sc := bufio.NewScanner(stdinR)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	return &fakeChild{srv: s, requests: sc, stdout: stdoutW}
}

func (f *fakeChild) nextRequest(t *testing.T) jsonrpc.Request {
	t.Helper()
	if !f.requests.Scan() {
		t.Fatalf("no request frame: %v", f.requests.Err())
	}
	var req jsonrpc.Request
	if err := json.Unmarshal(f.requests.Bytes(), &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	return req
}

func (f *fakeChild) respond(t *testing.T, id int64, result string) {
	t.Helper()
	frame := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`+"\n", id, result)
	if _, err := io.WriteString(f.stdout, frame); err != nil {
		t.Fatalf("write response: %v", err)
	}
}

func TestServer_RequestResponseMultiplexing(t *testing.T) {
	child := newFakeChild(t)

	type outcome struct {
		result json.RawMessage
		err    error
	}
	results := make(chan outcome, 2)

	call := func(method string) {
		raw, err := child.srv.call(context.Background(), method, nil, time.Second)
		results <- outcome{raw, err}
	}
	go call("first")
	go call("second")

	reqA := child.nextRequest(t)
	reqB := child.nextRequest(t)

	// Respond out of order; ids must route each reply to its awaiter.
	child.respond(t, *reqB.ID, `"for-b"`)
	child.respond(t, *reqA.ID, `"for-a"`)

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		o := <-results
		if o.err != nil {
			t.Fatalf("call error: %v", o.err)
		}
		var s string
		_ = json.Unmarshal(o.result, &s)
		got[s] = true
	}
	if !got["for-a"] || !got["for-b"] {
		t.Errorf("results misrouted: %v", got)
	}
}

func TestServer_MonotonicIDs(t *testing.T) {
	child := newFakeChild(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			_, _ = child.srv.call(context.Background(), "m", nil, time.Second)
		}
	}()

	var last int64
	for i := 0; i < 3; i++ {
		req := child.nextRequest(t)
		if *req.ID <= last {
			t.Errorf("ids not monotonically increasing: %d after %d", *req.ID, last)
		}
		last = *req.ID
		child.respond(t, *req.ID, "null")
	}
	<-done
}

func TestServer_TimeoutAbandonsRequest(t *testing.T) {
	child := newFakeChild(t)

	// The fake child consumes the request off stdin but never answers it;
	// without a reader the unbuffered pipe would block the write forever.
	go child.requests.Scan()

	_, err := child.srv.call(context.Background(), "slow", nil, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	// Table must be empty; the eventual reply is dropped as an unknown id.
	child.srv.mu.Lock()
	n := len(child.srv.pending)
	child.srv.mu.Unlock()
	if n != 0 {
		t.Errorf("pending table has %d entries after timeout", n)
	}
}

func TestServer_CrashFailsPendingCallers(t *testing.T) {
	child := newFakeChild(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := child.srv.call(context.Background(), "m", nil, 5*time.Second)
		errCh <- err
	}()
	child.nextRequest(t)

	child.srv.terminate()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrServerCrashed) {
			t.Errorf("err = %v, want ErrServerCrashed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending caller not failed on crash")
	}
}

func TestServer_JSONRPCErrorBecomesCallError(t *testing.T) {
	child := newFakeChild(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := child.srv.call(context.Background(), "m", nil, time.Second)
		errCh <- err
	}()
	req := child.nextRequest(t)
	frame := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"method not found"}}`+"\n", *req.ID)
	io.WriteString(child.stdout, frame)

	err := <-errCh
	if err == nil || !contains(err.Error(), "method not found") {
		t.Errorf("err = %v, want method-not-found", err)
	}
}

func TestServer_CallToolFoldsFailuresIntoResult(t *testing.T) {
	child := newFakeChild(t)

	resCh := make(chan *ToolResult, 1)
	go func() {
		resCh <- child.srv.CallTool(context.Background(), "broken", map[string]any{"a": "b"})
	}()
	req := child.nextRequest(t)
	if req.Method != "tools/call" {
		t.Errorf("method = %q, want tools/call", req.Method)
	}
	frame := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32000,"message":"exploded"}}`+"\n", *req.ID)
	io.WriteString(child.stdout, frame)

	result := <-resCh
	if !result.IsError {
		t.Error("expected error result")
	}
	if !contains(result.Content, "exploded") {
		t.Errorf("content = %q", result.Content)
	}
}

func TestServer_UnknownIDDropped(t *testing.T) {
	child := newFakeChild(t)

	// A reply nobody asked for must be ignored without breaking the loop.
	child.respond(t, 999, `"stray"`)

	resCh := make(chan json.RawMessage, 1)
	go func() {
		raw, err := child.srv.call(context.Background(), "m", nil, time.Second)
		if err != nil {
			t.Errorf("call after stray frame: %v", err)
		}
		resCh <- raw
	}()
	req := child.nextRequest(t)
	child.respond(t, *req.ID, `"real"`)

	var s string
	_ = json.Unmarshal(<-resCh, &s)
	if s != "real" {
		t.Errorf("result = %q, want real", s)
	}
}

func contains(s, sub string) bool { return strings.Contains(s, sub) }
