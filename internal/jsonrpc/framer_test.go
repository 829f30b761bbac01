package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestFramer_NewlineDelimited(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"result":"a"}
{"jsonrpc":"2.0","id":2,"result":"b"}
`
	f := NewFramer(strings.NewReader(input), io.Discard)

	for i, want := range []string{"a", "b"} {
		frame, err := f.ReadFrame()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		var resp Response
		if err := json.Unmarshal(frame, &resp); err != nil {
			t.Fatalf("frame %d decode: %v", i, err)
		}
		var got string
		_ = json.Unmarshal(resp.Result, &got)
		if got != want {
			t.Errorf("frame %d result = %q, want %q", i, got, want)
		}
	}

	if _, err := f.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF after last frame, got %v", err)
	}
}

func TestFramer_ContentLength(t *testing.T) {
	body := `{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`
	input := fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)

	f := NewFramer(strings.NewReader(input), io.Discard)
	frame, err := f.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(frame) != body {
		t.Errorf("frame = %q, want %q", frame, body)
	}
}

func TestFramer_ContentLengthLargeBodies(t *testing.T) {
	// One response every 11 KB, several in a row, must decode frame-for-frame.
	payload := strings.Repeat("x", 11*1024)
	var buf bytes.Buffer
	const frames = 5
	for i := 0; i < frames; i++ {
		body := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%q}`, i, payload)
		fmt.Fprintf(&buf, "Content-Length: %d\r\n\r\n%s", len(body), body)
	}

	f := NewFramer(&buf, io.Discard)
	for i := 0; i < frames; i++ {
		frame, err := f.ReadFrame()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		var resp Response
		if err := json.Unmarshal(frame, &resp); err != nil {
			t.Fatalf("frame %d decode: %v", i, err)
		}
		if resp.ID == nil || *resp.ID != int64(i) {
			t.Errorf("frame %d id = %v, want %d", i, resp.ID, i)
		}
	}
}

func TestFramer_ContentLengthCaseInsensitive(t *testing.T) {
	body := `{"jsonrpc":"2.0","id":1,"result":null}`
	input := fmt.Sprintf("content-length: %d\r\nX-Extra: header\r\n\r\n%s", len(body), body)

	f := NewFramer(strings.NewReader(input), io.Discard)
	frame, err := f.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(frame) != body {
		t.Errorf("frame = %q, want %q", frame, body)
	}
}

func TestFramer_DiscardsGarbageLines(t *testing.T) {
	input := "starting up...\nsome log line\n{\"jsonrpc\":\"2.0\",\"id\":3,\"result\":1}\n"

	f := NewFramer(strings.NewReader(input), io.Discard)
	frame, err := f.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID == nil || *resp.ID != 3 {
		t.Errorf("id = %v, want 3", resp.ID)
	}
}

func TestFramer_FrameWithoutTrailingNewline(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":9,"result":"tail"}`

	f := NewFramer(strings.NewReader(input), io.Discard)
	frame, err := f.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(frame) != input {
		t.Errorf("frame = %q, want %q", frame, input)
	}
	if _, err := f.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestFramer_WriteFrame(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(strings.NewReader(""), &buf)

	req, err := NewRequest(1, "tools/list", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if err := f.WriteFrame(req); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	out := buf.String()
	if !strings.HasSuffix(out, "\n") {
		t.Errorf("frame missing trailing newline: %q", out)
	}
	var back Request
	if err := json.Unmarshal([]byte(out), &back); err != nil {
		t.Fatalf("decode written frame: %v", err)
	}
	if back.Method != "tools/list" || back.ID == nil || *back.ID != 1 {
		t.Errorf("round trip mismatch: %+v", back)
	}
}

func TestNewNotification_NoID(t *testing.T) {
	n, err := NewNotification("notifications/initialized", nil)
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	data, _ := json.Marshal(n)
	if strings.Contains(string(data), `"id"`) {
		t.Errorf("notification must not carry an id: %s", data)
	}
}
