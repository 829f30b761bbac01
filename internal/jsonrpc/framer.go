package jsonrpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// Framer is a bidirectional frame codec over a byte stream.
//
// The reader accepts two framings transparently: newline-delimited JSON
// (first non-whitespace byte is '{') and LSP-style
// "Content-Length: N\r\n\r\n" headers followed by exactly N body bytes.
// Lines that are neither are discarded. The writer always emits
// newline-delimited JSON.
type Framer struct {
	r *bufio.Reader

	wmu sync.Mutex
	w   io.Writer
}

// NewFramer creates a framer reading from r and writing to w.
func NewFramer(r io.Reader, w io.Writer) *Framer {
	return &Framer{
		// Tool servers can emit large results; size the buffer generously.
		r: bufio.NewReaderSize(r, 1024*1024),
		w: w,
	}
}

// ReadFrame blocks until one complete frame is available and returns its raw
// bytes. It returns io.EOF when the stream ends with no buffered frame.
func (f *Framer) ReadFrame() ([]byte, error) {
	for {
		line, err := f.r.ReadString('\n')
		trimmed := strings.TrimSpace(line)

		if err != nil {
			// The stream may end without a trailing newline; a buffered
			// JSON line still counts as a frame.
			if trimmed != "" && trimmed[0] == '{' {
				return []byte(trimmed), nil
			}
			return nil, err
		}

		if trimmed == "" {
			continue
		}

		if trimmed[0] == '{' {
			return []byte(trimmed), nil
		}

		if n, ok := parseContentLength(trimmed); ok {
			if err := f.skipHeaders(); err != nil {
				return nil, err
			}
			body := make([]byte, n)
			if _, err := io.ReadFull(f.r, body); err != nil {
				return nil, fmt.Errorf("short content-length body: %w", err)
			}
			return body, nil
		}

		// Neither a JSON opener nor a Content-Length header: discard.
	}
}

// skipHeaders consumes header lines up to and including the blank separator.
func (f *Framer) skipHeaders() error {
	for {
		line, err := f.r.ReadString('\n')
		if err != nil {
			return err
		}
		if strings.TrimSpace(line) == "" {
			return nil
		}
	}
}

// WriteFrame marshals v and writes it as one newline-delimited frame.
// Writes are serialized so concurrent callers never interleave frames.
func (f *Framer) WriteFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	f.wmu.Lock()
	defer f.wmu.Unlock()

	if _, err := f.w.Write(data); err != nil {
		return err
	}
	_, err = f.w.Write([]byte{'\n'})
	return err
}

// parseContentLength reports the byte count of a "Content-Length: N" header.
func parseContentLength(line string) (int, bool) {
	const prefix = "content-length:"
	if len(line) < len(prefix) || !strings.EqualFold(line[:len(prefix)], prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(line[len(prefix):]))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
