package mcp

import (
	"encoding/json"
	"strings"
)

// maxRawResultBytes caps how much of an unrecognized result is inlined.
const maxRawResultBytes = 10 * 1024

// normalizeResult flattens a tools/call result into a single text payload.
// Text parts are joined with newlines; binary parts are replaced with
// placeholders so raw bytes never reach the model.
func normalizeResult(raw json.RawMessage) *ToolResult {
	var result callToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return &ToolResult{Content: truncateRaw(raw), IsError: false}
	}

	if len(result.Content) == 0 {
		return &ToolResult{Content: truncateRaw(raw), IsError: result.IsError}
	}

	parts := make([]string, 0, len(result.Content))
	for _, part := range result.Content {
		switch part.Type {
		case "text":
			parts = append(parts, part.Text)
		case "image":
			parts = append(parts, "[Image returned: "+part.MimeType+"]")
		case "resource":
			uri := ""
			if part.Resource != nil {
				uri = part.Resource.URI
			}
			parts = append(parts, "[Resource: "+uri+"]")
		default:
			if part.Text != "" {
				parts = append(parts, part.Text)
			}
		}
	}

	return &ToolResult{Content: strings.Join(parts, "\n"), IsError: result.IsError}
}

// truncateRaw serializes an arbitrary result, capped at 10 KiB.
func truncateRaw(raw json.RawMessage) string {
	s := string(raw)
	if len(s) > maxRawResultBytes {
		return s[:maxRawResultBytes] + "[...truncated]"
	}
	return s
}
