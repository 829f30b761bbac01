// Package mcp supervises MCP tool-server child processes and routes tool
// calls to them over JSON-RPC 2.0 stdio.
package mcp

import (
	"encoding/json"
	"errors"
)

// protocolVersion is the MCP protocol revision sent during initialize.
const protocolVersion = "2024-11-05"

var (
	// ErrServerCrashed is returned to pending callers when the child exits.
	ErrServerCrashed = errors.New("mcp server crashed")
	// ErrTimeout is returned when a request's deadline elapses. The in-flight
	// request is abandoned; an eventual reply is dropped as an unknown id.
	ErrTimeout = errors.New("mcp request timed out")
	// ErrToolNotFound is returned when no active server owns the tool. It is
	// distinct from a tool that ran and reported an error.
	ErrToolNotFound = errors.New("tool not found")
)

// ServerConfig is one entry in the mcpServers config map.
type ServerConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
}

// Config is the daemon's MCP server configuration file.
type Config struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

// Tool is a named, schema-described callable owned by a server.
type Tool struct {
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolResult is the normalized outcome of a tool call.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"isError"`
}

// initializeParams is the body of the initialize request.
type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// listToolsResult is the wire shape of a tools/list response.
type listToolsResult struct {
	Tools []struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"inputSchema"`
	} `json:"tools"`
}

// callToolParams is the body of a tools/call request.
type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// callToolResult is the wire shape of a tools/call response.
type callToolResult struct {
	Content []contentPart `json:"content"`
	IsError bool          `json:"isError"`
}

// contentPart is one element of a tool result's content array.
type contentPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	MimeType string       `json:"mimeType,omitempty"`
	Resource *resourceRef `json:"resource,omitempty"`
}

type resourceRef struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
}
