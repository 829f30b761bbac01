// Package jsonrpc implements the JSON-RPC 2.0 frame codec used to talk to
// MCP tool servers over stdio.
package jsonrpc

import "encoding/json"

// Version is the JSON-RPC protocol version carried in every frame.
const Version = "2.0"

// Request is an outbound JSON-RPC request. A nil ID marks a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is an inbound JSON-RPC response. Frames without an ID (server
// notifications) decode with a nil ID and are not matched to a caller.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewRequest builds a request with marshaled params. Params may be nil.
func NewRequest(id int64, method string, params any) (*Request, error) {
	req := &Request{JSONRPC: Version, ID: &id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = raw
	}
	return req, nil
}

// NewNotification builds a request without an ID. No response is expected.
func NewNotification(method string, params any) (*Request, error) {
	req := &Request{JSONRPC: Version, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = raw
	}
	return req, nil
}
