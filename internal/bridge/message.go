// ABOUTME: Wire protocol types for the line-delimited JSON-RPC conversation with tool servers.
// ABOUTME: One JSON object per line over the worker's stdio, UTF-8, newline-terminated.

package bridge

import "encoding/json"

const jsonRPCVersion = "2.0"

// protocolVersion is sent in the initialize handshake's params.
const protocolVersion = "1.0"

// Method names understood by tool servers.
const (
	methodInitialize = "initialize"
	methodListTools  = "tools/list"
	methodCallTool   = "tools/call"
	methodPing       = "ping"

	// methodToolStream is the notification a worker may emit while a
	// tools/call is in flight, carrying a partial result chunk.
	methodToolStream = "tools/stream"
)

// Message is a single protocol message. A message with an ID and no method is
// a response; a method and no ID is a notification; both is a request, which
// only this side ever sends.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  map[string]any  `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsResponse reports whether the message correlates to a request we sent.
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == ""
}

// IsNotification reports whether the message is a fire-and-forget event.
func (m *Message) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// RPCError is the error object carried by a failed response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Tool describes one callable operation exposed by a tool server, as returned
// by tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// toolListResult is the result shape of a tools/list response.
type toolListResult struct {
	Tools []Tool `json:"tools"`
}
