package toolclient

import (
	"encoding/json"
	"strconv"
)

const protocolVersion = "2024-11-05"

// rpcRequest is an outbound JSON-RPC 2.0 message. A nil ID marks a
// notification.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcResponse is an inbound JSON-RPC 2.0 message.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return "rpc error " + strconv.Itoa(e.Code) + ": " + e.Message
}

// responseID decodes a numeric id. Responses to anything but our own numeric
// requests (server-initiated requests, notifications) report ok=false.
func (r *rpcResponse) responseID() (int64, bool) {
	if len(r.ID) == 0 || r.Method != "" {
		return 0, false
	}
	var id int64
	if err := json.Unmarshal(r.ID, &id); err != nil {
		return 0, false
	}
	return id, true
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      clientInfo     `json:"serverInfo"`
}

// ToolDefinition is a capability advertised in a tools/list response.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolsCallResult struct {
	Content []contentItem `json:"content"`
	IsError bool          `json:"isError"`
}

// noOutput is returned when a tool responds with no content at all.
const noOutput = `{"error": "No output from tool"}`
