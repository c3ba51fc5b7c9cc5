// Package rpc owns one tool-server subprocess: spawn, newline-delimited JSON
// request/response over stdio, health probing, and restart.
package rpc

import (
	"encoding/json"
	"time"
)

// ServerConfig holds configuration for one tool-server subprocess.
type ServerConfig struct {
	Name    string            `yaml:"name" json:"name"`
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
	WorkDir string            `yaml:"workdir" json:"workdir,omitempty"`

	// Timeout bounds each call; zero means the 30s default.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`

	// CapturePort makes Start wait for a LISTENING_PORT=<n> line on the
	// child's stdout before returning.
	CapturePort bool `yaml:"capture_port" json:"capture_port,omitempty"`

	// AllowDestructiveTools opts this server's destructive-hinted tools
	// out of the router's blocked set.
	AllowDestructiveTools bool `yaml:"allow_destructive_tools" json:"allow_destructive_tools,omitempty"`
}

// Request is one wire request: {id, method, params}.
type Request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one wire response: {id, result | error}.
type Response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// WireError is the error half of a response.
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ToolDescriptor describes one tool in a server's catalog.
type ToolDescriptor struct {
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	InputSchema     json.RawMessage `json:"inputSchema,omitempty"`
	DestructiveHint bool            `json:"destructiveHint,omitempty"`
	OpenWorldHint   bool            `json:"openWorldHint,omitempty"`
}

// ToolResult is the outcome of a call_tool invocation.
type ToolResult struct {
	Success bool   `json:"success"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CallToolParams are the params of the call_tool method.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// listToolsResult is the result shape of list_tools.
type listToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}
