// Package mcp declares the contract for an MCP (Model Context Protocol)
// server connection: its tool catalog and the shape of a call result.
// Transport (stdio/SSE/streamable-http) is out of scope here; a concrete
// client satisfying dispatch.McpClient is built from this contract by the
// caller that owns the mark3labs/mcp-go connection lifecycle.
//
// Grounded on the teacher's internal/mcp/manager.go (ServerConfig shape,
// one *serverState per connected server) and manager_connect.go (the
// initialize -> list-tools -> register handshake), trimmed to the
// declarative parts: what a server is and what its tools look like,
// without the health-check/reconnect machinery that lived alongside it.
package mcp

import "encoding/json"

// ServerConfig describes one configured MCP server, matching the
// mcp_servers.<name> TOML table from the Config Resolver's schema
// (transport, enabled, timeouts, tool filters).
type ServerConfig struct {
	Name       string            `json:"name"`
	Transport  string            `json:"transport"` // "stdio" | "sse" | "streamable-http"
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Enabled    bool              `json:"enabled"`
	TimeoutSec int               `json:"timeout_sec,omitempty"`
	ToolPrefix string            `json:"tool_prefix,omitempty"`
	// AllowTools/DenyTools filter which of the server's discovered tools
	// are registered; empty AllowTools means all are allowed.
	AllowTools []string `json:"allow_tools,omitempty"`
	DenyTools  []string `json:"deny_tools,omitempty"`
}

// ToolDescriptor is one tool a connected server advertised, matching
// mark3labs/mcp-go/mcp.Tool's Name/Description/InputSchema shape.
type ToolDescriptor struct {
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// QualifiedName is the dispatcher-visible tool name for a server tool,
// matching manager_connect.go's toolPrefix-then-name concatenation.
func (t ToolDescriptor) QualifiedName() string {
	return t.Server + "." + t.Name
}

// Filter reports whether a discovered tool passes cfg's allow/deny lists.
func (cfg ServerConfig) Filter(toolName string) bool {
	if len(cfg.DenyTools) > 0 {
		for _, d := range cfg.DenyTools {
			if d == toolName {
				return false
			}
		}
	}
	if len(cfg.AllowTools) == 0 {
		return true
	}
	for _, a := range cfg.AllowTools {
		if a == toolName {
			return true
		}
	}
	return false
}

// CallResult is the normalized shape of one MCP tool invocation's result,
// matching mcp-go/mcp.CallToolResult collapsed to plain text plus an
// error flag (the dispatcher only ever needs text for a FunctionCallOutput).
type CallResult struct {
	Text    string `json:"text"`
	IsError bool   `json:"is_error"`
}
