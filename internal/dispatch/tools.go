package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// argsOf decodes a FunctionCall's raw arguments into dst, matching the
// teacher's light-touch args map[string]interface{} handling in
// tools/shell.go and tools/filesystem.go, generalized to typed structs so
// each variant here can lean on jsonschema validation instead of manual
// presence checks.
func argsOf(call protocol.FunctionCall, dst any) error {
	if len(call.Arguments) == 0 {
		return nil
	}
	return json.Unmarshal(call.Arguments, dst)
}

// --- ShellExec ---------------------------------------------------------

// denyPatterns blocks the most dangerous classes of command regardless of
// approval policy, trimmed from tools/shell.go's defaultDenyPatterns to
// the categories most likely to matter for an agent-driven shell.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`/var/run/docker\.sock`),
	regexp.MustCompile(`\bmkfs\b`),
}

var shellExecSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"command": {"type": "string"},
		"working_dir": {"type": "string"}
	},
	"required": ["command"]
}`)

// ShellExecTool runs a shell command on the host, adapted from
// tools/shell.go's ExecTool minus sandbox container routing (the Approval
// pipeline is what gates mutation here, not a sandboxed subprocess).
type ShellExecTool struct {
	WorkingDir string
	Timeout    time.Duration
}

func NewShellExecTool(workingDir string) *ShellExecTool {
	return &ShellExecTool{WorkingDir: workingDir, Timeout: 60 * time.Second}
}

func (t *ShellExecTool) Name() string            { return "shell" }
func (t *ShellExecTool) Schema() json.RawMessage { return shellExecSchema }

func (t *ShellExecTool) Invoke(ctx context.Context, call protocol.FunctionCall) (string, bool, error) {
	var args struct {
		Command    string `json:"command"`
		WorkingDir string `json:"working_dir"`
	}
	if err := argsOf(call, &args); err != nil {
		return "", true, nil
	}
	for _, p := range denyPatterns {
		if p.MatchString(args.Command) {
			return fmt.Sprintf("command denied by safety policy: matches %s", p.String()), true, nil
		}
	}

	cwd := t.WorkingDir
	if args.WorkingDir != "" {
		cwd = args.WorkingDir
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", args.Command)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr

	runErr := cmd.Run()
	out := stdout.String()
	if stderr.Len() > 0 {
		if out != "" {
			out += "\n"
		}
		out += stderr.String()
	}
	if runErr != nil {
		if out == "" {
			out = runErr.Error()
		}
		return out, true, nil
	}
	return out, false, nil
}

// --- ApplyPatch ----------------------------------------------------------

var applyPatchSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"path": {"type": "string"},
		"content": {"type": "string"}
	},
	"required": ["path", "content"]
}`)

// ApplyPatchTool overwrites a file's contents, adapted from
// tools/filesystem.go's workspace-restriction pattern (ReadFileTool)
// applied to a write path instead of a read path.
type ApplyPatchTool struct {
	Workspace string
	Restrict  bool
}

func NewApplyPatchTool(workspace string, restrict bool) *ApplyPatchTool {
	return &ApplyPatchTool{Workspace: workspace, Restrict: restrict}
}

func (t *ApplyPatchTool) Name() string            { return "apply_patch" }
func (t *ApplyPatchTool) Schema() json.RawMessage { return applyPatchSchema }

func (t *ApplyPatchTool) Invoke(ctx context.Context, call protocol.FunctionCall) (string, bool, error) {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := argsOf(call, &args); err != nil {
		return "", true, nil
	}
	resolved, err := t.resolve(args.Path)
	if err != nil {
		return err.Error(), true, nil
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return err.Error(), true, nil
	}
	if err := os.WriteFile(resolved, []byte(args.Content), 0o644); err != nil {
		return err.Error(), true, nil
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), false, nil
}

func (t *ApplyPatchTool) resolve(path string) (string, error) {
	joined := path
	if !filepath.IsAbs(path) {
		joined = filepath.Join(t.Workspace, path)
	}
	clean := filepath.Clean(joined)
	if t.Restrict && !strings.HasPrefix(clean, filepath.Clean(t.Workspace)) {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}
	return clean, nil
}

// --- ViewImage -------------------------------------------------------

var viewImageSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"path": {"type": "string"}
	},
	"required": ["path"]
}`)

// ViewImageTool decodes an image file and reports its dimensions,
// adapted from tools/read_image.go's vision-description intent but using
// disintegration/imaging directly for local decode instead of delegating
// description to a vision-capable provider.
type ViewImageTool struct {
	Workspace string
}

func NewViewImageTool(workspace string) *ViewImageTool {
	return &ViewImageTool{Workspace: workspace}
}

func (t *ViewImageTool) Name() string            { return "view_image" }
func (t *ViewImageTool) Schema() json.RawMessage { return viewImageSchema }

func (t *ViewImageTool) Invoke(ctx context.Context, call protocol.FunctionCall) (string, bool, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := argsOf(call, &args); err != nil {
		return "", true, nil
	}
	full := args.Path
	if !filepath.IsAbs(full) {
		full = filepath.Join(t.Workspace, full)
	}
	img, err := decodeImage(full)
	if err != nil {
		return err.Error(), true, nil
	}
	bounds := img.Bounds()
	return fmt.Sprintf("image %s: %dx%d", args.Path, bounds.Dx(), bounds.Dy()), false, nil
}

// --- WebSearch -------------------------------------------------------

var webSearchSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {"type": "string"},
		"count": {"type": "integer", "minimum": 1, "maximum": 10}
	},
	"required": ["query"]
}`)

// SearchProvider abstracts a backend, matching tools/web_search.go's
// SearchProvider interface.
type SearchProvider interface {
	Search(ctx context.Context, query string, count int) ([]SearchResult, error)
}

// SearchResult is one hit, matching tools/web_search.go's searchResult shape.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// WebSearchTool runs a search query through a pluggable provider, adapted
// from tools/web_search.go's query normalization and result shape.
type WebSearchTool struct {
	Provider     SearchProvider
	DefaultCount int
}

func NewWebSearchTool(provider SearchProvider) *WebSearchTool {
	return &WebSearchTool{Provider: provider, DefaultCount: 5}
}

func (t *WebSearchTool) Name() string            { return "web_search" }
func (t *WebSearchTool) Schema() json.RawMessage { return webSearchSchema }

func (t *WebSearchTool) Invoke(ctx context.Context, call protocol.FunctionCall) (string, bool, error) {
	var args struct {
		Query string `json:"query"`
		Count int    `json:"count"`
	}
	if err := argsOf(call, &args); err != nil {
		return "", true, nil
	}
	if strings.TrimSpace(args.Query) == "" {
		return "query is required", true, nil
	}
	count := args.Count
	if count <= 0 {
		count = t.DefaultCount
	}
	if count > 10 {
		count = 10
	}
	results, err := t.Provider.Search(ctx, args.Query, count)
	if err != nil {
		return err.Error(), true, nil
	}
	encoded, err := json.Marshal(results)
	if err != nil {
		return err.Error(), true, nil
	}
	return string(encoded), false, nil
}

// --- McpCall -----------------------------------------------------------

// McpClient is the subset of mark3labs/mcp-go's client.Client this tool
// needs, matching internal/mcp/manager_connect.go's usage of
// client.CallTool after the initialize/list-tools handshake has already
// discovered the remote tool's name and schema.
type McpClient interface {
	CallTool(ctx context.Context, serverTool string, arguments map[string]any) (string, error)
}

var mcpCallSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"server": {"type": "string"},
		"tool": {"type": "string"},
		"arguments": {"type": "object"}
	},
	"required": ["server", "tool"]
}`)

// McpCallTool invokes one tool on a connected MCP server, adapted from
// internal/mcp's BridgeTool/Manager connect-and-call flow, generalized
// into a single dispatchable variant that looks the target server up by
// name rather than registering one goclaw tool per remote tool.
type McpCallTool struct {
	Servers map[string]McpClient
}

func NewMcpCallTool(servers map[string]McpClient) *McpCallTool {
	return &McpCallTool{Servers: servers}
}

func (t *McpCallTool) Name() string            { return "mcp_call" }
func (t *McpCallTool) Schema() json.RawMessage { return mcpCallSchema }

func (t *McpCallTool) Invoke(ctx context.Context, call protocol.FunctionCall) (string, bool, error) {
	var args struct {
		Server    string         `json:"server"`
		Tool      string         `json:"tool"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := argsOf(call, &args); err != nil {
		return "", true, nil
	}
	client, ok := t.Servers[args.Server]
	if !ok {
		return fmt.Sprintf("unknown mcp server %q", args.Server), true, nil
	}
	out, err := client.CallTool(ctx, args.Tool, args.Arguments)
	if err != nil {
		return err.Error(), true, nil
	}
	return out, false, nil
}

func decodeImage(path string) (image.Image, error) {
	return imaging.Open(path)
}
