package config

// Layer is one row of the ConfigLayerStack: a name (its role in the
// precedence chain), a source (file path, "cli-flags", "builtin", etc)
// for error attribution, and the raw parsed key/value map before it is
// merged into the typed Config. Keeping Raw around is what lets
// detectDeprecatedKeys inspect layer rows instead of the merged value —
// a key only absent from the merge (shadowed by a higher layer) still
// needs flagging if it appears in any row.
type Layer struct {
	Name   string
	Source string
	Raw    map[string]any
}

// ConfigLayerStack records every layer that contributed to a resolved
// Config, in the order they were applied (lowest precedence first).
type ConfigLayerStack struct {
	Layers []Layer
}

// NewLayerStack returns an empty stack.
func NewLayerStack() *ConfigLayerStack {
	return &ConfigLayerStack{}
}

// Push appends a layer. Callers push in precedence order, low to high;
// merging later walks the stack in the same order so later pushes win.
func (s *ConfigLayerStack) Push(l Layer) {
	s.Layers = append(s.Layers, l)
}

// Provenance reports which layer last set key, or ("", false) if no layer
// touched it.
func (s *ConfigLayerStack) Provenance(key string) (string, bool) {
	name := ""
	found := false
	for _, l := range s.Layers {
		if _, ok := l.Raw[key]; ok {
			name = l.Name
			found = true
		}
	}
	return name, found
}

func mergeConfig(stack *ConfigLayerStack) (*Config, error) {
	cfg := &Config{MCPServers: map[string]MCPServerConfig{}}
	for _, l := range stack.Layers {
		if err := applyLayer(cfg, l); err != nil {
			return nil, err
		}
	}
	if cfg.AutoCompactLimit <= 0 || cfg.AutoCompactLimit > int(float64(cfg.ContextWindow)*0.95) {
		cfg.AutoCompactLimit = int(float64(cfg.ContextWindow) * 0.95)
	}
	return cfg, nil
}

func applyLayer(cfg *Config, l Layer) error {
	if v, ok := asString(l.Raw["model"]); ok {
		cfg.Model = v
	}
	if v, ok := asInt(l.Raw["context_window"]); ok {
		cfg.ContextWindow = v
	}
	if v, ok := asInt(l.Raw["auto_compact_limit"]); ok {
		cfg.AutoCompactLimit = v
	}
	if v, ok := asString(l.Raw["approval_policy"]); ok {
		cfg.ApprovalPolicy = v
	}
	if v, ok := asString(l.Raw["sandbox_policy"]); ok {
		cfg.SandboxPolicy = v
	}
	if v, ok := asString(l.Raw["cwd"]); ok {
		cfg.Cwd = v
	}
	if v, ok := asString(l.Raw["reasoning_effort"]); ok {
		cfg.ReasoningEffort = v
	}
	if v, ok := asString(l.Raw["compaction_prompt"]); ok {
		cfg.CompactionPrompt = v
	}
	if v, ok := asInt(l.Raw["max_tool_iterations"]); ok {
		cfg.MaxToolIterations = v
	}
	if v, ok := asInt(l.Raw["worker_pool_size"]); ok {
		cfg.WorkerPoolSize = v
	}
	if v, ok := asBool(l.Raw["experimental_windows_sandbox"]); ok {
		cfg.ExperimentalWindowsSandbox = v
	}
	if raw, ok := l.Raw["mcp_servers"]; ok {
		servers, ok := raw.(map[string]any)
		if ok {
			for name, entry := range servers {
				m, ok := entry.(map[string]any)
				if !ok {
					continue
				}
				srv := cfg.MCPServers[name]
				if cmd, ok := asString(m["command"]); ok {
					srv.Command = cmd
				}
				cfg.MCPServers[name] = srv
			}
		}
	}
	return nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok && s != ""
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

// deprecatedKeys maps a legacy/forbidden key name to the reason it is
// rejected. Detecting these requires inspecting layer rows directly —
// a deprecated key shadowed by a higher-precedence layer still must be
// rejected, since the merged Config never sees it.
var deprecatedKeys = map[string]string{
	"api_key":          "inline plaintext secrets are not permitted in config files; use an environment variable",
	"session_file_path": "legacy per-session file path field was removed; sessions are addressed by rollout path",
	"anthropic_key":     "renamed; use provider-scoped env var overrides instead of an inline key",
}

func detectDeprecatedKeys(stack *ConfigLayerStack) error {
	for _, l := range stack.Layers {
		for key := range l.Raw {
			if reason, bad := deprecatedKeys[key]; bad {
				return &ConfigError{Kind: ErrInvalidData, Source: l.Source, Err: &deprecatedKeyError{Key: key, Reason: reason}}
			}
		}
	}
	return nil
}

type deprecatedKeyError struct {
	Key    string
	Reason string
}

func (e *deprecatedKeyError) Error() string {
	return "deprecated config key " + e.Key + ": " + e.Reason
}
