// Package config resolves a TurnContext from a layered stack of
// configuration sources, matching the teacher's Default()/Load()/
// applyEnvOverrides() pipeline generalized to a full precedence chain with
// provenance tracking.
package config

import (
	"path/filepath"
	"runtime"
)

// Config is the fully resolved, path-absolutized configuration for one
// turn. It is immutable once produced by Resolve — callers that need a
// different value build a new per-turn override and re-resolve.
type Config struct {
	Model            string
	ContextWindow    int
	AutoCompactLimit int
	ApprovalPolicy   string
	SandboxPolicy    string
	Cwd              string
	ReasoningEffort  string
	CompactionPrompt string
	MaxToolIterations int
	WorkerPoolSize   int

	ExperimentalWindowsSandbox bool

	MCPServers map[string]MCPServerConfig

	// ForcedAutoModeDowngradedOnWindows records the Windows sandbox
	// downgrade derived rule firing.
	ForcedAutoModeDowngradedOnWindows bool
}

// MCPServerConfig is one configured MCP server entry. DisableReason is set
// by the managed-layer Requirements pass, never by the user directly.
type MCPServerConfig struct {
	Command       string
	Args          []string
	DisableReason string
}

// TrustMarker reports whether cwd (or its containing git repo root) is
// marked trusted, untrusted, or unspecified by any layer.
type TrustMarker int

const (
	TrustUnspecified TrustMarker = iota
	TrustTrusted
	TrustUntrusted
)

// Inputs bundles everything Resolve needs beyond the layer stack itself.
type Inputs struct {
	Home           string
	ProjectCwd     string
	CLIOverrides   map[string]string
	LoaderOverrides map[string]string // managed/MDM config path injection
	HarnessOverrides map[string]string // programmatic overrides
	TurnOverrides  TurnOverrides
	Trust          TrustMarker
	GOOS           string // empty means use runtime.GOOS; set in tests
}

// TurnOverrides are the per-turn overrides a submitted Op can carry —
// model switch, approval policy, cwd, etc. Empty string means "not
// overridden at this layer".
type TurnOverrides struct {
	Model          string
	ApprovalPolicy string
	SandboxPolicy  string
	Cwd            string
	ReasoningEffort string
}

// Resolve builds the ConfigLayerStack from Inputs, merges it into a
// Config, applies the managed-layer Requirements pass, and applies the
// derived rules (Windows sandbox downgrade, trust-based approval default).
// Precedence high to low: per-turn override, CLI override, active profile,
// project config file, user config file, managed/MDM file, built-in
// defaults.
func Resolve(in Inputs, loader *Loader) (*Config, *ConfigLayerStack, error) {
	stack := NewLayerStack()

	defaults, err := loader.LoadDefaults()
	if err != nil {
		return nil, nil, err
	}
	stack.Push(Layer{Name: "defaults", Source: "builtin", Raw: defaults})

	if managed, src, ok, err := loader.LoadManaged(in.LoaderOverrides); err != nil {
		return nil, nil, err
	} else if ok {
		stack.Push(Layer{Name: "managed", Source: src, Raw: managed})
	}

	if user, src, ok, err := loader.LoadUser(in.Home); err != nil {
		return nil, nil, err
	} else if ok {
		stack.Push(Layer{Name: "user", Source: src, Raw: user})
	}

	if in.ProjectCwd != "" {
		if project, src, ok, err := loader.LoadProject(in.ProjectCwd); err != nil {
			return nil, nil, err
		} else if ok {
			stack.Push(Layer{Name: "project", Source: src, Raw: project})
		}
	}

	if profile, src, ok, err := loader.LoadProfile(in.CLIOverrides["profile"]); err != nil {
		return nil, nil, err
	} else if ok {
		stack.Push(Layer{Name: "profile", Source: src, Raw: profile})
	}

	if len(in.CLIOverrides) > 0 {
		stack.Push(Layer{Name: "cli", Source: "cli-flags", Raw: stringMapToAny(in.CLIOverrides)})
	}
	if len(in.HarnessOverrides) > 0 {
		stack.Push(Layer{Name: "harness", Source: "programmatic", Raw: stringMapToAny(in.HarnessOverrides)})
	}
	if raw := turnOverridesToAny(in.TurnOverrides); len(raw) > 0 {
		stack.Push(Layer{Name: "per_turn", Source: "op-override", Raw: raw})
	}

	if err := detectDeprecatedKeys(stack); err != nil {
		return nil, stack, err
	}

	cfg, err := mergeConfig(stack)
	if err != nil {
		return nil, stack, &ConfigError{Kind: ErrInvalidData, Source: firstOffendingSource(stack), Err: err}
	}

	applyRequirements(cfg, loader.Requirements())

	goos := in.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	applyDerivedRules(cfg, goos, in.Trust)

	if in.ProjectCwd != "" {
		abs, err := filepath.Abs(in.ProjectCwd)
		if err == nil {
			cfg.Cwd = abs
		}
	}

	return cfg, stack, nil
}

func applyDerivedRules(cfg *Config, goos string, trust TrustMarker) {
	if goos == "windows" && cfg.SandboxPolicy == "workspace-write" && !cfg.ExperimentalWindowsSandbox {
		cfg.SandboxPolicy = "read-only"
		cfg.ForcedAutoModeDowngradedOnWindows = true
	}
	switch trust {
	case TrustTrusted:
		if cfg.ApprovalPolicy == "" {
			cfg.ApprovalPolicy = "on-request"
		}
	case TrustUntrusted:
		if cfg.ApprovalPolicy == "" {
			cfg.ApprovalPolicy = "unless-trusted"
		}
	}
}

func applyRequirements(cfg *Config, reqs *Requirements) {
	if reqs == nil {
		return
	}
	for name, reason := range reqs.DisabledServers {
		if srv, ok := cfg.MCPServers[name]; ok {
			srv.DisableReason = reason
			cfg.MCPServers[name] = srv
		}
	}
	if reqs.ApprovalPolicy != "" {
		cfg.ApprovalPolicy = reqs.ApprovalPolicy
	}
	if reqs.SandboxPolicy != "" {
		cfg.SandboxPolicy = reqs.SandboxPolicy
	}
}

// Requirements is the post-merge pass applied by the managed layer: it may
// disable MCP servers (tagging them with a reason) or constrain
// approval/sandbox policy regardless of what lower-precedence layers asked
// for.
type Requirements struct {
	DisabledServers map[string]string
	ApprovalPolicy  string
	SandboxPolicy   string
}

func stringMapToAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func turnOverridesToAny(t TurnOverrides) map[string]any {
	out := map[string]any{}
	if t.Model != "" {
		out["model"] = t.Model
	}
	if t.ApprovalPolicy != "" {
		out["approval_policy"] = t.ApprovalPolicy
	}
	if t.SandboxPolicy != "" {
		out["sandbox_policy"] = t.SandboxPolicy
	}
	if t.Cwd != "" {
		out["cwd"] = t.Cwd
	}
	if t.ReasoningEffort != "" {
		out["reasoning_effort"] = t.ReasoningEffort
	}
	return out
}

func firstOffendingSource(stack *ConfigLayerStack) string {
	if len(stack.Layers) == 0 {
		return "unknown"
	}
	return stack.Layers[len(stack.Layers)-1].Source
}
