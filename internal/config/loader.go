package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Loader reads the individual layer files the precedence chain pulls from.
// Mirrors the teacher's Default()/Load()/applyEnvOverrides() shape in
// config_load.go, generalized to several named layers instead of one.
type Loader struct {
	defaults     map[string]any
	managedPath  string
	profilesDir  string
	requirements *Requirements
}

// NewLoader builds a Loader with the given built-in defaults. managedPath
// may be empty if no managed/MDM config is in effect.
func NewLoader(defaults map[string]any, managedPath, profilesDir string) *Loader {
	return &Loader{defaults: defaults, managedPath: managedPath, profilesDir: profilesDir}
}

// Defaults returns the built-in Config values as a raw layer map,
// matching the teacher's Default() constructor.
func Defaults() map[string]any {
	return map[string]any{
		"model":               "claude-sonnet-4-5-20250929",
		"context_window":      200000,
		"auto_compact_limit":  190000,
		"approval_policy":     "",
		"sandbox_policy":      "workspace-write",
		"max_tool_iterations": 20,
		"worker_pool_size":    6,
		"compaction_prompt":   "Summarize the conversation so far, preserving facts needed to continue the task.",
	}
}

// LoadDefaults returns the built-in default layer.
func (l *Loader) LoadDefaults() (map[string]any, error) {
	if l.defaults != nil {
		return l.defaults, nil
	}
	return Defaults(), nil
}

// LoadManaged reads the managed/MDM config file, if one is configured.
// LoaderOverrides can inject a path (used by managed-mode deployments to
// point at a provisioned file outside the normal search path).
func (l *Loader) LoadManaged(loaderOverrides map[string]string) (map[string]any, string, bool, error) {
	path := l.managedPath
	if p, ok := loaderOverrides["managed_config_path"]; ok && p != "" {
		path = p
	}
	if path == "" {
		return nil, "", false, nil
	}
	return loadTOMLFile(path)
}

// LoadUser reads ~/.goclaw-turn/config.toml.
func (l *Loader) LoadUser(home string) (map[string]any, string, bool, error) {
	if home == "" {
		return nil, "", false, nil
	}
	path := filepath.Join(home, ".goclaw-turn", "config.toml")
	return loadTOMLFile(path)
}

// LoadProject reads <projectCwd>/.goclaw-turn.toml.
func (l *Loader) LoadProject(projectCwd string) (map[string]any, string, bool, error) {
	path := filepath.Join(projectCwd, ".goclaw-turn.toml")
	return loadTOMLFile(path)
}

// LoadProfile reads a named profile from profilesDir/<name>.toml. An empty
// name means no active profile.
func (l *Loader) LoadProfile(name string) (map[string]any, string, bool, error) {
	if name == "" || l.profilesDir == "" {
		return nil, "", false, nil
	}
	path := filepath.Join(l.profilesDir, name+".toml")
	raw, src, ok, err := loadTOMLFile(path)
	if err != nil {
		return nil, src, false, &ConfigError{Kind: ErrNotFound, Source: path, Err: fmt.Errorf("profile %q: %w", name, err)}
	}
	if !ok {
		return nil, path, false, &ConfigError{Kind: ErrNotFound, Source: path, Err: fmt.Errorf("profile %q not found", name)}
	}
	return raw, src, ok, nil
}

// WithRequirements attaches the post-merge Requirements pass the managed
// layer applies (MCP server disabling, policy constraints).
func (l *Loader) WithRequirements(r *Requirements) *Loader {
	l.requirements = r
	return l
}

// Requirements returns the attached post-merge requirements, or nil.
func (l *Loader) Requirements() *Requirements {
	return l.requirements
}

func loadTOMLFile(path string) (map[string]any, string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, path, false, nil
		}
		return nil, path, false, &ConfigError{Kind: ErrInvalidData, Source: path, Err: fmt.Errorf("read config: %w", err)}
	}
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, path, false, &ConfigError{Kind: ErrInvalidData, Source: path, Err: fmt.Errorf("parse toml: %w", err)}
	}
	return raw, path, true, nil
}
