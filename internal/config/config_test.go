package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResolvePrecedenceHighWins(t *testing.T) {
	dir := t.TempDir()
	home := filepath.Join(dir, "home")
	project := filepath.Join(dir, "project")

	writeFile(t, filepath.Join(home, ".goclaw-turn", "config.toml"), `model = "user-model"`+"\n")
	writeFile(t, filepath.Join(project, ".goclaw-turn.toml"), `model = "project-model"`+"\n")

	loader := NewLoader(Defaults(), "", "")
	cfg, stack, err := Resolve(Inputs{
		Home:       home,
		ProjectCwd: project,
	}, loader)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Model != "project-model" {
		t.Fatalf("expected project layer to win over user layer, got %q", cfg.Model)
	}
	if src, ok := stack.Provenance("model"); !ok || src != "project" {
		t.Fatalf("expected provenance project for model, got %q ok=%v", src, ok)
	}

	cfg2, _, err := Resolve(Inputs{
		Home:         home,
		ProjectCwd:   project,
		CLIOverrides: map[string]string{"model": "cli-model"},
	}, loader)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg2.Model != "cli-model" {
		t.Fatalf("expected cli override to win, got %q", cfg2.Model)
	}

	cfg3, _, err := Resolve(Inputs{
		Home:         home,
		ProjectCwd:   project,
		CLIOverrides: map[string]string{"model": "cli-model"},
		TurnOverrides: TurnOverrides{Model: "turn-model"},
	}, loader)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg3.Model != "turn-model" {
		t.Fatalf("expected per-turn override to win over cli, got %q", cfg3.Model)
	}
}

func TestResolveRejectsDeprecatedKeyEvenWhenShadowed(t *testing.T) {
	dir := t.TempDir()
	home := filepath.Join(dir, "home")
	project := filepath.Join(dir, "project")

	writeFile(t, filepath.Join(home, ".goclaw-turn", "config.toml"), `api_key = "sk-leaked"`+"\n")
	writeFile(t, filepath.Join(project, ".goclaw-turn.toml"), `model = "project-model"`+"\n")

	loader := NewLoader(Defaults(), "", "")
	_, _, err := Resolve(Inputs{Home: home, ProjectCwd: project}, loader)
	if err == nil {
		t.Fatal("expected deprecated key error even though project layer shadows the merged value")
	}
	cerr, ok := err.(*ConfigError)
	if !ok {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
	if cerr.Kind != ErrInvalidData {
		t.Fatalf("expected ErrInvalidData, got %v", cerr.Kind)
	}
}

func TestWindowsSandboxDowngrade(t *testing.T) {
	dir := t.TempDir()
	defaults := Defaults()
	defaults["sandbox_policy"] = "workspace-write"
	loader := NewLoader(defaults, "", "")

	cfg, _, err := Resolve(Inputs{Home: filepath.Join(dir, "home"), GOOS: "windows"}, loader)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.SandboxPolicy != "read-only" {
		t.Fatalf("expected downgrade to read-only, got %q", cfg.SandboxPolicy)
	}
	if !cfg.ForcedAutoModeDowngradedOnWindows {
		t.Fatal("expected ForcedAutoModeDowngradedOnWindows to be set")
	}
}

func TestWindowsSandboxNoDowngradeWhenExperimentalEnabled(t *testing.T) {
	dir := t.TempDir()
	defaults := Defaults()
	defaults["sandbox_policy"] = "workspace-write"
	defaults["experimental_windows_sandbox"] = true
	loader := NewLoader(defaults, "", "")

	cfg, _, err := Resolve(Inputs{Home: filepath.Join(dir, "home"), GOOS: "windows"}, loader)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.SandboxPolicy != "workspace-write" {
		t.Fatalf("expected no downgrade, got %q", cfg.SandboxPolicy)
	}
	if cfg.ForcedAutoModeDowngradedOnWindows {
		t.Fatal("did not expect downgrade flag set")
	}
}

func TestTrustedProjectDefaultsApprovalPolicy(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(Defaults(), "", "")

	trusted, _, err := Resolve(Inputs{Home: filepath.Join(dir, "home"), Trust: TrustTrusted}, loader)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if trusted.ApprovalPolicy != "on-request" {
		t.Fatalf("expected on-request for trusted project, got %q", trusted.ApprovalPolicy)
	}

	untrusted, _, err := Resolve(Inputs{Home: filepath.Join(dir, "home"), Trust: TrustUntrusted}, loader)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if untrusted.ApprovalPolicy != "unless-trusted" {
		t.Fatalf("expected unless-trusted for untrusted project, got %q", untrusted.ApprovalPolicy)
	}
}

func TestRequirementsDisablesMCPServer(t *testing.T) {
	dir := t.TempDir()
	defaults := Defaults()
	defaults["mcp_servers"] = map[string]any{
		"fs": map[string]any{"command": "mcp-fs"},
	}
	loader := NewLoader(defaults, "", "").WithRequirements(&Requirements{
		DisabledServers: map[string]string{"fs": "blocked by managed policy"},
	})
	cfg, _, err := Resolve(Inputs{Home: filepath.Join(dir, "home")}, loader)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	srv, ok := cfg.MCPServers["fs"]
	if !ok {
		t.Fatal("expected fs server present")
	}
	if srv.DisableReason != "blocked by managed policy" {
		t.Fatalf("expected disable reason set, got %q", srv.DisableReason)
	}
}

func TestAutoCompactLimitClampedTo95Percent(t *testing.T) {
	dir := t.TempDir()
	defaults := Defaults()
	defaults["context_window"] = 100000
	defaults["auto_compact_limit"] = 99000
	loader := NewLoader(defaults, "", "")
	cfg, _, err := Resolve(Inputs{Home: filepath.Join(dir, "home")}, loader)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.AutoCompactLimit > 95000 {
		t.Fatalf("expected auto_compact_limit clamped to <=95%% of context window, got %d", cfg.AutoCompactLimit)
	}
}
