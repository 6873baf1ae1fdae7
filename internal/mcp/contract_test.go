package mcp

import "testing"

func TestFilterAllowListRestricts(t *testing.T) {
	cfg := ServerConfig{AllowTools: []string{"search"}}
	if !cfg.Filter("search") {
		t.Fatal("expected search to be allowed")
	}
	if cfg.Filter("delete") {
		t.Fatal("expected delete to be denied when not in allow list")
	}
}

func TestFilterDenyListWinsOverEmptyAllowList(t *testing.T) {
	cfg := ServerConfig{DenyTools: []string{"delete"}}
	if cfg.Filter("delete") {
		t.Fatal("expected delete to be denied")
	}
	if !cfg.Filter("search") {
		t.Fatal("expected search to remain allowed with empty allow list")
	}
}

func TestQualifiedName(t *testing.T) {
	d := ToolDescriptor{Server: "github", Name: "list_issues"}
	if got := d.QualifiedName(); got != "github.list_issues" {
		t.Fatalf("unexpected qualified name: %q", got)
	}
}
