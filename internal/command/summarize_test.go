package command

import "testing"

func TestParseGitStatusIsUnknown(t *testing.T) {
	got := Parse([]string{"git", "status"})
	if len(got) != 1 || got[0].Tag != TagUnknown || got[0].Cmd != "git status" {
		t.Fatalf("unexpected parse: %#v", got)
	}
}

func TestParseGitGrepIsSearch(t *testing.T) {
	got := Parse([]string{"git", "grep", "TODO", "src"})
	if len(got) != 1 {
		t.Fatalf("expected 1 parsed command, got %d", len(got))
	}
	p := got[0]
	if p.Tag != TagSearch || p.Query != "TODO" || p.Path != "src" {
		t.Fatalf("unexpected parse: %#v", p)
	}
}

func TestParseGitLsFiles(t *testing.T) {
	got := Parse([]string{"git", "ls-files", "src"})
	if len(got) != 1 || got[0].Tag != TagListFiles || got[0].Path != "src" {
		t.Fatalf("unexpected parse: %#v", got)
	}
}

func TestParseGitLsFilesExcludeFlag(t *testing.T) {
	got := Parse([]string{"git", "ls-files", "--exclude", "target", "src"})
	if len(got) != 1 || got[0].Tag != TagListFiles || got[0].Path != "src" {
		t.Fatalf("unexpected parse: %#v", got)
	}
}

func TestParseBashLcPipeToWc(t *testing.T) {
	got := Parse([]string{"bash", "-lc", "git status | wc -l"})
	if len(got) != 1 || got[0].Tag != TagUnknown || got[0].Cmd != "git status" {
		t.Fatalf("expected wc dropped, sole survivor git status, got %#v", got)
	}
}

func TestParseBashLcMultiSegmentDedupesAndOrders(t *testing.T) {
	got := Parse([]string{"bash", "-lc", "rg --version && node -v && pnpm -v && rg --files | wc -l && rg --files | head -n 40"})
	wantCmds := []string{"rg --version", "node -v", "pnpm -v", "rg --files"}
	if len(got) != len(wantCmds) {
		t.Fatalf("expected %d commands, got %d: %#v", len(wantCmds), len(got), got)
	}
	for i, w := range wantCmds {
		if got[i].Cmd != w {
			t.Fatalf("index %d: expected %q, got %q", i, w, got[i].Cmd)
		}
	}
	if got[0].Tag != TagSearch {
		t.Fatalf("expected rg --version to classify as search, got %v", got[0].Tag)
	}
	if got[3].Tag != TagListFiles {
		t.Fatalf("expected rg --files to classify as list_files, got %v", got[3].Tag)
	}
}

func TestParseSoleWcSurvives(t *testing.T) {
	got := Parse([]string{"wc", "-l"})
	if len(got) != 1 {
		t.Fatalf("expected sole wc command to survive, got %#v", got)
	}
}

func TestParseCdPrefixesReadPath(t *testing.T) {
	got := Parse([]string{"bash", "-lc", "cd src/pkg && cat README.md"})
	if len(got) != 1 || got[0].Tag != TagRead {
		t.Fatalf("expected a single Read command, got %#v", got)
	}
	if got[0].Path != "src/pkg/README.md" {
		t.Fatalf("expected cd-prefixed path, got %q", got[0].Path)
	}
}

func TestParsePathShortenExcludesBuildDirs(t *testing.T) {
	got := Parse([]string{"ls", "webview/build/dist"})
	if len(got) != 1 || got[0].Tag != TagListFiles {
		t.Fatalf("unexpected parse: %#v", got)
	}
	if got[0].Path != "webview" {
		t.Fatalf("expected shortened path to skip build/dist, got %q", got[0].Path)
	}
}

func TestParseGrepPreservesSlashesInQuery(t *testing.T) {
	got := Parse([]string{"rg", "path/to/thing"})
	if len(got) != 1 || got[0].Tag != TagSearch {
		t.Fatalf("unexpected parse: %#v", got)
	}
	if got[0].Query != "path/to/thing" {
		t.Fatalf("expected query to preserve slashes, got %q", got[0].Query)
	}
}

func TestParseXargsMutatingRetained(t *testing.T) {
	got := Parse([]string{"bash", "-lc", "find . -name '*.go' | xargs sed -i s/foo/bar/"})
	found := false
	for _, p := range got {
		if p.Cmd == "xargs sed -i s/foo/bar/" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected xargs sed -i retained, got %#v", got)
	}
}

func TestParseConsecutiveDuplicatesDropped(t *testing.T) {
	got := Parse([]string{"bash", "-lc", "cat foo.txt ; cat foo.txt"})
	if len(got) != 1 {
		t.Fatalf("expected consecutive duplicate Read collapsed, got %#v", got)
	}
}
