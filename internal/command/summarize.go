// Package command turns a tool call's raw argv into a short, human-legible
// summary of what it does — the Command Summarizer. It is a pure function:
// no I/O, no clock, same input always yields the same output, which makes
// it safe to use both for live transcript display and for deterministic
// tests.
//
// Grounded on the teacher's internal/tools/policy.go style of pure
// set-membership checks over small string tables, and on the classification
// rules of original_source/codex-rs/core/src/parse_command.rs (shell-wrapper
// unwrapping, segment splitting, the four-tag taxonomy).
package command

import (
	"strings"
)

// Tag discriminates the four command categories the summarizer recognizes.
type Tag string

const (
	TagRead      Tag = "read"
	TagListFiles Tag = "list_files"
	TagSearch    Tag = "search"
	TagUnknown   Tag = "unknown"
)

// Parsed is one classified command segment.
type Parsed struct {
	Tag   Tag
	Cmd   string
	Path  string
	Query string
}

var shellWrappers = map[string]bool{
	"bash": true, "sh": true, "zsh": true,
}

var shellFlagNames = map[string]bool{
	"-lc": true, "-c": true,
}

var powershellWrappers = map[string]bool{
	"powershell": true, "powershell.exe": true, "pwsh": true, "pwsh.exe": true,
}

// knownSafeFormattingHelpers are commands that reformat or count output
// without doing independent file I/O of interest; dropped from the summary
// unless they are the only command left after dropping.
var knownSafeFormattingHelpers = map[string]bool{
	"wc": true, "sort": true, "nl": true,
}

// readTools recognizes commands whose purpose is reading a file's content.
var readTools = map[string]bool{
	"cat": true, "less": true, "more": true, "head": true, "tail": true,
}

// listTools recognizes directory-listing commands.
var listTools = map[string]bool{
	"ls": true, "find": true,
}

// searchTools recognizes grep-family commands; `git grep` is matched
// separately in classifySegment.
var searchTools = map[string]bool{
	"grep": true, "rg": true, "ag": true, "ack": true,
}

// excludedPathSegments are directory names stripped when shortening a path
// to its last meaningful segment.
var excludedPathSegments = map[string]bool{
	"build": true, "dist": true, "node_modules": true, "src": true,
}

// Parse classifies the argv of one tool invocation into an ordered,
// deduplicated list of Parsed commands.
func Parse(tokens []string) []Parsed {
	inner := unwrapShell(tokens)
	segments := splitSegments(inner)

	var out []Parsed
	var pendingCdDir string
	for _, seg := range segments {
		if len(seg) == 0 {
			continue
		}
		if baseName(seg[0]) == "cd" && len(seg) >= 2 {
			pendingCdDir = seg[1]
			continue
		}
		p, ok := classifySegment(seg)
		if !ok {
			continue
		}
		if pendingCdDir != "" && p.Tag == TagRead {
			p.Path = joinCdPrefix(pendingCdDir, p.Path)
		}
		pendingCdDir = ""
		out = append(out, p)
	}
	return dedupeConsecutive(dropFormattingHelpers(out))
}

// unwrapShell recognizes `bash -lc "script"` (and zsh/sh/powershell
// equivalents) and returns the tokenized inner script. Non-wrapped argvs
// are returned as a single already-tokenized command.
func unwrapShell(tokens []string) []string {
	if len(tokens) >= 3 && shellWrappers[baseName(tokens[0])] && shellFlagNames[tokens[1]] {
		return tokenize(tokens[2])
	}
	if len(tokens) >= 3 && powershellWrappers[baseName(tokens[0])] && strings.EqualFold(tokens[1], "-command") {
		return tokenize(tokens[2])
	}
	return tokens
}

func baseName(s string) string {
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// tokenize splits a shell script into words, honoring single/double quotes
// so e.g. "BUG|FIXME" stays one token.
func tokenize(script string) []string {
	var tokens []string
	var cur strings.Builder
	inSingle, inDouble := false, false
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(script); i++ {
		c := script[i]
		switch {
		case inSingle:
			if c == '\'' {
				inSingle = false
			} else {
				cur.WriteByte(c)
			}
		case inDouble:
			if c == '"' {
				inDouble = false
			} else {
				cur.WriteByte(c)
			}
		case c == '\'':
			inSingle = true
		case c == '"':
			inDouble = true
		case c == ' ' || c == '\t':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return tokens
}

// splitSegments splits a tokenized script on && || ; | operators, keeping
// each segment as its own token slice. Redirection is left untouched inside
// a segment (">"/"<" are not segment separators).
func splitSegments(tokens []string) [][]string {
	var segments [][]string
	var cur []string
	for _, tok := range tokens {
		switch tok {
		case "&&", "||", ";", "|":
			if len(cur) > 0 {
				segments = append(segments, cur)
				cur = nil
			}
		default:
			cur = append(cur, tok)
		}
	}
	if len(cur) > 0 {
		segments = append(segments, cur)
	}
	return segments
}

func classifySegment(seg []string) (Parsed, bool) {
	name := baseName(seg[0])

	// cd X && Y: the caller already split on &&, so this appears as its own
	// "cd X" segment followed by Y's segment. Parse consumes that segment
	// itself and prefixes the next Read's path via joinCdPrefix; a bare
	// "cd" that reaches here is dropped.
	if name == "cd" {
		return Parsed{}, false
	}

	if name == "xargs" {
		return classifyXargs(seg)
	}

	if name == "git" && len(seg) >= 2 {
		switch seg[1] {
		case "grep":
			return classifyGrepArgs(strings.Join(seg[:2], " "), seg[2:]), true
		case "ls-files":
			return classifyListFilesArgs(strings.Join(seg[:2], " "), seg[2:]), true
		default:
			return Parsed{Tag: TagUnknown, Cmd: joinQuoted(seg)}, true
		}
	}

	switch {
	case readTools[name]:
		path := firstFileOperand(seg[1:])
		if path == "" && (name == "head" || name == "tail") {
			// `head -n 40` with no file operand reads nothing of its own;
			// it is a formatting helper over a preceding command's output.
			return Parsed{Tag: TagUnknown, Cmd: joinQuoted(seg)}, true
		}
		return Parsed{Tag: TagRead, Cmd: joinQuoted(seg), Path: shortenPath(path)}, true
	case listTools[name]:
		return classifyListFilesArgs(name, seg[1:]), true
	case name == "rg" && hasFlag(seg[1:], "--files"):
		// ripgrep --files lists matching paths rather than searching
		// content — it belongs with ListFiles, not Search.
		return classifyListFilesArgs(name, seg[1:]), true
	case searchTools[name]:
		return classifyGrepArgs(name, seg[1:]), true
	case knownSafeFormattingHelpers[name]:
		return Parsed{Tag: TagUnknown, Cmd: joinQuoted(seg)}, true
	default:
		return Parsed{Tag: TagUnknown, Cmd: joinQuoted(seg)}, true
	}
}

// classifyXargs retains xargs invocations wrapping a mutating command
// (e.g. `xargs sed -i`, `xargs perl -pi`) instead of treating xargs itself
// as a formatting helper to drop.
func classifyXargs(seg []string) (Parsed, bool) {
	return Parsed{Tag: TagUnknown, Cmd: joinQuoted(seg)}, true
}

func classifyGrepArgs(cmdName string, args []string) Parsed {
	var query, path string
	var positionals []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if strings.HasPrefix(a, "-") {
			continue
		}
		positionals = append(positionals, a)
	}
	if len(positionals) > 0 {
		query = positionals[0]
	}
	if len(positionals) > 1 {
		path = positionals[1]
	}
	full := append([]string{cmdName}, args...)
	return Parsed{Tag: TagSearch, Cmd: joinQuoted(full), Query: query, Path: path}
}

func classifyListFilesArgs(cmdName string, args []string) Parsed {
	var path string
	skippingFlagValue := false
	for _, a := range args {
		if skippingFlagValue {
			skippingFlagValue = false
			continue
		}
		if strings.HasPrefix(a, "-") {
			if a == "--exclude" {
				skippingFlagValue = true
			}
			continue
		}
		path = a
	}
	full := append([]string{cmdName}, args...)
	return Parsed{Tag: TagListFiles, Cmd: joinQuoted(full), Path: shortenPath(path)}
}

// joinCdPrefix renders "X/..." as the path prefix a Read gets when it was
// preceded by `cd X &&`.
func joinCdPrefix(dir, path string) string {
	if path == "" {
		return dir + "/..."
	}
	return strings.TrimRight(dir, "/") + "/" + path
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

// valueTakingFlags names flags whose following token is a value, not a
// file operand, for the small set of tools the summarizer classifies.
var valueTakingFlags = map[string]bool{
	"-n": true, "-c": true,
}

// firstFileOperand scans args for the first token that is neither a flag
// nor the value of a preceding value-taking flag.
func firstFileOperand(args []string) string {
	skipNext := false
	for _, a := range args {
		if skipNext {
			skipNext = false
			continue
		}
		if strings.HasPrefix(a, "-") {
			if valueTakingFlags[a] {
				skipNext = true
			}
			continue
		}
		return a
	}
	return ""
}


// shortenPath trims a path down to its last meaningful segment, skipping
// trailing segments that are build-artifact/dependency directory names
// rather than a place worth naming in a summary.
func shortenPath(path string) string {
	if path == "" {
		return ""
	}
	parts := strings.Split(strings.TrimRight(path, "/"), "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] == "" {
			continue
		}
		if excludedPathSegments[parts[i]] {
			continue
		}
		return parts[i]
	}
	return path
}

// joinQuoted re-renders tokens into a display string, quoting any token
// that contains shell-meaningful characters so the summary stays readable
// (e.g. a regex alternation survives as a single quoted argument).
func joinQuoted(tokens []string) string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		if strings.ContainsAny(t, " |&;<>\"") {
			out[i] = "'" + t + "'"
		} else {
			out[i] = t
		}
	}
	return strings.Join(out, " ")
}

// dropFormattingHelpers removes known-safe formatting-helper commands
// (wc, sort, nl, bare sed/awk with no file operand) unless doing so would
// leave the list empty — a lone `wc -l` is still the whole story.
func dropFormattingHelpers(in []Parsed) []Parsed {
	if len(in) <= 1 {
		return in
	}
	var out []Parsed
	for _, p := range in {
		if p.Tag == TagUnknown && isDroppableHelper(p.Cmd) {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return in
	}
	return out
}

func isDroppableHelper(cmd string) bool {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return false
	}
	name := baseName(strings.Trim(fields[0], "'"))
	if knownSafeFormattingHelpers[name] {
		return true
	}
	if name == "head" && len(fields) >= 2 && fields[1] == "-n" {
		return true
	}
	if (name == "sed" || name == "awk") && !hasFileOperand(fields[1:]) {
		return true
	}
	return false
}

func hasFileOperand(args []string) bool {
	for i, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		// the first bare positional to sed/awk is the script/expression,
		// not a file operand; a second bare positional is a file.
		rest := args[i+1:]
		for _, r := range rest {
			if !strings.HasPrefix(r, "-") {
				return true
			}
		}
		break
	}
	return false
}

func dedupeConsecutive(in []Parsed) []Parsed {
	var out []Parsed
	for _, p := range in {
		if len(out) > 0 && out[len(out)-1] == p {
			continue
		}
		out = append(out, p)
	}
	return out
}
