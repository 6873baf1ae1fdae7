package command

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// fixture commands drawn from across the classification taxonomy, used to
// build arbitrary argv sequences for the property checks below.
var fixtureSegments = [][]string{
	{"git", "status"},
	{"git", "grep", "TODO", "src"},
	{"git", "ls-files", "src"},
	{"cat", "README.md"},
	{"ls", "webview/build/dist"},
	{"rg", "--files", "webview/src"},
	{"wc", "-l"},
	{"node", "-v"},
}

func buildScript(indices []int) []string {
	var tokens []string
	for i, idx := range indices {
		if i > 0 {
			tokens = append(tokens, "&&")
		}
		tokens = append(tokens, fixtureSegments[idx%len(fixtureSegments)]...)
	}
	return tokens
}

// TestParseIsDeterministic is the idempotence law the spec calls for:
// summarizing the same argv twice always yields the same classification,
// since Parse has no hidden state or clock dependency.
func TestParseIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("Parse(argv) == Parse(argv) for any sequence of fixture segments", prop.ForAll(
		func(indices []int) bool {
			script := buildScript(indices)
			first := Parse(append([]string{"bash", "-lc"}, joinScript(script)))
			second := Parse(append([]string{"bash", "-lc"}, joinScript(script)))
			return equalParsed(first, second)
		},
		gen.SliceOfN(5, gen.IntRange(0, len(fixtureSegments)-1)),
	))

	properties.TestingRun(t)
}

// TestDedupeConsecutiveIsIdempotent: running the consecutive-dedup pass a
// second time over its own output never changes it.
func TestDedupeConsecutiveIsIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("dedupeConsecutive(dedupeConsecutive(xs)) == dedupeConsecutive(xs)", prop.ForAll(
		func(indices []int) bool {
			script := buildScript(indices)
			parsed := Parse(append([]string{"bash", "-lc"}, joinScript(script)))
			once := dedupeConsecutive(parsed)
			twice := dedupeConsecutive(once)
			return equalParsed(once, twice)
		},
		gen.SliceOfN(6, gen.IntRange(0, len(fixtureSegments)-1)),
	))

	properties.TestingRun(t)
}

func joinScript(tokens []string) string {
	out := ""
	for i, t := range tokens {
		if i > 0 {
			out += " "
		}
		out += t
	}
	return out
}

func equalParsed(a, b []Parsed) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
