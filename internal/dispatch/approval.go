package dispatch

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// Decision is the outcome of consulting approval policy x sandbox policy
// for one call, per spec §4.7.
type Decision string

const (
	Approved                   Decision = "approved"
	ApprovedForSession         Decision = "approved_for_session"
	ApprovedExecpolicyAmendment Decision = "approved_execpolicy_amendment"
	Denied                     Decision = "denied"
	Abort                      Decision = "abort"
)

// Classifier extracts the command-prefix key a ShellExec call should be
// remembered under for ApprovedExecpolicyAmendment (e.g. "git", "npm
// test"). Non-shell tools use their tool name as the key.
type Classifier func(call protocol.FunctionCall) (key string, isShell bool)

// DefaultClassifier extracts the first whitespace-delimited token of a
// shell tool's "command" argument as its amendment key; other tools key
// on their own name.
func DefaultClassifier(call protocol.FunctionCall) (string, bool) {
	if call.Name != "shell" && call.Name != "exec" {
		return call.Name, false
	}
	cmd := extractCommandArg(call.Arguments)
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return call.Name, true
	}
	return fields[0], true
}

// ApprovalEngine consults approval policy x sandbox policy for each call
// and remembers session-scoped and execpolicy-amendment approvals so the
// same class of call isn't asked about twice in one turn, generalized
// from tools/policy.go's ExecApprovalManager ask/deny pipeline (allow/deny
// decisions were per-command there; here they're per decision kind, with
// the policy x sandbox product spec adds on top).
type ApprovalEngine struct {
	ApprovalPolicy string // "untrusted" | "on-request" | "on-failure" | "never" | "unless-trusted"
	SandboxPolicy  string // "read-only" | "workspace-write" | "danger-full-access"
	Classify       Classifier

	// Ask is consulted when policy requires interactive confirmation; nil
	// means "headless" mode, where anything requiring a prompt is denied
	// rather than hanging.
	Ask func(call protocol.FunctionCall) (grant Decision, remember bool)

	mu               sync.Mutex
	sessionApprovals map[string]bool // tool name -> approved for the rest of the session
	amendments       map[string]bool // command-prefix key -> allow-rule remembered
}

// NewApprovalEngine builds an engine with the given policies.
func NewApprovalEngine(approvalPolicy, sandboxPolicy string) *ApprovalEngine {
	return &ApprovalEngine{
		ApprovalPolicy:   approvalPolicy,
		SandboxPolicy:    sandboxPolicy,
		Classify:         DefaultClassifier,
		sessionApprovals: make(map[string]bool),
		amendments:       make(map[string]bool),
	}
}

// Decide returns the Decision for call and, when Denied, a human-readable
// reason the model (and the user) can act on.
func (e *ApprovalEngine) Decide(call protocol.FunctionCall) (Decision, string) {
	key, isShell := e.Classify(call)

	e.mu.Lock()
	if e.sessionApprovals[call.Name] {
		e.mu.Unlock()
		return Approved, ""
	}
	if isShell && e.amendments[key] {
		e.mu.Unlock()
		return Approved, ""
	}
	e.mu.Unlock()

	switch e.ApprovalPolicy {
	case "never":
		// "never" still respects the sandbox: a read-only sandbox denies
		// every shell call regardless of approval policy.
		if e.SandboxPolicy == "read-only" && isShell {
			return Denied, "sandbox is read-only; shell commands are not permitted"
		}
		return Approved, ""

	case "unless-trusted", "untrusted":
		return e.askOrDeny(call, key, isShell)

	case "on-request":
		return e.askOrDeny(call, key, isShell)

	case "on-failure":
		// on-failure only prompts after a prior failure; the dispatcher has
		// no retry-aware state here, so the first attempt always proceeds
		// and a failed attempt is surfaced to the model as output text for
		// the caller (turn driver / UI) to decide whether to re-ask.
		return Approved, ""

	default:
		return e.askOrDeny(call, key, isShell)
	}
}

func (e *ApprovalEngine) askOrDeny(call protocol.FunctionCall, key string, isShell bool) (Decision, string) {
	if e.Ask == nil {
		return Denied, "approval required but no interactive approver is configured"
	}
	decision, remember := e.Ask(call)
	if remember {
		e.mu.Lock()
		switch decision {
		case ApprovedForSession:
			e.sessionApprovals[call.Name] = true
		case ApprovedExecpolicyAmendment:
			if isShell {
				e.amendments[key] = true
			}
		}
		e.mu.Unlock()
	}
	switch decision {
	case Approved, ApprovedForSession, ApprovedExecpolicyAmendment:
		return decision, ""
	case Abort:
		return Abort, "user aborted the turn"
	default:
		return Denied, "denied by user"
	}
}

// extractCommandArg pulls the "command" field out of a ShellExec call's
// raw arguments, matching the teacher's light-touch args
// map[string]interface{} handling in tools/shell.go's ExecTool.Execute.
func extractCommandArg(args []byte) string {
	var parsed struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &parsed); err != nil {
		return ""
	}
	return parsed.Command
}
