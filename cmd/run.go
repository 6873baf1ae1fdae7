package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/compaction"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/dispatch"
	"github.com/nextlevelbuilder/goclaw/internal/history"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/rollout"
	"github.com/nextlevelbuilder/goclaw/internal/turn"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

var (
	runModel      string
	runCwd        string
	runRolloutDir string
)

// runCmd resolves config, builds one Driver, submits a single user message
// as a turn, and prints the resulting EventMsg stream as JSON lines to
// stdout — the headless equivalent of the teacher's WebSocket gateway
// loop, minus the transport.
func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Submit one prompt as a turn and print its event stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTurn(cmd.Context(), args[0])
		},
	}
	cmd.Flags().StringVar(&runModel, "model", "", "override the resolved model")
	cmd.Flags().StringVar(&runCwd, "cwd", "", "working directory for the turn (default: current directory)")
	cmd.Flags().StringVar(&runRolloutDir, "rollout-dir", "", "directory to write the session rollout into (default: $GOCLAW_ROLLOUT_DIR or ./rollouts)")
	return cmd
}

func runTurn(ctx context.Context, prompt string) error {
	home, _ := os.UserHomeDir()
	cwd := runCwd
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	loader := config.NewLoader(config.Defaults(), os.Getenv("GOCLAW_MANAGED_CONFIG"), "")
	cfg, _, err := config.Resolve(config.Inputs{
		Home:         home,
		ProjectCwd:   cwd,
		CLIOverrides: cliOverrides(),
		TurnOverrides: config.TurnOverrides{
			Model: runModel,
			Cwd:   cwd,
		},
	}, loader)
	if err != nil {
		return fmt.Errorf("resolve config: %w", err)
	}

	provider, err := selectProvider(cfg.Model)
	if err != nil {
		return err
	}

	sessionID := uuid.NewString()
	w, err := createRollout(sessionID, cwd)
	if err != nil {
		return err
	}
	defer w.Shutdown()

	if err := w.AppendTurnContext(protocol.TurnContextSnap{
		Model:            cfg.Model,
		ContextWindow:    cfg.ContextWindow,
		AutoCompactLimit: cfg.AutoCompactLimit,
		ApprovalPolicy:   cfg.ApprovalPolicy,
		SandboxPolicy:    cfg.SandboxPolicy,
		Cwd:              cfg.Cwd,
		ReasoningEffort:  cfg.ReasoningEffort,
		CompactionPrompt: cfg.CompactionPrompt,
	}, time.Now()); err != nil {
		return fmt.Errorf("write turn context: %w", err)
	}

	h := history.New()
	userMsg := protocol.TextMessage(protocol.RoleUser, prompt)
	if err := h.Append(userMsg); err != nil {
		return fmt.Errorf("append user message: %w", err)
	}
	if err := w.AppendResponseItem(userMsg, time.Now()); err != nil {
		return fmt.Errorf("log user message: %w", err)
	}

	tools := dispatch.NewRegistry()
	tools.Register(dispatch.NewShellExecTool(cfg.Cwd))
	tools.Register(dispatch.NewApplyPatchTool(cfg.Cwd, cfg.SandboxPolicy != "danger-full-access"))
	tools.Register(dispatch.NewViewImageTool(cfg.Cwd))

	approval := dispatch.NewApprovalEngine(cfg.ApprovalPolicy, cfg.SandboxPolicy)
	dispatcher := dispatch.New(tools, approval, cfg.WorkerPoolSize)

	eventBus := bus.NewLocalBus()
	driverEvents := &rolloutEventSink{w: w, publisher: eventBus}

	streamer := providers.NewStreamer(provider, nil, cfg.ContextWindow)
	compactor := providers.NewCompactor(provider, cfg.Model)
	engine := compaction.New(h, compactor, driverEvents, cfg.ContextWindow, cfg.AutoCompactLimit)

	driver := turn.New(h, engine, streamer, dispatcher, driverEvents, cfg.CompactionPrompt)

	turnID := uuid.NewString()
	printed := bus.Pull(ctx, eventBus)
	done := make(chan error, 1)
	go func() { done <- driver.Run(ctx, turnID) }()

	for {
		select {
		case e := <-printed:
			printEvent(e)
			if e.Kind == protocol.EventTurnComplete && e.TurnID == turnID {
				return <-done
			}
		case err := <-done:
			return err
		}
	}
}

// rolloutEventSink persists every emitted ResponseItem/Compaction to the
// rollout in addition to fanning the EventMsg out on the bus, matching the
// spec's requirement that the rollout be the durable replay source for
// whatever the front-end is shown live.
type rolloutEventSink struct {
	w         *rollout.Writer
	publisher bus.Publisher
}

func (s *rolloutEventSink) Emit(e protocol.EventMsg) {
	if e.Item != nil {
		_ = s.w.AppendResponseItem(e.Item, time.Now())
	}
	if e.Kind == protocol.EventContextCompacted && e.Message != "" {
		_ = s.w.AppendCompacted(e.Message, time.Now())
	}
	s.publisher.Broadcast(e)
}

func printEvent(e protocol.EventMsg) {
	b, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(os.Stderr, "goclaw: failed to encode event: %v\n", err)
		return
	}
	fmt.Println(string(b))
}

func createRollout(sessionID, cwd string) (*rollout.Writer, error) {
	dir := runRolloutDir
	if dir == "" {
		dir = os.Getenv("GOCLAW_ROLLOUT_DIR")
	}
	if dir == "" {
		dir = "rollouts"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create rollout dir: %w", err)
	}
	path := filepath.Join(dir, sessionID+".jsonl")
	return rollout.Create(path, protocol.SessionMeta{
		ID:         sessionID,
		CreatedAt:  time.Now(),
		CwdAtStart: cwd,
	})
}

func selectProvider(model string) (providers.Provider, error) {
	switch {
	case strings.HasPrefix(model, "claude"):
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
		}
		return providers.NewAnthropicSDKProvider(apiKey, model), nil
	case strings.HasPrefix(model, "gpt") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3"):
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is not set")
		}
		return providers.NewOpenAISDKProvider(apiKey, os.Getenv("OPENAI_BASE_URL"), model), nil
	case strings.HasPrefix(model, "qwen"):
		apiKey := os.Getenv("DASHSCOPE_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("DASHSCOPE_API_KEY is not set")
		}
		return providers.NewDashScopeProvider(apiKey, os.Getenv("DASHSCOPE_BASE_URL"), model), nil
	default:
		return nil, fmt.Errorf("no provider registered for model %q", model)
	}
}

func cliOverrides() map[string]string {
	overrides := map[string]string{}
	if v := os.Getenv("GOCLAW_APPROVAL_POLICY"); v != "" {
		overrides["approval_policy"] = v
	}
	if v := os.Getenv("GOCLAW_SANDBOX_POLICY"); v != "" {
		overrides["sandbox_policy"] = v
	}
	return overrides
}

