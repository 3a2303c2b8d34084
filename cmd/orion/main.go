package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stellarlinkco/orion/internal/config"
	"github.com/stellarlinkco/orion/internal/dispatch"
	"github.com/stellarlinkco/orion/internal/gateway"
	"github.com/stellarlinkco/orion/internal/listen"
	"github.com/stellarlinkco/orion/internal/logging"
	"github.com/stellarlinkco/orion/internal/notify"
	"github.com/stellarlinkco/orion/internal/scheduler"
	"github.com/stellarlinkco/orion/internal/store"
)

// AgentOptions for running the agent with custom dependencies
type AgentOptions struct {
	CompleterFactory gateway.CompleterFactory
	Logger           *zap.Logger
	Stdin            io.Reader
	Stdout           io.Writer
	SignalChan       chan os.Signal
}

var rootCmd = &cobra.Command{
	Use:   "orion",
	Short: "orion - voice and text assistant",
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Handle a single command or run the console loop",
	RunE:  runAgent,
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the full gateway (channels, timers, voice)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and workspace",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show orion status",
	RunE:  runStatus,
}

var timersCmd = &cobra.Command{
	Use:   "timers",
	Short: "List durable timers",
	RunE:  runTimers,
}

var messageFlag string

func init() {
	agentCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single command to handle")
	rootCmd.AddCommand(agentCmd, gatewayCmd, onboardCmd, statusCmd, timersCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	return runAgentWithOptions(cmd.Context(), AgentOptions{})
}

// runAgentWithOptions runs the agent with injectable dependencies for testing
func runAgentWithOptions(ctx context.Context, opts AgentOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		if logger, err = logging.New(cfg.Log); err != nil {
			return fmt.Errorf("create logger: %w", err)
		}
		defer logger.Sync()
	}

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	// the console is the only surface here
	cfg.Channels.Telegram.Enabled = false
	cfg.Channels.WebUI.Enabled = false
	cfg.Voice.Enabled = false

	name := cfg.Assistant.Name
	gwOpts := gateway.Options{
		CompleterFactory: opts.CompleterFactory,
		Logger:           logger,
		SignalChan:       opts.SignalChan,
	}

	// Single message mode
	if messageFlag != "" {
		gw, err := gateway.New(cfg, gwOpts)
		if err != nil {
			return fmt.Errorf("create gateway: %w", err)
		}
		resp, err := gw.HandleOnce(ctx, messageFlag)
		if resp.Message != "" {
			fmt.Fprintln(stdout, resp.Message)
		}
		return err
	}

	// REPL mode
	rec := listen.NewLineRecognizer(stdin, 0)
	defer rec.Close()
	gwOpts.Recognizer = rec
	console := notify.NewWriter(stdout, name)
	gwOpts.Speaker = console
	gwOpts.Notifiers = []notify.Notifier{console}
	gwOpts.StopWhenIdle = true

	gw, err := gateway.New(cfg, gwOpts)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	fmt.Fprintf(stdout, "%s agent (type 'exit' to stop listening, 'terminate' to quit)\n", name)
	return gw.Run(ctx)
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	opts := gateway.Options{Logger: logger}
	if cfg.Voice.Enabled {
		// utterances arrive one per line from the speech recognizer piped into stdin
		rec := listen.NewLineRecognizer(os.Stdin, time.Duration(cfg.Voice.ListenTimeout)*time.Second)
		defer rec.Close()
		opts.Recognizer = rec
	}

	gw, err := gateway.New(cfg, opts)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	return onboard(cmd.OutOrStdout())
}

func onboard(out io.Writer) error {
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); errors.Is(err, fs.ErrNotExist) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ws := cfg.Assistant.Workspace
	for _, dir := range []string{filepath.Join(cfg.AnswersDir(), "mission"), cfg.HistoryDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create workspace: %w", err)
		}
	}

	writeIfNotExists(out, filepath.Join(cfg.AnswersDir(), "mission", "ANSWER.md"), defaultAnswerMD)

	fmt.Fprintf(out, "Workspace ready: %s\n", ws)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set ORION_API_KEY / GROQ_API_KEY environment variable")
	fmt.Fprintln(out, "  3. Run 'orion agent -m \"what time is it\"' to test")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	return status(cmd.Context(), cmd.OutOrStdout())
}

func status(ctx context.Context, out io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Assistant: %s\n", cfg.Assistant.Name)
	fmt.Fprintf(out, "Workspace: %s\n", cfg.Assistant.Workspace)
	fmt.Fprintf(out, "Model: %s\n", cfg.AI.Model)
	fmt.Fprintf(out, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Fprintf(out, "Weather: %s\n", maskKey(cfg.Weather.APIKey))
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Fprintf(out, "WebUI: enabled=%v\n", cfg.Channels.WebUI.Enabled)
	fmt.Fprintf(out, "Voice: enabled=%v\n", cfg.Voice.Enabled)

	if _, err := os.Stat(cfg.Assistant.Workspace); err != nil {
		fmt.Fprintln(out, "Workspace: not found (run 'orion onboard')")
		return nil
	}
	if !cfg.Scheduler.Durable {
		fmt.Fprintln(out, "Timers: in memory only")
		return nil
	}
	recs, err := durableTimers(ctx, cfg)
	if err != nil {
		fmt.Fprintf(out, "Timers: error (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "Timers: %d pending (%s)\n", len(recs), cfg.SchedulerDBPath())
	return nil
}

func runTimers(cmd *cobra.Command, args []string) error {
	return listTimers(cmd.Context(), cmd.OutOrStdout(), time.Now())
}

func listTimers(ctx context.Context, out io.Writer, now time.Time) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	recs, err := durableTimers(ctx, cfg)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, "No durable timers.")
		return nil
	}
	for _, r := range recs {
		left := "due"
		if d := r.FireAt.Sub(now); d >= time.Second {
			left = "in " + dispatch.FormatSpan(d)
		}
		fmt.Fprintf(out, "timer %d  %-30s  %s  (%s)\n", r.TimerID, r.Label, r.FireAt.Local().Format(time.DateTime), left)
	}
	return nil
}

// durableTimers reads the job store without creating it.
func durableTimers(ctx context.Context, cfg *config.Config) ([]scheduler.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	path := cfg.SchedulerDBPath()
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	st, err := store.Open(cfg.Scheduler.StoreKind, path)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	defer st.Close()

	recs, err := st.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list timers: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].FireAt.Before(recs[j].FireAt) })
	return recs, nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	case key != "":
		return "set"
	default:
		return "not set"
	}
}

func writeIfNotExists(out io.Writer, path, content string) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		_ = os.WriteFile(path, []byte(content), 0o644)
		fmt.Fprintf(out, "  Created: %s\n", path)
	}
}

const defaultAnswerMD = `---
name: mission
phrases:
  - what is your mission
  - what's your mission
---
To keep your timers honest and your questions answered, Commander.
`
