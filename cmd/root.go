// Package cmd is the whale CLI: interactive chat on a TTY, print mode with
// -p, serve mode, and the admin subcommands. The cobra tree here is the
// single authoritative command list.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/whalelabs/whale/internal/agent"
	"github.com/whalelabs/whale/internal/config"
	"github.com/whalelabs/whale/internal/engine"
	"github.com/whalelabs/whale/internal/tracing"
	"github.com/whalelabs/whale/pkg/protocol"
)

// Exit codes.
const (
	ExitOK             = 0
	ExitError          = 1
	ExitBudgetExceeded = 2
	ExitInterrupt      = 130
)

var (
	cfgFile string
	verbose bool
	debug   bool

	flagPrint        bool
	flagOutputFormat string
	flagModel        string
	flagFallback     string
	flagPermMode     string
	flagResume       string
	flagContinue     bool
	flagSessionID    string
	flagMaxTurns     int
	flagMaxBudget    float64
	flagEffort       string
	flagAllowed      []string
	flagDisallowed   []string
)

var rootCmd = &cobra.Command{
	Use:   "whale [prompt]",
	Short: "whale — local-first AI coding agent",
	Long: "Whale runs an AI coding agent against your local workspace: the model reads and " +
		"edits files, runs commands in a write-confined sandbox, queries language servers, " +
		"and spawns sub-agents. Interactive by default on a TTY; use -p for print mode.",
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := strings.Join(args, " ")
		if flagPrint || !isatty.IsTerminal(os.Stdin.Fd()) {
			return runPrint(cmd.Context(), prompt)
		}
		return runChat(cmd.Context(), prompt)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: ~/.whale/config.json or $WHALE_CONFIG)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVar(&debug, "debug", false, "write ndjson diagnostics to ~/.whale/debug/")

	f := rootCmd.Flags()
	f.BoolVarP(&flagPrint, "print", "p", false, "print mode: run one prompt and exit")
	f.StringVar(&flagOutputFormat, "output-format", "text", "print-mode output: text, json, or stream-json")
	f.StringVarP(&flagModel, "model", "m", "", "model override")
	f.StringVar(&flagFallback, "fallback-model", "", "model to switch to on persistent overload")
	f.StringVar(&flagPermMode, "permission-mode", "", "tool permission mode: default, plan, or yolo")
	f.StringVarP(&flagResume, "resume", "r", "", "resume the given conversation id")
	f.BoolVarP(&flagContinue, "continue", "c", false, "continue the most recent conversation")
	f.StringVar(&flagSessionID, "session-id", "", "use a fixed session id")
	f.IntVar(&flagMaxTurns, "max-turns", 0, "stop after this many model turns")
	f.Float64Var(&flagMaxBudget, "max-budget-usd", 0, "stop once estimated cost exceeds this")
	f.StringVar(&flagEffort, "effort", "", "reasoning effort: low, medium, or high")
	f.StringSliceVar(&flagAllowed, "allowed-tools", nil, "restrict the tool surface to these names")
	f.StringSliceVar(&flagDisallowed, "disallowed-tools", nil, "remove these tools from the surface")

	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(storesCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("whale %s (protocol %d)\n", engine.Version, protocol.ProtocolVersion)
		},
	}
}

// Execute runs the root command with signal-aware exit codes.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	setupLogging()

	err := rootCmd.ExecuteContext(ctx)
	switch {
	case err == nil:
		if ctx.Err() != nil {
			os.Exit(ExitInterrupt)
		}
	case isBudgetErr(err):
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(ExitBudgetExceeded)
	case ctx.Err() != nil:
		os.Exit(ExitInterrupt)
	default:
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(ExitError)
	}
}

func isBudgetErr(err error) bool {
	return errors.Is(err, agent.ErrBudgetExceeded)
}

func setupLogging() {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// loadConfig resolves and loads the config file. CLI flag overrides are
// applied later, in buildEngine.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.Path(cfgFile))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildEngine assembles the engine with flag overrides and tracing.
func buildEngine(ctx context.Context) (*engine.Engine, *config.Config, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, engine.Version)
	if err != nil {
		return nil, nil, nil, err
	}

	eng, err := engine.New(cfg, engine.Options{
		Model:           flagModel,
		FallbackModel:   flagFallback,
		PermissionMode:  flagPermMode,
		MaxTurns:        flagMaxTurns,
		MaxBudgetUSD:    flagMaxBudget,
		Effort:          flagEffort,
		AllowedTools:    flagAllowed,
		DisallowedTools: flagDisallowed,
	})
	if err != nil {
		shutdownTracing(ctx)
		return nil, nil, nil, err
	}

	stopWatch, err := config.Watch(config.Path(cfgFile), cfg, nil)
	if err != nil {
		slog.Debug("config watcher unavailable", "error", err)
		stopWatch = func() {}
	}

	cleanup := func() {
		stopWatch()
		eng.Close(context.Background())
		shutdownTracing(context.Background())
	}
	return eng, cfg, cleanup, nil
}

// resolveConversation picks the conversation id from flags.
func resolveConversation(eng *engine.Engine) (id string, resume bool, err error) {
	switch {
	case flagResume != "":
		return flagResume, true, nil
	case flagContinue:
		infos, err := eng.Store.List()
		if err != nil {
			return "", false, err
		}
		if len(infos) == 0 {
			return "", false, fmt.Errorf("no conversation to continue")
		}
		return infos[0].ID, true, nil
	case flagSessionID != "":
		_, loadErr := eng.Store.Load(flagSessionID)
		return flagSessionID, loadErr == nil, nil
	default:
		return "", false, nil
	}
}
