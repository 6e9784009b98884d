package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"Mokpell/internal/backend"
	"Mokpell/internal/cli/subcommands"
	"Mokpell/internal/config"
	"Mokpell/internal/logging"

	_ "Mokpell/internal/backend/llamacpp"
	_ "Mokpell/internal/backend/ngram"
)

// Version is set at build time with -ldflags "-X Mokpell/internal/cli.Version=...".
var Version = "dev"

// Execute is the entry point for the Mokpell CLI.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd(os.Stdin, os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// rootFlags override the configuration file.
type rootFlags struct {
	config    string
	backend   string
	model     string
	logLevel  string
	logToFile bool
}

// NewRootCmd builds the command tree reading from in and writing to out and
// errOut.
func NewRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	app := &subcommands.App{Registry: backend.DefaultRegistry, In: in, Out: out, Err: errOut}
	var flags rootFlags

	root := &cobra.Command{
		Use:           "mokpell",
		Short:         "Mokpell runs local LLM inference sessions",
		Long:          "Mokpell loads a model, runs chat generations token by token and measures throughput.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.ResolvePath(flags.config)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			applyFlags(&cfg, flags)
			toFile := flags.logToFile || cmd.Annotations[subcommands.AnnotationLogToFile] == "true"
			return app.Setup(cfg, toFile)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.Close()
		},
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.config, "config", "c", "", "config file (.yaml, .toml or .json; defaults to APP_CONFIG or ./mokpell.yaml)")
	pf.StringVar(&flags.backend, "backend", "", "runtime backend (overrides runtime.backend)")
	pf.StringVar(&flags.model, "model", "", "model path (overrides runtime.model_path)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: trace|debug|info|warn|error")
	pf.BoolVar(&flags.logToFile, "log-file", false, "write logs to ~/.mokpell/logs instead of stderr")

	root.AddCommand(
		subcommands.NewChatCmd(app),
		subcommands.NewCliCmd(app),
		subcommands.NewTuiCmd(app),
		subcommands.NewBenchCmd(app),
		subcommands.NewTokenizeCmd(app),
		subcommands.NewDetokenizeCmd(app),
		subcommands.NewInfoCmd(app),
		subcommands.NewConfigCmd(app),
		subcommands.NewServeCmd(app),
		subcommands.NewRemoteCmd(app),
		newVersionCmd(app),
	)
	return root
}

func applyFlags(cfg *config.Config, f rootFlags) {
	if f.backend != "" {
		cfg.Runtime.Backend = f.backend
	}
	if f.model != "" {
		cfg.Runtime.ModelPath = f.model
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
}

func newVersionCmd(app *subcommands.App) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(app.Out, "mokpell %s (%s %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
