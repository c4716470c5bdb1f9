package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/shehackedyou/inlinecomplete"
)

// Set at build time
var version = "dev"

var logLevelFlag string

func main() {
	root := &cobra.Command{
		Use:           "inlinecomplete-cli",
		Short:         "One-shot inline completions, prompt previews and journal statistics",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogger(logLevelFlag)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevelFlag, "log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(
		newCompleteCmd(),
		newPromptCmd(),
		newStatsCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		inlinecomplete.PrettyPrint(inlinecomplete.ColorRed, fmt.Sprintf("Error: %v\n", err))
		os.Exit(1)
	}
}

// setupLogger installs a stderr logger. CLI logs stay concise.
func setupLogger(levelStr string) {
	level, err := inlinecomplete.ParseLogLevel(levelStr)
	if err != nil {
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	if err != nil {
		slog.Warn("Invalid log level specified, using 'warn'", "specified_level", levelStr, "error", err)
	}
}

// newCompleter loads config and builds the service. Config warnings are
// logged; anything else is fatal.
func newCompleter() (*inlinecomplete.Completer, error) {
	completer, err := inlinecomplete.NewCompleter(slog.Default())
	if err != nil && !errors.Is(err, inlinecomplete.ErrConfig) {
		return nil, fmt.Errorf("initializing completer: %w", err)
	}
	if err != nil {
		slog.Warn("Completer initialized with configuration warnings", "error", err)
	}
	return completer, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "inlinecomplete-cli version %s\n", version)
		},
	}
}
