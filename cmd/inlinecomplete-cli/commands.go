package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shehackedyou/inlinecomplete"
)

// inputFlags select the document and cursor for complete and prompt.
type inputFlags struct {
	file     string
	line     int
	col      int
	stdin    bool
	language string
}

func (f *inputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.file, "file", "", "path to the source file (required unless --stdin is used)")
	cmd.Flags().IntVar(&f.line, "line", 0, "cursor line (1-based)")
	cmd.Flags().IntVar(&f.col, "col", 0, "cursor column (1-based, in bytes)")
	cmd.Flags().BoolVar(&f.stdin, "stdin", false, "read the document from stdin; the cursor is placed at its end")
	cmd.Flags().StringVar(&f.language, "lang", "", "language id (default: derived from the file extension)")
}

// load returns the document and the 0-based cursor position.
func (f *inputFlags) load(stdin io.Reader) (*inlinecomplete.TextDocument, inlinecomplete.Position, error) {
	var pos inlinecomplete.Position
	if f.stdin {
		if f.file != "" || f.line != 0 || f.col != 0 {
			return nil, pos, errors.New("cannot use --file, --line or --col together with --stdin")
		}
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, pos, fmt.Errorf("reading stdin: %w", err)
		}
		doc := inlinecomplete.NewTextDocument(string(data), f.language)
		last := doc.LineCount() - 1
		pos = inlinecomplete.Position{Line: last, Character: len(doc.LineAt(last))}
		return doc, pos, nil
	}

	if f.file == "" {
		return nil, pos, errors.New("missing required flag: --file")
	}
	if f.line <= 0 || f.col <= 0 {
		return nil, pos, fmt.Errorf("--line and --col must be positive (got %d:%d)", f.line, f.col)
	}
	absPath, err := inlinecomplete.ValidateAndGetFilePath(f.file)
	if err != nil {
		return nil, pos, err
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, pos, fmt.Errorf("reading %s: %w", absPath, err)
	}
	language := f.language
	if language == "" {
		language = languageFromPath(absPath)
	}
	doc := inlinecomplete.NewTextDocument(string(data), language)
	if f.line > doc.LineCount() {
		return nil, pos, fmt.Errorf("%w: line %d beyond end of file (%d lines)", inlinecomplete.ErrPositionOutOfRange, f.line, doc.LineCount())
	}
	return doc, inlinecomplete.Position{Line: f.line - 1, Character: f.col - 1}, nil
}

var extensionLanguages = map[string]string{
	".go":   "go",
	".js":   "javascript",
	".mjs":  "javascript",
	".cjs":  "javascript",
	".jsx":  "javascriptreact",
	".ts":   "typescript",
	".tsx":  "typescriptreact",
	".py":   "python",
	".rs":   "rust",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".cc":   "cpp",
	".hpp":  "cpp",
	".java": "java",
	".cs":   "csharp",
	".rb":   "ruby",
	".php":  "php",
	".sh":   "shellscript",
}

func languageFromPath(path string) string {
	if lang, ok := extensionLanguages[strings.ToLower(filepath.Ext(path))]; ok {
		return lang
	}
	return "plaintext"
}

// ============================================================================
// complete / prompt
// ============================================================================

func newCompleteCmd() *cobra.Command {
	var in inputFlags
	var noSpinner bool
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Request a completion at a cursor position and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, pos, err := in.load(cmd.InOrStdin())
			if err != nil {
				return err
			}
			completer, err := newCompleter()
			if err != nil {
				return err
			}
			defer completer.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			spinner := inlinecomplete.NewSpinner(cmd.ErrOrStderr())
			if !noSpinner {
				spinner.Start("Waiting for " + completer.GetCurrentConfig().Model)
			}
			result, ok, err := completer.Complete(ctx, doc, pos)
			spinner.Stop()
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return fmt.Errorf("completion request ended: %w", ctx.Err())
			}
			if !ok {
				inlinecomplete.PrettyPrint(inlinecomplete.ColorYellow, "No suggestion.\n")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), result.Text)
			return nil
		},
	}
	in.register(cmd)
	cmd.Flags().BoolVar(&noSpinner, "no-spinner", false, "disable the progress spinner")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "give up after this long")
	return cmd
}

func newPromptCmd() *cobra.Command {
	var in inputFlags
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Print the messages that would be sent to the model, without sending them",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, pos, err := in.load(cmd.InOrStdin())
			if err != nil {
				return err
			}
			completer, err := newCompleter()
			if err != nil {
				return err
			}
			defer completer.Close()

			out := cmd.OutOrStdout()
			for _, m := range completer.PreviewPrompt(doc, pos) {
				fmt.Fprintf(out, "%s--- %s ---%s\n%s\n\n", inlinecomplete.ColorBlue, m.Role, inlinecomplete.ColorReset, m.Content)
			}
			return nil
		},
	}
	in.register(cmd)
	return cmd
}

// ============================================================================
// stats
// ============================================================================

func newStatsCmd() *cobra.Command {
	var recent int
	var journalPath string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the completion outcome journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if journalPath == "" {
				p, err := inlinecomplete.DefaultJournalPath()
				if err != nil {
					return err
				}
				journalPath = p
			}
			if _, err := os.Stat(journalPath); errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(cmd.OutOrStdout(), "No journal at %s\n", journalPath)
				return nil
			}
			journal, err := inlinecomplete.OpenJournal(journalPath, 0, nil)
			if err != nil {
				return err
			}
			defer journal.Close()

			summary, err := journal.Summarize()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Journal: %s\n", journalPath)
			fmt.Fprintf(out, "Requests: %d\n", summary.Total)
			if summary.Total == 0 {
				return nil
			}
			fmt.Fprintf(out, "Period: %s .. %s\n", summary.First.Format(time.RFC3339), summary.Last.Format(time.RFC3339))
			fmt.Fprintf(out, "Mean latency: %.1f ms\n", summary.MeanLatencyMS)

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "OUTCOME\tCOUNT")
			for _, o := range []inlinecomplete.Outcome{
				inlinecomplete.OutcomeCompleted, inlinecomplete.OutcomeCacheHit, inlinecomplete.OutcomeEmpty,
				inlinecomplete.OutcomeSuperseded, inlinecomplete.OutcomeCancelled, inlinecomplete.OutcomeFailed,
			} {
				fmt.Fprintf(tw, "%s\t%d\n", o, summary.ByOutcome[o])
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if recent <= 0 {
				return nil
			}
			records, err := journal.Recent(recent)
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tOUTCOME\tLANGUAGE\tMODEL\tLATENCY_MS\tLEN")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n", r.Time.Format(time.RFC3339), r.Outcome, r.Language, r.Model, r.LatencyMS, r.CompletionLen)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&recent, "recent", 0, "also list the N most recent records")
	cmd.Flags().StringVar(&journalPath, "journal", "", "journal path (default: user cache dir)")
	return cmd
}

// ============================================================================
// config
// ============================================================================

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and initialize the configuration",
	}
	cmd.AddCommand(newConfigShowCmd(), newConfigInitCmd(), newConfigPathCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var asYAML bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (file, environment and defaults merged)",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := inlinecomplete.ResolveConfigPath(nil)
			if err != nil {
				return err
			}
			cfg, _, err := inlinecomplete.LoadAndMergeConfig(path, nil)
			if err != nil {
				return err
			}
			if err := cfg.Validate(nil); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asYAML {
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(cfg)
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print as YAML instead of JSON")
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			primary, secondary, err := inlinecomplete.GetConfigPaths(nil)
			if err != nil {
				return err
			}
			path := primary
			if path == "" {
				path = secondary
			}
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Fprintf(cmd.ErrOrStderr(), "Config file already exists at %s (use --force to overwrite)\n", path)
				return nil
			}
			if err := inlinecomplete.WriteDefaultConfig(path, inlinecomplete.DefaultConfig(), nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config file created at %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file location in use",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := inlinecomplete.ResolveConfigPath(nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}
