package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"

	"github.com/shehackedyou/inlinecomplete"
)

// App version (set via linker flags -ldflags="-X main.appVersion=...")
var appVersion = "dev"

type lspOptions struct {
	logFile     string
	logLevel    string
	debugAddr   string
	watchConfig bool
}

func main() {
	opts := lspOptions{}
	root := &cobra.Command{
		Use:           "inlinecomplete-lsp",
		Short:         "Language server offering inline code completions from a local Ollama model",
		Version:       appVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	root.Flags().StringVar(&opts.logFile, "log-file", "inlinecomplete-lsp.log", "log file path (logs also go to stderr)")
	root.Flags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides config")
	root.Flags().StringVar(&opts.debugAddr, "debug-addr", "localhost:6061", "address for pprof, expvar and /metrics; empty disables")
	root.Flags().BoolVar(&opts.watchConfig, "watch-config", true, "reload the config file when it changes")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts lspOptions) error {
	logFile, err := os.OpenFile(opts.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0660)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()

	// stdout carries the protocol, so logs never go there.
	logWriter := io.MultiWriter(os.Stderr, logFile)
	levelVar := new(slog.LevelVar)
	levelVar.Set(slog.LevelInfo)
	logger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{Level: levelVar, AddSource: true}))
	slog.SetDefault(logger)

	// --- Telemetry ---
	exporter, err := otelprom.New()
	if err != nil {
		return fmt.Errorf("creating prometheus exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := meterProvider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Meter provider shutdown failed", "error", err)
		}
	}()
	otel.SetMeterProvider(meterProvider)
	telemetry, err := inlinecomplete.NewTelemetry(meterProvider, otel.GetTracerProvider())
	if err != nil {
		return fmt.Errorf("creating telemetry: %w", err)
	}

	// --- Core Service ---
	completer, initErr := inlinecomplete.NewCompleter(logger, inlinecomplete.WithTelemetry(telemetry))
	if initErr != nil && !errors.Is(initErr, inlinecomplete.ErrConfig) {
		return fmt.Errorf("initializing completer: %w", initErr)
	}
	defer func() {
		slog.Info("Closing completer service...")
		if err := completer.Close(); err != nil {
			slog.Error("Error closing completer", "error", err)
		}
	}()
	if initErr != nil {
		slog.Warn("Completer initialized with configuration warnings", "error", initErr)
	}

	levelSetting := completer.GetCurrentConfig().LogLevel
	if opts.logLevel != "" {
		levelSetting = opts.logLevel
	}
	if level, parseErr := inlinecomplete.ParseLogLevel(levelSetting); parseErr == nil {
		levelVar.Set(level)
	} else {
		slog.Warn("Invalid log level, using default 'info'", "level", levelSetting, "error", parseErr)
	}
	slog.Info("inlinecomplete LSP server starting...", "version", appVersion, "log_level", levelVar.Level().String())

	runtime.SetBlockProfileRate(1)
	runtime.SetMutexProfileFraction(1)

	lspServer := inlinecomplete.NewServer(completer, logger, levelVar, appVersion)
	if opts.watchConfig {
		if path, pathErr := inlinecomplete.ResolveConfigPath(logger); pathErr == nil {
			if err := lspServer.WatchConfigFile(path); err != nil {
				slog.Warn("Config file watching disabled", "path", path, "error", err)
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	// The editor closing the session ends the whole process.
	lspCtx, cancelLSP := context.WithCancel(gctx)
	defer cancelLSP()
	g.Go(func() error {
		defer cancelLSP()
		return lspServer.Run(lspCtx, os.Stdin, os.Stdout)
	})

	if opts.debugAddr != "" {
		debugServer := newDebugServer(opts.debugAddr)
		g.Go(func() error {
			slog.Info("Starting debug server for pprof/expvar/metrics", "addr", opts.debugAddr)
			if err := debugServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				// Optional endpoint; the editor session continues without it.
				slog.Error("Debug server failed", "error", err)
			}
			return nil
		})
		g.Go(func() error {
			<-lspCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return debugServer.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	slog.Info("LSP server has shut down.")
	return err
}

// newDebugServer exposes pprof, expvar and the Prometheus registry.
func newDebugServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/debug/vars", expvar.Handler())
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
