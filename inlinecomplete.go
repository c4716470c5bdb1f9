// inlinecomplete.go
// Package inlinecomplete provides an inline code-completion pipeline backed by
// a local Ollama model: context extraction, prompt building, response
// sanitizing, a bounded completion cache and a debouncing request coordinator.
package inlinecomplete

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	stdslog "log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Core type definitions are in inlinecomplete_types.go.
// Exported error variables are in inlinecomplete_errors.go.

// =============================================================================
// Interfaces for Components
// =============================================================================

// DocumentView is the read-only document surface the pipeline needs.
type DocumentView interface {
	LineAt(n int) string
	LineCount() int
	LanguageID() string
}

// ModelClient is a chat-style text generation service.
type ModelClient interface {
	// Generate streams the model's reply. The request starts when the sequence
	// is ranged over and is aborted by cancelling ctx or by stopping iteration.
	// Errors are yielded as the final element.
	Generate(ctx context.Context, model string, messages []Message, stream bool) iter.Seq2[Chunk, error]
	// CheckAvailability checks if the model backend is reachable.
	CheckAvailability(ctx context.Context) error
}

// PromptFormatter turns extracted context into chat messages.
type PromptFormatter interface {
	FormatMessages(docCtx DocumentContext, config Config, logger *stdslog.Logger) []Message
}

// configurable is implemented by components that follow config updates.
type configurable interface {
	UpdateConfig(cfg Config)
}

// =============================================================================
// Configuration Loading
// =============================================================================

// newConfigViper returns a viper instance carrying every default and the
// INLINECOMPLETE_* environment overrides.
func newConfigViper(logger *stdslog.Logger) *viper.Viper {
	v := viper.NewWithOptions(viper.WithLogger(logger.With("component", "viper")))
	d := getDefaultConfig()
	v.SetDefault("ollama_url", d.OllamaURL)
	v.SetDefault("model", d.Model)
	v.SetDefault("max_tokens", d.MaxTokens)
	v.SetDefault("stop", d.Stop)
	v.SetDefault("temperature", d.Temperature)
	v.SetDefault("stream", d.Stream)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("debounce_ms", d.DebounceMS)
	v.SetDefault("cache_capacity", d.CacheCapacity)
	v.SetDefault("cache_ttl_seconds", d.CacheTTLSeconds)
	v.SetDefault("max_context_len", d.MaxContextLen)
	v.SetDefault("context_memo_ttl_seconds", d.ContextMemoTTLSeconds)
	v.SetDefault("journal_enabled", d.JournalEnabled)
	v.SetDefault("journal_max_records", d.JournalMaxRecords)
	v.SetEnvPrefix(configEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	v.SetConfigType("json")
	return v
}

// LoadAndMergeConfig reads the config file at path (if present) on top of the
// defaults and environment. loaded reports whether a file was read.
func LoadAndMergeConfig(path string, logger *stdslog.Logger) (cfg Config, loaded bool, err error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	v := newConfigViper(logger)
	if path != "" {
		info, statErr := os.Stat(path)
		switch {
		case statErr == nil && info.Size() == 0:
			logger.Warn("Config file is empty, using defaults", "path", path)
			loaded = true
		case statErr == nil:
			v.SetConfigFile(path)
			if readErr := v.ReadInConfig(); readErr != nil {
				var parseErr viper.ConfigParseError
				if errors.As(readErr, &parseErr) {
					return getDefaultConfig(), false, fmt.Errorf("%w: %s: %w", ErrConfigParse, path, readErr)
				}
				return getDefaultConfig(), false, fmt.Errorf("reading config file %s: %w", path, readErr)
			}
			loaded = true
		case errors.Is(statErr, fs.ErrNotExist):
		default:
			return getDefaultConfig(), false, fmt.Errorf("checking config file %s: %w", path, statErr)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return getDefaultConfig(), false, fmt.Errorf("%w: decoding config: %w", ErrConfigParse, err)
	}
	return cfg, loaded, nil
}

// LoadConfig loads configuration from standard locations, merges with defaults
// and environment overrides, validates, and writes a default config if none exists.
func LoadConfig(logger *stdslog.Logger) (Config, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	var loadErrors []error
	var configParseError error
	var cfg Config
	loadedFromFile := false

	primaryPath, secondaryPath, pathErr := GetConfigPaths(logger)
	if pathErr != nil {
		loadErrors = append(loadErrors, pathErr)
		logger.Warn("Could not determine config paths, using defaults", "error", pathErr)
	}

	for _, path := range []string{primaryPath, secondaryPath} {
		if path == "" || loadedFromFile {
			continue
		}
		logger.Debug("Attempting to load config", "path", path)
		loaded, loadedCfg, loadErr := tryLoad(path, logger)
		if loadErr != nil {
			if configParseError == nil && errors.Is(loadErr, ErrConfigParse) {
				configParseError = loadErr
			}
			loadErrors = append(loadErrors, fmt.Errorf("loading %s failed: %w", path, loadErr))
			logger.Warn("Failed to load or merge config", "path", path, "error", loadErr)
			continue
		}
		if loaded {
			loadedFromFile = true
			cfg = loadedCfg
			logger.Info("Loaded config", "path", path)
		}
	}

	if !loadedFromFile {
		writePath := primaryPath
		if writePath == "" {
			writePath = secondaryPath
		}
		switch {
		case configParseError != nil:
			logger.Warn("Existing config file failed to parse. Leaving it untouched and using defaults.", "error", configParseError)
		case writePath != "":
			logger.Info("No config file found. Writing default.", "path", writePath)
			if err := WriteDefaultConfig(writePath, getDefaultConfig(), logger); err != nil {
				logger.Warn("Failed to write default config", "path", writePath, "error", err)
				loadErrors = append(loadErrors, fmt.Errorf("writing default config failed: %w", err))
			}
		default:
			loadErrors = append(loadErrors, errors.New("cannot determine default config path"))
		}
		// Defaults plus environment overrides.
		envCfg, _, envErr := LoadAndMergeConfig("", logger)
		if envErr != nil {
			loadErrors = append(loadErrors, envErr)
			envCfg = getDefaultConfig()
		}
		cfg = envCfg
	}

	if err := cfg.Validate(logger); err != nil {
		logger.Error("Final configuration is invalid, falling back to pure defaults.", "error", err)
		loadErrors = append(loadErrors, fmt.Errorf("post-load config validation failed: %w", err))
		pureDefault := getDefaultConfig()
		if valErr := pureDefault.Validate(logger); valErr != nil {
			return pureDefault, fmt.Errorf("default config definition is invalid: %w", valErr)
		}
		cfg = pureDefault
	}

	if len(loadErrors) > 0 {
		return cfg, fmt.Errorf("%w: %w", ErrConfig, errors.Join(loadErrors...))
	}
	return cfg, nil
}

func tryLoad(path string, logger *stdslog.Logger) (bool, Config, error) {
	cfg, loaded, err := LoadAndMergeConfig(path, logger)
	return loaded, cfg, err
}

// ResolveConfigPath returns the first existing config file, or the primary
// location when none exists yet.
func ResolveConfigPath(logger *stdslog.Logger) (string, error) {
	primary, secondary, err := GetConfigPaths(logger)
	if err != nil {
		return "", err
	}
	for _, p := range []string{primary, secondary} {
		if p == "" {
			continue
		}
		if _, statErr := os.Stat(p); statErr == nil {
			return p, nil
		}
	}
	if primary != "" {
		return primary, nil
	}
	return secondary, nil
}

// WriteDefaultConfig writes cfg as indented JSON to path, creating parent directories.
func WriteDefaultConfig(path string, cfg Config, logger *stdslog.Logger) error {
	if logger == nil {
		logger = stdslog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("%w: creating config directory: %w", ErrConfig, err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding default config: %w", ErrConfig, err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0640); err != nil {
		return fmt.Errorf("%w: writing %s: %w", ErrConfig, path, err)
	}
	logger.Info("Wrote default config", "path", path)
	return nil
}

// WatchConfig re-reads the config file at path whenever it is written and
// passes the validated result to onChange. Invalid edits are logged and skipped.
func WatchConfig(path string, logger *stdslog.Logger, onChange func(Config)) error {
	if logger == nil {
		logger = stdslog.Default()
	}
	watchLogger := logger.With("operation", "WatchConfig", "path", path)
	v := newConfigViper(logger)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("%w: reading %s: %w", ErrConfig, path, err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			watchLogger.Warn("Ignoring config change that failed to decode", "error", err)
			return
		}
		if err := cfg.Validate(watchLogger); err != nil {
			watchLogger.Warn("Ignoring invalid config change", "error", err)
			return
		}
		watchLogger.Info("Config file changed, applying", "event", e.Op.String())
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// =============================================================================
// Default Component Implementations
// =============================================================================

// --- Default Model Client ---

// httpOllamaClient implements ModelClient against Ollama's /api/chat endpoint.
// No overall request timeout is set: a completion lasts until it finishes or
// its context is cancelled.
type httpOllamaClient struct {
	httpClient *http.Client
	mu         sync.RWMutex
	config     Config
	logger     *stdslog.Logger
}

func newHttpOllamaClient(cfg Config, logger *stdslog.Logger) *httpOllamaClient {
	if logger == nil {
		logger = stdslog.Default()
	}
	return &httpOllamaClient{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		config: cfg,
		logger: logger.With("component", "OllamaClient"),
	}
}

// UpdateConfig swaps the config used for URL and sampling options.
func (c *httpOllamaClient) UpdateConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config = cfg
}

func (c *httpOllamaClient) getConfig() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// CheckAvailability lists local models to check that Ollama is reachable.
func (c *httpOllamaClient) CheckAvailability(ctx context.Context) error {
	config := c.getConfig()
	checkLogger := c.logger.With("operation", "CheckAvailability", "url", config.OllamaURL)
	checkLogger.Debug("Checking Ollama availability")

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	endpoint := strings.TrimSuffix(config.OllamaURL, "/") + "/api/tags"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to create check request: %w", ErrOllamaUnavailable, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		checkLogger.Warn("Failed to connect to Ollama for availability check", "error", err)
		return fmt.Errorf("%w: availability check failed: %w", ErrOllamaUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %w", ErrOllamaUnavailable, &OllamaError{Message: "availability check returned " + resp.Status, Status: resp.StatusCode})
	}
	checkLogger.Debug("Ollama availability check successful", "status", resp.StatusCode)
	return nil
}

// Generate implements ModelClient.
func (c *httpOllamaClient) Generate(ctx context.Context, model string, messages []Message, stream bool) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		opLogger := c.logger.With("operation", "Generate", "model", model, "stream", stream)
		body, err := c.postChat(ctx, model, messages, stream, opLogger)
		if err != nil {
			yield(Chunk{}, err)
			return
		}
		defer body.Close()

		if stream {
			readChatStream(ctx, body, opLogger, yield)
			return
		}
		var resp ollamaChatResponse
		if err := json.NewDecoder(body).Decode(&resp); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				yield(Chunk{}, ctxErr)
				return
			}
			yield(Chunk{}, fmt.Errorf("%w: decoding response: %w", ErrStreamProcessing, err))
			return
		}
		if resp.Error != "" {
			yield(Chunk{}, fmt.Errorf("%w: %s", ErrModelResponse, resp.Error))
			return
		}
		yield(Chunk{ContentDelta: resp.Message.Content, Done: true}, nil)
	}
}

// postChat sends the chat request and returns the response body on HTTP 200.
func (c *httpOllamaClient) postChat(ctx context.Context, model string, messages []Message, stream bool, opLogger *stdslog.Logger) (io.ReadCloser, error) {
	config := c.getConfig()
	endpointURL := strings.TrimSuffix(config.OllamaURL, "/") + "/api/chat"
	u, err := url.Parse(endpointURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing Ollama URL '%s': %w", endpointURL, err)
	}

	payload := ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
		Options: map[string]any{
			"temperature": config.Temperature,
			"top_p":       0.9,
			"stop":        config.Stop,
			"num_predict": config.MaxTokens,
		},
	}
	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("error marshaling JSON payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(jsonPayload))
	if err != nil {
		return nil, fmt.Errorf("error creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	opLogger.Debug("Sending chat request to Ollama", "url", endpointURL, "messages", len(messages))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			opLogger.Debug("Ollama chat request context cancelled")
			return nil, context.Canceled
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: context deadline exceeded: %w", ErrOllamaUnavailable, context.DeadlineExceeded)
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			if netErr.Timeout() {
				opLogger.Error("Network timeout during Ollama chat request", "host", u.Host, "error", netErr)
				return nil, fmt.Errorf("%w: network timeout: %w", ErrOllamaUnavailable, netErr)
			}
			var opErr *net.OpError
			if errors.As(err, &opErr) && opErr.Op == "dial" {
				opLogger.Error("Connection refused or network error during Ollama chat request", "host", u.Host, "error", opErr)
				return nil, fmt.Errorf("%w: connection failed: %w", ErrOllamaUnavailable, opErr)
			}
		}
		opLogger.Error("HTTP request to Ollama chat failed", "url", endpointURL, "error", err)
		return nil, fmt.Errorf("%w: http request failed: %w", ErrOllamaUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		bodyBytes, readErr := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		bodyString := "(failed to read error response body)"
		if readErr == nil {
			bodyString = string(bodyBytes)
			var ollamaErrResp struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(bodyBytes, &ollamaErrResp) == nil && ollamaErrResp.Error != "" {
				bodyString = ollamaErrResp.Error
			}
		}
		apiErr := &OllamaError{Message: fmt.Sprintf("Ollama API request failed: %s", bodyString), Status: resp.StatusCode}
		opLogger.Error("Ollama API returned non-OK status", "status", resp.Status, "response_body", bodyString)
		return nil, fmt.Errorf("%w: %w", ErrOllamaUnavailable, apiErr)
	}
	return resp.Body, nil
}

// =============================================================================
// Completer (Main Service)
// =============================================================================

// Option customizes a Completer.
type Option func(*Completer)

// WithModelClient replaces the default Ollama client.
func WithModelClient(client ModelClient) Option {
	return func(c *Completer) { c.client = client }
}

// WithPromptFormatter replaces the default prompt formatter.
func WithPromptFormatter(f PromptFormatter) Option {
	return func(c *Completer) { c.formatter = f }
}

// WithClock sets the time source used for cache timestamps and TTL checks.
func WithClock(now func() time.Time) Option {
	return func(c *Completer) { c.clock = now }
}

// WithTelemetry sets the metric and trace instruments.
func WithTelemetry(t *Telemetry) Option {
	return func(c *Completer) { c.telemetry = t }
}

// WithOutcomeRecorder sets where request outcomes are recorded. It takes
// precedence over the journal_enabled setting.
func WithOutcomeRecorder(r OutcomeRecorder) Option {
	return func(c *Completer) { c.journal = r }
}

// Completer owns the components shared by every completion session: config,
// model client, completion cache, context memo, telemetry and journal.
type Completer struct {
	client      ModelClient
	formatter   PromptFormatter
	memo        *contextMemo
	telemetry   *Telemetry
	journal     OutcomeRecorder
	ownsJournal *Journal // Opened by the Completer and closed with it.
	clock       func() time.Time
	logger      *stdslog.Logger

	configMu sync.RWMutex
	config   Config
	cache    *CompletionCache
	closed   bool
}

// NewCompleter creates a Completer with config from the standard locations.
// A config error is returned alongside a usable Completer.
func NewCompleter(logger *stdslog.Logger, opts ...Option) (*Completer, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	cfg, configErr := LoadConfig(logger)
	if configErr != nil && !errors.Is(configErr, ErrConfig) {
		return nil, configErr
	}
	if configErr != nil {
		logger.Warn("Warning during initial config load", "error", configErr)
	}
	c, err := NewCompleterWithConfig(cfg, logger, opts...)
	if err != nil {
		return nil, err
	}
	return c, configErr
}

// NewCompleterWithConfig creates a Completer from an explicit config.
func NewCompleterWithConfig(config Config, logger *stdslog.Logger, opts ...Option) (*Completer, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	if err := config.Validate(logger); err != nil {
		return nil, fmt.Errorf("initial config validation failed: %w", err)
	}
	completerLogger := logger.With("component", "Completer")

	c := &Completer{
		clock:  time.Now,
		logger: completerLogger,
		config: config,
		cache:  NewCompletionCache(config.CacheCapacity),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = newHttpOllamaClient(config, logger)
	}
	if c.formatter == nil {
		c.formatter = newTemplateFormatter()
	}
	if c.telemetry == nil {
		c.telemetry = noopTelemetry()
	}
	c.memo = newContextMemo(completerLogger)

	if c.journal == nil && config.JournalEnabled {
		path, err := DefaultJournalPath()
		if err == nil {
			var j *Journal
			j, err = OpenJournal(path, config.JournalMaxRecords, completerLogger)
			if err == nil {
				c.journal, c.ownsJournal = j, j
			}
		}
		if err != nil {
			completerLogger.Warn("Outcome journal disabled", "error", err)
		}
	}
	return c, nil
}

func (c *Completer) now() time.Time { return c.clock() }

func (c *Completer) completionCache() *CompletionCache {
	c.configMu.RLock()
	defer c.configMu.RUnlock()
	return c.cache
}

// extractContext runs ExtractContext, memoized per document version when the
// request names its document.
func (c *Completer) extractContext(req CompletionRequest) DocumentContext {
	line, col := req.Position.Line, req.Position.Character
	if req.URI == "" {
		return ExtractContext(req.Document, line, col)
	}
	cfg := c.GetCurrentConfig()
	key := generateMemoKey("ctx", req.URI, req.Version, line, col)
	docCtx, _, _ := withMemoryCache(c.memo, key, 0, cfg.ContextMemoTTL, func() (DocumentContext, error) {
		extracted := ExtractContext(req.Document, line, col)
		return extracted, nil
	}, c.logger)
	return docCtx
}

// NewCoordinator creates a completion session, normally one per open document.
func (c *Completer) NewCoordinator(uri string) (*Coordinator, error) {
	c.configMu.RLock()
	closed := c.closed
	c.configMu.RUnlock()
	if closed {
		return nil, ErrSessionClosed
	}
	return newCoordinator(c, uri), nil
}

// Complete runs one request through a throwaway session.
func (c *Completer) Complete(ctx context.Context, doc DocumentView, pos Position) (*CompletionResult, bool, error) {
	co, err := c.NewCoordinator("")
	if err != nil {
		return nil, false, err
	}
	defer co.Close()
	result, ok := co.RequestCompletion(ctx, CompletionRequest{Document: doc, Position: pos})
	return result, ok, nil
}

// PreviewPrompt returns the messages that would be sent for a cursor position.
func (c *Completer) PreviewPrompt(doc DocumentView, pos Position) []Message {
	docCtx := ExtractContext(doc, pos.Line, pos.Character)
	return c.formatter.FormatMessages(docCtx, c.GetCurrentConfig(), c.logger)
}

// CheckModel checks that the model service answers, waiting out transient unavailability.
func (c *Completer) CheckModel(ctx context.Context) error {
	b := backoff{attempts: maxRetries, delay: retryDelay}
	return b.do(ctx, c.logger.With("operation", "CheckModel"), func() error {
		return c.client.CheckAvailability(ctx)
	})
}

// UpdateConfig validates and applies newConfig. A capacity change replaces
// the completion cache.
func (c *Completer) UpdateConfig(newConfig Config) error {
	if err := newConfig.Validate(c.logger); err != nil {
		return fmt.Errorf("invalid configuration update: %w", err)
	}

	c.configMu.Lock()
	if newConfig.CacheCapacity != c.config.CacheCapacity {
		c.cache = NewCompletionCache(newConfig.CacheCapacity)
	}
	c.config = newConfig
	c.config.Stop = append([]string(nil), newConfig.Stop...)
	c.configMu.Unlock()

	if cc, ok := c.client.(configurable); ok {
		cc.UpdateConfig(newConfig)
	}

	c.logger.Info("Completer configuration updated",
		stdslog.Group("new_config",
			stdslog.String("ollama_url", newConfig.OllamaURL),
			stdslog.String("model", newConfig.Model),
			stdslog.Int("max_tokens", newConfig.MaxTokens),
			stdslog.Float64("temperature", newConfig.Temperature),
			stdslog.Bool("stream", newConfig.Stream),
			stdslog.Duration("debounce", newConfig.Debounce),
			stdslog.Int("cache_capacity", newConfig.CacheCapacity),
			stdslog.Duration("cache_ttl", newConfig.CacheTTL),
			stdslog.String("log_level", newConfig.LogLevel),
		),
	)
	return nil
}

// GetCurrentConfig returns a copy of the active config.
func (c *Completer) GetCurrentConfig() Config {
	c.configMu.RLock()
	defer c.configMu.RUnlock()
	cfg := c.config
	cfg.Stop = append([]string(nil), c.config.Stop...)
	return cfg
}

// Client returns the model client in use.
func (c *Completer) Client() ModelClient { return c.client }

// CacheStats returns completion cache counters.
func (c *Completer) CacheStats() CompletionCacheStats { return c.completionCache().Stats() }

// ClearCache empties the completion cache and the context memo.
func (c *Completer) ClearCache() {
	c.completionCache().Clear()
	c.memo.Clear()
}

// MemoMetrics returns Ristretto metrics for the context memo, or nil.
func (c *Completer) MemoMetrics() *ristretto.Metrics { return c.memo.Metrics() }

// Journal returns the journal opened by this Completer, or nil.
func (c *Completer) Journal() *Journal { return c.ownsJournal }

// Close releases the context memo and the journal.
func (c *Completer) Close() error {
	c.configMu.Lock()
	if c.closed {
		c.configMu.Unlock()
		return nil
	}
	c.closed = true
	c.configMu.Unlock()

	var closeErrors []error
	c.memo.Close()
	if c.ownsJournal != nil {
		if err := c.ownsJournal.Close(); err != nil {
			closeErrors = append(closeErrors, err)
		}
	}
	if len(closeErrors) > 0 {
		return errors.Join(closeErrors...)
	}
	return nil
}
