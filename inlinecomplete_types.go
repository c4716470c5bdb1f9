// inlinecomplete/inlinecomplete_types.go
// Contains core type definitions used throughout the inlinecomplete package.
package inlinecomplete

import (
	"errors"
	"fmt"
	stdslog "log/slog"
	"net/url"
	"strings"
	"time"
)

// =============================================================================
// Configuration Types & Constants
// =============================================================================

const (
	defaultOllamaURL = "http://localhost:11434"
	defaultModel     = "qwen2.5-coder:7b"

	defaultMaxTokens          = 128              // Default maximum tokens for a completion.
	defaultTemperature        = 0.2              // Default sampling temperature.
	defaultLogLevel           = "info"           // Default log level.
	defaultDebounceMS         = 200              // Delay before a burst of requests is sent to the model.
	defaultCacheCapacity      = 100              // Completion cache slots.
	defaultCacheTTLSecs       = 300              // Completion cache entry lifetime (5 minutes).
	defaultMaxContextLen      = 6144             // Max bytes of user prompt sent to the model.
	defaultContextMemoTTLSecs = 30               // TTL for memoized context extraction.
	defaultJournalMaxRecords  = 10000            // Journal is pruned down to this many records.
	defaultConfigFileName     = "config.json"    // Default config file name.
	configDirName             = "inlinecomplete" // Subdirectory name for config/data.
	configEnvPrefix           = "INLINECOMPLETE" // Prefix for environment overrides.
	journalSchemaVersion      = 1                // Bumped when JournalRecord changes shape.
	defaultStreamResponses    = true
	defaultJournalEnabled     = true

	// Retry constants, used for availability checks only.
	maxRetries = 3
	retryDelay = 500 * time.Millisecond
)

// Config holds the active configuration for the completion service.
type Config struct {
	OllamaURL             string   `json:"ollama_url" mapstructure:"ollama_url" yaml:"ollama_url"`
	Model                 string   `json:"model" mapstructure:"model" yaml:"model"`
	MaxTokens             int      `json:"max_tokens" mapstructure:"max_tokens" yaml:"max_tokens"`
	Stop                  []string `json:"stop" mapstructure:"stop" yaml:"stop"`
	Temperature           float64  `json:"temperature" mapstructure:"temperature" yaml:"temperature"`
	Stream                bool     `json:"stream" mapstructure:"stream" yaml:"stream"`                                   // Stream model output chunk by chunk.
	LogLevel              string   `json:"log_level" mapstructure:"log_level" yaml:"log_level"`                          // Log level (debug, info, warn, error).
	DebounceMS            int      `json:"debounce_ms" mapstructure:"debounce_ms" yaml:"debounce_ms"`                    // Debounce delay in milliseconds.
	CacheCapacity         int      `json:"cache_capacity" mapstructure:"cache_capacity" yaml:"cache_capacity"`           // Completion cache capacity N.
	CacheTTLSeconds       int      `json:"cache_ttl_seconds" mapstructure:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`  // Completion cache TTL.
	MaxContextLen         int      `json:"max_context_len" mapstructure:"max_context_len" yaml:"max_context_len"`        // Max bytes for the user prompt.
	ContextMemoTTLSeconds int      `json:"context_memo_ttl_seconds" mapstructure:"context_memo_ttl_seconds" yaml:"context_memo_ttl_seconds"`
	JournalEnabled        bool     `json:"journal_enabled" mapstructure:"journal_enabled" yaml:"journal_enabled"`
	JournalMaxRecords     int      `json:"journal_max_records" mapstructure:"journal_max_records" yaml:"journal_max_records"`

	// Derived durations, not read from file.
	Debounce       time.Duration `json:"-" mapstructure:"-" yaml:"-"`
	CacheTTL       time.Duration `json:"-" mapstructure:"-" yaml:"-"`
	ContextMemoTTL time.Duration `json:"-" mapstructure:"-" yaml:"-"`
}

// FileConfig represents a partial configuration, as sent by an editor in
// workspace/didChangeConfiguration. Pointers distinguish unset fields from zero values.
type FileConfig struct {
	OllamaURL             *string   `json:"ollama_url"`
	Model                 *string   `json:"model"`
	MaxTokens             *int      `json:"max_tokens"`
	Stop                  *[]string `json:"stop"`
	Temperature           *float64  `json:"temperature"`
	Stream                *bool     `json:"stream"`
	LogLevel              *string   `json:"log_level"`
	DebounceMS            *int      `json:"debounce_ms"`
	CacheCapacity         *int      `json:"cache_capacity"`
	CacheTTLSeconds       *int      `json:"cache_ttl_seconds"`
	MaxContextLen         *int      `json:"max_context_len"`
	ContextMemoTTLSeconds *int      `json:"context_memo_ttl_seconds"`
	JournalEnabled        *bool     `json:"journal_enabled"`
	JournalMaxRecords     *int      `json:"journal_max_records"`
}

// getDefaultConfig returns a new instance of the default configuration.
func getDefaultConfig() Config {
	return Config{
		OllamaURL:             defaultOllamaURL,
		Model:                 defaultModel,
		MaxTokens:             defaultMaxTokens,
		Stop:                  []string{"\n\n\n", "<|endoftext|>"},
		Temperature:           defaultTemperature,
		Stream:                defaultStreamResponses,
		LogLevel:              defaultLogLevel,
		DebounceMS:            defaultDebounceMS,
		CacheCapacity:         defaultCacheCapacity,
		CacheTTLSeconds:       defaultCacheTTLSecs,
		MaxContextLen:         defaultMaxContextLen,
		ContextMemoTTLSeconds: defaultContextMemoTTLSecs,
		JournalEnabled:        defaultJournalEnabled,
		JournalMaxRecords:     defaultJournalMaxRecords,
		Debounce:              defaultDebounceMS * time.Millisecond,
		CacheTTL:              defaultCacheTTLSecs * time.Second,
		ContextMemoTTL:        defaultContextMemoTTLSecs * time.Second,
	}
}

// DefaultConfig returns the built-in configuration. Exported for the CLI.
func DefaultConfig() Config { return getDefaultConfig() }

// Validate checks if configuration values are valid, applying defaults for some fields.
func (c *Config) Validate(logger *stdslog.Logger) error {
	var validationErrors []error
	if logger == nil {
		logger = stdslog.Default()
	}
	tempDefault := getDefaultConfig()

	if strings.TrimSpace(c.OllamaURL) == "" {
		validationErrors = append(validationErrors, errors.New("ollama_url cannot be empty"))
	} else {
		parsedURL, err := url.ParseRequestURI(c.OllamaURL)
		if err != nil {
			validationErrors = append(validationErrors, fmt.Errorf("invalid ollama_url format: %w", err))
		} else if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
			validationErrors = append(validationErrors, fmt.Errorf("invalid ollama_url scheme '%s', must be http or https", parsedURL.Scheme))
		}
	}
	if strings.TrimSpace(c.Model) == "" {
		validationErrors = append(validationErrors, errors.New("model cannot be empty"))
	}
	if c.MaxTokens <= 0 {
		logger.Warn("Config validation: max_tokens is not positive, applying default.", "configured_value", c.MaxTokens, "default", tempDefault.MaxTokens)
		c.MaxTokens = tempDefault.MaxTokens
	}
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		logger.Warn("Config validation: temperature is outside reasonable range [0.0, 2.0], applying default.", "configured_value", c.Temperature, "default", tempDefault.Temperature)
		validationErrors = append(validationErrors, fmt.Errorf("temperature %f is outside valid range [0.0, 2.0]", c.Temperature))
		c.Temperature = tempDefault.Temperature
	}
	if c.DebounceMS < 0 {
		logger.Warn("Config validation: debounce_ms is negative, applying default.", "configured_value", c.DebounceMS, "default", tempDefault.DebounceMS)
		c.DebounceMS = tempDefault.DebounceMS
	}
	if c.CacheCapacity <= 0 {
		logger.Warn("Config validation: cache_capacity is not positive, applying default.", "configured_value", c.CacheCapacity, "default", tempDefault.CacheCapacity)
		c.CacheCapacity = tempDefault.CacheCapacity
	}
	if c.CacheTTLSeconds <= 0 {
		logger.Warn("Config validation: cache_ttl_seconds is not positive, applying default.", "configured_value", c.CacheTTLSeconds, "default", tempDefault.CacheTTLSeconds)
		c.CacheTTLSeconds = tempDefault.CacheTTLSeconds
	}
	if c.MaxContextLen <= 0 {
		logger.Warn("Config validation: max_context_len is not positive, applying default.", "configured_value", c.MaxContextLen, "default", tempDefault.MaxContextLen)
		c.MaxContextLen = tempDefault.MaxContextLen
	}
	if c.ContextMemoTTLSeconds <= 0 {
		logger.Warn("Config validation: context_memo_ttl_seconds is not positive, applying default.", "configured_value", c.ContextMemoTTLSeconds, "default", tempDefault.ContextMemoTTLSeconds)
		c.ContextMemoTTLSeconds = tempDefault.ContextMemoTTLSeconds
	}
	if c.JournalMaxRecords <= 0 {
		logger.Warn("Config validation: journal_max_records is not positive, applying default.", "configured_value", c.JournalMaxRecords, "default", tempDefault.JournalMaxRecords)
		c.JournalMaxRecords = tempDefault.JournalMaxRecords
	}
	// Derive durations after validation/defaulting.
	c.Debounce = time.Duration(c.DebounceMS) * time.Millisecond
	c.CacheTTL = time.Duration(c.CacheTTLSeconds) * time.Second
	c.ContextMemoTTL = time.Duration(c.ContextMemoTTLSeconds) * time.Second

	if c.LogLevel == "" {
		logger.Warn("Config validation: log_level is empty, applying default.", "default", defaultLogLevel)
		c.LogLevel = defaultLogLevel
	} else {
		_, err := ParseLogLevel(c.LogLevel)
		if err != nil {
			logger.Warn("Config validation: Invalid log_level found, applying default.", "configured_value", c.LogLevel, "default", defaultLogLevel, "error", err)
			validationErrors = append(validationErrors, fmt.Errorf("invalid log_level '%s': %w", c.LogLevel, err))
			c.LogLevel = defaultLogLevel
		}
	}
	if c.Stop == nil {
		logger.Warn("Config validation: stop sequences list is nil, applying default.", "default", tempDefault.Stop)
		c.Stop = make([]string, len(tempDefault.Stop))
		copy(c.Stop, tempDefault.Stop)
	}

	if len(validationErrors) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(validationErrors...))
	}
	return nil
}

// Merge returns a copy of c with every field set in fc applied on top.
// The result is not validated.
func (c Config) Merge(fc FileConfig) Config {
	merged := c
	merged.Stop = append([]string(nil), c.Stop...)
	if fc.OllamaURL != nil {
		merged.OllamaURL = *fc.OllamaURL
	}
	if fc.Model != nil {
		merged.Model = *fc.Model
	}
	if fc.MaxTokens != nil {
		merged.MaxTokens = *fc.MaxTokens
	}
	if fc.Stop != nil {
		merged.Stop = append([]string(nil), (*fc.Stop)...)
	}
	if fc.Temperature != nil {
		merged.Temperature = *fc.Temperature
	}
	if fc.Stream != nil {
		merged.Stream = *fc.Stream
	}
	if fc.LogLevel != nil {
		merged.LogLevel = *fc.LogLevel
	}
	if fc.DebounceMS != nil {
		merged.DebounceMS = *fc.DebounceMS
	}
	if fc.CacheCapacity != nil {
		merged.CacheCapacity = *fc.CacheCapacity
	}
	if fc.CacheTTLSeconds != nil {
		merged.CacheTTLSeconds = *fc.CacheTTLSeconds
	}
	if fc.MaxContextLen != nil {
		merged.MaxContextLen = *fc.MaxContextLen
	}
	if fc.ContextMemoTTLSeconds != nil {
		merged.ContextMemoTTLSeconds = *fc.ContextMemoTTLSeconds
	}
	if fc.JournalEnabled != nil {
		merged.JournalEnabled = *fc.JournalEnabled
	}
	if fc.JournalMaxRecords != nil {
		merged.JournalMaxRecords = *fc.JournalMaxRecords
	}
	return merged
}

// =============================================================================
// Document & Context Types
// =============================================================================

// Position is a 0-based cursor location. Character is a byte offset within the line.
type Position struct {
	Line      int
	Character int
}

// Range is a half-open span between two positions.
type Range struct {
	Start Position
	End   Position
}

// TextDocument is an immutable snapshot of a document's text, split into lines.
// It implements DocumentView.
type TextDocument struct {
	lines      []string
	languageID string
}

// NewTextDocument splits text into lines, dropping carriage returns.
func NewTextDocument(text, languageID string) *TextDocument {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return &TextDocument{
		lines:      strings.Split(text, "\n"),
		languageID: languageID,
	}
}

// LineAt returns line n, or "" when n is out of range.
func (d *TextDocument) LineAt(n int) string {
	if n < 0 || n >= len(d.lines) {
		return ""
	}
	return d.lines[n]
}

func (d *TextDocument) LineCount() int     { return len(d.lines) }
func (d *TextDocument) LanguageID() string { return d.languageID }

// DocumentContext is the read-only snapshot derived once per request.
type DocumentContext struct {
	ImportsText        string
	EnclosingBlockText string
	LinePrefix         string
	PrevLineText       string
	Language           string
	ScopeVariableNames []string
	Fingerprint        string
	CursorLine         int // Cursor line after clamping to the document.
	BoundaryLine       int // Line where the enclosing declaration starts.
}

// CompletionRequest describes one inbound request from an editor host.
type CompletionRequest struct {
	Document DocumentView
	Position Position
	URI      string // Optional, enables context memoization together with Version.
	Version  int
}

// CompletionResult carries the text to insert and where to insert it.
type CompletionResult struct {
	Text  string
	Range *Range
}

// CacheEntry is a stored completion. Entries are never mutated, only replaced.
type CacheEntry struct {
	Completion string
	CreatedAt  time.Time
}

// =============================================================================
// Model Service Types
// =============================================================================

// Message is one chat turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chunk is one element of a model output stream.
type Chunk struct {
	ContentDelta string
	Done         bool
}

type OllamaError struct {
	Message string
	Status  int // HTTP status code, if available
}

func (e *OllamaError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("Ollama error: %s (Status: %d)", e.Message, e.Status)
	}
	return fmt.Sprintf("Ollama error: %s", e.Message)
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

// ollamaChatResponse is a single NDJSON line from /api/chat.
type ollamaChatResponse struct {
	Model   string  `json:"model"`
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`
}

// =============================================================================
// Session & Journal Types
// =============================================================================

// SessionState is the coordinator's position in its request lifecycle.
type SessionState int

const (
	StateIdle SessionState = iota
	StateDebouncing
	StateRequesting
	StateCancelled
	StateCompleted
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDebouncing:
		return "debouncing"
	case StateRequesting:
		return "requesting"
	case StateCancelled:
		return "cancelled"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Outcome classifies how a completion request was resolved.
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeCacheHit   Outcome = "cache_hit"
	OutcomeEmpty      Outcome = "empty"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeFailed     Outcome = "failed"
)

// JournalRecord is the persisted metadata of one resolved request.
// Completion text is never stored.
type JournalRecord struct {
	Time          time.Time
	SessionID     string
	Model         string
	Language      string
	Fingerprint   string
	Outcome       Outcome
	LatencyMS     int64
	CompletionLen int
}

// JournalSummary aggregates journal records.
type JournalSummary struct {
	Total         int
	ByOutcome     map[Outcome]int
	MeanLatencyMS float64
	First         time.Time
	Last          time.Time
}
