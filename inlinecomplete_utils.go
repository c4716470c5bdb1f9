// inlinecomplete_utils.go
package inlinecomplete

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// ============================================================================
// Terminal Colors
// ============================================================================
var (
	ColorReset  = "\033[0m"
	ColorGreen  = "\033[38;5;119m"
	ColorYellow = "\033[38;5;220m"
	ColorBlue   = "\033[38;5;153m"
	ColorRed    = "\033[38;5;203m"
	ColorCyan   = "\033[38;5;141m"
)

// ============================================================================
// Exported Helper Functions
// ============================================================================

// PrettyPrint prints colored text to stderr.
func PrettyPrint(color, text string) {
	fmt.Fprint(os.Stderr, color, text, ColorReset)
}

// ParseLogLevel converts a level name into a slog.Level.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// GetConfigPaths returns the primary (XDG/user config dir) and secondary
// (~/.config) locations of the config file. Either may be empty.
func GetConfigPaths(logger *slog.Logger) (primary, secondary string, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	var pathErrors []error
	if cfgDir, cfgErr := os.UserConfigDir(); cfgErr == nil {
		primary = filepath.Join(cfgDir, configDirName, defaultConfigFileName)
	} else {
		logger.Debug("Could not determine user config dir", "error", cfgErr)
		pathErrors = append(pathErrors, fmt.Errorf("user config dir: %w", cfgErr))
	}
	if home, homeErr := os.UserHomeDir(); homeErr == nil {
		secondary = filepath.Join(home, ".config", configDirName, defaultConfigFileName)
	} else {
		logger.Debug("Could not determine home dir", "error", homeErr)
		pathErrors = append(pathErrors, fmt.Errorf("home dir: %w", homeErr))
	}
	if primary == "" && secondary == "" {
		return "", "", fmt.Errorf("%w: no config path available: %w", ErrConfig, errors.Join(pathErrors...))
	}
	return primary, secondary, nil
}

// ValidateAndGetFilePath resolves path to an absolute path of an existing regular file.
func ValidateAndGetFilePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("file path is empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", path, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("checking %q: %w", absPath, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%q is not a regular file", absPath)
	}
	return absPath, nil
}

// ============================================================================
// LSP Position Conversion Helpers
// ============================================================================

// LSPPosition represents a 0-based line/character offset (UTF-16).
type LSPPosition struct {
	Line      uint32 `json:"line"`      // 0-based
	Character uint32 `json:"character"` // 0-based, UTF-16 offset
}

// LspPositionToBytePosition converts 0-based LSP line/character (UTF-16) to
// 1-based line/column (bytes) and 0-based byte offset.
func LspPositionToBytePosition(content []byte, lspPos LSPPosition) (line, col, byteOffset int, err error) {
	if content == nil {
		return 0, 0, -1, fmt.Errorf("%w: file content is nil", ErrPositionConversion)
	}
	targetLine := int(lspPos.Line)
	targetUTF16Char := int(lspPos.Character)

	currentLine := 0
	currentByteOffset := 0
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lineTextBytes := scanner.Bytes()
		lineLengthBytes := len(lineTextBytes)
		if currentLine == targetLine {
			byteOffsetInLine, convErr := Utf16OffsetToBytes(lineTextBytes, targetUTF16Char)
			if convErr != nil {
				if errors.Is(convErr, ErrPositionOutOfRange) { // Clamp to line end on out-of-range error.
					slog.Warn("UTF16 offset out of range, clamping to line end",
						"line", targetLine,
						"char", targetUTF16Char,
						"error", convErr)
					byteOffsetInLine = lineLengthBytes
				} else {
					return 0, 0, -1, fmt.Errorf("failed converting UTF16 to byte offset on line %d: %w", currentLine, convErr)
				}
			}
			return currentLine + 1, byteOffsetInLine + 1, currentByteOffset + byteOffsetInLine, nil
		}
		currentByteOffset += lineLengthBytes + 1
		currentLine++
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, -1, fmt.Errorf("%w: error scanning file content: %w", ErrPositionConversion, err)
	}

	// Cursor on the empty line after a trailing newline (or in an empty file).
	if currentLine == targetLine {
		if targetUTF16Char == 0 {
			return currentLine + 1, 1, currentByteOffset, nil
		}
		return 0, 0, -1, fmt.Errorf("%w: invalid character offset %d on line %d (after last line with content)", ErrPositionOutOfRange, targetUTF16Char, targetLine)
	}
	return 0, 0, -1, fmt.Errorf("%w: LSP line %d not found in file (total lines scanned %d)", ErrPositionOutOfRange, targetLine, currentLine)
}

// Utf16OffsetToBytes converts a 0-based UTF-16 offset within a line to a 0-based byte offset.
func Utf16OffsetToBytes(line []byte, utf16Offset int) (int, error) {
	if utf16Offset < 0 {
		return 0, fmt.Errorf("%w: invalid utf16Offset: %d (must be >= 0)", ErrInvalidPositionInput, utf16Offset)
	}
	if utf16Offset == 0 {
		return 0, nil
	}

	byteOffset := 0
	currentUTF16Offset := 0
	for byteOffset < len(line) && currentUTF16Offset < utf16Offset {
		r, size := utf8.DecodeRune(line[byteOffset:])
		if r == utf8.RuneError && size <= 1 {
			return byteOffset, fmt.Errorf("%w at byte offset %d", ErrInvalidUTF8, byteOffset)
		}
		utf16Units := 1
		if r > 0xFFFF {
			utf16Units = 2 // Surrogate pair.
		}
		// An offset landing inside a surrogate pair resolves to the rune start.
		if currentUTF16Offset+utf16Units > utf16Offset {
			return byteOffset, nil
		}
		currentUTF16Offset += utf16Units
		byteOffset += size
	}
	if currentUTF16Offset < utf16Offset {
		return len(line), fmt.Errorf("%w: utf16Offset %d is beyond the line length in UTF-16 units (%d)", ErrPositionOutOfRange, utf16Offset, currentUTF16Offset)
	}
	return byteOffset, nil
}

// BytesToUTF16Offset converts a 0-based byte offset within a line to UTF-16 units.
// Offsets past the end of the line are clamped.
func BytesToUTF16Offset(line []byte, byteOffset int) (int, error) {
	if byteOffset < 0 {
		return 0, fmt.Errorf("%w: invalid byte offset %d", ErrInvalidPositionInput, byteOffset)
	}
	byteOffset = min(byteOffset, len(line))
	units := 0
	for i := 0; i < byteOffset; {
		r, size := utf8.DecodeRune(line[i:])
		if r == utf8.RuneError && size <= 1 {
			return units, fmt.Errorf("%w at byte offset %d", ErrInvalidUTF8, i)
		}
		if r > 0xFFFF {
			units += 2
		} else {
			units++
		}
		i += size
	}
	return units, nil
}

// ============================================================================
// Availability Backoff
// ============================================================================

// backoff retries calls that fail because the model service is not ready yet.
// The wait doubles after every such failure.
type backoff struct {
	attempts int
	delay    time.Duration
}

// modelUnavailable reports whether err means the model service may accept a
// later call: it is unreachable, overloaded or still loading.
func modelUnavailable(err error) bool {
	if errors.Is(err, ErrOllamaUnavailable) {
		return true
	}
	var oe *OllamaError
	if !errors.As(err, &oe) {
		return false
	}
	return oe.Status == http.StatusServiceUnavailable || oe.Status == http.StatusTooManyRequests
}

// do runs call until it succeeds, fails for another reason, ctx ends, or the
// attempts run out.
func (b backoff) do(ctx context.Context, logger *slog.Logger, call func() error) error {
	if logger == nil {
		logger = slog.Default()
	}
	wait := b.delay
	var err error
	for attempt := 1; attempt <= b.attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = call(); err == nil || !modelUnavailable(err) {
			return err
		}
		if attempt == b.attempts {
			break
		}
		logger.Warn("Model service unavailable, waiting", "attempt", attempt, "of", b.attempts, "wait", wait, "error", err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		wait *= 2
	}
	logger.Error("Model service still unavailable", "attempts", b.attempts, "error", err)
	return fmt.Errorf("model unavailable after %d attempts: %w", b.attempts, err)
}

// ============================================================================
// Spinner
// ============================================================================

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

const (
	spinnerInterval = 100 * time.Millisecond
	clearLine       = "\r\033[K"
)

// Spinner shows that the CLI is waiting on the model. Every redraw overwrites
// the current terminal line.
type Spinner struct {
	out io.Writer

	mu      sync.Mutex
	label   string
	frame   int
	stop    chan struct{}
	stopped chan struct{}
}

// NewSpinner returns a spinner that draws on out, or on stderr when out is nil.
func NewSpinner(out io.Writer) *Spinner {
	if out == nil {
		out = os.Stderr
	}
	return &Spinner{out: out}
}

// Start draws label next to the animation until Stop. Calling Start on a
// running spinner does nothing.
func (s *Spinner) Start(label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.label = label
	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})
	go s.animate(s.stop, s.stopped)
}

func (s *Spinner) animate(stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(spinnerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.draw()
		}
	}
}

func (s *Spinner) draw() {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, "%s%s%s%s %s", clearLine, ColorCyan, spinnerFrames[s.frame], ColorReset, s.label)
	s.frame = (s.frame + 1) % len(spinnerFrames)
}

// UpdateMessage replaces the label of a running spinner.
func (s *Spinner) UpdateMessage(label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		s.label = label
	}
}

// Stop ends the animation and erases the spinner line. It is a no-op when the
// spinner is not running.
func (s *Spinner) Stop() {
	s.mu.Lock()
	stop, stopped := s.stop, s.stopped
	s.stop, s.stopped = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-stopped

	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprint(s.out, clearLine)
}

// ============================================================================
// Stream Processing Helpers (Used by Ollama Client)
// ============================================================================

// readChatStream decodes the NDJSON body of /api/chat and hands each chunk to
// yield. ctx is checked before every line. It stops when yield returns false,
// after the done chunk, or on the first error (which is yielded).
func readChatStream(ctx context.Context, r io.Reader, logger *slog.Logger, yield func(Chunk, error) bool) {
	if logger == nil {
		logger = slog.Default()
	}
	reader := bufio.NewReader(r)
	lineCount := 0
	for {
		if err := ctx.Err(); err != nil {
			logger.Debug("Context cancelled during streaming", "error", err, "lines_processed", lineCount)
			yield(Chunk{}, err)
			return
		}

		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			lineCount++
			chunk, ok, procErr := processLine(line, logger)
			if procErr != nil {
				yield(Chunk{}, procErr)
				return
			}
			if ok {
				if !yield(chunk, nil) || chunk.Done {
					return
				}
			}
		}
		if readErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				yield(Chunk{}, ctxErr)
				return
			}
			if errors.Is(readErr, io.EOF) {
				logger.Debug("Stream ended without done marker", "lines_processed", lineCount)
				yield(Chunk{}, fmt.Errorf("%w: stream ended before done", ErrStreamProcessing))
				return
			}
			yield(Chunk{}, fmt.Errorf("%w: error reading from Ollama stream: %w", ErrStreamProcessing, readErr))
			return
		}
	}
}

// processLine decodes a single NDJSON line. ok is false for lines that carry
// nothing (blank or non-JSON).
func processLine(line []byte, logger *slog.Logger) (chunk Chunk, ok bool, err error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Chunk{}, false, nil
	}
	var resp ollamaChatResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		logger.Debug("Ignoring non-JSON line from Ollama stream", "line", string(line))
		return Chunk{}, false, nil
	}
	if resp.Error != "" {
		logger.Error("Ollama stream reported an error", "error", resp.Error)
		return Chunk{}, false, fmt.Errorf("%w: %s", ErrModelResponse, resp.Error)
	}
	return Chunk{ContentDelta: resp.Message.Content, Done: resp.Done}, true, nil
}
