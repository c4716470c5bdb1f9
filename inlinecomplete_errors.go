// inlinecomplete/inlinecomplete_errors.go
// Contains exported error definitions for the inlinecomplete package.
package inlinecomplete

import "errors"

// =============================================================================
// Exported Errors
// =============================================================================

var (
	// ErrOllamaUnavailable indicates failure communicating with the Ollama API.
	ErrOllamaUnavailable = errors.New("ollama API unavailable")

	// ErrStreamProcessing indicates an error reading or decoding the model response stream.
	ErrStreamProcessing = errors.New("error processing model stream")

	// ErrModelResponse indicates the model service reported an error inside an otherwise valid stream.
	ErrModelResponse = errors.New("model returned an error")

	// ErrConfig indicates non-fatal errors during config loading or processing.
	ErrConfig = errors.New("configuration error")

	// ErrConfigParse indicates a config file exists but could not be parsed.
	ErrConfigParse = errors.New("config file parse error")

	// ErrInvalidConfig indicates a configuration value is invalid after validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrCacheInvariant indicates the completion cache broke its size bound.
	// This is a bug, never an operational condition.
	ErrCacheInvariant = errors.New("completion cache invariant violated")

	// ErrJournal indicates a failure reading or writing the outcome journal.
	ErrJournal = errors.New("journal operation failed")

	// ErrSessionClosed is returned when work is submitted to a disposed coordinator.
	ErrSessionClosed = errors.New("completion session closed")

	// ErrPositionConversion indicates failure converting between position formats (e.g., LSP <-> byte offset).
	ErrPositionConversion = errors.New("position conversion failed")

	// ErrInvalidPositionInput indicates input position values (line/col) are invalid.
	ErrInvalidPositionInput = errors.New("invalid input position")

	// ErrPositionOutOfRange indicates a position is outside the valid bounds of the file or line.
	ErrPositionOutOfRange = errors.New("position out of range")

	// ErrInvalidUTF8 indicates an invalid UTF-8 sequence was encountered during processing.
	ErrInvalidUTF8 = errors.New("invalid utf-8 sequence")

	// ErrInvalidURI indicates a document URI is invalid or uses an unsupported scheme.
	ErrInvalidURI = errors.New("invalid document URI")
)
