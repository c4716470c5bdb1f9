// inlinecomplete/lsp_handlers_workspace.go
// LSP handlers for workspace events (configuration changes, commands).
package inlinecomplete

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sourcegraph/jsonrpc2"
)

// ============================================================================
// LSP Workspace Method Handlers
// ============================================================================

// handleDidChangeConfiguration merges client settings into the active config.
// Settings may be nested under "inlinecomplete" or sent flat.
func (s *Server) handleDidChangeConfiguration(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidChangeConfigurationParams, logger *slog.Logger) (any, error) {
	configLogger := logger.With("operation", "didChangeConfiguration")
	configLogger.Info("Handling workspace/didChangeConfiguration")

	var nested struct {
		InlineComplete *FileConfig `json:"inlinecomplete"`
	}
	var fileCfg FileConfig
	if err := json.Unmarshal(params.Settings, &nested); err == nil && nested.InlineComplete != nil {
		fileCfg = *nested.InlineComplete
	} else if directErr := json.Unmarshal(params.Settings, &fileCfg); directErr != nil {
		configLogger.Error("Failed to unmarshal settings", "error", directErr, "raw_settings", string(params.Settings))
		return nil, nil
	}

	if fileCfg == (FileConfig{}) {
		configLogger.Debug("No relevant configuration changes found")
		return nil, nil
	}

	newConfig := s.completer.GetCurrentConfig().Merge(fileCfg)
	if err := s.applyConfig(newConfig, configLogger); err != nil {
		configLogger.Error("Failed to apply updated configuration", "error", err)
		s.sendShowMessage(conn, MessageTypeError, fmt.Sprintf("Failed to apply configuration update: %v", err))
		return nil, nil
	}
	configLogger.Info("Server configuration updated via workspace/didChangeConfiguration")
	return nil, nil
}

// ServerStats is the result of the inlinecomplete.stats command.
type ServerStats struct {
	OpenFiles int                  `json:"openFiles"`
	Cache     CompletionCacheStats `json:"cache"`
	Journal   *JournalSummary      `json:"journal,omitempty"`
}

// handleExecuteCommand runs one of the server's maintenance commands.
func (s *Server) handleExecuteCommand(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params ExecuteCommandParams, logger *slog.Logger) (any, error) {
	cmdLogger := logger.With("command", params.Command)
	cmdLogger.Info("Handling workspace/executeCommand")

	switch params.Command {
	case commandClearCache:
		s.completer.ClearCache()
		return nil, nil

	case commandStats:
		s.filesMu.RLock()
		stats := ServerStats{OpenFiles: len(s.files)}
		s.filesMu.RUnlock()
		stats.Cache = s.completer.CacheStats()
		if j := s.completer.Journal(); j != nil {
			j.Flush()
			summary, err := j.Summarize()
			if err != nil {
				cmdLogger.Warn("Failed to summarize journal", "error", err)
			} else {
				stats.Journal = &summary
			}
		}
		return stats, nil

	case commandCheckModel:
		if err := s.completer.CheckModel(ctx); err != nil {
			return nil, &jsonrpc2.Error{Code: int64(JsonRpcRequestFailed), Message: err.Error()}
		}
		return true, nil

	default:
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcInvalidParams), Message: fmt.Sprintf("unknown command: %s", params.Command)}
	}
}
