// inlinecomplete/lsp_handlers_lifecycle.go
// LSP handlers for the server lifecycle (initialize, initialized, shutdown, exit).
package inlinecomplete

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sourcegraph/jsonrpc2"
)

// ============================================================================
// LSP Lifecycle Method Handlers
// ============================================================================

// Commands accepted by workspace/executeCommand.
const (
	commandClearCache = "inlinecomplete.clearCache"
	commandStats      = "inlinecomplete.stats"
	commandCheckModel = "inlinecomplete.checkModel"
)

// handleInitialize stores client capabilities and returns server capabilities.
func (s *Server) handleInitialize(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params InitializeParams, logger *slog.Logger) (any, error) {
	clientName, clientVersion := "", ""
	if params.ClientInfo != nil {
		clientName, clientVersion = params.ClientInfo.Name, params.ClientInfo.Version
	}
	logger.Info("Handling initialize request", "client_name", clientName, "client_version", clientVersion)

	serverCapabilities := ServerCapabilities{
		TextDocumentSync: &TextDocumentSyncOptions{
			OpenClose: true,
			Change:    TextDocumentSyncKindFull,
		},
		CompletionProvider: &CompletionOptions{
			TriggerCharacters: []string{".", "(", "{", "="},
		},
		InlineCompletionProvider: true,
		ExecuteCommandProvider: &ExecuteCommandOptions{
			Commands: []string{commandClearCache, commandStats, commandCheckModel},
		},
	}

	s.stateMu.Lock()
	s.clientCaps = params.Capabilities
	s.initParams = &params
	s.stateMu.Unlock()

	result := InitializeResult{
		Capabilities: serverCapabilities,
		ServerInfo:   s.serverInfo,
	}
	logger.Info("Initialization successful")
	return result, nil
}

// handleInitialized checks the model service in the background and warns the
// user when it cannot be reached.
func (s *Server) handleInitialized(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, logger *slog.Logger) (any, error) {
	logger.Info("Client initialized notification received")
	go func() {
		if err := s.completer.CheckModel(context.Background()); err != nil {
			logger.Warn("Model service unavailable", "error", err)
			s.sendShowMessage(conn, MessageTypeWarning, fmt.Sprintf("inlinecomplete: model service unavailable: %v", err))
		}
	}()
	return nil, nil
}

// handleShutdown cancels outstanding work. Later requests are rejected.
func (s *Server) handleShutdown(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, logger *slog.Logger) (any, error) {
	logger.Info("Handling shutdown request")
	s.shuttingDown.Store(true)
	s.closeAllFiles()
	return nil, nil
}

// handleExit closes the connection, which ends Run.
func (s *Server) handleExit(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, logger *slog.Logger) (any, error) {
	logger.Info("Handling exit notification")
	conn.Close()
	return nil, nil
}
