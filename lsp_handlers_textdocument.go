// inlinecomplete/lsp_handlers_textdocument.go
// LSP handlers for document synchronization and completion
// (didOpen, didChange, didClose, completion, inlineCompletion).
package inlinecomplete

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sourcegraph/jsonrpc2"
)

// ============================================================================
// LSP Text Document Method Handlers
// ============================================================================

// handleDidOpen stores the document and starts its completion session.
func (s *Server) handleDidOpen(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidOpenTextDocumentParams, logger *slog.Logger) (any, error) {
	item := params.TextDocument
	openLogger := logger.With("uri", item.URI, "version", item.Version, "size", len(item.Text))
	openLogger.Info("Handling textDocument/didOpen")

	if err := validateDocumentURI(item.URI); err != nil {
		openLogger.Error("Invalid URI in didOpen", "error", err)
		s.sendShowMessage(conn, MessageTypeError, fmt.Sprintf("Invalid document URI: %v", err))
		return nil, nil
	}
	coordinator, err := s.completer.NewCoordinator(string(item.URI))
	if err != nil {
		openLogger.Error("Cannot start completion session", "error", err)
		return nil, nil
	}

	s.filesMu.Lock()
	if previous, exists := s.files[item.URI]; exists {
		previous.coordinator.Close()
	}
	s.files[item.URI] = &OpenFile{
		URI:         item.URI,
		Content:     []byte(item.Text),
		Version:     item.Version,
		LanguageID:  item.LanguageID,
		doc:         NewTextDocument(item.Text, item.LanguageID),
		coordinator: coordinator,
	}
	s.filesMu.Unlock()
	return nil, nil
}

// handleDidChange replaces the document content (full sync only).
// Out-of-order versions are ignored.
func (s *Server) handleDidChange(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidChangeTextDocumentParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	version := params.TextDocument.Version
	changeLogger := logger.With("uri", uri, "new_version", version)

	if len(params.ContentChanges) == 0 {
		changeLogger.Warn("Received didChange notification with no content changes")
		return nil, nil
	}
	newText := params.ContentChanges[len(params.ContentChanges)-1].Text
	changeLogger.Debug("Handling textDocument/didChange", "new_size", len(newText))

	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	currentFile, exists := s.files[uri]
	if !exists {
		changeLogger.Warn("didChange for a document that is not open")
		return nil, nil
	}
	if version <= currentFile.Version {
		changeLogger.Warn("Ignoring out-of-order didChange notification", "current_version", currentFile.Version)
		return nil, nil
	}
	s.files[uri] = &OpenFile{
		URI:         uri,
		Content:     []byte(newText),
		Version:     version,
		LanguageID:  currentFile.LanguageID,
		doc:         NewTextDocument(newText, currentFile.LanguageID),
		coordinator: currentFile.coordinator,
	}
	return nil, nil
}

// handleDidClose drops the document and ends its completion session.
func (s *Server) handleDidClose(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidCloseTextDocumentParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	closeLogger := logger.With("uri", uri)
	closeLogger.Info("Handling textDocument/didClose")

	s.filesMu.Lock()
	file, exists := s.files[uri]
	delete(s.files, uri)
	s.filesMu.Unlock()

	if exists {
		file.coordinator.Close()
	}
	return nil, nil
}

// requestCompletion runs the document's coordinator for an LSP position.
// A nil result with a nil error means there is nothing to suggest.
func (s *Server) requestCompletion(ctx context.Context, uri DocumentURI, lspPos LSPPosition, logger *slog.Logger) (*CompletionResult, OpenFile, error) {
	file, ok := s.getFile(uri)
	if !ok {
		logger.Warn("Completion request for unknown file")
		return nil, file, &jsonrpc2.Error{Code: int64(JsonRpcInvalidParams), Message: fmt.Sprintf("document not open: %s", uri)}
	}

	line, col, _, posErr := LspPositionToBytePosition(file.Content, lspPos)
	if posErr != nil {
		logger.Warn("Failed to convert LSP position to byte position", "error", posErr)
		return nil, file, nil
	}
	pos := Position{Line: line - 1, Character: col - 1}

	result, ok := file.coordinator.RequestCompletion(ctx, CompletionRequest{
		Document: file.doc,
		Position: pos,
		URI:      string(uri),
		Version:  file.Version,
	})
	if ctx.Err() != nil {
		logger.Debug("Completion request cancelled")
		return nil, file, &jsonrpc2.Error{Code: int64(JsonRpcRequestCancelled), Message: "Completion request cancelled"}
	}
	if !ok {
		return nil, file, nil
	}
	return result, file, nil
}

// handleCompletion answers textDocument/completion with at most one item.
func (s *Server) handleCompletion(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params CompletionParams, logger *slog.Logger) (any, error) {
	completionLogger := logger.With("uri", params.TextDocument.URI, "lsp_line", params.Position.Line, "lsp_char", params.Position.Character)
	completionLogger.Debug("Handling textDocument/completion")

	// Incomplete so the client asks again as the user keeps typing.
	empty := CompletionList{IsIncomplete: true, Items: []CompletionItem{}}
	result, file, err := s.requestCompletion(ctx, params.TextDocument.URI, params.Position, completionLogger)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return empty, nil
	}

	item := CompletionItem{
		Label:            strings.SplitN(result.Text, "\n", 2)[0],
		Kind:             CompletionItemKindSnippet,
		Detail:           "inlinecomplete suggestion",
		InsertTextFormat: PlainTextFormat,
		InsertText:       result.Text,
	}
	if result.Range != nil {
		if lspRange, rangeErr := toLSPRange(file.doc, *result.Range); rangeErr == nil {
			item.TextEdit = &TextEdit{Range: lspRange, NewText: result.Text}
		} else {
			completionLogger.Warn("Could not convert completion range", "error", rangeErr)
		}
	}
	completionLogger.Info("Completion successful", "completion_length", len(result.Text))
	return CompletionList{IsIncomplete: false, Items: []CompletionItem{item}}, nil
}

// handleInlineCompletion answers textDocument/inlineCompletion with ghost text.
func (s *Server) handleInlineCompletion(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params InlineCompletionParams, logger *slog.Logger) (any, error) {
	inlineLogger := logger.With("uri", params.TextDocument.URI, "lsp_line", params.Position.Line, "lsp_char", params.Position.Character)
	inlineLogger.Debug("Handling textDocument/inlineCompletion")

	result, file, err := s.requestCompletion(ctx, params.TextDocument.URI, params.Position, inlineLogger)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return InlineCompletionList{Items: []InlineCompletionItem{}}, nil
	}
	item := InlineCompletionItem{InsertText: result.Text}
	if result.Range != nil {
		if lspRange, rangeErr := toLSPRange(file.doc, *result.Range); rangeErr == nil {
			item.Range = &lspRange
		}
	}
	return InlineCompletionList{Items: []InlineCompletionItem{item}}, nil
}
