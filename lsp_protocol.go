// inlinecomplete/lsp_protocol.go
// LSP data structures and position helpers used by the language server.
package inlinecomplete

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// ============================================================================
// LSP Specific Structures
// ============================================================================

// DocumentURI represents the URI for a text document.
type DocumentURI string

// LSPRange represents a range in a text document using LSP Positions (UTF-16).
type LSPRange struct {
	Start LSPPosition `json:"start"`
	End   LSPPosition `json:"end"`
}

// TextDocumentIdentifier identifies a specific text document.
type TextDocumentIdentifier struct {
	URI DocumentURI `json:"uri"`
}

// TextDocumentItem represents a text document.
type TextDocumentItem struct {
	URI        DocumentURI `json:"uri"`
	LanguageID string      `json:"languageId"`
	Version    int         `json:"version"`
	Text       string      `json:"text"`
}

// InitializeParams parameters for the initialize request.
type InitializeParams struct {
	ProcessID             int                `json:"processId,omitempty"`
	RootURI               DocumentURI        `json:"rootUri,omitempty"`
	ClientInfo            *ClientInfo        `json:"clientInfo,omitempty"`
	Capabilities          ClientCapabilities `json:"capabilities"`
	InitializationOptions json.RawMessage    `json:"initializationOptions,omitempty"`
}

// ClientInfo information about the client.
type ClientInfo struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// ClientCapabilities capabilities provided by the client.
type ClientCapabilities struct {
	Workspace    *WorkspaceClientCapabilities    `json:"workspace,omitempty"`
	TextDocument *TextDocumentClientCapabilities `json:"textDocument,omitempty"`
}

// WorkspaceClientCapabilities workspace specific client capabilities.
type WorkspaceClientCapabilities struct {
	Configuration bool `json:"configuration,omitempty"`
}

// TextDocumentClientCapabilities text document specific client capabilities.
type TextDocumentClientCapabilities struct {
	Completion       *CompletionClientCapabilities `json:"completion,omitempty"`
	InlineCompletion *struct{}                     `json:"inlineCompletion,omitempty"`
}

// CompletionClientCapabilities client capabilities for completion.
type CompletionClientCapabilities struct {
	CompletionItem *CompletionItemClientCapabilities `json:"completionItem,omitempty"`
}

// CompletionItemClientCapabilities client capabilities specific to completion items.
type CompletionItemClientCapabilities struct {
	SnippetSupport bool `json:"snippetSupport,omitempty"`
}

// InitializeResult result of the initialize request.
type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   *ServerInfo        `json:"serverInfo,omitempty"`
}

// ServerCapabilities capabilities provided by the server.
type ServerCapabilities struct {
	TextDocumentSync         *TextDocumentSyncOptions `json:"textDocumentSync,omitempty"`
	CompletionProvider       *CompletionOptions       `json:"completionProvider,omitempty"`
	InlineCompletionProvider bool                     `json:"inlineCompletionProvider,omitempty"`
	ExecuteCommandProvider   *ExecuteCommandOptions   `json:"executeCommandProvider,omitempty"`
}

// TextDocumentSyncOptions options for text document synchronization.
type TextDocumentSyncOptions struct {
	OpenClose bool                 `json:"openClose,omitempty"`
	Change    TextDocumentSyncKind `json:"change,omitempty"`
}

// TextDocumentSyncKind defines how text document changes are synced.
type TextDocumentSyncKind int

const (
	TextDocumentSyncKindNone TextDocumentSyncKind = 0
	TextDocumentSyncKindFull TextDocumentSyncKind = 1 // Only full sync is supported.
)

// CompletionOptions server completion capabilities.
type CompletionOptions struct {
	TriggerCharacters []string `json:"triggerCharacters,omitempty"`
}

// ExecuteCommandOptions lists the commands accepted by workspace/executeCommand.
type ExecuteCommandOptions struct {
	Commands []string `json:"commands"`
}

// ServerInfo information about the server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// DidOpenTextDocumentParams parameters for textDocument/didOpen.
type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// DidCloseTextDocumentParams parameters for textDocument/didClose.
type DidCloseTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// DidChangeTextDocumentParams parameters for textDocument/didChange.
type DidChangeTextDocumentParams struct {
	TextDocument   VersionedTextDocumentIdentifier  `json:"textDocument"`
	ContentChanges []TextDocumentContentChangeEvent `json:"contentChanges"` // Full sync: the last entry wins.
}

// VersionedTextDocumentIdentifier identifies a text document with a version number.
type VersionedTextDocumentIdentifier struct {
	TextDocumentIdentifier
	Version int `json:"version"`
}

// TextDocumentContentChangeEvent carries the new full content of a document.
type TextDocumentContentChangeEvent struct {
	Text string `json:"text"`
}

// DidChangeConfigurationParams parameters for workspace/didChangeConfiguration.
type DidChangeConfigurationParams struct {
	Settings json.RawMessage `json:"settings"`
}

// CompletionParams parameters for textDocument/completion.
type CompletionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     LSPPosition            `json:"position"`
	Context      *CompletionContext     `json:"context,omitempty"`
}

// CompletionContext additional information about how completion was triggered.
type CompletionContext struct {
	TriggerKind      CompletionTriggerKind `json:"triggerKind"`
	TriggerCharacter string                `json:"triggerCharacter,omitempty"`
}

// CompletionTriggerKind how completion was triggered.
type CompletionTriggerKind int

const (
	CompletionTriggerKindInvoked              CompletionTriggerKind = 1
	CompletionTriggerKindTriggerChar          CompletionTriggerKind = 2
	CompletionTriggerKindTriggerForIncomplete CompletionTriggerKind = 3
)

// CompletionList represents a list of completion items.
type CompletionList struct {
	IsIncomplete bool             `json:"isIncomplete"`
	Items        []CompletionItem `json:"items"`
}

// CompletionItem represents a single completion suggestion.
type CompletionItem struct {
	Label            string             `json:"label"`
	Kind             CompletionItemKind `json:"kind,omitempty"`
	Detail           string             `json:"detail,omitempty"`
	InsertTextFormat InsertTextFormat   `json:"insertTextFormat,omitempty"`
	InsertText       string             `json:"insertText,omitempty"`
	TextEdit         *TextEdit          `json:"textEdit,omitempty"`
}

// TextEdit replaces Range with NewText.
type TextEdit struct {
	Range   LSPRange `json:"range"`
	NewText string   `json:"newText"`
}

// CompletionItemKind defines the kind of completion item.
type CompletionItemKind int

const (
	CompletionItemKindText    CompletionItemKind = 1
	CompletionItemKindSnippet CompletionItemKind = 15
)

// InsertTextFormat defines the format of the insert text.
type InsertTextFormat int

const (
	PlainTextFormat InsertTextFormat = 1
	SnippetFormat   InsertTextFormat = 2
)

// InlineCompletionParams parameters for textDocument/inlineCompletion.
type InlineCompletionParams struct {
	TextDocument TextDocumentIdentifier   `json:"textDocument"`
	Position     LSPPosition              `json:"position"`
	Context      *InlineCompletionContext `json:"context,omitempty"`
}

// InlineCompletionContext tells whether the request was invoked explicitly (1) or automatically (2).
type InlineCompletionContext struct {
	TriggerKind int `json:"triggerKind"`
}

// InlineCompletionList is the result of textDocument/inlineCompletion.
type InlineCompletionList struct {
	Items []InlineCompletionItem `json:"items"`
}

// InlineCompletionItem is ghost text shown at the cursor.
type InlineCompletionItem struct {
	InsertText string    `json:"insertText"`
	Range      *LSPRange `json:"range,omitempty"`
}

// ExecuteCommandParams parameters for workspace/executeCommand.
type ExecuteCommandParams struct {
	Command   string            `json:"command"`
	Arguments []json.RawMessage `json:"arguments,omitempty"`
}

// CancelParams parameters for $/cancelRequest.
type CancelParams struct {
	ID any `json:"id"` // Number or string.
}

// MessageType is the severity of a window/showMessage notification.
type MessageType int

const (
	MessageTypeError   MessageType = 1
	MessageTypeWarning MessageType = 2
	MessageTypeInfo    MessageType = 3
	MessageTypeLog     MessageType = 4
)

// ShowMessageParams parameters for window/showMessage notification.
type ShowMessageParams struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// ============================================================================
// JSON-RPC Error Codes
// ============================================================================

const (
	JsonRpcParseError           int = -32700
	JsonRpcInvalidRequest       int = -32600
	JsonRpcMethodNotFound       int = -32601
	JsonRpcInvalidParams        int = -32602
	JsonRpcInternalError        int = -32603
	JsonRpcRequestCancelled     int = -32800
	JsonRpcServerNotInitialized int = -32002
	JsonRpcRequestFailed        int = -32803
)

// ============================================================================
// LSP Utility Functions
// ============================================================================

// validateDocumentURI checks that uri is an absolute URI. Documents are kept
// in memory, so any scheme (file, untitled, ...) is accepted.
func validateDocumentURI(uri DocumentURI) error {
	s := strings.TrimSpace(string(uri))
	if s == "" {
		return fmt.Errorf("%w: empty uri", ErrInvalidURI)
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}
	if u.Scheme == "" {
		return fmt.Errorf("%w: %q has no scheme", ErrInvalidURI, s)
	}
	return nil
}

// toLSPPosition converts a byte-column Position to UTF-16 using doc's text.
func toLSPPosition(doc DocumentView, pos Position) (LSPPosition, error) {
	char, err := BytesToUTF16Offset([]byte(doc.LineAt(pos.Line)), pos.Character)
	if err != nil {
		return LSPPosition{}, fmt.Errorf("%w: %w", ErrPositionConversion, err)
	}
	return LSPPosition{Line: uint32(max(0, pos.Line)), Character: uint32(char)}, nil
}

// toLSPRange converts a byte-column Range to UTF-16 using doc's text.
func toLSPRange(doc DocumentView, r Range) (LSPRange, error) {
	start, err := toLSPPosition(doc, r.Start)
	if err != nil {
		return LSPRange{}, err
	}
	end, err := toLSPPosition(doc, r.End)
	if err != nil {
		return LSPRange{}, err
	}
	return LSPRange{Start: start, End: end}, nil
}
