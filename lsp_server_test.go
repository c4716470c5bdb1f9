// inlinecomplete/lsp_server_test.go
package inlinecomplete

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clientHandler records notifications sent by the server.
type clientHandler struct {
	mu       sync.Mutex
	messages []ShowMessageParams
}

func (h *clientHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if req.Method != "window/showMessage" || req.Params == nil {
		return
	}
	var params ShowMessageParams
	if json.Unmarshal(*req.Params, &params) == nil {
		h.mu.Lock()
		h.messages = append(h.messages, params)
		h.mu.Unlock()
	}
}

type lspHarness struct {
	server    *Server
	completer *Completer
	client    *jsonrpc2.Conn
	notes     *clientHandler
	done      chan error
}

// startServer runs a Server over an in-memory pipe and returns a connected client.
func startServer(t *testing.T, model *fakeModel) *lspHarness {
	t.Helper()
	completer, _ := newTestCompleter(t, testConfig(time.Millisecond), model)
	server := NewServer(completer, nil, nil, "test")

	serverSide, clientSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx, serverSide, serverSide) }()

	notes := &clientHandler{}
	client := jsonrpc2.NewConn(ctx, jsonrpc2.NewBufferedStream(clientSide, jsonrpc2.VSCodeObjectCodec{}), notes)
	t.Cleanup(func() {
		cancel()
		client.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})
	return &lspHarness{server: server, completer: completer, client: client, notes: notes, done: done}
}

func (h *lspHarness) call(t *testing.T, method string, params, result any, opts ...jsonrpc2.CallOption) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.client.Call(ctx, method, params, result, opts...)
}

func (h *lspHarness) notify(t *testing.T, method string, params any) {
	t.Helper()
	require.NoError(t, h.client.Notify(context.Background(), method, params))
}

func (h *lspHarness) openAssignment(t *testing.T, uri DocumentURI) LSPPosition {
	t.Helper()
	h.notify(t, "textDocument/didOpen", DidOpenTextDocumentParams{TextDocument: TextDocumentItem{
		URI:        uri,
		LanguageID: "javascript",
		Version:    1,
		Text:       "const x = 5;\nconst y = ",
	}})
	return LSPPosition{Line: 1, Character: uint32(len("const y = "))}
}

func rpcCode(t *testing.T, err error) int64 {
	t.Helper()
	var rpcErr *jsonrpc2.Error
	require.True(t, errors.As(err, &rpcErr), "expected a JSON-RPC error, got %v", err)
	return rpcErr.Code
}

func TestServer_Initialize(t *testing.T) {
	h := startServer(t, newFakeModel("1;"))

	var result InitializeResult
	err := h.call(t, "initialize", InitializeParams{ClientInfo: &ClientInfo{Name: "test-editor"}}, &result)
	require.NoError(t, err)

	caps := result.Capabilities
	require.NotNil(t, caps.TextDocumentSync)
	assert.Equal(t, TextDocumentSyncKindFull, caps.TextDocumentSync.Change)
	assert.True(t, caps.TextDocumentSync.OpenClose)
	require.NotNil(t, caps.CompletionProvider)
	assert.Contains(t, caps.CompletionProvider.TriggerCharacters, "=")
	assert.True(t, caps.InlineCompletionProvider)
	require.NotNil(t, caps.ExecuteCommandProvider)
	assert.ElementsMatch(t, []string{commandClearCache, commandStats, commandCheckModel}, caps.ExecuteCommandProvider.Commands)
	require.NotNil(t, result.ServerInfo)
	assert.Equal(t, "inlinecomplete-lsp", result.ServerInfo.Name)
}

func TestServer_Completion(t *testing.T) {
	model := newFakeModel("10;")
	h := startServer(t, model)
	uri := DocumentURI("file:///project/a.js")
	pos := h.openAssignment(t, uri)

	var list CompletionList
	require.NoError(t, h.call(t, "textDocument/completion", CompletionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     pos,
	}, &list))
	require.Len(t, list.Items, 1)
	item := list.Items[0]
	assert.False(t, list.IsIncomplete)
	assert.Equal(t, "10", item.InsertText)
	assert.Equal(t, "10", item.Label)
	assert.Equal(t, PlainTextFormat, item.InsertTextFormat)
	require.NotNil(t, item.TextEdit)
	assert.Equal(t, LSPRange{Start: pos, End: pos}, item.TextEdit.Range)

	var inline InlineCompletionList
	require.NoError(t, h.call(t, "textDocument/inlineCompletion", InlineCompletionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     pos,
	}, &inline))
	require.Len(t, inline.Items, 1)
	assert.Equal(t, "10", inline.Items[0].InsertText)
	assert.Equal(t, 1, model.callCount(), "second request is served from the cache")
}

func TestServer_CompletionAfterChange(t *testing.T) {
	model := newFakeModel("")
	model.reply = func(call int, _ []Message) (string, error) {
		if call == 1 {
			return "1;", nil
		}
		return "2;", nil
	}
	h := startServer(t, model)
	uri := DocumentURI("untitled:Untitled-1")
	h.openAssignment(t, uri)

	h.notify(t, "textDocument/didChange", DidChangeTextDocumentParams{
		TextDocument: VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: TextDocumentIdentifier{URI: uri},
			Version:                2,
		},
		ContentChanges: []TextDocumentContentChangeEvent{{Text: "let total = "}},
	})

	var list CompletionList
	require.NoError(t, h.call(t, "textDocument/completion", CompletionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     LSPPosition{Line: 0, Character: uint32(len("let total = "))},
	}, &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, "1", list.Items[0].InsertText)
	assert.Contains(t, model.lastUserPrompt(), `"let total = "`)
}

func TestServer_CompletionErrors(t *testing.T) {
	h := startServer(t, newFakeModel(""))

	err := h.call(t, "textDocument/completion", CompletionParams{
		TextDocument: TextDocumentIdentifier{URI: "file:///not/open.js"},
	}, &CompletionList{})
	assert.Equal(t, int64(JsonRpcInvalidParams), rpcCode(t, err))

	uri := DocumentURI("file:///project/empty.js")
	pos := h.openAssignment(t, uri)
	var list CompletionList
	require.NoError(t, h.call(t, "textDocument/completion", CompletionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     pos,
	}, &list))
	assert.Empty(t, list.Items, "an empty model answer yields no items")
	assert.True(t, list.IsIncomplete)

	err = h.call(t, "textDocument/hover", map[string]any{}, nil)
	assert.Equal(t, int64(JsonRpcMethodNotFound), rpcCode(t, err))
}

func TestServer_CancelRequest(t *testing.T) {
	model := newFakeModel("never;")
	model.gate = make(chan struct{})
	h := startServer(t, model)
	uri := DocumentURI("file:///project/slow.js")
	pos := h.openAssignment(t, uri)

	id := jsonrpc2.ID{Num: 4242}
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.call(t, "textDocument/completion", CompletionParams{
			TextDocument: TextDocumentIdentifier{URI: uri},
			Position:     pos,
		}, &CompletionList{}, jsonrpc2.PickID(id))
	}()

	select {
	case <-model.started:
	case <-time.After(2 * time.Second):
		t.Fatal("model was never called")
	}
	h.notify(t, "$/cancelRequest", CancelParams{ID: 4242})

	select {
	case err := <-errCh:
		assert.Equal(t, int64(JsonRpcRequestCancelled), rpcCode(t, err))
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled request was not answered")
	}
	assert.Eventually(t, func() bool { return h.server.requestTracker.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestServer_ExecuteCommand(t *testing.T) {
	h := startServer(t, newFakeModel("10;"))
	uri := DocumentURI("file:///project/a.js")
	pos := h.openAssignment(t, uri)
	require.NoError(t, h.call(t, "textDocument/completion", CompletionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     pos,
	}, &CompletionList{}))

	var stats ServerStats
	require.NoError(t, h.call(t, "workspace/executeCommand", ExecuteCommandParams{Command: commandStats}, &stats))
	assert.Equal(t, 1, stats.OpenFiles)
	assert.Equal(t, 1, stats.Cache.Size)
	assert.Nil(t, stats.Journal)

	require.NoError(t, h.call(t, "workspace/executeCommand", ExecuteCommandParams{Command: commandClearCache}, nil))
	assert.Zero(t, h.completer.CacheStats().Size)

	var available bool
	require.NoError(t, h.call(t, "workspace/executeCommand", ExecuteCommandParams{Command: commandCheckModel}, &available))
	assert.True(t, available)

	err := h.call(t, "workspace/executeCommand", ExecuteCommandParams{Command: "inlinecomplete.nope"}, nil)
	assert.Equal(t, int64(JsonRpcInvalidParams), rpcCode(t, err))
}

func TestServer_DidChangeConfiguration(t *testing.T) {
	tests := []struct {
		name      string
		settings  string
		wantModel string
		wantError bool
	}{
		{"Nested settings", `{"inlinecomplete": {"model": "nested-model"}}`, "nested-model", false},
		{"Flat settings", `{"model": "flat-model", "debounce_ms": 10}`, "flat-model", false},
		{"Unrelated settings", `{"editor": {"tabSize": 4}}`, defaultModel, false},
		{"Invalid value", `{"inlinecomplete": {"ollama_url": "::bad"}}`, defaultModel, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startServer(t, newFakeModel("1;"))
			h.notify(t, "workspace/didChangeConfiguration", DidChangeConfigurationParams{Settings: json.RawMessage(tt.settings)})
			// Messages are handled in order, so this round trip follows the notification.
			require.NoError(t, h.call(t, "workspace/executeCommand", ExecuteCommandParams{Command: commandStats}, &ServerStats{}))

			assert.Equal(t, tt.wantModel, h.completer.GetCurrentConfig().Model)
			if tt.wantError {
				assert.Eventually(t, func() bool {
					h.notes.mu.Lock()
					defer h.notes.mu.Unlock()
					return len(h.notes.messages) == 1 && h.notes.messages[0].Type == MessageTypeError
				}, time.Second, 5*time.Millisecond)
			}
		})
	}
}

func TestServer_ShutdownAndExit(t *testing.T) {
	h := startServer(t, newFakeModel("1;"))
	uri := DocumentURI("file:///project/a.js")
	pos := h.openAssignment(t, uri)

	require.NoError(t, h.call(t, "shutdown", nil, nil))
	_, open := h.server.getFile(uri)
	assert.False(t, open, "shutdown closes every document")

	err := h.call(t, "textDocument/completion", CompletionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     pos,
	}, &CompletionList{})
	assert.Equal(t, int64(JsonRpcInvalidRequest), rpcCode(t, err))

	h.notify(t, "exit", nil)
	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- err
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit")
	}
}

func TestRequestTracker(t *testing.T) {
	rt := NewRequestTracker()
	id := jsonrpc2.ID{Num: 1}
	ctx := rt.Add(context.Background(), id)
	assert.Equal(t, 1, rt.Count())

	rt.Cancel(id)
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.Zero(t, rt.Count())

	assert.NotPanics(t, func() {
		rt.Cancel(id)
		rt.Remove(id)
	})
}
