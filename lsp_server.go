// inlinecomplete/lsp_server.go
// Language server: JSON-RPC dispatch, open document state, request
// cancellation and expvar metrics.
package inlinecomplete

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/jsonrpc2"
)

// ============================================================================
// LSP Server Implementation
// ============================================================================

// Server represents the LSP server instance.
type Server struct {
	conn           atomic.Pointer[jsonrpc2.Conn] // Set by Run.
	logger         *slog.Logger
	levelVar       *slog.LevelVar // Optional; adjusted when log_level changes.
	completer      *Completer
	files          map[DocumentURI]*OpenFile
	filesMu        sync.RWMutex
	stateMu        sync.RWMutex // Guards clientCaps, initParams.
	clientCaps     ClientCapabilities
	initParams     *InitializeParams
	serverInfo     *ServerInfo
	requestTracker *RequestTracker
	shuttingDown   atomic.Bool
}

// OpenFile represents a file currently open in the client editor.
// Content and doc are replaced together on every change.
type OpenFile struct {
	URI         DocumentURI
	Content     []byte
	Version     int
	LanguageID  string
	doc         *TextDocument
	coordinator *Coordinator
}

// NewServer creates a new LSP server instance. levelVar may be nil.
func NewServer(completer *Completer, logger *slog.Logger, levelVar *slog.LevelVar, version string) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		logger:    logger,
		levelVar:  levelVar,
		completer: completer,
		files:     make(map[DocumentURI]*OpenFile),
		serverInfo: &ServerInfo{
			Name:    "inlinecomplete-lsp",
			Version: version,
		},
		requestTracker: NewRequestTracker(),
	}
	publishExpvarMetrics(s)
	return s
}

// Run serves LSP over r/w until the client disconnects or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	s.logger.Info("Starting LSP server run loop")

	stream := jsonrpc2.NewBufferedStream(&stdrwc{r: r, w: w}, jsonrpc2.VSCodeObjectCodec{})
	conn := jsonrpc2.NewConn(ctx, stream, s)
	s.conn.Store(conn)
	s.logger.Info("JSON-RPC connection established")

	select {
	case <-conn.DisconnectNotify():
		s.logger.Info("JSON-RPC connection closed")
	case <-ctx.Done():
		s.logger.Info("Context cancelled, closing JSON-RPC connection")
		conn.Close()
	}
	s.closeAllFiles()
	return nil
}

// stdrwc is a simple ReadWriteCloser that wraps stdin/stdout without closing them.
type stdrwc struct {
	r io.Reader
	w io.Writer
}

func (s *stdrwc) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *stdrwc) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *stdrwc) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Handle implements jsonrpc2.Handler. Completion requests run in their own
// goroutine so they can be superseded or cancelled by later messages; every
// other message is handled in arrival order.
func (s *Server) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	switch req.Method {
	case "textDocument/completion", "textDocument/inlineCompletion":
		reqCtx := s.requestTracker.Add(ctx, req.ID)
		go func() {
			defer s.requestTracker.Remove(req.ID)
			s.reply(reqCtx, conn, req)
		}()
	default:
		s.reply(ctx, conn, req)
	}
}

func (s *Server) reply(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	result, err := s.handle(ctx, conn, req)
	if req.Notif {
		if err != nil {
			s.logger.Warn("Notification handler failed", "method", req.Method, "error", err)
		}
		return
	}
	// Replies must go out even when the request context was cancelled.
	replyCtx := context.Background()
	if err != nil {
		var rpcErr *jsonrpc2.Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &jsonrpc2.Error{Code: int64(JsonRpcInternalError), Message: err.Error()}
		}
		if sendErr := conn.ReplyWithError(replyCtx, req.ID, rpcErr); sendErr != nil {
			s.logger.Error("Failed to send error reply", "method", req.Method, "error", sendErr)
		}
		return
	}
	if sendErr := conn.Reply(replyCtx, req.ID, result); sendErr != nil {
		s.logger.Error("Failed to send reply", "method", req.Method, "error", sendErr)
	}
}

// handle routes incoming LSP requests/notifications to appropriate methods.
func (s *Server) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (result any, err error) {
	methodLogger := s.logger.With("method", req.Method, "is_notification", req.Notif)
	if !req.Notif {
		methodLogger = methodLogger.With("req_id", req.ID.String())
	}
	methodLogger.Debug("Received request/notification")

	defer func() {
		if r := recover(); r != nil {
			methodLogger.Error("Panic recovered in handler", "panic_value", r, "stack", string(debug.Stack()))
			panicData := json.RawMessage(fmt.Sprintf("%q", fmt.Sprint(r)))
			err = &jsonrpc2.Error{
				Code:    int64(JsonRpcInternalError),
				Message: fmt.Sprintf("Internal server error in method %s", req.Method),
				Data:    &panicData,
			}
			result = nil
		}
	}()

	select {
	case <-ctx.Done():
		methodLogger.Warn("Request context cancelled before processing started", "error", ctx.Err())
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcRequestCancelled), Message: "Request cancelled"}
	default:
	}

	if s.shuttingDown.Load() && req.Method != "exit" {
		if req.Notif {
			return nil, nil
		}
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcInvalidRequest), Message: "Server is shutting down"}
	}

	unmarshalParams := func(target any) error {
		if req.Params == nil {
			return errors.New("params field is null")
		}
		return json.Unmarshal(*req.Params, target)
	}
	invalidParams := func(err error) error {
		methodLogger.Error("Failed to unmarshal params", "error", err)
		if req.Notif {
			return nil
		}
		return &jsonrpc2.Error{Code: int64(JsonRpcInvalidParams), Message: fmt.Sprintf("Invalid %s params: %v", req.Method, err)}
	}

	switch req.Method {
	case "initialize":
		var params InitializeParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams(err)
		}
		return s.handleInitialize(ctx, conn, req, params, methodLogger)

	case "initialized":
		return s.handleInitialized(ctx, conn, req, methodLogger)

	case "shutdown":
		return s.handleShutdown(ctx, conn, req, methodLogger)

	case "exit":
		return s.handleExit(ctx, conn, req, methodLogger)

	case "textDocument/didOpen":
		var params DidOpenTextDocumentParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams(err)
		}
		return s.handleDidOpen(ctx, conn, req, params, methodLogger)

	case "textDocument/didChange":
		var params DidChangeTextDocumentParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams(err)
		}
		return s.handleDidChange(ctx, conn, req, params, methodLogger)

	case "textDocument/didClose":
		var params DidCloseTextDocumentParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams(err)
		}
		return s.handleDidClose(ctx, conn, req, params, methodLogger)

	case "textDocument/completion":
		var params CompletionParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams(err)
		}
		return s.handleCompletion(ctx, conn, req, params, methodLogger)

	case "textDocument/inlineCompletion":
		var params InlineCompletionParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams(err)
		}
		return s.handleInlineCompletion(ctx, conn, req, params, methodLogger)

	case "workspace/didChangeConfiguration":
		var params DidChangeConfigurationParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams(err)
		}
		return s.handleDidChangeConfiguration(ctx, conn, req, params, methodLogger)

	case "workspace/executeCommand":
		var params ExecuteCommandParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams(err)
		}
		return s.handleExecuteCommand(ctx, conn, req, params, methodLogger)

	case "$/cancelRequest":
		var params CancelParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams(err)
		}
		var cancelID jsonrpc2.ID
		switch idVal := params.ID.(type) {
		case float64:
			cancelID = jsonrpc2.ID{Num: uint64(idVal)}
		case string:
			cancelID = jsonrpc2.ID{Str: idVal, IsString: true}
		default:
			methodLogger.Warn("Could not determine type of cancel request ID", "id_value", params.ID, "id_type", fmt.Sprintf("%T", params.ID))
			return nil, nil
		}
		s.requestTracker.Cancel(cancelID)
		methodLogger.Debug("Cancellation request processed", "cancelled_id", cancelID.String())
		return nil, nil

	default:
		if req.Notif {
			methodLogger.Debug("Ignoring unhandled notification")
			return nil, nil
		}
		methodLogger.Warn("Unhandled LSP method")
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcMethodNotFound), Message: fmt.Sprintf("Method not supported: %s", req.Method)}
	}
}

// getFile returns a consistent snapshot of an open file.
func (s *Server) getFile(uri DocumentURI) (OpenFile, bool) {
	s.filesMu.RLock()
	defer s.filesMu.RUnlock()
	f, ok := s.files[uri]
	if !ok {
		return OpenFile{}, false
	}
	return *f, true
}

func (s *Server) closeAllFiles() {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	for uri, f := range s.files {
		f.coordinator.Close()
		delete(s.files, uri)
	}
}

func (s *Server) clientCapabilities() ClientCapabilities {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.clientCaps
}

// applyConfig pushes cfg into the completer and the log level.
func (s *Server) applyConfig(cfg Config, logger *slog.Logger) error {
	if err := s.completer.UpdateConfig(cfg); err != nil {
		return err
	}
	if s.levelVar == nil {
		return nil
	}
	level, err := ParseLogLevel(cfg.LogLevel)
	if err != nil {
		logger.Warn("Cannot update logger level due to parse error", "level_string", cfg.LogLevel, "error", err)
		return nil
	}
	if s.levelVar.Level() != level {
		s.levelVar.Set(level)
		logger.Info("Log level updated", "new_level", level)
	}
	return nil
}

// WatchConfigFile applies edits to the config file at path while the server runs.
func (s *Server) WatchConfigFile(path string) error {
	watchLogger := s.logger.With("operation", "WatchConfigFile")
	return WatchConfig(path, s.logger, func(cfg Config) {
		if err := s.applyConfig(cfg, watchLogger); err != nil {
			watchLogger.Error("Failed to apply config file change", "error", err)
			s.sendShowMessage(nil, MessageTypeError, fmt.Sprintf("Failed to apply configuration update: %v", err))
		}
	})
}

// ============================================================================
// LSP Notification Sending Helpers
// ============================================================================

// sendShowMessage notifies over conn, or over the running connection when conn is nil.
func (s *Server) sendShowMessage(conn *jsonrpc2.Conn, msgType MessageType, message string) {
	if conn == nil {
		conn = s.conn.Load()
	}
	if conn == nil {
		s.logger.Warn("Cannot send showMessage: connection is nil")
		return
	}
	params := ShowMessageParams{Type: msgType, Message: message}
	if err := conn.Notify(context.Background(), "window/showMessage", params); err != nil {
		s.logger.Error("Failed to send window/showMessage notification", "error", err, "message_type", msgType)
	} else {
		s.logger.Debug("Sent window/showMessage notification", "message_type", msgType)
	}
}

// ============================================================================
// Metrics Publishing
// ============================================================================

var (
	expvarOnce   sync.Once
	activeServer atomic.Pointer[Server]
)

// publishExpvarMetrics makes s the server reported by the expvar variables.
// The variables are registered once per process since expvar panics on reuse.
func publishExpvarMetrics(s *Server) {
	activeServer.Store(s)
	expvarOnce.Do(func() {
		startTime := time.Now()
		expvar.Publish("serverInfo", expvar.Func(func() any {
			if srv := activeServer.Load(); srv != nil {
				return srv.serverInfo
			}
			return nil
		}))
		expvar.NewString("serverStartTime").Set(startTime.Format(time.RFC3339))
		expvar.Publish("goroutines", expvar.Func(func() any { return runtime.NumGoroutine() }))
		expvar.Publish("memory.allocBytes", expvar.Func(func() any {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return m.Alloc
		}))
		expvar.Publish("lsp.openFiles", expvar.Func(func() any {
			srv := activeServer.Load()
			if srv == nil {
				return 0
			}
			srv.filesMu.RLock()
			defer srv.filesMu.RUnlock()
			return len(srv.files)
		}))
		expvar.Publish("lsp.pendingRequests", expvar.Func(func() any {
			if srv := activeServer.Load(); srv != nil {
				return srv.requestTracker.Count()
			}
			return 0
		}))
		expvar.Publish("cache.completion", expvar.Func(func() any {
			if srv := activeServer.Load(); srv != nil {
				return srv.completer.CacheStats()
			}
			return CompletionCacheStats{}
		}))
		expvar.Publish("cache.memory", expvar.Func(func() any {
			srv := activeServer.Load()
			if srv == nil {
				return nil
			}
			m := srv.completer.MemoMetrics()
			if m == nil {
				return nil
			}
			return map[string]uint64{
				"hits":        m.Hits(),
				"misses":      m.Misses(),
				"keysAdded":   m.KeysAdded(),
				"keysEvicted": m.KeysEvicted(),
				"costAdded":   m.CostAdded(),
				"costEvicted": m.CostEvicted(),
			}
		}))
	})
	s.logger.Debug("Expvar metrics published")
}

// ============================================================================
// Request Cancellation Tracker
// ============================================================================

// RequestTracker manages cancellation contexts for ongoing LSP requests.
type RequestTracker struct {
	mu       sync.Mutex
	requests map[jsonrpc2.ID]context.CancelFunc
}

// NewRequestTracker creates a new tracker.
func NewRequestTracker() *RequestTracker {
	return &RequestTracker{
		requests: make(map[jsonrpc2.ID]context.CancelFunc),
	}
}

// Add registers id and returns a context that Cancel(id) cancels.
func (rt *RequestTracker) Add(ctx context.Context, id jsonrpc2.ID) context.Context {
	reqCtx, cancel := context.WithCancel(ctx)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.requests[id] = cancel
	return reqCtx
}

// Remove deregisters id and releases its context.
func (rt *RequestTracker) Remove(id jsonrpc2.ID) {
	rt.mu.Lock()
	cancel, found := rt.requests[id]
	delete(rt.requests, id)
	rt.mu.Unlock()
	if found {
		cancel()
	}
}

// Cancel finds the cancel function for a request ID and calls it.
func (rt *RequestTracker) Cancel(id jsonrpc2.ID) {
	rt.mu.Lock()
	cancel, found := rt.requests[id]
	if found {
		delete(rt.requests, id)
	}
	rt.mu.Unlock()

	if found {
		slog.Debug("Calling cancel function for request", "id", id.String())
		cancel()
	} else {
		slog.Debug("Cancel function not found for request ID", "id", id.String())
	}
}

// Count returns the number of currently tracked requests.
func (rt *RequestTracker) Count() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.requests)
}
