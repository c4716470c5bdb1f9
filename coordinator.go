// inlinecomplete/coordinator.go
// Per-document request coordinator: debounce, single in-flight model call,
// cooperative cancellation and cache orchestration.
package inlinecomplete

import (
	"context"
	"errors"
	"fmt"
	stdslog "log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"
)

// requestOutcome is what a pending request resolves to.
type requestOutcome struct {
	result  *CompletionResult
	outcome Outcome
}

// pendingRequest is the single live request of a coordinator, from the
// moment its debounce timer is armed until it resolves.
type pendingRequest struct {
	done     chan requestOutcome // Buffered; receives exactly one value.
	resolved bool
	started  time.Time
	cfg      Config
	docCtx   DocumentContext
	key      string
	pos      Position
}

// Coordinator turns a stream of completion requests for one document into at
// most one live model call. A new request always supersedes the previous one:
// its timer is cleared, its model call aborted and its caller resolved with no
// suggestion. Errors are logged and never returned to callers.
type Coordinator struct {
	id     string
	uri    string
	c      *Completer
	logger *stdslog.Logger

	mu       sync.Mutex
	state    SessionState
	timer    *time.Timer
	inFlight context.CancelFunc
	pending  *pendingRequest
	closed   bool
}

func newCoordinator(c *Completer, uri string) *Coordinator {
	id := uuid.NewString()
	return &Coordinator{
		id:     id,
		uri:    uri,
		c:      c,
		logger: c.logger.With("session_id", id, "uri", uri),
	}
}

// ID returns the session identifier used in logs and the journal.
func (co *Coordinator) ID() string { return co.id }

// State returns the current lifecycle state.
func (co *Coordinator) State() SessionState {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.state
}

// RequestCompletion resolves a completion for req. It blocks until the
// request completes, is superseded by a newer request, or ctx is cancelled.
// ok is false whenever there is nothing to insert.
func (co *Coordinator) RequestCompletion(ctx context.Context, req CompletionRequest) (result *CompletionResult, ok bool) {
	started := co.c.now()
	cfg := co.c.GetCurrentConfig()
	docCtx := co.c.extractContext(req)
	pos := Position{Line: docCtx.CursorLine, Character: len(docCtx.LinePrefix)}
	key := CacheKey(docCtx.Fingerprint, pos.Line, pos.Character, docCtx.LinePrefix)
	opLogger := co.logger.With("operation", "RequestCompletion", "line", pos.Line, "col", pos.Character)

	co.mu.Lock()
	if co.closed {
		co.mu.Unlock()
		opLogger.Debug("Ignoring request", "error", ErrSessionClosed)
		return nil, false
	}
	co.supersedeLocked()

	if ctx.Err() != nil {
		co.state = StateCancelled
		co.mu.Unlock()
		co.record(ctx, OutcomeCancelled, cfg, docCtx, started, 0)
		return nil, false
	}

	if cached, hit := co.lookupLocked(ctx, key, docCtx.LinePrefix, cfg); hit {
		co.state = StateCompleted
		co.mu.Unlock()
		opLogger.Debug("Serving completion from cache")
		co.record(ctx, OutcomeCacheHit, cfg, docCtx, started, len(cached))
		return newCompletionResult(cached, pos), true
	}

	p := &pendingRequest{
		done:    make(chan requestOutcome, 1),
		started: started,
		cfg:     cfg,
		docCtx:  docCtx,
		key:     key,
		pos:     pos,
	}
	co.pending = p
	co.state = StateDebouncing
	co.timer = time.AfterFunc(cfg.Debounce, func() { co.fire(ctx, p) })
	co.mu.Unlock()

	select {
	case out := <-p.done:
		return out.result, out.result != nil
	case <-ctx.Done():
		co.mu.Lock()
		if co.pending == p {
			co.cancelLocked(OutcomeCancelled)
		}
		co.mu.Unlock()
		<-p.done
		return nil, false
	}
}

// lookupLocked returns the unique part of a fresh cached completion.
// Entries at or past the TTL are deleted and reported as misses.
func (co *Coordinator) lookupLocked(ctx context.Context, key, linePrefix string, cfg Config) (string, bool) {
	cache := co.c.completionCache()
	entry, found := cache.Get(key)
	if !found {
		co.c.telemetry.RecordCacheLookup(ctx, lookupMiss)
		return "", false
	}
	if co.c.now().Sub(entry.CreatedAt) >= cfg.CacheTTL {
		cache.Delete(key)
		co.c.telemetry.RecordCacheLookup(ctx, lookupStale)
		return "", false
	}
	unique, ok := GetUniqueCompletion(entry.Completion, linePrefix)
	if !ok {
		co.c.telemetry.RecordCacheLookup(ctx, lookupMiss)
		return "", false
	}
	co.c.telemetry.RecordCacheLookup(ctx, lookupHit)
	return unique, true
}

// fire runs when the debounce timer for p expires.
func (co *Coordinator) fire(parent context.Context, p *pendingRequest) {
	co.mu.Lock()
	if co.pending != p || p.resolved {
		co.mu.Unlock()
		return
	}
	co.timer = nil
	modelCtx, cancel := context.WithCancel(parent)
	co.inFlight = cancel
	co.state = StateRequesting
	co.mu.Unlock()
	defer cancel()

	raw, err := co.generate(modelCtx, p)

	co.mu.Lock()
	defer co.mu.Unlock()
	if co.pending != p || p.resolved {
		// Superseded or cancelled while the model was running.
		return
	}
	co.inFlight = nil

	if modelCtx.Err() != nil || errors.Is(err, context.Canceled) {
		co.state = StateCancelled
		co.resolveLocked(p, nil, OutcomeCancelled)
		return
	}
	co.state = StateCompleted
	if err != nil {
		co.logger.Warn("Model call failed, no suggestion", "error", err)
		co.resolveLocked(p, nil, OutcomeFailed)
		return
	}

	cleaned := CleanResponse(raw, p.docCtx.LinePrefix)
	unique, ok := GetUniqueCompletion(cleaned, p.docCtx.LinePrefix)
	if !ok {
		co.logger.Debug("Model response empty after sanitizing", "raw_length", len(raw))
		co.resolveLocked(p, nil, OutcomeEmpty)
		return
	}
	co.c.completionCache().Set(p.key, CacheEntry{Completion: cleaned, CreatedAt: co.c.now()})
	co.resolveLocked(p, newCompletionResult(unique, p.pos), OutcomeCompleted)
}

// generate streams the model output for p, checking ctx at every chunk.
// A panic inside the model client is reported as an error.
func (co *Coordinator) generate(ctx context.Context, p *pendingRequest) (string, error) {
	messages := co.c.formatter.FormatMessages(p.docCtx, p.cfg, co.logger)
	spanCtx, span := co.c.telemetry.StartModelSpan(ctx, p.cfg.Model, co.id)
	start := time.Now()

	var sb strings.Builder
	var streamErr error
	var pc panics.Catcher
	pc.Try(func() {
		for chunk, err := range co.c.client.Generate(spanCtx, p.cfg.Model, messages, p.cfg.Stream) {
			if err != nil {
				streamErr = err
				return
			}
			if err := ctx.Err(); err != nil {
				streamErr = err
				return
			}
			sb.WriteString(chunk.ContentDelta)
			if chunk.Done {
				return
			}
		}
	})
	if r := pc.Recovered(); r != nil {
		streamErr = fmt.Errorf("%w: model client panicked: %w", ErrStreamProcessing, r.AsError())
	}

	status := "ok"
	switch {
	case ctx.Err() != nil || errors.Is(streamErr, context.Canceled):
		status = "cancelled"
	case streamErr != nil:
		status = "error"
	}
	co.c.telemetry.EndModelSpan(ctx, span, status, time.Since(start), streamErr)
	return sb.String(), streamErr
}

// Cancel aborts the pending or in-flight request, if any. Calling it with
// nothing in flight, or calling it twice, has no effect.
func (co *Coordinator) Cancel() {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.cancelLocked(OutcomeCancelled)
}

// Close cancels outstanding work and rejects further requests.
func (co *Coordinator) Close() {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.cancelLocked(OutcomeCancelled)
	co.closed = true
}

// supersedeLocked retires the previous request before a new one starts.
func (co *Coordinator) supersedeLocked() {
	co.cancelLocked(OutcomeSuperseded)
}

func (co *Coordinator) cancelLocked(outcome Outcome) {
	if co.timer == nil && co.inFlight == nil && co.pending == nil {
		return
	}
	if co.timer != nil {
		co.timer.Stop()
		co.timer = nil
	}
	if co.inFlight != nil {
		co.inFlight()
		co.inFlight = nil
	}
	if co.pending != nil {
		co.resolveLocked(co.pending, nil, outcome)
	}
	co.state = StateCancelled
}

// resolveLocked delivers the single outcome of p and records it.
func (co *Coordinator) resolveLocked(p *pendingRequest, result *CompletionResult, outcome Outcome) {
	if p.resolved {
		return
	}
	p.resolved = true
	if co.pending == p {
		co.pending = nil
	}
	completionLen := 0
	if result != nil {
		completionLen = len(result.Text)
	}
	co.record(context.Background(), outcome, p.cfg, p.docCtx, p.started, completionLen)
	p.done <- requestOutcome{result: result, outcome: outcome}
}

func (co *Coordinator) record(ctx context.Context, outcome Outcome, cfg Config, docCtx DocumentContext, started time.Time, completionLen int) {
	co.c.telemetry.RecordRequest(ctx, outcome)
	if co.c.journal == nil {
		return
	}
	now := co.c.now()
	co.c.journal.Record(JournalRecord{
		Time:          now,
		SessionID:     co.id,
		Model:         cfg.Model,
		Language:      docCtx.Language,
		Fingerprint:   docCtx.Fingerprint,
		Outcome:       outcome,
		LatencyMS:     now.Sub(started).Milliseconds(),
		CompletionLen: completionLen,
	})
}

func newCompletionResult(completion string, pos Position) *CompletionResult {
	return &CompletionResult{
		Text:  insertionText(completion),
		Range: &Range{Start: pos, End: pos},
	}
}
