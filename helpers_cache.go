// inlinecomplete/helpers_cache.go
// In-memory memoization of extracted document context (Ristretto).
package inlinecomplete

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// ============================================================================
// Memory Cache Helpers
// ============================================================================

// memoryCache is the small surface withMemoryCache needs.
type memoryCache interface {
	GetMemoryCache(key string) (any, bool)
	SetMemoryCache(key string, value any, cost int64, ttl time.Duration) bool
	MemoryCacheEnabled() bool
}

// contextMemo holds ExtractContext results per document version and cursor.
// Document versions only grow, so stale keys simply age out.
type contextMemo struct {
	mu     sync.RWMutex
	cache  *ristretto.Cache
	logger *slog.Logger
}

func newContextMemo(logger *slog.Logger) *contextMemo {
	if logger == nil {
		logger = slog.Default()
	}
	memoLogger := logger.With("component", "contextMemo")
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     64 << 20, // 64MB of context text
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		memoLogger.Warn("Failed to create ristretto memory cache, context memoization disabled.", "error", err)
		cache = nil
	}
	return &contextMemo{cache: cache, logger: memoLogger}
}

func (m *contextMemo) GetMemoryCache(key string) (any, bool) {
	m.mu.RLock()
	cache := m.cache
	m.mu.RUnlock()
	if cache == nil {
		return nil, false
	}
	return cache.Get(key)
}

func (m *contextMemo) SetMemoryCache(key string, value any, cost int64, ttl time.Duration) bool {
	m.mu.RLock()
	cache := m.cache
	m.mu.RUnlock()
	if cache == nil {
		return false
	}
	set := cache.SetWithTTL(key, value, cost, ttl)
	if !set {
		m.logger.Debug("SetMemoryCache dropped item.", "key", key, "cost", cost)
	}
	return set
}

func (m *contextMemo) MemoryCacheEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache != nil
}

// Metrics returns Ristretto's counters, or nil when the memo is disabled.
func (m *contextMemo) Metrics() *ristretto.Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cache == nil {
		return nil
	}
	return m.cache.Metrics
}

// Clear drops every memoized context.
func (m *contextMemo) Clear() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cache != nil {
		m.cache.Clear()
	}
}

func (m *contextMemo) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache != nil {
		m.cache.Close()
		m.cache = nil
	}
}

// generateMemoKey keys a memoized value by document identity and cursor.
// Format: prefix:uri:version:line:col
func generateMemoKey(prefix, uri string, version, line, col int) string {
	if uri == "" {
		uri = "[unknown-uri]"
	}
	return fmt.Sprintf("%s:%s:%d:%d:%d", prefix, uri, version, line, col)
}

// withMemoryCache wraps computeFn with a lookup in cache. On a miss the
// computed value is stored with cost and ttl; a non-positive cost is
// estimated from the value. Errors are never cached.
// Returns the value, whether it came from the cache, and computeFn's error.
func withMemoryCache[T any](
	cache memoryCache,
	cacheKey string,
	cost int64,
	ttl time.Duration,
	computeFn func() (T, error),
	logger *slog.Logger,
) (T, bool, error) {
	var zero T
	if logger == nil {
		logger = slog.Default()
	}
	cacheLogger := logger.With("cache_key", cacheKey)

	if cache == nil || !cache.MemoryCacheEnabled() {
		result, err := computeFn()
		return result, false, err
	}

	if cached, found := cache.GetMemoryCache(cacheKey); found {
		if typed, ok := cached.(T); ok {
			cacheLogger.Debug("Memory cache hit")
			return typed, true, nil
		}
		cacheLogger.Error("Memory cache type assertion failed", "expected_type", fmt.Sprintf("%T", zero), "actual_type", fmt.Sprintf("%T", cached))
	}

	computed, err := computeFn()
	if err != nil {
		return zero, false, err
	}
	if cost <= 0 {
		cost = max(1, estimateCost(computed))
	}
	cache.SetMemoryCache(cacheKey, computed, cost, ttl)
	return computed, false, nil
}

// estimateCost approximates the retained size of v in bytes.
func estimateCost(v any) int64 {
	switch val := v.(type) {
	case string:
		return int64(len(val))
	case []byte:
		return int64(len(val))
	case []string:
		cost := int64(0)
		for _, s := range val {
			cost += int64(len(s))
		}
		return cost
	case DocumentContext:
		return int64(len(val.ImportsText)+len(val.EnclosingBlockText)+len(val.LinePrefix)+len(val.PrevLineText)) +
			estimateCost(val.ScopeVariableNames)
	default:
		return 1
	}
}
