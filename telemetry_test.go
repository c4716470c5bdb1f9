// inlinecomplete/telemetry_test.go
package inlinecomplete

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newManualTelemetry(t *testing.T) (*Telemetry, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	tel, err := NewTelemetry(mp, nil)
	require.NoError(t, err)
	return tel, reader
}

// counterValues collects an Int64 sum keyed by the value of attrKey.
func counterValues(t *testing.T, reader *sdkmetric.ManualReader, name, attrKey string) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	values := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(attribute.Key(attrKey))
				values[v.AsString()] += dp.Value
			}
		}
	}
	return values
}

func TestTelemetry_Counters(t *testing.T) {
	tel, reader := newManualTelemetry(t)
	ctx := context.Background()

	tel.RecordRequest(ctx, OutcomeCompleted)
	tel.RecordRequest(ctx, OutcomeCompleted)
	tel.RecordRequest(ctx, OutcomeCancelled)
	tel.RecordCacheLookup(ctx, lookupHit)
	tel.RecordCacheLookup(ctx, lookupStale)

	_, span := tel.StartModelSpan(ctx, "m", "s")
	tel.EndModelSpan(ctx, span, "error", 12*time.Millisecond, errors.New("boom"))

	assert.Equal(t, map[string]int64{"completed": 2, "cancelled": 1}, counterValues(t, reader, "inlinecomplete.requests", "outcome"))
	assert.Equal(t, map[string]int64{"hit": 1, "stale": 1}, counterValues(t, reader, "inlinecomplete.cache.lookups", "result"))
	assert.Equal(t, map[string]int64{"error": 1}, counterValues(t, reader, "inlinecomplete.model.calls", "status"))
}

func TestTelemetry_NilProvidersAreNoop(t *testing.T) {
	tel, err := NewTelemetry(nil, nil)
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		ctx, span := tel.StartModelSpan(context.Background(), "m", "s")
		tel.RecordRequest(ctx, OutcomeEmpty)
		tel.EndModelSpan(ctx, span, "ok", time.Millisecond, nil)
	})
}

func TestTelemetry_CompleterIntegration(t *testing.T) {
	tel, reader := newManualTelemetry(t)
	c, _ := newTestCompleter(t, testConfig(time.Millisecond), newFakeModel("2;"), WithTelemetry(tel))
	co, err := c.NewCoordinator("")
	require.NoError(t, err)

	req := assignmentRequest("two")
	_, ok := co.RequestCompletion(context.Background(), req)
	require.True(t, ok)
	_, ok = co.RequestCompletion(context.Background(), req)
	require.True(t, ok)

	assert.Equal(t, map[string]int64{"completed": 1, "cache_hit": 1}, counterValues(t, reader, "inlinecomplete.requests", "outcome"))
	assert.Equal(t, map[string]int64{"miss": 1, "hit": 1}, counterValues(t, reader, "inlinecomplete.cache.lookups", "result"))
	assert.Equal(t, map[string]int64{"ok": 1}, counterValues(t, reader, "inlinecomplete.model.calls", "status"))
}
