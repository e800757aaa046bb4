package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/plaenen/aggregatestore/pkg/store"
	"github.com/plaenen/aggregatestore/pkg/store/memory"
	"github.com/plaenen/aggregatestore/pkg/store/storetest"
)

func newTestTelemetry(t *testing.T) (*Telemetry, *tracetest.InMemoryExporter, *sdkmetric.ManualReader) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()

	tel, err := Init(context.Background(), Config{
		ServiceName:     "test",
		TraceExporter:   exporter,
		TraceSampleRate: 1,
		MetricReader:    reader,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	return tel, exporter, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestInit_Disabled(t *testing.T) {
	tel, err := Init(context.Background(), Config{ServiceName: "test"})
	require.NoError(t, err)
	require.NotNil(t, tel.Metrics)

	// no-op instruments must accept recordings
	tel.Metrics.RecordSave(context.Background(), OutcomeOK, 3)
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordSave(context.Background(), OutcomeOK, 1)
		m.RecordLoad(context.Background(), OutcomeOK, 1, 1)
		m.RecordPublish(context.Background(), 1, nil)
	})
}

func TestMetrics_RecordSave(t *testing.T) {
	tel, _, reader := newTestTelemetry(t)
	ctx := context.Background()

	tel.Metrics.RecordSave(ctx, OutcomeOK, 3)
	tel.Metrics.RecordSave(ctx, OutcomeConflict, 2)

	metrics := collect(t, reader)

	appended, ok := metrics["aggregatestore.events.appended"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, appended.DataPoints, 1)
	assert.Equal(t, int64(3), appended.DataPoints[0].Value)

	saves, ok := metrics["aggregatestore.repository.saves"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Len(t, saves.DataPoints, 2)
}

func TestInstrumentedStore(t *testing.T) {
	tel, exporter, reader := newTestTelemetry(t)
	ctx := context.Background()

	s := InstrumentStore(memory.NewEventStore(), tel.Tracer("test"), tel.Metrics)

	_, err := s.AppendToStream(ctx, "s", store.NoStream, storetest.Events(2, 0))
	require.NoError(t, err)

	_, err = s.AppendToStream(ctx, "s", store.NoStream, storetest.Events(1, 2))
	require.ErrorIs(t, err, store.ErrWrongExpectedVersion)

	slice, err := s.ReadStreamEventsForward(ctx, "s", 0, 10)
	require.NoError(t, err)
	assert.Len(t, slice.Events, 2)

	tp, ok := tel.TracerProvider.(*sdktrace.TracerProvider)
	require.True(t, ok)
	require.NoError(t, tp.ForceFlush(ctx))

	spans := exporter.GetSpans()
	require.Len(t, spans, 3)
	assert.Equal(t, "eventstore.append", spans[0].Name)
	assert.Equal(t, "eventstore.read", spans[2].Name)

	latency, ok := collect(t, reader)["aggregatestore.eventstore.latency"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var total uint64
	for _, dp := range latency.DataPoints {
		total += dp.Count
	}
	assert.Equal(t, uint64(3), total)
}

func TestInstrumentedStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.StreamStore {
		return InstrumentStore(memory.NewEventStore(), nil, nil)
	})
}
