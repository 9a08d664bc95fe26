package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestRunInstruments_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	inst, err := NewRunInstrumentsWith(mp.Meter(InstrumentationName))
	require.NoError(t, err)
	inst.RecordRun(context.Background(), "alpha", "completed", 1500*time.Millisecond)
	inst.RecordRun(context.Background(), "alpha", "interrupted", 200*time.Millisecond)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	byName := map[string]metricdata.Metrics{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		byName[m.Name] = m
	}
	runs, ok := byName["agenttree.runs"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Len(t, runs.DataPoints, 2)

	hist, ok := byName["agenttree.run.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	assert.Equal(t, uint64(2), total)
}

func TestRunInstruments_NilSafe(t *testing.T) {
	var inst *RunInstruments
	assert.NotPanics(t, func() { inst.RecordRun(context.Background(), "alpha", "failed", time.Second) })

	global, err := NewRunInstruments()
	require.NoError(t, err)
	assert.NotPanics(t, func() { global.RecordRun(context.Background(), "alpha", "completed", time.Second) })
}
