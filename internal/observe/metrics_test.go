package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader
// for programmatic inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"voice.first_audio.duration", m.FirstAudioDuration},
		{"voice.stt.duration", m.STTDuration},
		{"voice.llm.first_token.duration", m.LLMFirstTokenDuration},
		{"voice.tts.duration", m.TTSDuration},
		{"voice.turn.duration", m.TurnDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)
	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %s not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %s is not a float64 histogram", tc.name)
			}
			if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 2 {
				t.Fatalf("unexpected data points for %s: %+v", tc.name, hist.DataPoints)
			}
		})
	}
}

func TestCountersAndGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTurn(ctx, "completed")
	m.RecordTurn(ctx, "interrupted")
	m.BargeIns.Add(ctx, 1)
	m.RecordProviderError(ctx, "deepgram", "tts")
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)

	turns := findMetric(rm, "voice.turns")
	if turns == nil {
		t.Fatalf("voice.turns not found")
	}
	sum, ok := turns.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("voice.turns is not an int64 sum")
	}
	// one data point per status attribute
	if len(sum.DataPoints) != 2 {
		t.Fatalf("expected 2 turn status series, got %d", len(sum.DataPoints))
	}

	active := findMetric(rm, "voice.active_sessions")
	if active == nil {
		t.Fatalf("voice.active_sessions not found")
	}
	gauge, ok := active.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("voice.active_sessions is not an int64 sum")
	}
	if len(gauge.DataPoints) != 1 || gauge.DataPoints[0].Value != 0 {
		t.Fatalf("active sessions should net to zero, got %+v", gauge.DataPoints)
	}
}
