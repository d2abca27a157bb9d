// Package observe wires OpenTelemetry metrics for the voice pipeline
// and exposes them through a Prometheus scrape endpoint.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/Jasoncarelse27/atlas-sub000"

// Metrics holds the pipeline's metric instruments. The underlying
// OTel types are safe for concurrent use.
type Metrics struct {
	// FirstAudioDuration tracks utterance end to first audio chunk,
	// the latency the user actually feels.
	FirstAudioDuration metric.Float64Histogram

	// STTDuration tracks utterance end to final transcript.
	STTDuration metric.Float64Histogram

	// LLMFirstTokenDuration tracks generation start to first delta.
	LLMFirstTokenDuration metric.Float64Histogram

	// TTSDuration tracks per-unit synthesis latency.
	TTSDuration metric.Float64Histogram

	// TurnDuration tracks final transcript to turn completion.
	TurnDuration metric.Float64Histogram

	// Turns counts finished turns. Attributes: status = completed |
	// interrupted | error.
	Turns metric.Int64Counter

	// BargeIns counts user interruptions of assistant speech.
	BargeIns metric.Int64Counter

	// ProviderErrors counts upstream failures. Attributes: provider,
	// kind = stt | llm | tts.
	ProviderErrors metric.Int64Counter

	// SessionCost records the final cost of each session in USD.
	SessionCost metric.Float64Histogram

	// ActiveSessions tracks live voice sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets are in seconds, tuned for conversational latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

var costBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2}

// NewMetrics creates all instruments on the given provider. Tests
// pass their own provider to avoid cross-test pollution.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FirstAudioDuration, err = m.Float64Histogram("voice.first_audio.duration",
		metric.WithDescription("Time from end of user speech to first assistant audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTDuration, err = m.Float64Histogram("voice.stt.duration",
		metric.WithDescription("Time from end of user speech to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstTokenDuration, err = m.Float64Histogram("voice.llm.first_token.duration",
		metric.WithDescription("Time from generation start to first streamed token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("voice.tts.duration",
		metric.WithDescription("Per-unit synthesis latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("voice.turn.duration",
		metric.WithDescription("Full turn latency from final transcript to completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Turns, err = m.Int64Counter("voice.turns",
		metric.WithDescription("Finished turns by status."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voice.barge_ins",
		metric.WithDescription("User interruptions of assistant speech."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voice.provider.errors",
		metric.WithDescription("Upstream provider failures by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.SessionCost, err = m.Float64Histogram("voice.session.cost",
		metric.WithDescription("Final session cost in USD."),
		metric.WithExplicitBucketBoundaries(costBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voice.active_sessions",
		metric.WithDescription("Live voice sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level instance built on the
// global meter provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordTurn records a finished turn with its status.
func (m *Metrics) RecordTurn(ctx context.Context, status string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordProviderError records one upstream failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}
