// Package billing accrues provider usage for a session and enforces
// the session cost ceiling.
package billing

import "sync"

// Rates prices the three metered dimensions. Values are rough blended
// list prices and can be tuned per deployment.
type Rates struct {
	STTPerMinuteUSD        float64
	LLMPerMillionCharsUSD  float64
	TTSPerThousandCharsUSD float64
}

func DefaultRates() Rates {
	return Rates{
		STTPerMinuteUSD:        0.25,
		LLMPerMillionCharsUSD:  1.20,
		TTSPerThousandCharsUSD: 0.08,
	}
}

// Usage is a point-in-time snapshot of a session's accrued usage.
type Usage struct {
	STTSeconds float64
	LLMChars   int
	TTSChars   int
	TotalUSD   float64
}

// Tracker accrues usage for one session. Safe for concurrent use;
// audio ingest, generation, and synthesis all report from their own
// goroutines.
type Tracker struct {
	mu       sync.Mutex
	rates    Rates
	limitUSD float64

	sttSeconds float64
	llmChars   int
	ttsChars   int
}

// NewTracker creates a tracker with the given ceiling. A limit of
// zero or below disables enforcement.
func NewTracker(rates Rates, limitUSD float64) *Tracker {
	return &Tracker{rates: rates, limitUSD: limitUSD}
}

func (t *Tracker) AddSTTAudio(seconds float64) {
	if seconds <= 0 {
		return
	}
	t.mu.Lock()
	t.sttSeconds += seconds
	t.mu.Unlock()
}

func (t *Tracker) AddLLMChars(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	t.llmChars += n
	t.mu.Unlock()
}

func (t *Tracker) AddTTSChars(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	t.ttsChars += n
	t.mu.Unlock()
}

func (t *Tracker) TotalUSD() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalLocked()
}

// Exceeded reports whether accrued cost reached the ceiling.
func (t *Tracker) Exceeded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limitUSD > 0 && t.totalLocked() >= t.limitUSD
}

func (t *Tracker) Snapshot() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Usage{
		STTSeconds: t.sttSeconds,
		LLMChars:   t.llmChars,
		TTSChars:   t.ttsChars,
		TotalUSD:   t.totalLocked(),
	}
}

func (t *Tracker) totalLocked() float64 {
	return t.sttSeconds/60*t.rates.STTPerMinuteUSD +
		float64(t.llmChars)/1e6*t.rates.LLMPerMillionCharsUSD +
		float64(t.ttsChars)/1e3*t.rates.TTSPerThousandCharsUSD
}
