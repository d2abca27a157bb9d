package billing

import (
	"math"
	"sync"
	"testing"
)

func TestTracker_Accrual(t *testing.T) {
	tr := NewTracker(Rates{STTPerMinuteUSD: 0.60, LLMPerMillionCharsUSD: 2.0, TTSPerThousandCharsUSD: 0.10}, 0)
	tr.AddSTTAudio(30)        // half a minute -> 0.30
	tr.AddLLMChars(500_000)   // half a million -> 1.00
	tr.AddTTSChars(2_000)     // two thousand -> 0.20
	if got, want := tr.TotalUSD(), 1.50; math.Abs(got-want) > 1e-9 {
		t.Fatalf("TotalUSD = %v, want %v", got, want)
	}
	u := tr.Snapshot()
	if u.STTSeconds != 30 || u.LLMChars != 500_000 || u.TTSChars != 2_000 {
		t.Fatalf("snapshot %+v", u)
	}
}

func TestTracker_Ceiling(t *testing.T) {
	tr := NewTracker(Rates{TTSPerThousandCharsUSD: 1.0}, 0.5)
	if tr.Exceeded() {
		t.Fatalf("fresh tracker must not be exceeded")
	}
	tr.AddTTSChars(499)
	if tr.Exceeded() {
		t.Fatalf("below the ceiling, got exceeded")
	}
	tr.AddTTSChars(1)
	if !tr.Exceeded() {
		t.Fatalf("at the ceiling, expected exceeded")
	}
}

func TestTracker_ZeroLimitDisablesCeiling(t *testing.T) {
	tr := NewTracker(DefaultRates(), 0)
	tr.AddTTSChars(10_000_000)
	if tr.Exceeded() {
		t.Fatalf("limit 0 should disable enforcement")
	}
}

func TestTracker_IgnoresNonPositive(t *testing.T) {
	tr := NewTracker(DefaultRates(), 1)
	tr.AddSTTAudio(-5)
	tr.AddLLMChars(-1)
	tr.AddTTSChars(0)
	if tr.TotalUSD() != 0 {
		t.Fatalf("negative usage must be ignored, total=%v", tr.TotalUSD())
	}
}

func TestTracker_ConcurrentAdds(t *testing.T) {
	tr := NewTracker(Rates{TTSPerThousandCharsUSD: 1.0}, 0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.AddTTSChars(10)
		}()
	}
	wg.Wait()
	if got := tr.Snapshot().TTSChars; got != 500 {
		t.Fatalf("TTSChars = %d, want 500", got)
	}
}
