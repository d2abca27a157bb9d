// Package transcript adapts a realtime speech-to-text provider to the voice
// pipeline. The adapter streams PCM audio upstream and emits partial and
// final transcript results downstream; utterance boundaries are owned by the
// VAD, which asks the adapter to finalize once sustained silence is detected.
package transcript

import "context"

// Result is one transcript update for the currently open utterance.
type Result struct {
	Text       string
	Confidence float64
	// Final marks the fixed end-of-utterance transcript. At most one final
	// result is emitted per Finalize call.
	Final bool
}

// Streamer is the minimal interface for realtime STT.
// It must accept PCM 16kHz little-endian mono buffers and emit live and
// finalized text.
type Streamer interface {
	Connect(ctx context.Context) error
	SendPCM16KLE(pcm []byte) error
	Results() <-chan Result
	// Finalize requests the end-of-utterance transcript. The final result is
	// delivered on Results with Final set; an empty text means the utterance
	// was unintelligible and the turn should be a no-op.
	Finalize() error
	Close() error
}
