// Package audio provides the inbound frame source and outbound paced writer
// for a voice session. Inbound microphone audio is normalized to fixed-size
// PCM16LE mono frames at 16 kHz; outbound synthesized audio is paced to the
// client in 20 ms frames at 48 kHz.
package audio

import (
	"encoding/binary"
	"time"
)

const (
	// InputSampleRate is the sample rate of inbound microphone audio.
	InputSampleRate = 16000
	// OutputSampleRate is the sample rate of outbound synthesized audio.
	OutputSampleRate = 48000
	// FrameDurationMs is the fixed duration of one inbound frame.
	FrameDurationMs = 20
	// FrameSamples is the sample count of one inbound frame.
	FrameSamples = InputSampleRate * FrameDurationMs / 1000
)

// Frame is one fixed-duration chunk of PCM16 mono audio.
type Frame struct {
	Seq        uint64
	Samples    []int16
	CapturedAt time.Time
}

// Source slices arbitrary-length inbound PCM16LE byte buffers into fixed-size
// frames and assigns monotonic sequence numbers. Not safe for concurrent use;
// a session owns exactly one Source fed from its single read loop.
type Source struct {
	pending []int16
	nextSeq uint64
}

// NewSource constructs an empty frame source.
func NewSource() *Source {
	return &Source{pending: make([]int16, 0, FrameSamples*4)}
}

// Ingest appends raw PCM16LE bytes and returns all complete frames produced.
// A trailing partial frame is buffered until the next call.
func (s *Source) Ingest(pcm []byte) []Frame {
	if len(pcm) < 2 {
		return nil
	}
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		s.pending = append(s.pending, int16(binary.LittleEndian.Uint16(pcm[i*2:i*2+2])))
	}
	return s.drain()
}

// IngestSamples appends decoded PCM samples directly (used for Opus input).
func (s *Source) IngestSamples(samples []int16) []Frame {
	s.pending = append(s.pending, samples...)
	return s.drain()
}

func (s *Source) drain() []Frame {
	var frames []Frame
	now := time.Now()
	for len(s.pending) >= FrameSamples {
		samples := make([]int16, FrameSamples)
		copy(samples, s.pending[:FrameSamples])
		frames = append(frames, Frame{Seq: s.nextSeq, Samples: samples, CapturedAt: now})
		s.nextSeq++
		copy(s.pending, s.pending[FrameSamples:])
		s.pending = s.pending[:len(s.pending)-FrameSamples]
	}
	return frames
}

// NextSeq returns the sequence number the next produced frame will carry.
func (s *Source) NextSeq() uint64 { return s.nextSeq }

// BytesLE serializes samples as little-endian PCM16.
func BytesLE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// Gate enforces non-decreasing sequence order on the consumption path.
// Out-of-order frames are dropped, never reordered and replayed.
type Gate struct {
	started bool
	lastSeq uint64
	dropped uint64
}

// Admit reports whether the frame may be consumed. Frames with a sequence
// number lower than one already admitted are rejected.
func (g *Gate) Admit(f Frame) bool {
	if g.started && f.Seq < g.lastSeq {
		g.dropped++
		return false
	}
	g.started = true
	g.lastSeq = f.Seq
	return true
}

// Dropped returns the number of frames rejected so far.
func (g *Gate) Dropped() uint64 { return g.dropped }
