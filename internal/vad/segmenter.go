// Package vad implements voice activity detection and utterance segmentation.
//
// The segmenter classifies fixed-size PCM frames as speech or silence using a
// smoothed RMS energy estimate, and derives utterance boundaries from two
// tunable thresholds: MinSpeechMs filters out breaths and coughs before an
// utterance is opened, and SilenceHoldMs tolerates natural mid-sentence pauses
// before an utterance is closed. Detection is synchronous: ProcessFrame
// returns immediately so it can run inline in the session's audio loop.
package vad

import (
	"math"

	"github.com/google/uuid"

	"github.com/Jasoncarelse27/atlas-sub000/internal/audio"
)

// Config holds the thresholds for utterance segmentation.
type Config struct {
	// MinSpeechMs is the sustained speech duration required before an
	// utterance start is reported. Favors precision: a false start cancels a
	// real answer, which is jarring.
	MinSpeechMs int
	// SilenceHoldMs is the sustained silence duration required before an open
	// utterance is closed. Favors recall: late closing only adds latency,
	// early closing truncates the user.
	SilenceHoldMs int
	// EnergyThreshold is the RMS level above which a frame counts as speech.
	EnergyThreshold float64
	// SmoothFrames is the majority-vote window applied to per-frame decisions.
	SmoothFrames int
}

// DefaultConfig returns thresholds tuned for 16kHz headset input.
func DefaultConfig() Config {
	return Config{
		MinSpeechMs:     200,
		SilenceHoldMs:   700,
		EnergyThreshold: 300.0,
		SmoothFrames:    4,
	}
}

// EventType enumerates segmenter events.
type EventType int

const (
	// UtteranceStarted indicates sustained speech has opened a new utterance.
	UtteranceStarted EventType = iota
	// UtteranceEnded indicates sustained silence has closed the utterance.
	UtteranceEnded
)

// Event is an utterance boundary notification for the turn controller.
type Event struct {
	Type        EventType
	UtteranceID string
	// Seq is the start frame sequence for UtteranceStarted and the last
	// speech frame sequence for UtteranceEnded.
	Seq uint64
	// IsBargeIn is set on UtteranceStarted when the assistant was generating
	// or playing audio at the moment speech began.
	IsBargeIn bool
}

// Segmenter detects utterance boundaries in an ordered frame stream.
// Not safe for concurrent use; a session owns exactly one Segmenter fed from
// its audio loop.
type Segmenter struct {
	cfg Config

	// assistantActive reports whether a response is being generated or played,
	// so an utterance start can be tagged as a barge-in.
	assistantActive func() bool

	win []bool

	utteranceOpen  bool
	utteranceID    string
	candidateOpen  bool
	candidateSeq   uint64
	speechMs       int
	silenceMs      int
	lastSpeechSeq  uint64
	pendingBargeIn bool
}

// New constructs a Segmenter. assistantActive may be nil when barge-in
// tagging is not needed (e.g., tests of pure boundary detection).
func New(cfg Config, assistantActive func() bool) *Segmenter {
	if cfg.MinSpeechMs == 0 {
		cfg.MinSpeechMs = DefaultConfig().MinSpeechMs
	}
	if cfg.SilenceHoldMs == 0 {
		cfg.SilenceHoldMs = DefaultConfig().SilenceHoldMs
	}
	if cfg.EnergyThreshold == 0 {
		cfg.EnergyThreshold = DefaultConfig().EnergyThreshold
	}
	if cfg.SmoothFrames == 0 {
		cfg.SmoothFrames = DefaultConfig().SmoothFrames
	}
	return &Segmenter{cfg: cfg, assistantActive: assistantActive}
}

// ProcessFrame consumes one frame and returns any boundary events it caused.
func (s *Segmenter) ProcessFrame(f audio.Frame) []Event {
	speech := s.isSpeech(f.Samples)
	var events []Event

	if speech {
		s.lastSpeechSeq = f.Seq
	}

	if !s.utteranceOpen {
		if speech {
			if !s.candidateOpen {
				s.candidateOpen = true
				s.candidateSeq = f.Seq
				s.speechMs = 0
				// Barge-in state is captured at the moment speech begins, not
				// when the start threshold is crossed: the assistant may have
				// finished speaking in between.
				s.pendingBargeIn = s.assistantActive != nil && s.assistantActive()
			}
			s.speechMs += audio.FrameDurationMs
			if s.speechMs >= s.cfg.MinSpeechMs {
				s.utteranceOpen = true
				s.candidateOpen = false
				s.utteranceID = uuid.NewString()
				s.silenceMs = 0
				events = append(events, Event{
					Type:        UtteranceStarted,
					UtteranceID: s.utteranceID,
					Seq:         s.candidateSeq,
					IsBargeIn:   s.pendingBargeIn,
				})
			}
		} else {
			// Too short to be a genuine utterance start; discard candidate.
			s.candidateOpen = false
			s.speechMs = 0
		}
		return events
	}

	if speech {
		s.silenceMs = 0
		return events
	}
	s.silenceMs += audio.FrameDurationMs
	if s.silenceMs >= s.cfg.SilenceHoldMs {
		events = append(events, Event{
			Type:        UtteranceEnded,
			UtteranceID: s.utteranceID,
			Seq:         s.lastSpeechSeq,
		})
		s.utteranceOpen = false
		s.silenceMs = 0
		s.speechMs = 0
	}
	return events
}

// Open reports whether an utterance is currently open.
func (s *Segmenter) Open() bool { return s.utteranceOpen }

// Reset clears all detection state without losing configuration.
func (s *Segmenter) Reset() {
	s.win = s.win[:0]
	s.utteranceOpen = false
	s.candidateOpen = false
	s.speechMs = 0
	s.silenceMs = 0
	s.pendingBargeIn = false
}

// isSpeech classifies one frame with a majority vote over the last
// SmoothFrames decisions to suppress single-frame spikes.
func (s *Segmenter) isSpeech(samples []int16) bool {
	if len(samples) == 0 {
		return false
	}
	var sum float64
	for _, v := range samples {
		f := float64(v)
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	b := rms >= s.cfg.EnergyThreshold
	s.win = append(s.win, b)
	if len(s.win) > s.cfg.SmoothFrames {
		s.win = s.win[len(s.win)-s.cfg.SmoothFrames:]
	}
	trueCount := 0
	for _, x := range s.win {
		if x {
			trueCount++
		}
	}
	return trueCount*2 >= len(s.win)
}
