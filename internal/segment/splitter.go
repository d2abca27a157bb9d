// Package segment cuts a streaming LLM reply into speakable units so
// synthesis can start before the full response has arrived.
package segment

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxUnitChars caps a unit when the model produces a long run
// of text with no sentence punctuation.
const DefaultMaxUnitChars = 240

// Unit is one contiguous piece of assistant text ready for synthesis.
// Index is assigned in emission order and never reused within a turn.
type Unit struct {
	Index int
	Text  string
}

// Splitter accumulates streamed deltas and emits units at sentence
// boundaries, or at the length cap when no boundary shows up.
// It is not safe for concurrent use; each turn owns its own Splitter.
type Splitter struct {
	maxChars int
	pending  string
	next     int
}

func New(maxChars int) *Splitter {
	if maxChars <= 0 {
		maxChars = DefaultMaxUnitChars
	}
	return &Splitter{maxChars: maxChars}
}

// Push appends a delta and returns every complete unit it unlocked.
// A delta may complete zero, one, or several units.
func (s *Splitter) Push(delta string) []Unit {
	s.pending += delta
	var units []Unit
	for {
		text, rest, ok := s.cut()
		if !ok {
			break
		}
		s.pending = rest
		if text == "" {
			continue
		}
		units = append(units, Unit{Index: s.next, Text: text})
		s.next++
	}
	return units
}

// Flush emits whatever tail remains after the stream ends. Returns
// false when the tail is empty or whitespace only.
func (s *Splitter) Flush() (Unit, bool) {
	text := strings.TrimSpace(s.pending)
	s.pending = ""
	if text == "" {
		return Unit{}, false
	}
	u := Unit{Index: s.next, Text: text}
	s.next++
	return u, true
}

// Emitted reports how many units have been produced so far.
func (s *Splitter) Emitted() int { return s.next }

// cut tries to slice one unit off the front of pending. A sentence
// ender only counts as a boundary once a following character arrives,
// otherwise "3." in "3.5 seconds" would split mid-number.
func (s *Splitter) cut() (text, rest string, ok bool) {
	p := s.pending
	for i, r := range p {
		if !isSentenceEnd(r) {
			continue
		}
		after := i + utf8.RuneLen(r)
		if after >= len(p) {
			// Boundary at the very edge of the buffer; the next
			// delta (or Flush) decides.
			break
		}
		nr, _ := utf8.DecodeRuneInString(p[after:])
		if unicode.IsSpace(nr) {
			return strings.TrimSpace(p[:after]), strings.TrimLeft(p[after:], " \t\n\r"), true
		}
	}
	if len(p) >= s.maxChars {
		at := lastSpaceBefore(p, s.maxChars)
		if at <= 0 {
			at = capIndex(p, s.maxChars)
		}
		return strings.TrimSpace(p[:at]), strings.TrimLeft(p[at:], " \t\n\r"), true
	}
	return "", "", false
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '…', '\n':
		return true
	}
	return false
}

func lastSpaceBefore(s string, limit int) int {
	if limit > len(s) {
		limit = len(s)
	}
	for !utf8.RuneStart(s[limit-1]) {
		limit--
	}
	return strings.LastIndexFunc(s[:limit], unicode.IsSpace)
}

// capIndex finds a hard cut point that does not split a rune.
func capIndex(s string, limit int) int {
	if limit >= len(s) {
		return len(s)
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return limit
}
