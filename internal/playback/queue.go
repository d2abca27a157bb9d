// Package playback releases synthesized audio units in strict index
// order, regardless of the order synthesis finishes in.
package playback

import (
	"context"
	"strings"
	"sync"

	"github.com/Jasoncarelse27/atlas-sub000/internal/log"
)

// UnitState tracks one audio unit through its lifetime.
type UnitState int

const (
	StatePending UnitState = iota
	StateReady
	StateFailed
	StatePlaying
	StatePlayed
	StateCancelled
)

// Unit is one ordered piece of assistant audio. PCM is linear16 at
// 48 kHz, filled in when synthesis completes.
type Unit struct {
	Index int
	Text  string
	PCM   []byte
}

// Player delivers one unit's audio downstream. Play blocks until the
// unit has been handed off (pacing included) or ctx is cancelled.
// Reset discards any audio still buffered downstream.
type Player interface {
	Play(ctx context.Context, u Unit) error
	Reset()
}

// Queue holds a single turn's units. Producers add units as the reply
// is segmented and mark them ready as synthesis completes; Run plays
// them back in index order, pausing whenever the next unit is not
// ready yet. A unit that failed synthesis is skipped, later units
// still play.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	units       map[int]*trackedUnit
	nextPlay    int
	finished    bool
	interrupted bool
	playCancel  context.CancelFunc
}

type trackedUnit struct {
	unit  Unit
	state UnitState
	err   error
}

func NewQueue() *Queue {
	q := &Queue{units: make(map[int]*trackedUnit)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Add registers a unit awaiting synthesis. Returns false after an
// interrupt; the caller should stop producing.
func (q *Queue) Add(index int, text string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.interrupted {
		return false
	}
	q.units[index] = &trackedUnit{unit: Unit{Index: index, Text: text}, state: StatePending}
	q.cond.Broadcast()
	return true
}

// Ready attaches synthesized audio to a pending unit.
func (q *Queue) Ready(index int, pcm []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tu, ok := q.units[index]
	if !ok || tu.state != StatePending {
		return
	}
	tu.unit.PCM = pcm
	tu.state = StateReady
	q.cond.Broadcast()
}

// Failed marks a pending unit unplayable. Run skips it.
func (q *Queue) Failed(index int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tu, ok := q.units[index]
	if !ok || tu.state != StatePending {
		return
	}
	tu.err = err
	tu.state = StateFailed
	q.cond.Broadcast()
}

// Finish signals that no more units will be added. Run returns once
// every registered unit has been resolved.
func (q *Queue) Finish() {
	q.mu.Lock()
	q.finished = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Interrupt cancels every unit that has not finished playing,
// including the one currently being played, and clears downstream
// audio via the Player's Reset.
func (q *Queue) Interrupt(p Player) {
	q.mu.Lock()
	q.interrupted = true
	for _, tu := range q.units {
		if tu.state == StatePending || tu.state == StateReady {
			tu.state = StateCancelled
		}
	}
	cancel := q.playCancel
	q.mu.Unlock()
	q.cond.Broadcast()
	if cancel != nil {
		cancel()
	}
	if p != nil {
		p.Reset()
	}
}

// Interrupted reports whether the queue was cut short.
func (q *Queue) Interrupted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.interrupted
}

// PlayedCount reports how many units fully played.
func (q *Queue) PlayedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, tu := range q.units {
		if tu.state == StatePlayed {
			n++
		}
	}
	return n
}

// FailedCount reports how many units were skipped after synthesis
// failure.
func (q *Queue) FailedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, tu := range q.units {
		if tu.state == StateFailed {
			n++
		}
	}
	return n
}

// SpokenText joins the text of every unit that fully played, in index
// order. After an interrupt this is exactly what the user heard.
func (q *Queue) SpokenText() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var parts []string
	for i := 0; ; i++ {
		tu, ok := q.units[i]
		if !ok {
			break
		}
		if tu.state == StatePlayed {
			parts = append(parts, tu.unit.Text)
		}
	}
	return strings.Join(parts, " ")
}

// Run plays units in index order until the queue is finished,
// interrupted, or ctx is cancelled. It never plays unit N+1 before
// unit N has played, failed, or been cancelled.
func (q *Queue) Run(ctx context.Context, p Player) error {
	stop := context.AfterFunc(ctx, func() { q.cond.Broadcast() })
	defer stop()

	for {
		q.mu.Lock()
		for {
			if ctx.Err() != nil || q.interrupted {
				q.mu.Unlock()
				return ctx.Err()
			}
			tu, ok := q.units[q.nextPlay]
			if !ok {
				if q.finished {
					q.mu.Unlock()
					return nil
				}
				q.cond.Wait()
				continue
			}
			if tu.state == StatePending {
				q.cond.Wait()
				continue
			}
			break
		}

		tu := q.units[q.nextPlay]
		switch tu.state {
		case StateFailed:
			log.Warn("skipping failed audio unit", "unit", tu.unit.Index, "error", tu.err)
			q.nextPlay++
			q.mu.Unlock()
			continue
		case StateCancelled:
			q.nextPlay++
			q.mu.Unlock()
			continue
		}

		// Ready: re-check nothing interrupted us between the wait and
		// the handoff, then play outside the lock.
		tu.state = StatePlaying
		playCtx, cancel := context.WithCancel(ctx)
		q.playCancel = cancel
		q.mu.Unlock()

		err := p.Play(playCtx, tu.unit)
		cancel()

		q.mu.Lock()
		q.playCancel = nil
		if q.interrupted {
			tu.state = StateCancelled
			q.mu.Unlock()
			return nil
		}
		if err != nil {
			tu.state = StateFailed
			tu.err = err
			log.Warn("audio unit playback failed", "unit", tu.unit.Index, "error", err)
		} else {
			tu.state = StatePlayed
		}
		q.nextPlay++
		q.mu.Unlock()
	}
}
