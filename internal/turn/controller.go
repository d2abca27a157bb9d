// Package turn drives one assistant reply from finalized user text to
// played audio, and owns the cancellation path a barge-in takes.
package turn

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Jasoncarelse27/atlas-sub000/internal/llm"
	"github.com/Jasoncarelse27/atlas-sub000/internal/log"
	"github.com/Jasoncarelse27/atlas-sub000/internal/playback"
	"github.com/Jasoncarelse27/atlas-sub000/internal/segment"
)

// synthWorkers bounds concurrent synthesis per turn. Two keeps the
// next unit warming while the current one plays.
const synthWorkers = 2

// Generator streams an assistant reply as text deltas.
type Generator interface {
	GenerateStream(ctx context.Context, messages []llm.Message) (<-chan string, <-chan error)
}

// Synthesizer produces the full 48 kHz PCM for one speakable unit.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// UnitObserver is told about each unit as it is cut from the reply,
// before synthesis. Transport layers use it to pre-announce units.
type UnitObserver func(turnID string, u segment.Unit)

// Result summarizes a finished turn. SpokenText is exactly the units
// the user heard in full; FullReply is the model's complete text and
// may be longer when the turn was interrupted.
type Result struct {
	TurnID      string
	UserText    string
	FullReply   string
	SpokenText  string
	SynthChars  int
	UnitsPlayed int
	UnitsFailed int
	Interrupted bool

	// FirstDelta is how long generation took to produce its first
	// text delta; zero when nothing arrived.
	FirstDelta time.Duration
	// SynthDurations holds one entry per successfully synthesized
	// unit.
	SynthDurations []time.Duration
}

// Controller runs at most one turn at a time. Interrupt cancels the
// in-flight turn end to end: generation, synthesis, and any queued
// audio downstream of the player.
type Controller struct {
	gen          Generator
	synth        Synthesizer
	player       playback.Player
	maxUnitChars int

	mu     sync.Mutex
	active *activeTurn
}

type activeTurn struct {
	id     string
	cancel context.CancelFunc
	queue  *playback.Queue
}

func NewController(gen Generator, synth Synthesizer, player playback.Player, maxUnitChars int) *Controller {
	return &Controller{gen: gen, synth: synth, player: player, maxUnitChars: maxUnitChars}
}

// Active reports whether a turn is in flight, generating or speaking.
// The voice detector uses this to tag user speech as a barge-in.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// Interrupt cancels the in-flight turn, if any. Safe to call when
// idle. Audio already queued downstream is dropped immediately.
func (c *Controller) Interrupt() {
	c.mu.Lock()
	at := c.active
	c.mu.Unlock()
	if at == nil {
		return
	}
	log.Info("turn interrupted", "turn_id", at.id)
	at.queue.Interrupt(c.player)
	at.cancel()
}

// Run executes one turn to completion. Empty user text is a no-op. A
// generation error before any audio played surfaces as an error; an
// error after audio started ends the turn gracefully with what was
// spoken so far.
func (c *Controller) Run(ctx context.Context, turnID string, messages []llm.Message, userText string, onUnit UnitObserver) (Result, error) {
	userText = strings.TrimSpace(userText)
	res := Result{TurnID: turnID, UserText: userText}
	if userText == "" {
		return res, nil
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	queue := playback.NewQueue()

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		cancel()
		return res, ErrTurnInFlight
	}
	c.active = &activeTurn{id: turnID, cancel: cancel, queue: queue}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
	}()

	playDone := make(chan error, 1)
	go func() { playDone <- queue.Run(turnCtx, c.player) }()

	var (
		synthGroup errgroup.Group
		replyMu    sync.Mutex
		reply      strings.Builder
		synthChars int
		synthTimes []time.Duration
	)
	synthGroup.SetLimit(synthWorkers)

	dispatch := func(u segment.Unit) {
		if onUnit != nil {
			onUnit(turnID, u)
		}
		if !queue.Add(u.Index, u.Text) {
			return
		}
		replyMu.Lock()
		synthChars += len(u.Text)
		replyMu.Unlock()
		synthGroup.Go(func() error {
			start := time.Now()
			pcm, err := c.synth.Synthesize(turnCtx, u.Text)
			if err != nil {
				queue.Failed(u.Index, err)
				return nil
			}
			replyMu.Lock()
			synthTimes = append(synthTimes, time.Since(start))
			replyMu.Unlock()
			queue.Ready(u.Index, pcm)
			return nil
		})
	}

	splitter := segment.New(c.maxUnitChars)
	genStart := time.Now()
	deltas, errCh := c.gen.GenerateStream(turnCtx, messages)
	for delta := range deltas {
		if res.FirstDelta == 0 {
			res.FirstDelta = time.Since(genStart)
		}
		reply.WriteString(delta)
		for _, u := range splitter.Push(delta) {
			dispatch(u)
		}
	}
	genErr := <-errCh
	if genErr == nil {
		if u, ok := splitter.Flush(); ok {
			dispatch(u)
		}
	}
	_ = synthGroup.Wait()
	queue.Finish()
	<-playDone

	res.FullReply = strings.TrimSpace(reply.String())
	res.SpokenText = queue.SpokenText()
	res.SynthChars = synthChars
	res.UnitsPlayed = queue.PlayedCount()
	res.UnitsFailed = queue.FailedCount()
	res.Interrupted = queue.Interrupted()
	res.SynthDurations = synthTimes

	if genErr != nil && !res.Interrupted {
		if res.UnitsPlayed == 0 {
			return res, genErr
		}
		log.Warn("generation failed mid-turn", "turn_id", turnID, "error", genErr)
	}
	return res, nil
}
