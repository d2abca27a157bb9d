package playback

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Jasoncarelse27/atlas-sub000/internal/audio"
)

// writeChunkBytes feeds the paced writer a couple of frames at a time
// so cancellation is observed between writes.
const writeChunkBytes = audio.OutputSampleRate * audio.FrameDurationMs / 1000 * 2 * 2

// PacedPlayer plays units through a PacedWriter and blocks until the
// unit's audio has actually left the writer, which keeps the queue's
// playback position honest for interruption.
type PacedPlayer struct {
	w   *audio.PacedWriter
	cur atomic.Int64
}

func NewPacedPlayer(sink audio.SinkFunc) *PacedPlayer {
	p := &PacedPlayer{w: audio.NewPacedWriter(sink)}
	p.cur.Store(-1)
	return p
}

// CurrentUnit returns the index of the unit being delivered, or -1.
func (p *PacedPlayer) CurrentUnit() int { return int(p.cur.Load()) }

func (p *PacedPlayer) Play(ctx context.Context, u Unit) error {
	p.cur.Store(int64(u.Index))
	defer p.cur.Store(-1)

	pcm := u.PCM
	for len(pcm) > 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n := writeChunkBytes
		if n > len(pcm) {
			n = len(pcm)
		}
		p.w.WritePCM(pcm[:n])
		pcm = pcm[n:]
	}
	p.w.FlushTail()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for p.w.Pending() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Reset drops everything buffered in the writer.
func (p *PacedPlayer) Reset() { p.w.Reset() }

func (p *PacedPlayer) Close() { p.w.Close() }
