package audio

import (
	"sync"
	"time"
)

// pacedFrameSamples is 20ms at the output rate.
const pacedFrameSamples = OutputSampleRate * FrameDurationMs / 1000

// SinkFunc receives one paced PCM16LE 48kHz frame for delivery to the client.
type SinkFunc func(pcm []byte)

// PacedWriter buffers 48 kHz PCM mono and delivers it to a sink in fixed 20 ms
// frames at real-time pace. Pacing keeps server-side playback position honest
// so interruption can take effect within roughly one frame.
type PacedWriter struct {
	sink         SinkFunc
	pcmBuf       []int16
	frameSamples int
	frames       chan []byte
	stopCh       chan struct{}
	stopped      bool
	mu           sync.Mutex
}

// NewPacedWriter constructs a paced writer with 20ms frames at 48kHz mono.
func NewPacedWriter(sink SinkFunc) *PacedWriter {
	w := &PacedWriter{
		sink:         sink,
		frameSamples: pacedFrameSamples,
		frames:       make(chan []byte, 512),
		stopCh:       make(chan struct{}),
	}
	go w.pacer()
	return w
}

// WritePCM buffers PCM 48kHz mono bytes and emits full frames to the pacer.
// It blocks when the frame queue is full, which backpressures synthesis to
// roughly real-time.
func (w *PacedWriter) WritePCM(pcmBytes []byte) {
	if len(pcmBytes) < 2 {
		return
	}
	w.mu.Lock()
	need := len(pcmBytes) / 2
	startLen := len(w.pcmBuf)
	if cap(w.pcmBuf)-startLen < need {
		tmp := make([]int16, startLen, startLen+need+2048)
		copy(tmp, w.pcmBuf)
		w.pcmBuf = tmp
	}
	w.pcmBuf = w.pcmBuf[:startLen+need]
	for i := 0; i < need; i++ {
		w.pcmBuf[startLen+i] = int16(uint16(pcmBytes[2*i]) | uint16(pcmBytes[2*i+1])<<8)
	}

	var full [][]byte
	for len(w.pcmBuf) >= w.frameSamples {
		frame := make([]byte, w.frameSamples*2)
		for i := 0; i < w.frameSamples; i++ {
			v := uint16(w.pcmBuf[i])
			frame[2*i] = byte(v)
			frame[2*i+1] = byte(v >> 8)
		}
		full = append(full, frame)
		copy(w.pcmBuf, w.pcmBuf[w.frameSamples:])
		w.pcmBuf = w.pcmBuf[:len(w.pcmBuf)-w.frameSamples]
	}
	w.mu.Unlock()

	for _, frame := range full {
		w.pushFrame(frame)
	}
}

// FlushTail pads any remaining PCM to a full frame so the last syllable is not
// clipped.
func (w *PacedWriter) FlushTail() {
	w.mu.Lock()
	var frame []byte
	if len(w.pcmBuf) > 0 {
		frame = make([]byte, w.frameSamples*2)
		for i := 0; i < len(w.pcmBuf); i++ {
			v := uint16(w.pcmBuf[i])
			frame[2*i] = byte(v)
			frame[2*i+1] = byte(v >> 8)
		}
		w.pcmBuf = w.pcmBuf[:0]
	}
	w.mu.Unlock()
	if frame != nil {
		w.pushFrame(frame)
	}
}

// Reset drops all buffered and queued audio immediately (barge-in).
func (w *PacedWriter) Reset() {
	w.mu.Lock()
	for {
		select {
		case <-w.frames:
		default:
			w.pcmBuf = w.pcmBuf[:0]
			w.mu.Unlock()
			return
		}
	}
}

// Pending reports whether any audio is still buffered or queued.
func (w *PacedWriter) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pcmBuf) > 0 || len(w.frames) > 0
}

// Close stops the pacer.
func (w *PacedWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *PacedWriter) pacer() {
	ticker := time.NewTicker(FrameDurationMs * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				w.sink(frame)
			default:
			}
		}
	}
}

// pushFrame enqueues a frame, blocking until space is available or stopped.
func (w *PacedWriter) pushFrame(frame []byte) {
	for {
		select {
		case <-w.stopCh:
			return
		case w.frames <- frame:
			return
		}
	}
}
