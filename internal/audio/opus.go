package audio

import (
	"fmt"

	"github.com/hraban/opus"
)

// OpusDecoder decodes inbound Opus packets to PCM16 mono at the input sample
// rate, for clients that negotiate compressed microphone upload.
type OpusDecoder struct {
	dec *opus.Decoder
	buf []int16
}

// NewOpusDecoder constructs a mono decoder at InputSampleRate.
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(InputSampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	// 120ms is the maximum opus frame duration.
	return &OpusDecoder{dec: dec, buf: make([]int16, InputSampleRate*120/1000)}, nil
}

// Decode returns the PCM samples for one Opus packet. The returned slice is
// only valid until the next call.
func (d *OpusDecoder) Decode(pkt []byte) ([]int16, error) {
	if len(pkt) == 0 {
		return nil, nil
	}
	n, err := d.dec.Decode(pkt, d.buf)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return d.buf[:n], nil
}
