package audio

import (
	"fmt"
	"time"

	"gopkg.in/hraban/opus.v2"
)

// WebRTC Opus parameters.
const (
	OpusSampleRate    = 48000
	OpusFrameDuration = 20 * time.Millisecond
	// OpusFrameSamples is the per-channel sample count of one 20ms frame.
	OpusFrameSamples = OpusSampleRate / 50
	// maxOpusFrameSamples covers the longest Opus packet (120ms at 48kHz).
	maxOpusFrameSamples = 5760
	maxOpusPacketBytes  = 4000
)

// Decoder turns Opus packets from a remote track into mono PCM16 at 48kHz.
type Decoder struct {
	dec      *opus.Decoder
	channels int
	buf      []int16
}

// NewDecoder creates a decoder for a stream with the given channel count.
func NewDecoder(channels int) (*Decoder, error) {
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("audio: unsupported opus channel count %d", channels)
	}
	dec, err := opus.NewDecoder(OpusSampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &Decoder{
		dec:      dec,
		channels: channels,
		buf:      make([]int16, maxOpusFrameSamples*channels),
	}, nil
}

// Decode decodes one packet. The returned slice is freshly allocated.
func (d *Decoder) Decode(packet []byte) ([]int16, error) {
	n, err := d.dec.Decode(packet, d.buf)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	pcm := d.buf[:n*d.channels]
	if d.channels == 2 {
		return StereoToMono(pcm), nil
	}
	out := make([]int16, n)
	copy(out, pcm)
	return out, nil
}

// Encoder turns mono PCM16 at 48kHz into Opus packets for a local track.
type Encoder struct {
	enc      *opus.Encoder
	channels int
	buf      []byte
}

// NewEncoder creates a VoIP-tuned encoder producing the given channel count.
func NewEncoder(channels int) (*Encoder, error) {
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("audio: unsupported opus channel count %d", channels)
	}
	enc, err := opus.NewEncoder(OpusSampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &Encoder{
		enc:      enc,
		channels: channels,
		buf:      make([]byte, maxOpusPacketBytes),
	}, nil
}

// Encode encodes exactly one 20ms mono frame.
func (e *Encoder) Encode(frame []int16) ([]byte, error) {
	if len(frame) != OpusFrameSamples {
		return nil, fmt.Errorf("audio: opus frame must be %d samples, got %d", OpusFrameSamples, len(frame))
	}
	pcm := frame
	if e.channels == 2 {
		pcm = MonoToStereo(frame)
	}
	n, err := e.enc.Encode(pcm, e.buf)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}

// Chunker slices a stream of samples into fixed-size frames.
type Chunker struct {
	size int
	buf  []int16
}

// NewChunker creates a chunker emitting frames of size samples.
func NewChunker(size int) *Chunker {
	return &Chunker{size: size}
}

// Write appends samples and returns every complete frame.
func (c *Chunker) Write(samples []int16) [][]int16 {
	c.buf = append(c.buf, samples...)
	var out [][]int16
	for len(c.buf) >= c.size {
		frame := make([]int16, c.size)
		copy(frame, c.buf[:c.size])
		out = append(out, frame)
		c.buf = c.buf[c.size:]
	}
	return out
}

// Flush returns the remaining samples zero-padded to a full frame, or nil.
func (c *Chunker) Flush() []int16 {
	if len(c.buf) == 0 {
		return nil
	}
	frame := make([]int16, c.size)
	copy(frame, c.buf)
	c.buf = nil
	return frame
}

// Reset discards buffered samples.
func (c *Chunker) Reset() {
	c.buf = nil
}

// Buffered returns the number of samples waiting for a full frame.
func (c *Chunker) Buffered() int {
	return len(c.buf)
}
