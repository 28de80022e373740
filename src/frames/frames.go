// Package frames defines the audio frame type shared by the media pipeline.
package frames

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Codec identifies the audio encoding of a frame's payload.
type Codec string

const (
	CodecMulaw    Codec = "mulaw"    // G.711 µ-law, 8-bit companded
	CodecAlaw     Codec = "alaw"     // G.711 A-law, 8-bit companded
	CodecLinear16 Codec = "linear16" // 16-bit little-endian PCM
)

// Direction identifies which half of a call's media path a frame belongs to.
type Direction int

const (
	Inbound  Direction = iota // telephony -> speech engine
	Outbound                  // speech engine -> telephony
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// AudioFrame is a fixed-duration slice of audio tagged with its format and a
// monotonic sequence number within its directional stream. Frames are
// immutable once produced; the payload must not be modified after creation.
type AudioFrame struct {
	Data       []byte
	Codec      Codec
	SampleRate int
	Channels   int
	Seq        uint64
	PTS        time.Time
}

func (f *AudioFrame) String() string {
	return fmt.Sprintf("AudioFrame[seq=%d codec=%s rate=%d bytes=%d]", f.Seq, f.Codec, f.SampleRate, len(f.Data))
}

// Duration returns the playback duration of the frame's payload.
func (f *AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data)
	if f.Codec == CodecLinear16 {
		samples /= 2
	}
	samples /= f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Sequencer issues monotonic sequence numbers for one directional stream.
// Each stream owns its own Sequencer; frames never carry numbers from
// another stream.
type Sequencer struct {
	next uint64
}

// NewFrame wraps data in an AudioFrame stamped with the next sequence number.
func (s *Sequencer) NewFrame(data []byte, codec Codec, sampleRate, channels int) *AudioFrame {
	return &AudioFrame{
		Data:       data,
		Codec:      codec,
		SampleRate: sampleRate,
		Channels:   channels,
		Seq:        atomic.AddUint64(&s.next, 1),
		PTS:        time.Now(),
	}
}
