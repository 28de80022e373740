// Package audio converts between the 8kHz companded telephony codec and the
// linear wideband PCM used by speech engines.
package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/voicereach-ai/voicereach/src/frames"
)

// NarrowbandRate is the telephony sample rate in Hz.
const NarrowbandRate = 8000

// Law selects the G.711 companding law. One law per deployment.
type Law string

const (
	LawMulaw Law = "mulaw"
	LawAlaw  Law = "alaw"
)

// ConfigError reports an invalid codec or rate configuration. It is fatal at
// startup and never produced mid-call.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("audio config error: %s", e.Reason)
}

// Transcoder converts linear wideband PCM to companded narrowband bytes and
// back. It holds no mutable state and is safe for concurrent use across
// unrelated calls without synchronization.
type Transcoder struct {
	law Law
}

// NewTranscoder validates the companding law and returns a Transcoder.
func NewTranscoder(law Law) (Transcoder, error) {
	switch law {
	case LawMulaw, LawAlaw:
		return Transcoder{law: law}, nil
	default:
		return Transcoder{}, &ConfigError{Reason: fmt.Sprintf("unsupported companding law %q", law)}
	}
}

// Law returns the configured companding law.
func (t Transcoder) Law() Law {
	return t.law
}

// Codec returns the frame codec tag produced by ToNarrowband.
func (t Transcoder) Codec() frames.Codec {
	if t.law == LawAlaw {
		return frames.CodecAlaw
	}
	return frames.CodecMulaw
}

// ToNarrowband decimates wideband PCM down to 8kHz and compands it to 8-bit
// bytes. srcRate must be an integer multiple of 8000; fractional-rate sources
// must be resampled upstream (see Resample). Decimation takes every Nth
// sample, matching the telephony pipeline this feeds; amplitude is clamped
// before companding so saturated input never wraps.
func (t Transcoder) ToNarrowband(wide []int16, srcRate int) ([]byte, error) {
	if srcRate <= 0 || srcRate%NarrowbandRate != 0 {
		return nil, &ConfigError{Reason: fmt.Sprintf("source rate %d is not an integer multiple of %d", srcRate, NarrowbandRate)}
	}

	factor := srcRate / NarrowbandRate
	narrow := make([]byte, len(wide)/factor)
	for i := range narrow {
		sample := wide[i*factor]
		if t.law == LawAlaw {
			narrow[i] = alawEncode(sample)
		} else {
			narrow[i] = mulawEncode(sample)
		}
	}
	return narrow, nil
}

// ToWideband expands companded narrowband bytes to 16-bit linear PCM at 8kHz.
func (t Transcoder) ToWideband(narrow []byte) []int16 {
	wide := make([]int16, len(narrow))
	if t.law == LawAlaw {
		for i, b := range narrow {
			wide[i] = alawDecodeTable[b]
		}
		return wide
	}
	for i, b := range narrow {
		wide[i] = mulawDecodeTable[b]
	}
	return wide
}

// BytesToPCM converts little-endian 16-bit bytes to PCM samples.
func BytesToPCM(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("invalid PCM data length: %d", len(data))
	}
	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return pcm, nil
}

// PCMToBytes converts PCM samples to little-endian 16-bit bytes.
func PCMToBytes(pcm []int16) []byte {
	data := make([]byte, len(pcm)*2)
	for i, v := range pcm {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	return data
}

// Resample converts PCM between arbitrary rates by linear interpolation. It
// exists for sources whose rate does not divide evenly into 8000 (decoded
// voicemail MP3s at 44.1kHz); real-time engine audio stays on the integer
// decimation path in ToNarrowband.
func Resample(input []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(input) == 0 {
		return input
	}

	ratio := float64(inputRate) / float64(outputRate)
	output := make([]int16, int(float64(len(input))/ratio))
	for i := range output {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		if idx+1 < len(input) {
			a := float64(input[idx])
			b := float64(input[idx+1])
			output[i] = int16(a + (b-a)*frac)
		} else if idx < len(input) {
			output[i] = input[idx]
		}
	}
	return output
}

// DownmixStereo averages interleaved stereo samples into mono.
func DownmixStereo(stereo []int16) []int16 {
	mono := make([]int16, len(stereo)/2)
	for i := range mono {
		mono[i] = int16((int(stereo[i*2]) + int(stereo[i*2+1])) / 2)
	}
	return mono
}
