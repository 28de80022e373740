// Package greeting pre-renders the opening line for each persona so the
// first audio reaches the callee with no synthesis latency.
package greeting

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/voicereach-ai/voicereach/src/audio"
	"github.com/voicereach-ai/voicereach/src/config"
	"github.com/voicereach-ai/voicereach/src/frames"
	"github.com/voicereach-ai/voicereach/src/logger"
	"github.com/voicereach-ai/voicereach/src/tts"
)

// FrameBytes is the narrowband payload size of one 20ms frame.
const FrameBytes = 160

// NotFoundError reports a persona with no usable greeting asset, either
// unknown or marked unavailable after a failed render.
type NotFoundError struct {
	Persona string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("greeting: no asset for persona %q", e.Persona)
}

// Asset is one persona's rendered greeting, chunked into 20ms narrowband
// frames ready for the outbound path.
type Asset struct {
	Persona  string
	Voice    string
	Frames   [][]byte
	Checksum string
	Duration time.Duration
}

// Cache holds the rendered assets. It is read-only after Build; hot reload
// goes through Rebuild, which returns a fresh cache for the owner to swap in
// atomically. Concurrent readers never see a partially built cache.
type Cache struct {
	synth    tts.Synthesizer
	tc       audio.Transcoder
	text     string
	personas []config.Persona

	assets      map[string]*Asset
	unavailable map[string]error
}

// Build renders the greeting for every configured persona. A persona whose
// render fails is marked unavailable and served by on-demand synthesis
// instead; Build only errors when no persona rendered at all.
func Build(ctx context.Context, synth tts.Synthesizer, tc audio.Transcoder, text string, personas []config.Persona) (*Cache, error) {
	log := logger.WithPrefix("Greeting")
	c := &Cache{
		synth:       synth,
		tc:          tc,
		text:        text,
		personas:    personas,
		assets:      make(map[string]*Asset, len(personas)),
		unavailable: make(map[string]error),
	}

	for _, p := range personas {
		asset, err := c.render(ctx, p)
		if err != nil {
			log.Warn("persona %q unavailable: %v", p.Name, err)
			c.unavailable[p.Name] = err
			continue
		}
		c.assets[p.Name] = asset
		log.Info("rendered %q: %d frames (%s), checksum %s", p.Name, len(asset.Frames), asset.Duration, asset.Checksum)
	}

	if len(c.assets) == 0 && len(personas) > 0 {
		return nil, fmt.Errorf("greeting: all %d personas failed to render", len(personas))
	}
	return c, nil
}

// Rebuild renders a fresh cache with the same inputs. The current cache
// stays valid throughout; callers swap the returned cache in atomically.
func (c *Cache) Rebuild(ctx context.Context) (*Cache, error) {
	return Build(ctx, c.synth, c.tc, c.text, c.personas)
}

// Get returns the persona's greeting frames. The slices are shared; callers
// must not modify them.
func (c *Cache) Get(persona string) ([][]byte, error) {
	asset, ok := c.assets[persona]
	if !ok {
		return nil, &NotFoundError{Persona: persona}
	}
	return asset.Frames, nil
}

// Asset returns the persona's full asset record.
func (c *Cache) Asset(persona string) (*Asset, error) {
	asset, ok := c.assets[persona]
	if !ok {
		return nil, &NotFoundError{Persona: persona}
	}
	return asset, nil
}

// Available lists personas with a rendered asset.
func (c *Cache) Available() []string {
	names := make([]string, 0, len(c.assets))
	for name := range c.assets {
		names = append(names, name)
	}
	return names
}

func (c *Cache) render(ctx context.Context, p config.Persona) (*Asset, error) {
	res, err := c.synth.Synthesize(ctx, c.text, p.Voice)
	if err != nil {
		return nil, err
	}

	narrow, err := c.toNarrowband(res)
	if err != nil {
		return nil, err
	}
	if len(narrow) == 0 {
		return nil, fmt.Errorf("empty render")
	}

	sum := sha256.Sum256(narrow)
	return &Asset{
		Persona:  p.Name,
		Voice:    p.Voice,
		Frames:   chunk(narrow, c.silenceByte()),
		Checksum: hex.EncodeToString(sum[:8]),
		Duration: time.Duration(len(narrow)) * time.Second / audio.NarrowbandRate,
	}, nil
}

// toNarrowband brings a synthesis result to companded 8kHz regardless of
// what the backend produced.
func (c *Cache) toNarrowband(res tts.Result) ([]byte, error) {
	if res.Codec == c.tc.Codec() && res.SampleRate == audio.NarrowbandRate {
		return res.Audio, nil
	}
	if res.Codec != frames.CodecLinear16 {
		return nil, fmt.Errorf("unexpected codec %s from synthesizer", res.Codec)
	}

	pcm, err := audio.BytesToPCM(res.Audio)
	if err != nil {
		return nil, err
	}
	rate := res.SampleRate
	if rate%audio.NarrowbandRate != 0 {
		pcm = audio.Resample(pcm, rate, audio.NarrowbandRate)
		rate = audio.NarrowbandRate
	}
	return c.tc.ToNarrowband(pcm, rate)
}

func (c *Cache) silenceByte() byte {
	if c.tc.Law() == audio.LawAlaw {
		return 0xD5
	}
	return 0xFF
}

// chunk splits narrowband bytes into FrameBytes-sized frames, padding the
// tail with silence so every frame plays for exactly 20ms.
func chunk(narrow []byte, silence byte) [][]byte {
	var out [][]byte
	for off := 0; off < len(narrow); off += FrameBytes {
		end := off + FrameBytes
		if end <= len(narrow) {
			out = append(out, narrow[off:end])
			continue
		}
		frame := make([]byte, FrameBytes)
		n := copy(frame, narrow[off:])
		for i := n; i < FrameBytes; i++ {
			frame[i] = silence
		}
		out = append(out, frame)
	}
	return out
}
