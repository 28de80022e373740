package amd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hajimehoshi/go-mp3"

	"github.com/voicereach-ai/voicereach/src/audio"
	"github.com/voicereach-ai/voicereach/src/logger"
)

const assetFrameBytes = 160 // 20ms at 8kHz

// AssetCache fetches voicemail message audio, converts it to narrowband
// frames and caches the result per message id. Messages are MP3s hosted at
// externally supplied URLs.
type AssetCache struct {
	tc         audio.Transcoder
	httpClient *http.Client
	log        *logger.Logger

	mu     sync.Mutex
	frames map[string][][]byte
}

// NewAssetCache builds the cache.
func NewAssetCache(tc audio.Transcoder) *AssetCache {
	return &AssetCache{
		tc:         tc,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        logger.WithPrefix("AMD"),
		frames:     make(map[string][][]byte),
	}
}

// Frames returns the message's audio as 20ms narrowband frames, fetching
// and converting on first use.
func (c *AssetCache) Frames(ctx context.Context, msg *VoicemailMessage) ([][]byte, error) {
	c.mu.Lock()
	cached, ok := c.frames[msg.ID]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, msg.AudioURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", msg.AudioURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: http %d", msg.AudioURL, resp.StatusCode)
	}

	payload, err := c.decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode message %s: %w", msg.ID, err)
	}

	c.mu.Lock()
	c.frames[msg.ID] = payload
	c.mu.Unlock()

	c.log.Info("cached message %q: %d frames", msg.Name, len(payload))
	return payload, nil
}

// decode converts an MP3 stream to chunked narrowband frames. The decoder
// always yields 16-bit stereo at the file's native rate.
func (c *AssetCache) decode(r io.Reader) ([][]byte, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, err
	}

	stereo, err := audio.BytesToPCM(raw)
	if err != nil {
		return nil, err
	}
	mono := audio.DownmixStereo(stereo)

	rate := dec.SampleRate()
	if rate != audio.NarrowbandRate {
		mono = audio.Resample(mono, rate, audio.NarrowbandRate)
	}

	narrow, err := c.tc.ToNarrowband(mono, audio.NarrowbandRate)
	if err != nil {
		return nil, err
	}

	silence := byte(0xFF)
	if c.tc.Law() == audio.LawAlaw {
		silence = 0xD5
	}

	var out [][]byte
	for off := 0; off < len(narrow); off += assetFrameBytes {
		end := off + assetFrameBytes
		if end <= len(narrow) {
			out = append(out, narrow[off:end])
			continue
		}
		frame := make([]byte, assetFrameBytes)
		n := copy(frame, narrow[off:])
		for i := n; i < assetFrameBytes; i++ {
			frame[i] = silence
		}
		out = append(out, frame)
	}
	return out, nil
}
