package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"

	"github.com/voicereach-ai/voicereach/src/frames"
	"github.com/voicereach-ai/voicereach/src/logger"
)

const googleSampleRate = 24000

// Google is a batch synthesizer over the Cloud Text-to-Speech API. It
// produces linear PCM at 24kHz; the greeting cache and voicemail paths
// transcode it down to the telephony rate. Credentials come from
// application default credentials.
type Google struct {
	client  *texttospeech.Client
	timeout time.Duration
	log     *logger.Logger
}

// NewGoogle builds the client.
func NewGoogle(ctx context.Context, timeout time.Duration) (*Google, error) {
	client, err := texttospeech.NewClient(ctx)
	if err != nil {
		return nil, &ServiceError{Service: "google", Op: "open", Err: err}
	}
	return &Google{client: client, timeout: timeout, log: logger.WithPrefix("GoogleTTS")}, nil
}

// Synthesize renders text with the named voice. One retry on failure; the
// callers treat a second failure as a degraded persona, not a fatal error.
func (g *Google) Synthesize(ctx context.Context, text, voice string) (Result, error) {
	req := &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: "en-US",
			Name:         voice,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding:   texttospeechpb.AudioEncoding_LINEAR16,
			SampleRateHertz: googleSampleRate,
		},
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		resp, err := g.client.SynthesizeSpeech(callCtx, req)
		cancel()
		if err != nil {
			lastErr = err
			g.log.Warn("synthesize attempt %d failed: %v", attempt+1, err)
			continue
		}
		return Result{
			Audio:      stripWAVHeader(resp.AudioContent),
			Codec:      frames.CodecLinear16,
			SampleRate: googleSampleRate,
		}, nil
	}
	return Result{}, &ServiceError{Service: "google", Op: "synthesize", Err: lastErr}
}

// Close releases the underlying gRPC connection.
func (g *Google) Close() error {
	return g.client.Close()
}

// stripWAVHeader returns the raw PCM payload of a RIFF/WAVE buffer. LINEAR16
// responses arrive with a WAV header; headerless input passes through
// untouched.
func stripWAVHeader(data []byte) []byte {
	if len(data) < 12 || !bytes.HasPrefix(data, []byte("RIFF")) || string(data[8:12]) != "WAVE" {
		return data
	}
	// Walk the chunk list until the data chunk.
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if id == "data" {
			end := off + size
			if end > len(data) {
				end = len(data)
			}
			return data[off:end]
		}
		off += size
	}
	return data
}
