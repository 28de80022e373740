// Package tts renders agent text into call audio.
package tts

import (
	"context"
	"fmt"
	"sync"

	"github.com/voicereach-ai/voicereach/src/config"
	"github.com/voicereach-ai/voicereach/src/frames"
)

// Result is one finished synthesis.
type Result struct {
	Audio      []byte
	Codec      frames.Codec
	SampleRate int
}

// Synthesizer renders a full utterance in one call. Used for greeting
// pre-render and as the fallback when no streaming backend is configured.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (Result, error)
}

// Streamer renders an utterance as a chunk stream for low-latency playout.
// The returned channel is closed when the utterance is complete or canceled.
type Streamer interface {
	Speak(ctx context.Context, text, voice string) (<-chan []byte, error)
	Cancel() error
}

// ServiceError wraps a synthesis service failure.
type ServiceError struct {
	Service string
	Op      string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("tts: %s %s: %v", e.Service, e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// VoiceMap pins one synthesis voice per call for the call's lifetime, keyed
// by the persona chosen at originate time. A call never switches voices
// mid-conversation.
type VoiceMap struct {
	mu       sync.RWMutex
	personas map[string]string // persona name -> voice id
	byCall   map[string]string // call id -> voice id
}

// NewVoiceMap builds the registry from configured personas.
func NewVoiceMap(personas []config.Persona) *VoiceMap {
	m := &VoiceMap{
		personas: make(map[string]string, len(personas)),
		byCall:   make(map[string]string),
	}
	for _, p := range personas {
		m.personas[p.Name] = p.Voice
	}
	return m
}

// Assign binds the persona's voice to callID and returns it.
func (m *VoiceMap) Assign(callID, persona string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	voice, ok := m.personas[persona]
	if !ok {
		return "", fmt.Errorf("tts: unknown persona %q", persona)
	}
	m.byCall[callID] = voice
	return voice, nil
}

// VoiceFor returns the voice pinned to callID, "" when none is assigned.
func (m *VoiceMap) VoiceFor(callID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byCall[callID]
}

// Release drops the call's binding after the call ends.
func (m *VoiceMap) Release(callID string) {
	m.mu.Lock()
	delete(m.byCall, callID)
	m.mu.Unlock()
}
