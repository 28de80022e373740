package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/voicereach-ai/voicereach/src/amd"
	"github.com/voicereach-ai/voicereach/src/audio"
	"github.com/voicereach-ai/voicereach/src/bridge"
	"github.com/voicereach-ai/voicereach/src/greeting"
	"github.com/voicereach-ai/voicereach/src/logger"
	"github.com/voicereach-ai/voicereach/src/stt"
	"github.com/voicereach-ai/voicereach/src/telephony"
	"github.com/voicereach-ai/voicereach/src/tts"
)

// Deps are the collaborators every session shares. Streamer may be nil; the
// batch Synth then carries all playout.
type Deps struct {
	Control       telephony.CallControl
	Outcomes      CallOutcomeStore
	Decider       DialogueDecider
	Dropper       *amd.Dropper
	Classifier    amd.Classifier
	Voices        *tts.VoiceMap
	Synth         tts.Synthesizer
	Streamer      tts.Streamer
	NewRecognizer func() stt.Recognizer
	Transcoder    audio.Transcoder
	GreetingText  string

	// Greetings returns the current greeting cache. The manager wires this
	// to its own hot-swappable pointer.
	Greetings func() *greeting.Cache
}

// Manager owns the live sessions and the correlation between provider leg
// ids, internal call ids, and media streams. It is the single consumer of
// telephony events and the resolver for the media endpoint.
type Manager struct {
	deps *Deps
	log  *logger.Logger

	greetings atomic.Pointer[greeting.Cache]

	mu     sync.Mutex
	byCall map[string]*Session
	byLeg  map[string]*Session
}

// NewManager wires the dependencies and registers for telephony events.
func NewManager(deps Deps, greetings *greeting.Cache) *Manager {
	m := &Manager{
		deps:   &deps,
		log:    logger.WithPrefix("Sessions"),
		byCall: make(map[string]*Session),
		byLeg:  make(map[string]*Session),
	}
	m.greetings.Store(greetings)
	m.deps.Greetings = func() *greeting.Cache { return m.greetings.Load() }
	deps.Control.OnLegEvent(m.handleLegEvent)
	return m
}

// StartRequest describes one outbound call to place.
type StartRequest struct {
	ToNumber  string
	Persona   string
	LeadName  string
	CompanyID string
	ScriptRef string
}

// StartCall originates one outbound call and returns its call id. The id is
// minted here and stamped onto the leg so the media stream and webhooks can
// find their way back.
func (m *Manager) StartCall(ctx context.Context, req StartRequest) (string, error) {
	callID := uuid.NewString()

	voice, err := m.deps.Voices.Assign(callID, req.Persona)
	if err != nil {
		return "", err
	}

	s := newSession(context.Background(), m.deps, callID, req, voice, m.unregister)

	m.mu.Lock()
	m.byCall[callID] = s
	m.mu.Unlock()

	legID, err := m.deps.Control.Originate(ctx, req.ToNumber, telephony.SessionContext{
		CallID:   callID,
		Persona:  req.Persona,
		LeadName: req.LeadName,
	})
	if err != nil {
		m.mu.Lock()
		delete(m.byCall, callID)
		m.mu.Unlock()
		m.deps.Voices.Release(callID)
		s.cancel()
		return "", fmt.Errorf("session: originate: %w", err)
	}

	s.mu.Lock()
	s.legID = legID
	s.record.LegID = legID
	s.mu.Unlock()

	m.mu.Lock()
	m.byLeg[legID] = s
	m.mu.Unlock()

	m.log.Info("call %s originated to %s (leg %s, persona %s)", callID, req.ToNumber, legID, req.Persona)
	return callID, nil
}

// Resolve implements bridge.Resolver.
func (m *Manager) Resolve(callID string) (bridge.Handler, bool) {
	m.mu.Lock()
	s, ok := m.byCall[callID]
	m.mu.Unlock()
	return s, ok
}

// Session returns the live session for callID.
func (m *Manager) Session(callID string) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.byCall[callID]
	m.mu.Unlock()
	return s, ok
}

// Active reports the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byCall)
}

// SwapGreetings installs a freshly built greeting cache. In-flight calls see
// either the old or the new cache, never a partial one.
func (m *Manager) SwapGreetings(c *greeting.Cache) {
	m.greetings.Store(c)
}

// RebuildGreetings re-renders the greeting cache and swaps it in.
func (m *Manager) RebuildGreetings(ctx context.Context) error {
	fresh, err := m.greetings.Load().Rebuild(ctx)
	if err != nil {
		return err
	}
	m.SwapGreetings(fresh)
	return nil
}

func (m *Manager) handleLegEvent(ev telephony.LegEvent) {
	m.mu.Lock()
	s, ok := m.byLeg[ev.LegID]
	m.mu.Unlock()
	if !ok {
		m.log.Debug("event for unknown leg %s dropped: %s", ev.LegID, ev)
		return
	}
	s.handleLegEvent(ev)
}

func (m *Manager) unregister(s *Session) {
	s.mu.Lock()
	legID := s.legID
	s.mu.Unlock()

	m.mu.Lock()
	delete(m.byCall, s.callID)
	if legID != "" {
		delete(m.byLeg, legID)
	}
	remaining := len(m.byCall)
	m.mu.Unlock()
	m.log.Info("call %s released (%d active)", s.callID, remaining)
}
