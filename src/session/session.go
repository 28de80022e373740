// Package session owns the lifecycle of one outbound call, from originate
// through media streaming to a single final outcome.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/voicereach-ai/voicereach/src/amd"
	"github.com/voicereach-ai/voicereach/src/audio"
	"github.com/voicereach-ai/voicereach/src/bridge"
	"github.com/voicereach-ai/voicereach/src/frames"
	"github.com/voicereach-ai/voicereach/src/greeting"
	"github.com/voicereach-ai/voicereach/src/logger"
	"github.com/voicereach-ai/voicereach/src/stt"
	"github.com/voicereach-ai/voicereach/src/telephony"
)

// State is a call session lifecycle state.
type State string

const (
	StateDialing          State = "dialing"
	StateRinging          State = "ringing"
	StateAnswered         State = "answered"
	StateStreaming        State = "streaming"
	StateCompleted        State = "completed"
	StateVoicemailDropped State = "voicemail-dropped"
	StateFailed           State = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateVoicemailDropped, StateFailed:
		return true
	}
	return false
}

// Call outcome strings persisted through the outcome store.
const (
	OutcomeCompleted        = "completed"
	OutcomeVoicemailLeft    = "voicemail_left"
	OutcomeMachineNoMessage = "machine-detected-no-message"
	OutcomeBusy             = "busy"
	OutcomeNoAnswer         = "no-answer"
	OutcomeFailed           = "failed"
)

// Outcome is the single final record written for a call.
type Outcome struct {
	Status           State
	DisconnectReason string
	Outcome          string
	AMDResult        string
}

// CallOutcomeStore persists call outcomes. Persist failures are logged and
// never rolled back into telephony actions.
type CallOutcomeStore interface {
	UpdateCallOutcome(ctx context.Context, callID string, o Outcome) error
}

// CallContext is the conversational context handed to the dialogue decider.
type CallContext struct {
	CallID   string
	Persona  string
	LeadName string
}

// DialogueDecider produces the agent's next line for a transcript segment.
// Implementations are external; the decider is a black box with a
// bounded-latency contract. done reports that the conversation has reached
// its end; the session speaks the final line, if any, and completes the call.
type DialogueDecider interface {
	NextAgentLine(ctx context.Context, transcript string, cc CallContext) (line string, done bool, err error)
}

// Record is the session's bookkeeping, readable after the call ends.
type Record struct {
	CallID           string
	LegID            string
	ToNumber         string
	Persona          string
	LeadName         string
	ScriptRef        string
	State            State
	StartedAt        time.Time
	AnsweredAt       time.Time
	EndedAt          time.Time
	DisconnectReason string
	Outcome          string
	AMDResult        string
}

// amdWindowMax caps the audio buffered for local machine detection.
const amdWindowMax = 15 * audio.NarrowbandRate // 15s

// Speech service failure ceilings. A call that cannot hear or speak is ended
// with a failed outcome instead of sitting on the line mute.
const (
	sttOpenAttempts = 3  // recognition open retries before the call fails
	sendFailureMax  = 50 // consecutive SendAudio errors, one second of frames
	speakFailureMax = 3  // consecutive synthesis errors
)

// mediaLink is the outbound surface of the media bridge the session needs.
type mediaLink interface {
	EnqueueFrame(payload []byte)
	PlayFrames(ctx context.Context, payloads [][]byte) error
	Clear() error
	Close() error
}

// Session is one outbound call. All state transitions go through the event
// handlers; direct field access from outside the package is read-only via
// Snapshot.
type Session struct {
	deps *Deps

	callID    string
	legID     string
	persona   string
	voice     string
	leadName  string
	companyID string

	ctx    context.Context
	cancel context.CancelFunc
	log    *logger.Logger

	onFinalized func(*Session)

	mu            sync.Mutex
	state         State
	seen          map[string]struct{}
	br            mediaLink
	rec           stt.Recognizer
	finalized     bool
	speaking      bool
	amdResult     string
	amdDone       bool
	amdWindow     []int16
	sendFailures  int
	speakFailures int
	record        Record
}

func newSession(ctx context.Context, deps *Deps, callID string, req StartRequest, voice string, onFinalized func(*Session)) *Session {
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		deps:        deps,
		callID:      callID,
		persona:     req.Persona,
		voice:       voice,
		leadName:    req.LeadName,
		companyID:   req.CompanyID,
		ctx:         sctx,
		cancel:      cancel,
		log:         logger.WithPrefix("Session " + callID[:8]),
		onFinalized: onFinalized,
		state:       StateDialing,
		seen:        make(map[string]struct{}),
		record: Record{
			CallID:    callID,
			ToNumber:  req.ToNumber,
			Persona:   req.Persona,
			LeadName:  req.LeadName,
			ScriptRef: req.ScriptRef,
			State:     StateDialing,
			StartedAt: time.Now(),
		},
	}
	return s
}

// Snapshot returns a copy of the session record.
func (s *Session) Snapshot() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record
	r.State = s.state
	r.AMDResult = s.amdResult
	return r
}

// transitions lists the legal state graph. Terminal states admit nothing.
var transitions = map[State][]State{
	StateDialing:   {StateRinging, StateAnswered, StateStreaming, StateCompleted, StateVoicemailDropped, StateFailed},
	StateRinging:   {StateAnswered, StateStreaming, StateCompleted, StateVoicemailDropped, StateFailed},
	StateAnswered:  {StateStreaming, StateCompleted, StateVoicemailDropped, StateFailed},
	StateStreaming: {StateCompleted, StateVoicemailDropped, StateFailed},
}

// transition moves to the target state under the session lock. Re-entrant
// transitions are no-ops; transitions out of a terminal state are rejected
// and logged, never panicked.
func (s *Session) transition(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *Session) transitionLocked(to State) bool {
	if s.state == to {
		return false
	}
	if s.state.Terminal() {
		s.log.Warn("rejected transition %s -> %s from terminal state", s.state, to)
		return false
	}
	for _, allowed := range transitions[s.state] {
		if allowed == to {
			s.log.Info("state %s -> %s", s.state, to)
			s.state = to
			s.record.State = to
			return true
		}
	}
	s.log.Warn("rejected transition %s -> %s", s.state, to)
	return false
}

// handleLegEvent applies one normalized telephony event. Events are deduped
// by (legID, type); replays and out-of-order duplicates are no-ops.
func (s *Session) handleLegEvent(ev telephony.LegEvent) {
	s.mu.Lock()
	// The detection verdict is recorded even off a duplicate delivery; a
	// replayed answer webhook may be the first to carry it.
	if ev.AnsweredBy != "" && s.amdResult == "" {
		s.amdResult = ev.AnsweredBy
		s.record.AMDResult = ev.AnsweredBy
	}
	key := ev.LegID + "|" + string(ev.Type)
	if _, dup := s.seen[key]; dup {
		s.mu.Unlock()
		s.log.Debug("duplicate event %s ignored", ev)
		return
	}
	s.seen[key] = struct{}{}
	s.mu.Unlock()

	switch ev.Type {
	case telephony.EventRinging:
		s.transition(StateRinging)

	case telephony.EventAnswered:
		s.mu.Lock()
		if s.record.AnsweredAt.IsZero() {
			s.record.AnsweredAt = time.Now()
		}
		// The media stream often binds before the answer webhook lands;
		// Streaming already implies Answered then.
		if s.state == StateDialing || s.state == StateRinging {
			s.transitionLocked(StateAnswered)
		}
		if amd.VerdictFromAnsweredBy(ev.AnsweredBy) == amd.VerdictHuman {
			s.amdDone = true
		}
		s.mu.Unlock()

	case telephony.EventMachine:
		// Playing the voicemail message takes seconds; never block the
		// provider's event loop on it.
		go s.onMachineVerdict(ev.AnsweredBy)

	case telephony.EventBusy:
		s.finalize(StateFailed, reasonFor(ev, "busy"), OutcomeBusy, true)

	case telephony.EventNoAnswer:
		s.finalize(StateFailed, reasonFor(ev, "no answer"), OutcomeNoAnswer, true)

	case telephony.EventFailed:
		s.finalize(StateFailed, reasonFor(ev, "call failed"), OutcomeFailed, true)

	case telephony.EventHangup:
		s.finalize(StateCompleted, reasonFor(ev, "remote hangup"), OutcomeCompleted, false)
	}
}

func reasonFor(ev telephony.LegEvent, fallback string) string {
	if ev.CauseText != "" && ev.CauseText != "unknown" {
		return ev.CauseText
	}
	return fallback
}

// onMachineVerdict runs the voicemail drop flow once. The verdict is
// authoritative from the moment playback starts; later human signals do not
// abort it.
func (s *Session) onMachineVerdict(source string) {
	s.mu.Lock()
	if s.finalized || s.amdDone {
		s.mu.Unlock()
		return
	}
	s.amdDone = true
	if s.amdResult == "" {
		s.amdResult = source
		s.record.AMDResult = source
	}
	br := s.br
	s.mu.Unlock()

	s.log.Info("machine verdict (%s), starting voicemail drop", source)

	if s.deps.Streamer != nil {
		s.deps.Streamer.Cancel()
	}
	if br == nil {
		// No media leg to play into; close out without a message.
		s.finalize(StateCompleted, "machine detected", OutcomeMachineNoMessage, true)
		return
	}

	res, err := s.deps.Dropper.Drop(s.ctx, s.callID, s.companyID, br)
	if err != nil {
		s.log.Error("voicemail drop failed: %v", err)
		s.finalize(StateFailed, "voicemail drop failed", OutcomeFailed, true)
		return
	}
	if !res.Dropped {
		s.finalize(StateCompleted, "machine detected", OutcomeMachineNoMessage, true)
		return
	}
	s.finalize(StateVoicemailDropped, "voicemail dropped", OutcomeVoicemailLeft, true)
}

// finalize performs the single terminal transition: detach media, close the
// recognition session, then persist exactly one outcome. hangup requests the
// provider tear the leg down too.
func (s *Session) finalize(to State, reason, outcome string, hangup bool) {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return
	}
	s.finalized = true
	s.transitionLocked(to)
	s.state = to
	s.record.State = to
	s.record.EndedAt = time.Now()
	s.record.DisconnectReason = reason
	s.record.Outcome = outcome
	br := s.br
	rec := s.rec
	s.br = nil
	s.rec = nil
	amdResult := s.amdResult
	legID := s.legID
	s.mu.Unlock()

	// Media resources go first so no frame is pushed after the outcome is
	// written.
	if br != nil {
		br.Close()
	}
	if rec != nil {
		rec.Close()
	}
	if s.deps.Streamer != nil {
		s.deps.Streamer.Cancel()
	}
	s.deps.Voices.Release(s.callID)
	s.cancel()

	if hangup && legID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.deps.Control.Hangup(ctx, legID, reason); err != nil {
			s.log.Warn("hangup: %v", err)
		}
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.deps.Outcomes.UpdateCallOutcome(ctx, s.callID, Outcome{
		Status:           to,
		DisconnectReason: reason,
		Outcome:          outcome,
		AMDResult:        amdResult,
	})
	if err != nil {
		s.log.Error("outcome persist failed: %v", err)
	}

	s.log.Info("finalized %s (reason=%q outcome=%q)", to, reason, outcome)
	if s.onFinalized != nil {
		s.onFinalized(s)
	}
}

// OnConnected binds the media stream and starts greeting playback and the
// recognition session concurrently.
func (s *Session) OnConnected(b *bridge.Bridge, info bridge.StreamInfo) {
	s.attachMedia(b, info)
}

func (s *Session) attachMedia(link mediaLink, info bridge.StreamInfo) {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		link.Close()
		return
	}
	s.br = link
	if s.legID == "" {
		s.legID = info.LegID
	}
	s.mu.Unlock()

	s.transition(StateStreaming)

	go s.playGreeting()
	go s.openRecognition()
}

// OnAudio feeds inbound audio to recognition and, until a verdict lands, to
// the local machine-detection window.
func (s *Session) OnAudio(frame *frames.AudioFrame) {
	payload := frame.Data

	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return
	}
	rec := s.rec
	runAMD := !s.amdDone
	if runAMD {
		wide := s.deps.Transcoder.ToWideband(payload)
		if len(s.amdWindow) < amdWindowMax {
			s.amdWindow = append(s.amdWindow, wide...)
		}
	}
	window := s.amdWindow
	s.mu.Unlock()

	if rec != nil {
		if err := rec.SendAudio(payload); err != nil {
			s.mu.Lock()
			s.sendFailures++
			failures := s.sendFailures
			s.mu.Unlock()
			s.log.Warn("recognition send (%d consecutive failures): %v", failures, err)
			if failures >= sendFailureMax {
				s.finalize(StateFailed, "speech recognition unavailable", OutcomeFailed, true)
				return
			}
		} else {
			s.mu.Lock()
			s.sendFailures = 0
			s.mu.Unlock()
		}
	}

	if runAMD && s.deps.Classifier != nil {
		switch s.deps.Classifier.Classify(window) {
		case amd.VerdictMachine:
			go s.onMachineVerdict("local-heuristic")
		case amd.VerdictHuman:
			s.mu.Lock()
			if s.amdResult == "" {
				s.amdResult = "human"
				s.record.AMDResult = "human"
			}
			s.amdDone = true
			s.mu.Unlock()
		}
	}
}

// OnMark logs playout completion; PlayFrames waiters are released inside the
// bridge.
func (s *Session) OnMark(name string) {
	s.log.Debug("playout complete: %s", name)
}

// OnClosed reacts to the media socket going away. A mid-call socket error
// fails the call; a clean stop leaves finalization to the hangup event.
func (s *Session) OnClosed(err error) {
	s.mu.Lock()
	s.br = nil
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("media socket lost: %v", err)
		s.finalize(StateFailed, "media socket error", OutcomeFailed, true)
	}
}

// playGreeting plays the pre-rendered greeting, falling back to on-demand
// synthesis when the persona's asset is unavailable.
func (s *Session) playGreeting() {
	s.mu.Lock()
	br := s.br
	s.mu.Unlock()
	if br == nil {
		return
	}

	payloads, err := s.deps.Greetings().Get(s.persona)
	var nf *greeting.NotFoundError
	if errors.As(err, &nf) {
		s.log.Warn("no cached greeting for %q, synthesizing on demand", s.persona)
		payloads, err = s.synthesizeUtterance(s.deps.GreetingText)
	}
	if err != nil {
		s.log.Error("greeting unavailable: %v", err)
		return
	}

	s.setSpeaking(true)
	defer s.setSpeaking(false)
	if err := br.PlayFrames(s.ctx, payloads); err != nil {
		s.log.Warn("greeting playout: %v", err)
	}
}

// openRecognition opens the recognition stream and pumps transcripts into
// the dialogue loop. Open failures retry up to sttOpenAttempts; past that the
// call is failed rather than left running without ears.
func (s *Session) openRecognition() {
	rec := s.deps.NewRecognizer()
	var err error
	for attempt := 1; attempt <= sttOpenAttempts; attempt++ {
		if err = rec.Open(s.ctx); err == nil {
			break
		}
		s.log.Warn("recognition open attempt %d/%d: %v", attempt, sttOpenAttempts, err)
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		}
	}
	if err != nil {
		s.log.Error("recognition unavailable: %v", err)
		s.finalize(StateFailed, "speech recognition unavailable", OutcomeFailed, true)
		return
	}

	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		rec.Close()
		return
	}
	s.rec = rec
	s.mu.Unlock()

	for tr := range rec.Results() {
		if s.isSpeaking() && tr.Text != "" {
			s.bargeIn()
		}
		if tr.Final && tr.Text != "" {
			s.respond(tr.Text)
		}
	}
}

// bargeIn stops agent playback when the callee starts talking over it.
func (s *Session) bargeIn() {
	s.mu.Lock()
	br := s.br
	speaking := s.speaking
	s.mu.Unlock()
	if !speaking {
		return
	}

	s.log.Debug("barge-in, clearing playback")
	if s.deps.Streamer != nil {
		s.deps.Streamer.Cancel()
	}
	if br != nil {
		if err := br.Clear(); err != nil {
			s.log.Warn("clear: %v", err)
		}
	}
	s.setSpeaking(false)
}

// respond asks the decider for the next line and speaks it. When the decider
// signals the end of the conversation the final line still goes out, then the
// call completes.
func (s *Session) respond(transcript string) {
	cc := CallContext{CallID: s.callID, Persona: s.persona, LeadName: s.leadName}
	line, done, err := s.deps.Decider.NextAgentLine(s.ctx, transcript, cc)
	if err != nil {
		s.log.Error("decider: %v", err)
		return
	}

	if line != "" {
		if err := s.speak(line); err != nil {
			s.mu.Lock()
			s.speakFailures++
			failures := s.speakFailures
			s.mu.Unlock()
			s.log.Error("speak (%d consecutive failures): %v", failures, err)
			if failures >= speakFailureMax {
				s.finalize(StateFailed, "speech synthesis unavailable", OutcomeFailed, true)
				return
			}
		} else {
			s.mu.Lock()
			s.speakFailures = 0
			s.mu.Unlock()
		}
	}

	if done {
		s.finalize(StateCompleted, "conversation complete", OutcomeCompleted, true)
	}
}

// speak renders one agent line out to the call, streaming when a streaming
// backend is configured. Playout problems surface through OnClosed; only
// synthesis failures are returned.
func (s *Session) speak(line string) error {
	s.mu.Lock()
	br := s.br
	s.mu.Unlock()
	if br == nil {
		return nil
	}

	s.setSpeaking(true)
	defer s.setSpeaking(false)

	if s.deps.Streamer != nil {
		ch, err := s.deps.Streamer.Speak(s.ctx, line, s.voice)
		if err != nil {
			return err
		}
		var buf []byte
		for chunk := range ch {
			buf = append(buf, chunk...)
			for len(buf) >= greeting.FrameBytes {
				br.EnqueueFrame(buf[:greeting.FrameBytes])
				buf = buf[greeting.FrameBytes:]
			}
		}
		if len(buf) > 0 {
			br.EnqueueFrame(padFrame(buf, s.silenceByte()))
		}
		return nil
	}

	payloads, err := s.synthesizeUtterance(line)
	if err != nil {
		return err
	}
	if err := br.PlayFrames(s.ctx, payloads); err != nil {
		s.log.Warn("playout: %v", err)
	}
	return nil
}

// synthesizeUtterance renders text through the batch synthesizer into 20ms
// narrowband frames.
func (s *Session) synthesizeUtterance(text string) ([][]byte, error) {
	res, err := s.deps.Synth.Synthesize(s.ctx, text, s.voice)
	if err != nil {
		return nil, err
	}

	narrow := res.Audio
	if res.Codec != s.deps.Transcoder.Codec() || res.SampleRate != audio.NarrowbandRate {
		pcm, err := audio.BytesToPCM(res.Audio)
		if err != nil {
			return nil, err
		}
		rate := res.SampleRate
		if rate%audio.NarrowbandRate != 0 {
			pcm = audio.Resample(pcm, rate, audio.NarrowbandRate)
			rate = audio.NarrowbandRate
		}
		narrow, err = s.deps.Transcoder.ToNarrowband(pcm, rate)
		if err != nil {
			return nil, err
		}
	}

	var out [][]byte
	for off := 0; off < len(narrow); off += greeting.FrameBytes {
		end := off + greeting.FrameBytes
		if end <= len(narrow) {
			out = append(out, narrow[off:end])
			continue
		}
		out = append(out, padFrame(narrow[off:], s.silenceByte()))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty synthesis for %q", text)
	}
	return out, nil
}

func padFrame(partial []byte, silence byte) []byte {
	frame := make([]byte, greeting.FrameBytes)
	n := copy(frame, partial)
	for i := n; i < greeting.FrameBytes; i++ {
		frame[i] = silence
	}
	return frame
}

func (s *Session) silenceByte() byte {
	if s.deps.Transcoder.Law() == audio.LawAlaw {
		return 0xD5
	}
	return 0xFF
}

func (s *Session) setSpeaking(v bool) {
	s.mu.Lock()
	s.speaking = v
	s.mu.Unlock()
}

func (s *Session) isSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}
