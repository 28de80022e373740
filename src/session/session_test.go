package session

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicereach-ai/voicereach/src/amd"
	"github.com/voicereach-ai/voicereach/src/audio"
	"github.com/voicereach-ai/voicereach/src/bridge"
	"github.com/voicereach-ai/voicereach/src/config"
	"github.com/voicereach-ai/voicereach/src/frames"
	"github.com/voicereach-ai/voicereach/src/greeting"
	"github.com/voicereach-ai/voicereach/src/stt"
	"github.com/voicereach-ai/voicereach/src/telephony"
	"github.com/voicereach-ai/voicereach/src/tts"
)

type fakeControl struct {
	mu      sync.Mutex
	fn      func(telephony.LegEvent)
	hangups []string
	origErr error
}

func (f *fakeControl) Originate(_ context.Context, _ string, _ telephony.SessionContext) (string, error) {
	if f.origErr != nil {
		return "", f.origErr
	}
	return "leg-1", nil
}

func (f *fakeControl) OnLegEvent(fn func(telephony.LegEvent)) { f.fn = fn }

func (f *fakeControl) Hangup(_ context.Context, legID, _ string) error {
	f.mu.Lock()
	f.hangups = append(f.hangups, legID)
	f.mu.Unlock()
	return nil
}

func (f *fakeControl) emit(ev telephony.LegEvent) { f.fn(ev) }

func (f *fakeControl) hangupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hangups)
}

type fakeOutcomes struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (f *fakeOutcomes) UpdateCallOutcome(_ context.Context, _ string, o Outcome) error {
	f.mu.Lock()
	f.outcomes = append(f.outcomes, o)
	f.mu.Unlock()
	return nil
}

func (f *fakeOutcomes) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.outcomes)
}

func (f *fakeOutcomes) last() Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outcomes[len(f.outcomes)-1]
}

type fakeRecognizer struct {
	mu      sync.Mutex
	opens   int
	opened  bool
	closed  bool
	openErr error
	sendErr error
	audio   [][]byte
	results chan stt.Transcript
	once    sync.Once
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{results: make(chan stt.Transcript, 8)}
}

func (f *fakeRecognizer) Open(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	return nil
}

func (f *fakeRecognizer) SendAudio(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.audio = append(f.audio, data)
	return nil
}

func (f *fakeRecognizer) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeRecognizer) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeRecognizer) Results() <-chan stt.Transcript { return f.results }

func (f *fakeRecognizer) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.once.Do(func() { close(f.results) })
	return nil
}

func (f *fakeRecognizer) isOpened() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

func (f *fakeRecognizer) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeSynth struct{}

func (fakeSynth) Synthesize(_ context.Context, _, _ string) (tts.Result, error) {
	return tts.Result{
		Audio:      bytes.Repeat([]byte{0x55}, 2*greeting.FrameBytes),
		Codec:      frames.CodecMulaw,
		SampleRate: audio.NarrowbandRate,
	}, nil
}

type failingSynth struct{}

func (failingSynth) Synthesize(_ context.Context, _, _ string) (tts.Result, error) {
	return tts.Result{}, fmt.Errorf("quota exceeded")
}

type fakeLink struct {
	mu       sync.Mutex
	played   [][][]byte
	enqueued [][]byte
	clears   int
	closes   int
}

func (f *fakeLink) EnqueueFrame(p []byte) {
	f.mu.Lock()
	f.enqueued = append(f.enqueued, p)
	f.mu.Unlock()
}

func (f *fakeLink) PlayFrames(_ context.Context, payloads [][]byte) error {
	f.mu.Lock()
	f.played = append(f.played, payloads)
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) Clear() error {
	f.mu.Lock()
	f.clears++
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) playCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.played)
}

type fakeVMStore struct {
	mu     sync.Mutex
	msgs   []amd.VoicemailMessage
	marked []string
}

func (f *fakeVMStore) ListVoicemailMessages(context.Context, string) ([]amd.VoicemailMessage, error) {
	return f.msgs, nil
}

func (f *fakeVMStore) MarkCallVoicemailDropped(_ context.Context, callID string) error {
	f.mu.Lock()
	f.marked = append(f.marked, callID)
	f.mu.Unlock()
	return nil
}

type fakeVMAssets struct{ frames [][]byte }

func (f *fakeVMAssets) Frames(context.Context, *amd.VoicemailMessage) ([][]byte, error) {
	if f.frames == nil {
		return nil, fmt.Errorf("no asset")
	}
	return f.frames, nil
}

type harness struct {
	manager  *Manager
	control  *fakeControl
	outcomes *fakeOutcomes
	rec      *fakeRecognizer
	vmStore  *fakeVMStore
}

func newHarness(t *testing.T, vmStore *fakeVMStore, vmAssets *fakeVMAssets) *harness {
	t.Helper()

	tc, err := audio.NewTranscoder(audio.LawMulaw)
	require.NoError(t, err)

	personas := []config.Persona{{Name: "mark", Voice: "voice-1"}}
	cache, err := greeting.Build(context.Background(), fakeSynth{}, tc, "Hi, this is Mark.", personas)
	require.NoError(t, err)

	h := &harness{
		control:  &fakeControl{},
		outcomes: &fakeOutcomes{},
		rec:      newFakeRecognizer(),
		vmStore:  vmStore,
	}
	h.manager = NewManager(Deps{
		Control:       h.control,
		Outcomes:      h.outcomes,
		Decider:       NewScriptedDecider([]string{"Line one.", "Line two."}),
		Dropper:       amd.NewDropper(vmStore, vmAssets),
		Voices:        tts.NewVoiceMap(personas),
		Synth:         fakeSynth{},
		NewRecognizer: func() stt.Recognizer { return h.rec },
		Transcoder:    tc,
		GreetingText:  "Hi, this is Mark.",
	}, cache)
	return h
}

func (h *harness) start(t *testing.T) (string, *Session) {
	t.Helper()
	callID, err := h.manager.StartCall(context.Background(), StartRequest{
		ToNumber:  "+15550100",
		Persona:   "mark",
		LeadName:  "Jamie",
		CompanyID: "co-1",
		ScriptRef: "intro-v2",
	})
	require.NoError(t, err)
	s, ok := h.manager.Session(callID)
	require.True(t, ok)
	return callID, s
}

func waitOutcome(t *testing.T, h *harness) Outcome {
	t.Helper()
	require.Eventually(t, func() bool { return h.outcomes.count() > 0 }, 2*time.Second, 5*time.Millisecond)
	return h.outcomes.last()
}

func TestCallLifecycleCompleted(t *testing.T) {
	h := newHarness(t, &fakeVMStore{}, &fakeVMAssets{})
	_, s := h.start(t)

	snap0 := s.Snapshot()
	assert.Equal(t, "+15550100", snap0.ToNumber)
	assert.Equal(t, "intro-v2", snap0.ScriptRef)
	assert.Equal(t, "leg-1", snap0.LegID)

	h.control.emit(telephony.LegEvent{LegID: "leg-1", Type: telephony.EventRinging})
	assert.Equal(t, StateRinging, s.Snapshot().State)

	h.control.emit(telephony.LegEvent{LegID: "leg-1", Type: telephony.EventAnswered, AnsweredBy: "human"})
	snap := s.Snapshot()
	assert.Equal(t, StateAnswered, snap.State)
	assert.False(t, snap.AnsweredAt.IsZero())
	assert.Equal(t, "human", snap.AMDResult)

	h.control.emit(telephony.LegEvent{LegID: "leg-1", Type: telephony.EventHangup, Cause: 16, CauseText: "normal clearing"})

	o := waitOutcome(t, h)
	assert.Equal(t, StateCompleted, o.Status)
	assert.Equal(t, OutcomeCompleted, o.Outcome)
	assert.Equal(t, "normal clearing", o.DisconnectReason)
	assert.Equal(t, "human", o.AMDResult)
	assert.Equal(t, 0, h.manager.Active(), "finalized call is released")
}

func TestDuplicateEventsAreNoOps(t *testing.T) {
	h := newHarness(t, &fakeVMStore{}, &fakeVMAssets{})
	_, s := h.start(t)

	for i := 0; i < 3; i++ {
		h.control.emit(telephony.LegEvent{LegID: "leg-1", Type: telephony.EventAnswered})
	}
	assert.Equal(t, StateAnswered, s.Snapshot().State)

	h.control.emit(telephony.LegEvent{LegID: "leg-1", Type: telephony.EventHangup})
	h.control.emit(telephony.LegEvent{LegID: "leg-1", Type: telephony.EventHangup})

	waitOutcome(t, h)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.outcomes.count(), "exactly one outcome per call")
}

func TestDuplicateAnswerStillRecordsVerdict(t *testing.T) {
	h := newHarness(t, &fakeVMStore{}, &fakeVMAssets{})
	_, s := h.start(t)

	h.control.emit(telephony.LegEvent{LegID: "leg-1", Type: telephony.EventAnswered})
	h.control.emit(telephony.LegEvent{LegID: "leg-1", Type: telephony.EventAnswered, AnsweredBy: "human"})

	assert.Equal(t, "human", s.Snapshot().AMDResult)
}

func TestBusyFinalizesFailed(t *testing.T) {
	h := newHarness(t, &fakeVMStore{}, &fakeVMAssets{})
	h.start(t)

	h.control.emit(telephony.LegEvent{LegID: "leg-1", Type: telephony.EventRinging})
	h.control.emit(telephony.LegEvent{LegID: "leg-1", Type: telephony.EventBusy, Cause: 17, CauseText: "user busy"})

	o := waitOutcome(t, h)
	assert.Equal(t, StateFailed, o.Status)
	assert.Equal(t, OutcomeBusy, o.Outcome)
	assert.Equal(t, "user busy", o.DisconnectReason)
	assert.Equal(t, 1, h.control.hangupCount())
}

func TestEventsAfterTerminalAreRejected(t *testing.T) {
	h := newHarness(t, &fakeVMStore{}, &fakeVMAssets{})
	_, s := h.start(t)

	h.control.emit(telephony.LegEvent{LegID: "leg-1", Type: telephony.EventBusy})
	waitOutcome(t, h)

	// A late hangup for the same leg changes nothing.
	h.control.emit(telephony.LegEvent{LegID: "leg-1", Type: telephony.EventHangup})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.outcomes.count())
	assert.Equal(t, StateFailed, s.Snapshot().State)
}

func TestMachineWithoutMessageCompletes(t *testing.T) {
	h := newHarness(t, &fakeVMStore{}, &fakeVMAssets{})
	_, s := h.start(t)

	h.control.emit(telephony.LegEvent{LegID: "leg-1", Type: telephony.EventAnswered, AnsweredBy: "machine_start"})

	link := &fakeLink{}
	s.attachMedia(link, bridge.StreamInfo{StreamSID: "MZ1", LegID: "leg-1", CallID: "x"})
	h.control.emit(telephony.LegEvent{LegID: "leg-1", Type: telephony.EventMachine, AnsweredBy: "machine_end_beep"})

	o := waitOutcome(t, h)
	assert.Equal(t, StateCompleted, o.Status)
	assert.Equal(t, OutcomeMachineNoMessage, o.Outcome)
	assert.Equal(t, "machine_start", o.AMDResult)
	assert.Equal(t, 1, h.control.hangupCount())
}

func TestMachineDropsVoicemail(t *testing.T) {
	store := &fakeVMStore{msgs: []amd.VoicemailMessage{{ID: "m1", Active: true, Default: true}}}
	assets := &fakeVMAssets{frames: [][]byte{make([]byte, 160), make([]byte, 160)}}
	h := newHarness(t, store, assets)
	callID, s := h.start(t)

	link := &fakeLink{}
	s.attachMedia(link, bridge.StreamInfo{StreamSID: "MZ1", LegID: "leg-1", CallID: callID})
	h.control.emit(telephony.LegEvent{LegID: "leg-1", Type: telephony.EventMachine, AnsweredBy: "machine_end_beep"})

	o := waitOutcome(t, h)
	assert.Equal(t, StateVoicemailDropped, o.Status)
	assert.Equal(t, OutcomeVoicemailLeft, o.Outcome)
	assert.Equal(t, "voicemail dropped", o.DisconnectReason)
	assert.Equal(t, []string{callID}, store.marked)
	assert.GreaterOrEqual(t, link.playCount(), 1, "message frames went out before hangup")
	assert.Equal(t, 1, h.control.hangupCount())
}

func TestStreamingRunsGreetingAndRecognition(t *testing.T) {
	h := newHarness(t, &fakeVMStore{}, &fakeVMAssets{})
	callID, s := h.start(t)

	h.control.emit(telephony.LegEvent{LegID: "leg-1", Type: telephony.EventAnswered, AnsweredBy: "human"})

	link := &fakeLink{}
	s.attachMedia(link, bridge.StreamInfo{StreamSID: "MZ1", LegID: "leg-1", CallID: callID})
	assert.Equal(t, StateStreaming, s.Snapshot().State)

	// Greeting playout and the recognition session start together.
	require.Eventually(t, func() bool {
		return link.playCount() >= 1 && h.rec.isOpened()
	}, 2*time.Second, 5*time.Millisecond)

	// A final transcript drives one scripted response.
	h.rec.results <- stt.Transcript{Text: "hello?", Final: true}
	require.Eventually(t, func() bool { return link.playCount() >= 2 }, 2*time.Second, 5*time.Millisecond)

	h.control.emit(telephony.LegEvent{LegID: "leg-1", Type: telephony.EventHangup})
	o := waitOutcome(t, h)
	assert.Equal(t, OutcomeCompleted, o.Outcome)
	assert.True(t, h.rec.isClosed(), "recognition closed before the outcome was written")
}

func TestAnswerAfterStreamBindIsNoOp(t *testing.T) {
	h := newHarness(t, &fakeVMStore{}, &fakeVMAssets{})
	callID, s := h.start(t)

	link := &fakeLink{}
	s.attachMedia(link, bridge.StreamInfo{StreamSID: "MZ1", LegID: "leg-1", CallID: callID})
	require.Equal(t, StateStreaming, s.Snapshot().State)

	h.control.emit(telephony.LegEvent{LegID: "leg-1", Type: telephony.EventAnswered})
	snap := s.Snapshot()
	assert.Equal(t, StateStreaming, snap.State, "late answer webhook does not regress the state")
	assert.False(t, snap.AnsweredAt.IsZero())
}

func TestMediaSocketErrorFailsCall(t *testing.T) {
	h := newHarness(t, &fakeVMStore{}, &fakeVMAssets{})
	callID, s := h.start(t)

	link := &fakeLink{}
	s.attachMedia(link, bridge.StreamInfo{StreamSID: "MZ1", LegID: "leg-1", CallID: callID})

	s.OnClosed(&bridge.MediaSocketError{Op: "read", Err: fmt.Errorf("connection reset")})

	o := waitOutcome(t, h)
	assert.Equal(t, StateFailed, o.Status)
	assert.Equal(t, OutcomeFailed, o.Outcome)
	assert.Equal(t, "media socket error", o.DisconnectReason)
	assert.Equal(t, 1, h.control.hangupCount())
}

func TestDeciderEndSignalCompletesCall(t *testing.T) {
	h := newHarness(t, &fakeVMStore{}, &fakeVMAssets{})
	callID, s := h.start(t)

	link := &fakeLink{}
	s.attachMedia(link, bridge.StreamInfo{StreamSID: "MZ1", LegID: "leg-1", CallID: callID})
	require.Eventually(t, func() bool {
		return link.playCount() >= 1 && h.rec.isOpened()
	}, 2*time.Second, 5*time.Millisecond)

	// The script has two lines; the second carries the end signal.
	h.rec.results <- stt.Transcript{Text: "hello?", Final: true}
	h.rec.results <- stt.Transcript{Text: "tell me more", Final: true}

	o := waitOutcome(t, h)
	assert.Equal(t, StateCompleted, o.Status)
	assert.Equal(t, OutcomeCompleted, o.Outcome)
	assert.Equal(t, "conversation complete", o.DisconnectReason)
	assert.Equal(t, 1, h.control.hangupCount(), "the call hangs up after the last line")
	assert.GreaterOrEqual(t, link.playCount(), 3, "greeting and both lines went out first")
}

func TestRecognitionOpenFailureFailsCall(t *testing.T) {
	h := newHarness(t, &fakeVMStore{}, &fakeVMAssets{})
	h.rec.openErr = fmt.Errorf("upstream 503")
	callID, s := h.start(t)

	link := &fakeLink{}
	s.attachMedia(link, bridge.StreamInfo{StreamSID: "MZ1", LegID: "leg-1", CallID: callID})

	o := waitOutcome(t, h)
	assert.Equal(t, StateFailed, o.Status)
	assert.Equal(t, OutcomeFailed, o.Outcome)
	assert.Equal(t, "speech recognition unavailable", o.DisconnectReason)
	assert.Equal(t, sttOpenAttempts, h.rec.openCount(), "open is retried before giving up")
	assert.Equal(t, 1, h.control.hangupCount())
}

func TestRecognitionSendCeilingFailsCall(t *testing.T) {
	h := newHarness(t, &fakeVMStore{}, &fakeVMAssets{})
	callID, s := h.start(t)

	link := &fakeLink{}
	s.attachMedia(link, bridge.StreamInfo{StreamSID: "MZ1", LegID: "leg-1", CallID: callID})
	require.Eventually(t, func() bool { return h.rec.isOpened() }, 2*time.Second, 5*time.Millisecond)

	h.rec.setSendErr(fmt.Errorf("stream torn down"))
	payload := make([]byte, 160)
	var seq frames.Sequencer
	for i := 0; i < sendFailureMax; i++ {
		s.OnAudio(seq.NewFrame(payload, frames.CodecMulaw, audio.NarrowbandRate, 1))
	}

	o := waitOutcome(t, h)
	assert.Equal(t, StateFailed, o.Status)
	assert.Equal(t, "speech recognition unavailable", o.DisconnectReason)
}

func TestSynthesisCeilingFailsCall(t *testing.T) {
	h := newHarness(t, &fakeVMStore{}, &fakeVMAssets{})
	h.manager.deps.Synth = failingSynth{}
	h.manager.deps.Decider = NewScriptedDecider([]string{"a", "b", "c", "d"})
	callID, s := h.start(t)

	link := &fakeLink{}
	s.attachMedia(link, bridge.StreamInfo{StreamSID: "MZ1", LegID: "leg-1", CallID: callID})
	require.Eventually(t, func() bool { return h.rec.isOpened() }, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < speakFailureMax; i++ {
		h.rec.results <- stt.Transcript{Text: "hello?", Final: true}
	}

	o := waitOutcome(t, h)
	assert.Equal(t, StateFailed, o.Status)
	assert.Equal(t, OutcomeFailed, o.Outcome)
	assert.Equal(t, "speech synthesis unavailable", o.DisconnectReason)
}

func TestLocalHeuristicTriggersMachineFlow(t *testing.T) {
	h := newHarness(t, &fakeVMStore{}, &fakeVMAssets{})
	h.manager.deps.Classifier = amd.NewEnergyClassifier()
	callID, s := h.start(t)

	link := &fakeLink{}
	s.attachMedia(link, bridge.StreamInfo{StreamSID: "MZ1", LegID: "leg-1", CallID: callID})

	// 0x00 decodes to near full-scale, so a long unbroken stretch reads as a
	// machine monologue.
	loud := make([]byte, 160)
	var seq frames.Sequencer
	for i := 0; i < 130; i++ {
		s.OnAudio(seq.NewFrame(loud, frames.CodecMulaw, audio.NarrowbandRate, 1))
	}

	o := waitOutcome(t, h)
	assert.Equal(t, OutcomeMachineNoMessage, o.Outcome)
	assert.Equal(t, "local-heuristic", o.AMDResult)
}

func TestOriginateFailureReleasesCall(t *testing.T) {
	h := newHarness(t, &fakeVMStore{}, &fakeVMAssets{})
	h.control.origErr = fmt.Errorf("trunk down")

	_, err := h.manager.StartCall(context.Background(), StartRequest{ToNumber: "+15550100", Persona: "mark"})
	require.Error(t, err)
	assert.Equal(t, 0, h.manager.Active())
	assert.Equal(t, 0, h.outcomes.count(), "no outcome for a call that never started")
}

func TestUnknownPersonaRejected(t *testing.T) {
	h := newHarness(t, &fakeVMStore{}, &fakeVMAssets{})

	_, err := h.manager.StartCall(context.Background(), StartRequest{ToNumber: "+15550100", Persona: "nobody"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nobody")
}

func TestScriptedDeciderWalksLinesPerCall(t *testing.T) {
	d := NewScriptedDecider([]string{"one", "", "two"})
	ctx := context.Background()

	a := CallContext{CallID: "a"}
	b := CallContext{CallID: "b"}

	line, done, err := d.NextAgentLine(ctx, "hi", a)
	require.NoError(t, err)
	assert.Equal(t, "one", line)
	assert.False(t, done)

	line, done, _ = d.NextAgentLine(ctx, "hi", b)
	assert.Equal(t, "one", line, "calls advance independently")
	assert.False(t, done)

	line, done, _ = d.NextAgentLine(ctx, "more", a)
	assert.Equal(t, "two", line)
	assert.True(t, done, "last line carries the end signal")

	line, done, _ = d.NextAgentLine(ctx, "more", a)
	assert.Equal(t, "", line, "exhausted script yields silence")
	assert.True(t, done)
}
