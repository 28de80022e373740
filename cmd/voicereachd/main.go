// voicereachd runs the outbound AI calling daemon: it originates calls,
// serves the per-call media websocket, and drives the speech pipeline.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/voicereach-ai/voicereach/src/amd"
	"github.com/voicereach-ai/voicereach/src/audio"
	"github.com/voicereach-ai/voicereach/src/bridge"
	"github.com/voicereach-ai/voicereach/src/config"
	"github.com/voicereach-ai/voicereach/src/frames"
	"github.com/voicereach-ai/voicereach/src/greeting"
	"github.com/voicereach-ai/voicereach/src/logger"
	"github.com/voicereach-ai/voicereach/src/session"
	"github.com/voicereach-ai/voicereach/src/stt"
	"github.com/voicereach-ai/voicereach/src/telephony"
	"github.com/voicereach-ai/voicereach/src/tts"
)

func main() {
	logger.Init()
	log := logger.WithPrefix("Main")

	if err := run(log); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
}

func run(log *logger.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	tc, err := audio.NewTranscoder(cfg.Law)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	synth, streamer, closeTTS, err := buildTTS(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeTTS()

	mux := http.NewServeMux()

	control, closeControl, err := buildTelephony(ctx, cfg, mux)
	if err != nil {
		return err
	}
	defer closeControl()

	// Greeting audio is rendered up front; a cold cache would put synthesis
	// latency on the first word of every call.
	cache, err := greeting.Build(ctx, synth, tc, cfg.GreetingText, cfg.Personas)
	if err != nil {
		return err
	}
	log.Info("greeting cache ready for %d personas", len(cache.Available()))

	manager := session.NewManager(session.Deps{
		Control:       control,
		Outcomes:      session.NewLogOutcomeStore(),
		Decider:       session.NewScriptedDecider(scriptLines()),
		Dropper:       amd.NewDropper(newEnvVoicemailStore(), amd.NewAssetCache(tc)),
		Classifier:    amd.NewEnergyClassifier(),
		Voices:        tts.NewVoiceMap(cfg.Personas),
		Synth:         synth,
		Streamer:      streamer,
		NewRecognizer: recognizerFactory(cfg),
		Transcoder:    tc,
		GreetingText:  cfg.GreetingText,
	}, cache)

	codec := frames.CodecMulaw
	if cfg.Law == audio.LawAlaw {
		codec = frames.CodecAlaw
	}
	bridge.NewServer(manager, cfg.QueueDepth, codec).Register(mux)
	registerAPI(mux, manager)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening on %s (provider=%s stt=%s tts=%s law=%s)",
			cfg.ListenAddr, cfg.Provider, cfg.STTBackend, cfg.TTSBackend, cfg.Law)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down, %d calls active", manager.Active())
	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func buildTTS(ctx context.Context, cfg *config.Config) (tts.Synthesizer, tts.Streamer, func(), error) {
	switch cfg.TTSBackend {
	case config.TTSCartesia:
		c := tts.NewCartesia(cfg.CartesiaAPIKey, cfg.Law)
		if err := c.Open(ctx); err != nil {
			return nil, nil, nil, err
		}
		return c, c, func() { c.Close() }, nil
	case config.TTSGoogle:
		g, err := tts.NewGoogle(ctx, cfg.SynthTimeout)
		if err != nil {
			return nil, nil, nil, err
		}
		// Google is batch-only; playout goes through the synthesizer path.
		return g, nil, func() { g.Close() }, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown TTS backend %q", cfg.TTSBackend)
}

func buildTelephony(ctx context.Context, cfg *config.Config, mux *http.ServeMux) (telephony.CallControl, func(), error) {
	switch cfg.Provider {
	case config.ProviderTwilio:
		tw := telephony.NewTwilioAdapter(cfg.Twilio, cfg.PublicBaseURL, cfg.RingTimeout)
		if err := tw.Ping(ctx); err != nil {
			return nil, nil, fmt.Errorf("twilio credential check: %w", err)
		}
		tw.Register(mux)
		return tw, func() {}, nil
	case config.ProviderAsterisk:
		am := telephony.NewAsteriskAdapter(cfg.Asterisk, cfg.RingTimeout)
		if err := am.Connect(ctx); err != nil {
			return nil, nil, fmt.Errorf("ami connect: %w", err)
		}
		return am, func() { am.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown provider %q", cfg.Provider)
}

func recognizerFactory(cfg *config.Config) func() stt.Recognizer {
	if cfg.STTBackend == config.STTAssemblyAI {
		return func() stt.Recognizer { return stt.NewAssemblyAI(cfg.AssemblyAIAPIKey, cfg.Law) }
	}
	return func() stt.Recognizer { return stt.NewDeepgram(cfg.DeepgramAPIKey, cfg.Law) }
}

// scriptLines reads the fallback conversation script, one line per callee
// turn, pipe-separated.
func scriptLines() []string {
	raw := os.Getenv("SCRIPT_LINES")
	if raw == "" {
		return []string{"Thanks for picking up. Do you have a quick minute?"}
	}
	return strings.Split(raw, "|")
}

type callRequest struct {
	ToNumber  string `json:"toNumber"`
	Persona   string `json:"persona"`
	LeadName  string `json:"leadName"`
	CompanyID string `json:"companyId"`
	ScriptRef string `json:"scriptRef"`
}

func registerAPI(mux *http.ServeMux, manager *session.Manager) {
	mux.HandleFunc("POST /api/calls", func(w http.ResponseWriter, r *http.Request) {
		var req callRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.ToNumber == "" || req.Persona == "" {
			http.Error(w, "toNumber and persona are required", http.StatusBadRequest)
			return
		}

		callID, err := manager.StartCall(r.Context(), session.StartRequest{
			ToNumber:  req.ToNumber,
			Persona:   req.Persona,
			LeadName:  req.LeadName,
			CompanyID: req.CompanyID,
			ScriptRef: req.ScriptRef,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"callId": callID})
	})

	mux.HandleFunc("GET /api/calls/{id}", func(w http.ResponseWriter, r *http.Request) {
		s, ok := manager.Session(r.PathValue("id"))
		if !ok {
			http.Error(w, "no such call", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.Snapshot())
	})

	mux.HandleFunc("POST /api/greetings/rebuild", func(w http.ResponseWriter, r *http.Request) {
		if err := manager.RebuildGreetings(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// envVoicemailStore serves a single voicemail message configured through the
// environment. Deployments with a real catalog plug their own store in.
type envVoicemailStore struct {
	url string
	log *logger.Logger
}

func newEnvVoicemailStore() *envVoicemailStore {
	return &envVoicemailStore{
		url: os.Getenv("VOICEMAIL_MP3_URL"),
		log: logger.WithPrefix("Voicemail"),
	}
}

func (s *envVoicemailStore) ListVoicemailMessages(context.Context, string) ([]amd.VoicemailMessage, error) {
	if s.url == "" {
		return nil, nil
	}
	return []amd.VoicemailMessage{{
		ID:       "env-default",
		Name:     "default",
		AudioURL: s.url,
		Active:   true,
		Default:  true,
	}}, nil
}

func (s *envVoicemailStore) MarkCallVoicemailDropped(_ context.Context, callID string) error {
	s.log.Info("voicemail dropped on call %s", callID)
	return nil
}
