// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/voicereach-ai/voicereach/src/audio"
)

// Provider names accepted for CALL_PROVIDER.
const (
	ProviderTwilio   = "twilio"
	ProviderAsterisk = "asterisk"
)

// Backend names for the speech services.
const (
	STTDeepgram   = "deepgram"
	STTAssemblyAI = "assemblyai"

	TTSCartesia = "cartesia"
	TTSGoogle   = "google"
)

// Twilio holds REST credentials for the cloud telephony provider.
type Twilio struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// Asterisk holds AMI connection settings for the local PBX provider.
type Asterisk struct {
	Addr     string // host:port of the AMI listener
	Username string
	Secret   string
	Context  string // dialplan context for originated legs
	Channel  string // channel tech prefix, e.g. PJSIP/trunk-out
}

// Persona binds an agent persona name to a synthesis voice id.
type Persona struct {
	Name  string
	Voice string
}

// Config is the full process configuration. Load validates it; a Config that
// came out of Load without error is safe to hand to every constructor.
type Config struct {
	ListenAddr    string
	PublicBaseURL string

	Provider string
	Twilio   Twilio
	Asterisk Asterisk

	STTBackend       string
	DeepgramAPIKey   string
	AssemblyAIAPIKey string

	TTSBackend     string
	CartesiaAPIKey string

	Law          audio.Law
	GreetingText string
	Personas     []Persona

	// QueueDepth is the per-direction media queue size in 20ms frames.
	QueueDepth   int
	RingTimeout  time.Duration
	SynthTimeout time.Duration
}

// Load reads configuration from the environment and validates it. Missing
// required settings fail here, before any connection is opened.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:    envOr("LISTEN_ADDR", ":8080"),
		PublicBaseURL: strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),

		Provider: envOr("CALL_PROVIDER", ProviderTwilio),
		Twilio: Twilio{
			AccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
			AuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
			FromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		},
		Asterisk: Asterisk{
			Addr:     os.Getenv("AMI_ADDR"),
			Username: os.Getenv("AMI_USERNAME"),
			Secret:   os.Getenv("AMI_SECRET"),
			Context:  envOr("AMI_CONTEXT", "outbound"),
			Channel:  envOr("AMI_CHANNEL", "PJSIP/trunk-out"),
		},

		STTBackend:       envOr("STT_BACKEND", STTDeepgram),
		DeepgramAPIKey:   os.Getenv("DEEPGRAM_API_KEY"),
		AssemblyAIAPIKey: os.Getenv("ASSEMBLYAI_API_KEY"),

		TTSBackend:     envOr("TTS_BACKEND", TTSCartesia),
		CartesiaAPIKey: os.Getenv("CARTESIA_API_KEY"),

		Law:          audio.Law(envOr("AUDIO_LAW", string(audio.LawMulaw))),
		GreetingText: envOr("GREETING_TEXT", "Hello? Hi, can you hear me okay?"),
		Personas:     parsePersonas(os.Getenv("PERSONAS")),

		QueueDepth:   envInt("MEDIA_QUEUE_DEPTH", 25),
		RingTimeout:  envDuration("RING_TIMEOUT", 30*time.Second),
		SynthTimeout: envDuration("TTS_TIMEOUT", 10*time.Second),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.PublicBaseURL == "" {
		return fmt.Errorf("config: PUBLIC_BASE_URL is required")
	}

	switch c.Provider {
	case ProviderTwilio:
		if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" || c.Twilio.FromNumber == "" {
			return fmt.Errorf("config: TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER are required for provider %q", c.Provider)
		}
	case ProviderAsterisk:
		if c.Asterisk.Addr == "" || c.Asterisk.Username == "" || c.Asterisk.Secret == "" {
			return fmt.Errorf("config: AMI_ADDR, AMI_USERNAME and AMI_SECRET are required for provider %q", c.Provider)
		}
	default:
		return fmt.Errorf("config: unknown CALL_PROVIDER %q", c.Provider)
	}

	switch c.STTBackend {
	case STTDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("config: DEEPGRAM_API_KEY is required for STT backend %q", c.STTBackend)
		}
	case STTAssemblyAI:
		if c.AssemblyAIAPIKey == "" {
			return fmt.Errorf("config: ASSEMBLYAI_API_KEY is required for STT backend %q", c.STTBackend)
		}
	default:
		return fmt.Errorf("config: unknown STT_BACKEND %q", c.STTBackend)
	}

	switch c.TTSBackend {
	case TTSCartesia:
		if c.CartesiaAPIKey == "" {
			return fmt.Errorf("config: CARTESIA_API_KEY is required for TTS backend %q", c.TTSBackend)
		}
	case TTSGoogle:
		// Google credentials come from application default credentials.
	default:
		return fmt.Errorf("config: unknown TTS_BACKEND %q", c.TTSBackend)
	}

	if _, err := audio.NewTranscoder(c.Law); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.QueueDepth <= 0 {
		return fmt.Errorf("config: MEDIA_QUEUE_DEPTH must be positive, got %d", c.QueueDepth)
	}
	if len(c.Personas) == 0 {
		return fmt.Errorf("config: PERSONAS is required, e.g. PERSONAS=mark=voice-a,sarah=voice-b")
	}
	return nil
}

// parsePersonas splits "name=voice,name=voice" pairs. Malformed entries are
// skipped so that validation reports the aggregate emptiness instead.
func parsePersonas(raw string) []Persona {
	var out []Persona
	for _, pair := range strings.Split(raw, ",") {
		name, voice, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" || voice == "" {
			continue
		}
		out = append(out, Persona{Name: name, Voice: voice})
	}
	return out
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
