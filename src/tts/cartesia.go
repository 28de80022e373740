package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voicereach-ai/voicereach/src/audio"
	"github.com/voicereach-ai/voicereach/src/frames"
	"github.com/voicereach-ai/voicereach/src/logger"
)

const (
	cartesiaWSURL   = "wss://api.cartesia.ai/tts/websocket"
	cartesiaVersion = "2025-04-16"
	cartesiaModel   = "sonic-3"
)

// Cartesia is a streaming synthesizer over Cartesia's websocket API. Each
// utterance runs in its own context id; chunks from a canceled context are
// dropped instead of reaching the caller.
type Cartesia struct {
	apiKey   string
	url      string
	encoding string
	codec    frames.Codec
	log      *logger.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	contexts map[string]chan []byte // context id -> chunk stream
}

// NewCartesia builds a synthesizer producing companded narrowband audio in
// the given law, the format the telephony leg plays directly.
func NewCartesia(apiKey string, law audio.Law) *Cartesia {
	encoding := "pcm_mulaw"
	codec := frames.CodecMulaw
	if law == audio.LawAlaw {
		encoding = "pcm_alaw"
		codec = frames.CodecAlaw
	}
	return &Cartesia{
		apiKey:   apiKey,
		url:      cartesiaWSURL,
		encoding: encoding,
		codec:    codec,
		log:      logger.WithPrefix("CartesiaTTS"),
		contexts: make(map[string]chan []byte),
	}
}

// Open connects the websocket and starts the receive loop. Done eagerly at
// call start so the first utterance pays no dial latency.
func (c *Cartesia) Open(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	wsURL := fmt.Sprintf("%s?api_key=%s&cartesia_version=%s", c.url, c.apiKey, cartesiaVersion)
	conn, _, err := websocket.DefaultDialer.DialContext(c.ctx, wsURL, nil)
	if err != nil {
		return &ServiceError{Service: "cartesia", Op: "open", Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.receiveLoop(conn)
	c.log.Info("connected (%s @ %d)", c.encoding, audio.NarrowbandRate)
	return nil
}

// Speak submits one utterance and returns its chunk stream.
func (c *Cartesia) Speak(ctx context.Context, text, voice string) (<-chan []byte, error) {
	contextID := uuid.NewString()
	ch := make(chan []byte, 64)

	c.mu.Lock()
	c.contexts[contextID] = ch
	c.mu.Unlock()

	if err := c.writeJSON(c.buildMessage(text, voice, contextID)); err != nil {
		c.dropContext(contextID)
		return nil, &ServiceError{Service: "cartesia", Op: "speak", Err: err}
	}
	return ch, nil
}

// Cancel aborts every in-flight utterance. Used on interruption and on
// voicemail drop so stale audio never reaches the caller.
func (c *Cartesia) Cancel() error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.contexts))
	for id := range c.contexts {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.writeJSON(map[string]any{"context_id": id, "cancel": true})
		c.dropContext(id)
	}
	return nil
}

// writeJSON is the single write path for the connection. The websocket
// package allows only one concurrent writer, so every outbound message
// goes through this lock.
func (c *Cartesia) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteJSON(v)
}

// Synthesize collects one utterance's chunks into a single buffer.
func (c *Cartesia) Synthesize(ctx context.Context, text, voice string) (Result, error) {
	ch, err := c.Speak(ctx, text, voice)
	if err != nil {
		return Result{}, err
	}

	var buf []byte
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				if len(buf) == 0 {
					return Result{}, &ServiceError{Service: "cartesia", Op: "synthesize", Err: fmt.Errorf("no audio for %q", text)}
				}
				return Result{Audio: buf, Codec: c.codec, SampleRate: audio.NarrowbandRate}, nil
			}
			buf = append(buf, chunk...)
		case <-ctx.Done():
			c.Cancel()
			return Result{}, &ServiceError{Service: "cartesia", Op: "synthesize", Err: ctx.Err()}
		}
	}
}

// Close tears the connection down and aborts in-flight utterances.
func (c *Cartesia) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	for id, ch := range c.contexts {
		close(ch)
		delete(c.contexts, id)
	}
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Cartesia) buildMessage(text, voice, contextID string) map[string]any {
	return map[string]any{
		"transcript": text,
		"continue":   false,
		"context_id": contextID,
		"model_id":   cartesiaModel,
		"voice":      map[string]any{"mode": "id", "id": voice},
		"output_format": map[string]any{
			"container":   "raw",
			"encoding":    c.encoding,
			"sample_rate": audio.NarrowbandRate,
		},
		"language": "en",
	}
}

func (c *Cartesia) dropContext(contextID string) {
	c.mu.Lock()
	if ch, ok := c.contexts[contextID]; ok {
		close(ch)
		delete(c.contexts, contextID)
	}
	c.mu.Unlock()
}

// cartesiaMessage is the subset of the websocket protocol this client reads.
type cartesiaMessage struct {
	Type      string `json:"type"`
	ContextID string `json:"context_id"`
	Data      string `json:"data"`
	Error     string `json:"error"`
}

func (c *Cartesia) receiveLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!strings.Contains(err.Error(), "use of closed network connection") {
				c.log.Error("read: %v", err)
			}
			c.mu.Lock()
			for id, ch := range c.contexts {
				close(ch)
				delete(c.contexts, id)
			}
			c.mu.Unlock()
			return
		}

		var msg cartesiaMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.log.Warn("parse: %v", err)
			continue
		}

		switch msg.Type {
		case "chunk":
			data, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil || len(data) == 0 {
				continue
			}
			c.mu.Lock()
			ch, ok := c.contexts[msg.ContextID]
			c.mu.Unlock()
			if !ok {
				// Stale context, canceled mid-flight.
				continue
			}
			select {
			case ch <- data:
			case <-c.ctx.Done():
				return
			}
		case "done":
			c.dropContext(msg.ContextID)
		case "error":
			c.log.Error("service error on context %s: %s", msg.ContextID, msg.Error)
			c.dropContext(msg.ContextID)
		}
	}
}
