package stt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/voicereach-ai/voicereach/src/audio"
	"github.com/voicereach-ai/voicereach/src/logger"
)

const assemblyAIRealtimeURL = "wss://api.assemblyai.com/v2/realtime/ws"

// AssemblyAI is a Recognizer backed by the AssemblyAI realtime endpoint.
// Audio goes up base64-wrapped in JSON, the shape that endpoint expects.
type AssemblyAI struct {
	apiKey   string
	encoding string
	log      *logger.Logger

	connMu       sync.Mutex
	conn         *websocket.Conn
	results      chan Transcript
	ctx          context.Context
	cancel       context.CancelFunc
	closeResults sync.Once
}

// NewAssemblyAI builds a recognizer for the given companding law.
func NewAssemblyAI(apiKey string, law audio.Law) *AssemblyAI {
	encoding := "pcm_mulaw"
	if law == audio.LawAlaw {
		encoding = "pcm_alaw"
	}
	return &AssemblyAI{
		apiKey:   apiKey,
		encoding: encoding,
		log:      logger.WithPrefix("AssemblyAI"),
		results:  make(chan Transcript, 32),
	}
}

// Open connects and starts the receive loop.
func (a *AssemblyAI) Open(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	params := url.Values{}
	params.Set("sample_rate", fmt.Sprint(audio.NarrowbandRate))
	params.Set("encoding", a.encoding)

	header := map[string][]string{"Authorization": {a.apiKey}}
	conn, _, err := websocket.DefaultDialer.DialContext(a.ctx, assemblyAIRealtimeURL+"?"+params.Encode(), header)
	if err != nil {
		return &ServiceError{Service: "assemblyai", Op: "open", Err: err}
	}

	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()

	go a.receiveLoop(conn)
	a.log.Info("connected (%s @ %d)", a.encoding, audio.NarrowbandRate)
	return nil
}

// SendAudio ships one chunk of companded audio.
func (a *AssemblyAI) SendAudio(data []byte) error {
	payload := map[string]string{"audio_data": base64.StdEncoding.EncodeToString(data)}

	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn == nil {
		return &ServiceError{Service: "assemblyai", Op: "send", Err: fmt.Errorf("not connected")}
	}
	if err := a.conn.WriteJSON(payload); err != nil {
		return &ServiceError{Service: "assemblyai", Op: "send", Err: err}
	}
	return nil
}

// Results returns the transcript stream.
func (a *AssemblyAI) Results() <-chan Transcript { return a.results }

// Close terminates the session and tears the connection down.
func (a *AssemblyAI) Close() error {
	a.connMu.Lock()
	if a.conn != nil {
		a.conn.WriteJSON(map[string]bool{"terminate_session": true})
	}
	conn := a.conn
	a.conn = nil
	a.connMu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}
	if conn != nil {
		conn.Close()
	}
	a.closeResults.Do(func() { close(a.results) })
	return nil
}

func (a *AssemblyAI) receiveLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				a.log.Debug("connection closed")
			} else {
				a.log.Error("read: %v", err)
			}
			a.closeResults.Do(func() { close(a.results) })
			return
		}

		tr, ok := parseAssemblyAIResult(message)
		if !ok {
			continue
		}
		select {
		case a.results <- tr:
		case <-a.ctx.Done():
			return
		}
	}
}

// parseAssemblyAIResult extracts partial and final transcripts. Session
// bookkeeping messages are dropped.
func parseAssemblyAIResult(message []byte) (Transcript, bool) {
	var response struct {
		MessageType string  `json:"message_type"`
		Text        string  `json:"text"`
		Confidence  float64 `json:"confidence"`
	}
	if err := json.Unmarshal(message, &response); err != nil {
		return Transcript{}, false
	}
	if response.Text == "" {
		return Transcript{}, false
	}
	switch response.MessageType {
	case "PartialTranscript":
		return Transcript{Text: response.Text, Confidence: response.Confidence, Final: false}, true
	case "FinalTranscript":
		return Transcript{Text: response.Text, Confidence: response.Confidence, Final: true}, true
	default:
		return Transcript{}, false
	}
}
