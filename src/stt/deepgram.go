package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicereach-ai/voicereach/src/audio"
	"github.com/voicereach-ai/voicereach/src/logger"
)

const deepgramListenURL = "wss://api.deepgram.com/v1/listen"

// Deepgram is a Recognizer backed by Deepgram's streaming listen endpoint.
// Audio goes up as raw companded bytes at 8kHz; no transcoding is needed on
// the inbound path.
//
// The results channel outlives any single connection: a reconnect swaps the
// socket underneath it, and only Close ends the stream. Receive loops never
// close the channel themselves, so a loop left over from a superseded
// connection cannot tear down a live stream.
type Deepgram struct {
	apiKey   string
	model    string
	language string
	encoding string
	log      *logger.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	results      chan Transcript
	ctx          context.Context
	cancel       context.CancelFunc
	loops        sync.WaitGroup
	closeResults sync.Once
}

// NewDeepgram builds a recognizer for the given companding law.
func NewDeepgram(apiKey string, law audio.Law) *Deepgram {
	encoding := "mulaw"
	if law == audio.LawAlaw {
		encoding = "alaw"
	}
	return &Deepgram{
		apiKey:   apiKey,
		model:    "nova-2",
		language: "en-US",
		encoding: encoding,
		log:      logger.WithPrefix("DeepgramSTT"),
		results:  make(chan Transcript, 32),
	}
}

func (d *Deepgram) listenURL() string {
	params := url.Values{}
	params.Set("language", d.language)
	params.Set("model", d.model)
	params.Set("encoding", d.encoding)
	params.Set("sample_rate", fmt.Sprint(audio.NarrowbandRate))
	params.Set("channels", "1")
	params.Set("interim_results", "true")
	return deepgramListenURL + "?" + params.Encode()
}

// Open connects and starts the receive and keepalive loops.
func (d *Deepgram) Open(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)

	if err := d.dial(); err != nil {
		return &ServiceError{Service: "deepgram", Op: "open", Err: err}
	}
	go d.keepaliveLoop()

	d.log.Info("connected (%s @ %d)", d.encoding, audio.NarrowbandRate)
	return nil
}

func (d *Deepgram) dial() error {
	header := map[string][]string{
		"Authorization": {"Token " + d.apiKey},
	}
	conn, _, err := websocket.DefaultDialer.DialContext(d.ctx, d.listenURL(), header)
	if err != nil {
		return err
	}

	d.connMu.Lock()
	d.conn = conn
	d.connMu.Unlock()

	d.loops.Add(1)
	go d.receiveLoop(conn)
	return nil
}

// SendAudio ships one chunk of companded audio. On a write failure it
// reconnects once and retries before giving up.
func (d *Deepgram) SendAudio(data []byte) error {
	if err := d.write(websocket.BinaryMessage, data); err != nil {
		d.log.Warn("send failed: %v, reconnecting", err)
		if rerr := d.reconnect(); rerr != nil {
			return &ServiceError{Service: "deepgram", Op: "send", Err: err}
		}
		if rerr := d.write(websocket.BinaryMessage, data); rerr != nil {
			return &ServiceError{Service: "deepgram", Op: "send", Err: rerr}
		}
	}
	return nil
}

// Results returns the transcript stream.
func (d *Deepgram) Results() <-chan Transcript { return d.results }

// Finalize asks the service to flush the current utterance. Used on
// interruption so stale fragments do not leak into the next turn.
func (d *Deepgram) Finalize() error {
	return d.writeJSON(map[string]string{"type": "Finalize"})
}

// Close flushes the stream and tears the connection down. The results
// channel is closed only after every receive loop has exited.
func (d *Deepgram) Close() error {
	d.writeJSON(map[string]string{"type": "CloseStream"})
	if d.cancel != nil {
		d.cancel()
	}

	d.connMu.Lock()
	conn := d.conn
	d.conn = nil
	d.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}

	d.loops.Wait()
	d.closeResults.Do(func() { close(d.results) })
	return nil
}

// reconnect replaces the dead connection. The results channel stays open
// throughout; the superseded receive loop drains out on its own.
func (d *Deepgram) reconnect() error {
	d.connMu.Lock()
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
	d.connMu.Unlock()

	return d.dial()
}

func (d *Deepgram) write(messageType int, data []byte) error {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	if d.conn == nil {
		return fmt.Errorf("not connected")
	}
	return d.conn.WriteMessage(messageType, data)
}

func (d *Deepgram) writeJSON(v any) error {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	if d.conn == nil {
		return fmt.Errorf("not connected")
	}
	return d.conn.WriteJSON(v)
}

func (d *Deepgram) receiveLoop(conn *websocket.Conn) {
	defer d.loops.Done()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				d.log.Debug("connection closed")
			} else {
				d.log.Error("read: %v", err)
			}
			return
		}

		tr, ok := parseDeepgramResult(message)
		if !ok {
			continue
		}
		select {
		case d.results <- tr:
		case <-d.ctx.Done():
			return
		}
	}
}

// parseDeepgramResult extracts the top alternative from a listen response.
// Empty transcripts are dropped.
func parseDeepgramResult(message []byte) (Transcript, bool) {
	var response struct {
		IsFinal bool `json:"is_final"`
		Channel struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channel"`
	}
	if err := json.Unmarshal(message, &response); err != nil {
		return Transcript{}, false
	}
	if len(response.Channel.Alternatives) == 0 {
		return Transcript{}, false
	}
	alt := response.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return Transcript{}, false
	}
	return Transcript{Text: alt.Transcript, Confidence: alt.Confidence, Final: response.IsFinal}, true
}

// keepaliveLoop pings the service between utterances. Deepgram drops streams
// that stay silent for ~10 seconds.
func (d *Deepgram) keepaliveLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if err := d.writeJSON(map[string]string{"type": "KeepAlive"}); err != nil {
				d.log.Debug("keepalive: %v", err)
				return
			}
		}
	}
}
