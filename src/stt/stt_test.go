package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicereach-ai/voicereach/src/audio"
)

func TestParseDeepgramResult(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    Transcript
		ok      bool
	}{
		{
			name:    "interim",
			message: `{"is_final":false,"channel":{"alternatives":[{"transcript":"hello th","confidence":0.81}]}}`,
			want:    Transcript{Text: "hello th", Confidence: 0.81, Final: false},
			ok:      true,
		},
		{
			name:    "final",
			message: `{"is_final":true,"channel":{"alternatives":[{"transcript":"hello there","confidence":0.97}]}}`,
			want:    Transcript{Text: "hello there", Confidence: 0.97, Final: true},
			ok:      true,
		},
		{
			name:    "empty transcript dropped",
			message: `{"is_final":false,"channel":{"alternatives":[{"transcript":"","confidence":0}]}}`,
		},
		{
			name:    "metadata message dropped",
			message: `{"type":"Metadata","duration":12.5}`,
		},
		{
			name:    "malformed json dropped",
			message: `{"channel":`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseDeepgramResult([]byte(tt.message))
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestParseAssemblyAIResult(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    Transcript
		ok      bool
	}{
		{
			name:    "partial",
			message: `{"message_type":"PartialTranscript","text":"yeah I","confidence":0.7}`,
			want:    Transcript{Text: "yeah I", Confidence: 0.7, Final: false},
			ok:      true,
		},
		{
			name:    "final",
			message: `{"message_type":"FinalTranscript","text":"yeah I think so","confidence":0.93}`,
			want:    Transcript{Text: "yeah I think so", Confidence: 0.93, Final: true},
			ok:      true,
		},
		{
			name:    "session begins dropped",
			message: `{"message_type":"SessionBegins","session_id":"abc"}`,
		},
		{
			name:    "empty text dropped",
			message: `{"message_type":"FinalTranscript","text":"","confidence":0}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseAssemblyAIResult([]byte(tt.message))
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestRecognizerEncodings(t *testing.T) {
	assert.Equal(t, "mulaw", NewDeepgram("k", audio.LawMulaw).encoding)
	assert.Equal(t, "alaw", NewDeepgram("k", audio.LawAlaw).encoding)
	assert.Equal(t, "pcm_mulaw", NewAssemblyAI("k", audio.LawMulaw).encoding)
	assert.Equal(t, "pcm_alaw", NewAssemblyAI("k", audio.LawAlaw).encoding)
}

// dialTestWS serves one websocket connection through handler and returns the
// client side.
func dialTestWS(t *testing.T, handler func(*websocket.Conn)) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		handler(conn)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestDeepgramReconnectKeepsResultsOpen(t *testing.T) {
	d := NewDeepgram("key", audio.LawMulaw)
	d.ctx, d.cancel = context.WithCancel(context.Background())

	// First connection dies immediately, like a dropped upstream.
	dying := dialTestWS(t, func(conn *websocket.Conn) { conn.Close() })
	d.loops.Add(1)
	go d.receiveLoop(dying)
	d.loops.Wait()

	// A replacement connection delivers the next transcript on the same
	// results stream.
	result := `{"is_final":true,"channel":{"alternatives":[{"transcript":"still here","confidence":0.9}]}}`
	fresh := dialTestWS(t, func(conn *websocket.Conn) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(result)))
	})
	d.connMu.Lock()
	d.conn = fresh
	d.connMu.Unlock()
	d.loops.Add(1)
	go d.receiveLoop(fresh)

	select {
	case tr, ok := <-d.Results():
		require.True(t, ok, "stream stays open across a reconnect")
		assert.Equal(t, "still here", tr.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("no transcript after reconnect")
	}

	require.NoError(t, d.Close())
	_, ok := <-d.Results()
	assert.False(t, ok, "only Close ends the stream")
}

// Recognizer implementations must satisfy the interface.
var (
	_ Recognizer = (*Deepgram)(nil)
	_ Recognizer = (*AssemblyAI)(nil)
)
