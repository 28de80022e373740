package tts

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicereach-ai/voicereach/src/audio"
	"github.com/voicereach-ai/voicereach/src/config"
	"github.com/voicereach-ai/voicereach/src/frames"
)

func TestVoiceMap(t *testing.T) {
	m := NewVoiceMap([]config.Persona{
		{Name: "mark", Voice: "voice-a"},
		{Name: "sarah", Voice: "voice-b"},
	})

	voice, err := m.Assign("call-1", "mark")
	require.NoError(t, err)
	assert.Equal(t, "voice-a", voice)
	assert.Equal(t, "voice-a", m.VoiceFor("call-1"))

	_, err = m.Assign("call-2", "nobody")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nobody")

	m.Release("call-1")
	assert.Empty(t, m.VoiceFor("call-1"))
}

func TestStripWAVHeader(t *testing.T) {
	pcm := []byte{1, 2, 3, 4, 5, 6}

	var wav []byte
	wav = append(wav, []byte("RIFF")...)
	wav = binary.LittleEndian.AppendUint32(wav, uint32(36+len(pcm)))
	wav = append(wav, []byte("WAVE")...)
	wav = append(wav, []byte("fmt ")...)
	wav = binary.LittleEndian.AppendUint32(wav, 16)
	wav = append(wav, make([]byte, 16)...)
	wav = append(wav, []byte("data")...)
	wav = binary.LittleEndian.AppendUint32(wav, uint32(len(pcm)))
	wav = append(wav, pcm...)

	assert.Equal(t, pcm, stripWAVHeader(wav))

	// Headerless buffers pass through.
	assert.Equal(t, pcm, stripWAVHeader(pcm))
}

// fakeCartesia upgrades one websocket and answers synthesis requests with a
// scripted chunk sequence.
func fakeCartesia(t *testing.T, script func(conn *websocket.Conn, req map[string]any)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			var req map[string]any
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			script(conn, req)
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func sendChunk(conn *websocket.Conn, contextID string, data []byte) {
	conn.WriteJSON(map[string]any{
		"type":       "chunk",
		"context_id": contextID,
		"data":       base64.StdEncoding.EncodeToString(data),
	})
}

func TestCartesiaSynthesize(t *testing.T) {
	url := fakeCartesia(t, func(conn *websocket.Conn, req map[string]any) {
		if cancel, _ := req["cancel"].(bool); cancel {
			return
		}
		contextID := req["context_id"].(string)

		format := req["output_format"].(map[string]any)
		if format["encoding"] != "pcm_mulaw" || format["sample_rate"] != float64(8000) {
			conn.WriteJSON(map[string]any{"type": "error", "context_id": contextID, "error": "bad format"})
			return
		}

		sendChunk(conn, contextID, []byte{0xFF, 0xFE})
		sendChunk(conn, contextID, []byte{0xFD})
		conn.WriteJSON(map[string]any{"type": "done", "context_id": contextID})
	})

	c := NewCartesia("key", audio.LawMulaw)
	c.url = url
	require.NoError(t, c.Open(context.Background()))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Synthesize(ctx, "hello there", "voice-a")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFE, 0xFD}, res.Audio)
	assert.Equal(t, frames.CodecMulaw, res.Codec)
	assert.Equal(t, audio.NarrowbandRate, res.SampleRate)
}

func TestCartesiaServiceError(t *testing.T) {
	url := fakeCartesia(t, func(conn *websocket.Conn, req map[string]any) {
		contextID := req["context_id"].(string)
		conn.WriteJSON(map[string]any{"type": "error", "context_id": contextID, "error": "voice not found"})
	})

	c := NewCartesia("key", audio.LawMulaw)
	c.url = url
	require.NoError(t, c.Open(context.Background()))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.Synthesize(ctx, "hello", "bad-voice")
	require.Error(t, err)
	var se *ServiceError
	assert.ErrorAs(t, err, &se)
}

func TestCartesiaCancelDropsStaleChunks(t *testing.T) {
	release := make(chan struct{})
	url := fakeCartesia(t, func(conn *websocket.Conn, req map[string]any) {
		if cancel, _ := req["cancel"].(bool); cancel {
			return
		}
		contextID := req["context_id"].(string)
		go func() {
			<-release
			// Chunks after cancel must be dropped, not delivered.
			sendChunk(conn, contextID, []byte{0x01, 0x02})
			conn.WriteJSON(map[string]any{"type": "done", "context_id": contextID})
		}()
	})

	c := NewCartesia("key", audio.LawMulaw)
	c.url = url
	require.NoError(t, c.Open(context.Background()))
	defer c.Close()

	ch, err := c.Speak(context.Background(), "hello", "voice-a")
	require.NoError(t, err)

	require.NoError(t, c.Cancel())
	close(release)

	// The stream is closed by Cancel; any later chunk is discarded.
	select {
	case chunk, ok := <-ch:
		assert.False(t, ok, "expected closed channel, got chunk %v", chunk)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestCartesiaConcurrentSpeakAndCancel(t *testing.T) {
	url := fakeCartesia(t, func(conn *websocket.Conn, req map[string]any) {
		if cancel, _ := req["cancel"].(bool); cancel {
			return
		}
		contextID := req["context_id"].(string)
		conn.WriteJSON(map[string]any{"type": "done", "context_id": contextID})
	})

	c := NewCartesia("key", audio.LawMulaw)
	c.url = url
	require.NoError(t, c.Open(context.Background()))
	defer c.Close()

	// The websocket allows one writer at a time; interleaved Speak and
	// Cancel calls must serialize on the connection.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Speak(context.Background(), "hello", "voice-a")
		}()
		go func() {
			defer wg.Done()
			c.Cancel()
		}()
	}
	wg.Wait()
}

var (
	_ Synthesizer = (*Cartesia)(nil)
	_ Streamer    = (*Cartesia)(nil)
	_ Synthesizer = (*Google)(nil)
)
