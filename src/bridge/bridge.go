// Package bridge serves the per-call media websocket and pumps audio
// between the telephony leg and the speech engines.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voicereach-ai/voicereach/src/audio"
	"github.com/voicereach-ai/voicereach/src/frames"
	"github.com/voicereach-ai/voicereach/src/logger"
)

// frameInterval is the real-time pace of one narrowband frame.
const frameInterval = 20 * time.Millisecond

// MediaSocketError wraps a media websocket failure.
type MediaSocketError struct {
	Op  string
	Err error
}

func (e *MediaSocketError) Error() string {
	return fmt.Sprintf("bridge: media socket %s: %v", e.Op, e.Err)
}

func (e *MediaSocketError) Unwrap() error { return e.Err }

// StreamInfo is the correlation data the provider attaches to the stream.
type StreamInfo struct {
	StreamSID string
	LegID     string
	CallID    string
	Persona   string
	LeadName  string
}

// Handler receives media-side events for one call. OnClosed fires exactly
// once per bridge, whichever side closed first.
type Handler interface {
	OnConnected(b *Bridge, info StreamInfo)
	OnAudio(frame *frames.AudioFrame)
	OnMark(name string)
	OnClosed(err error)
}

// streamMessage is the wire shape of the media stream protocol, both
// directions.
type streamMessage struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *startEvent   `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
	Mark      *markPayload  `json:"mark,omitempty"`
}

type startEvent struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

// outItem is one unit on the outbound queue: an audio frame or a mark.
type outItem struct {
	frame *frames.AudioFrame
	mark  string
}

// Bridge is one call's media connection. Both directions carry sequenced
// audio frames over bounded queues on independent pumps; when either
// direction overflows the oldest frame is dropped and a backpressure warning
// logged.
type Bridge struct {
	conn      *websocket.Conn
	streamSID string
	handler   Handler
	codec     frames.Codec
	log       *logger.Logger

	writeMu sync.Mutex

	inSeq  frames.Sequencer
	outSeq frames.Sequencer
	in     chan *frames.AudioFrame
	out    chan outItem

	markMu sync.Mutex
	marks  map[string]chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func newBridge(conn *websocket.Conn, streamSID string, handler Handler, queueDepth int, codec frames.Codec, log *logger.Logger) *Bridge {
	return &Bridge{
		conn:      conn,
		streamSID: streamSID,
		handler:   handler,
		codec:     codec,
		log:       log,
		in:        make(chan *frames.AudioFrame, queueDepth),
		out:       make(chan outItem, queueDepth),
		marks:     make(map[string]chan struct{}),
		done:      make(chan struct{}),
	}
}

// Done is closed when the bridge has torn down.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// EnqueueFrame queues one narrowband frame for paced outbound playout. Under
// backpressure the oldest queued frame is dropped to keep playout near real
// time.
func (b *Bridge) EnqueueFrame(payload []byte) {
	select {
	case <-b.done:
		return
	default:
	}

	item := outItem{frame: b.outSeq.NewFrame(payload, b.codec, audio.NarrowbandRate, 1)}
	select {
	case b.out <- item:
	default:
		select {
		case old := <-b.out:
			b.logDrop(frames.Outbound, old.frame)
		default:
		}
		select {
		case b.out <- item:
		case <-b.done:
		}
	}
}

// PlayFrames queues a complete utterance and blocks until the provider
// acknowledges its playout mark. Unlike EnqueueFrame, enqueueing blocks
// instead of dropping, so pre-rendered audio plays in full.
func (b *Bridge) PlayFrames(ctx context.Context, payloads [][]byte) error {
	for _, p := range payloads {
		select {
		case b.out <- outItem{frame: b.outSeq.NewFrame(p, b.codec, audio.NarrowbandRate, 1)}:
		case <-b.done:
			return &MediaSocketError{Op: "play", Err: fmt.Errorf("connection closed")}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	name := "playout-" + uuid.NewString()
	ack := make(chan struct{})
	b.markMu.Lock()
	b.marks[name] = ack
	b.markMu.Unlock()

	select {
	case b.out <- outItem{mark: name}:
	case <-b.done:
		return &MediaSocketError{Op: "play", Err: fmt.Errorf("connection closed")}
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ack:
		return nil
	case <-b.done:
		return &MediaSocketError{Op: "play", Err: fmt.Errorf("connection closed before playout finished")}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear flushes queued outbound audio and tells the provider to discard its
// buffered playback. Used on interruption.
func (b *Bridge) Clear() error {
	for {
		select {
		case <-b.out:
			continue
		default:
		}
		break
	}
	return b.write(streamMessage{Event: "clear", StreamSID: b.streamSID})
}

// Close tears the bridge down. Safe to call more than once.
func (b *Bridge) Close() error {
	b.teardown(nil)
	return nil
}

func (b *Bridge) teardown(err error) {
	b.closeOnce.Do(func() {
		close(b.done)
		b.conn.Close()

		b.markMu.Lock()
		for name, ack := range b.marks {
			close(ack)
			delete(b.marks, name)
		}
		b.markMu.Unlock()

		b.handler.OnClosed(err)
	})
}

// readLoop demuxes inbound protocol messages until the socket closes.
func (b *Bridge) readLoop() {
	for {
		_, raw, err := b.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.teardown(nil)
			} else {
				b.teardown(&MediaSocketError{Op: "read", Err: err})
			}
			return
		}

		var msg streamMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			b.log.Warn("bad media message: %v", err)
			continue
		}

		switch msg.Event {
		case "media":
			if msg.Media == nil {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				b.log.Warn("bad media payload: %v", err)
				continue
			}
			b.enqueueInbound(b.inSeq.NewFrame(data, b.codec, audio.NarrowbandRate, 1))
		case "mark":
			if msg.Mark != nil {
				b.ackMark(msg.Mark.Name)
			}
		case "stop":
			b.teardown(nil)
			return
		}
	}
}

// enqueueInbound queues one inbound frame, dropping the oldest queued frame
// until the new one fits. The newest frame always lands; only older audio is
// sacrificed under backpressure.
func (b *Bridge) enqueueInbound(frame *frames.AudioFrame) {
	for {
		select {
		case b.in <- frame:
			return
		case <-b.done:
			return
		default:
		}
		select {
		case old := <-b.in:
			b.logDrop(frames.Inbound, old)
		case <-b.done:
			return
		default:
		}
	}
}

func (b *Bridge) logDrop(dir frames.Direction, frame *frames.AudioFrame) {
	b.log.Warn("%s queue full, dropped frame seq=%d (%s of audio)", dir, frame.Seq, frame.Duration())
}

// inboundPump delivers queued inbound audio to the handler in order.
func (b *Bridge) inboundPump() {
	for {
		select {
		case <-b.done:
			return
		case frame := <-b.in:
			b.handler.OnAudio(frame)
		}
	}
}

// outboundPump writes one queued frame per tick, holding playout to real
// time regardless of how fast the synthesizer produces audio.
func (b *Bridge) outboundPump() {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			select {
			case item := <-b.out:
				if err := b.writeItem(item); err != nil {
					b.teardown(&MediaSocketError{Op: "write", Err: err})
					return
				}
			default:
			}
		}
	}
}

func (b *Bridge) writeItem(item outItem) error {
	if item.mark != "" {
		return b.write(streamMessage{
			Event:     "mark",
			StreamSID: b.streamSID,
			Mark:      &markPayload{Name: item.mark},
		})
	}
	return b.write(streamMessage{
		Event:     "media",
		StreamSID: b.streamSID,
		Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(item.frame.Data)},
	})
}

func (b *Bridge) write(msg streamMessage) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.conn.WriteJSON(msg)
}

func (b *Bridge) ackMark(name string) {
	b.markMu.Lock()
	ack, ok := b.marks[name]
	if ok {
		delete(b.marks, name)
	}
	b.markMu.Unlock()
	if ok {
		close(ack)
	}
	b.handler.OnMark(name)
}
