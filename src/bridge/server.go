package bridge

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/voicereach-ai/voicereach/src/frames"
	"github.com/voicereach-ai/voicereach/src/logger"
)

// Resolver finds the handler for an incoming stream by the call id carried
// in the stream's custom parameters.
type Resolver interface {
	Resolve(callID string) (Handler, bool)
}

// Server accepts media stream websockets and binds each to its call.
type Server struct {
	resolver   Resolver
	queueDepth int
	codec      frames.Codec
	upgrader   websocket.Upgrader
	log        *logger.Logger
}

// NewServer builds the media endpoint. queueDepth bounds each direction's
// frame queue; codec is the companded format the provider streams.
func NewServer(resolver Resolver, queueDepth int, codec frames.Codec) *Server {
	return &Server{
		resolver:   resolver,
		queueDepth: queueDepth,
		codec:      codec,
		upgrader:   websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		log:        logger.WithPrefix("Bridge"),
	}
}

// Register attaches the media endpoint to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/media", s.HandleMedia)
}

// HandleMedia upgrades the connection and waits for the provider's start
// event before binding a bridge to the call it names. Connections naming an
// unknown call are closed.
func (s *Server) HandleMedia(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("upgrade: %v", err)
		return
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.log.Warn("closed before start event: %v", err)
			conn.Close()
			return
		}

		var msg streamMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.log.Warn("bad message before start: %v", err)
			continue
		}

		switch msg.Event {
		case "connected":
			continue
		case "start":
			if msg.Start == nil {
				s.log.Warn("start event without payload")
				conn.Close()
				return
			}
			s.bind(conn, msg.Start)
			return
		default:
			// Media before start has no call to belong to.
			continue
		}
	}
}

func (s *Server) bind(conn *websocket.Conn, start *startEvent) {
	info := StreamInfo{
		StreamSID: start.StreamSID,
		LegID:     start.CallSID,
		CallID:    start.CustomParameters["callId"],
		Persona:   start.CustomParameters["persona"],
		LeadName:  start.CustomParameters["leadName"],
	}

	handler, ok := s.resolver.Resolve(info.CallID)
	if !ok {
		s.log.Warn("stream %s names unknown call %q, closing", info.StreamSID, info.CallID)
		conn.Close()
		return
	}

	b := newBridge(conn, info.StreamSID, handler, s.queueDepth, s.codec, s.log)
	s.log.Info("stream %s bound to call %s", info.StreamSID, info.CallID)

	handler.OnConnected(b, info)
	go b.inboundPump()
	go b.outboundPump()
	b.readLoop()
}
