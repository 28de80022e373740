package telephony

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicereach-ai/voicereach/src/config"
	"github.com/voicereach-ai/voicereach/src/logger"
)

// hangupCauses maps Asterisk hangup cause codes to short names.
var hangupCauses = map[int]string{
	0:   "unknown",
	16:  "normal_clearing",
	17:  "user_busy",
	18:  "no_answer",
	19:  "no_answer",
	21:  "call_rejected",
	31:  "normal_unspecified",
	34:  "congestion",
	127: "interworking",
}

// amiReconnectAttempts bounds the reconnect loop after a control channel
// loss. Past the ceiling the adapter stays down and surfaces
// ErrControlChannelDown on every Originate.
const amiReconnectAttempts = 10

func hangupCauseText(code int) string {
	if name, ok := hangupCauses[code]; ok {
		return name
	}
	return "unknown"
}

// amiMessage is one AMI frame, a block of "Key: Value" lines.
type amiMessage map[string]string

type amiLeg struct {
	id       string
	channel  string
	uniqueID string
	answered bool
}

// AsteriskAdapter drives outbound calls through the Asterisk Manager
// Interface over a persistent TCP connection. Originate actions are
// serialized on the control channel and correlated back by ActionID; channel
// events are translated into normalized LegEvents.
type AsteriskAdapter struct {
	cfg config.Asterisk
	log *logger.Logger

	ringTimeout   time.Duration
	reconnectBase time.Duration

	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	connected bool
	closed    bool
	pending   map[string]chan amiMessage
	handler   func(LegEvent)
	legs      map[string]*amiLeg // by leg id
	byUnique  map[string]string  // Uniqueid -> leg id
}

// NewAsteriskAdapter builds the adapter. Connect must be called before
// Originate.
func NewAsteriskAdapter(cfg config.Asterisk, ringTimeout time.Duration) *AsteriskAdapter {
	return &AsteriskAdapter{
		cfg:           cfg,
		ringTimeout:   ringTimeout,
		reconnectBase: time.Second,
		log:           logger.WithPrefix("AMI"),
		pending:       make(map[string]chan amiMessage),
		legs:          make(map[string]*amiLeg),
		byUnique:      make(map[string]string),
	}
}

// OnLegEvent registers the event consumer.
func (a *AsteriskAdapter) OnLegEvent(fn func(LegEvent)) {
	a.mu.Lock()
	a.handler = fn
	a.mu.Unlock()
}

// Connect dials the AMI listener, logs in and starts the event loop. On
// connection loss the adapter reconnects with backoff up to
// amiReconnectAttempts, then stays down.
func (a *AsteriskAdapter) Connect(ctx context.Context) error {
	if err := a.dial(ctx); err != nil {
		return err
	}
	go a.readLoop()
	return nil
}

func (a *AsteriskAdapter) dial(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", a.cfg.Addr)
	if err != nil {
		return fmt.Errorf("ami dial %s: %w", a.cfg.Addr, err)
	}

	reader := bufio.NewReader(conn)

	// The listener greets with a banner line before speaking AMI.
	if _, err := reader.ReadString('\n'); err != nil {
		conn.Close()
		return fmt.Errorf("ami banner: %w", err)
	}

	login := amiMessage{
		"Action":   "Login",
		"ActionID": uuid.NewString(),
		"Username": a.cfg.Username,
		"Secret":   a.cfg.Secret,
		"Events":   "call",
	}
	if err := writeAMI(conn, login); err != nil {
		conn.Close()
		return fmt.Errorf("ami login write: %w", err)
	}

	resp, err := readAMI(reader)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ami login read: %w", err)
	}
	if resp["Response"] != "Success" {
		conn.Close()
		return fmt.Errorf("ami login rejected: %s", resp["Message"])
	}

	a.mu.Lock()
	a.conn = conn
	a.reader = reader
	a.connected = true
	a.mu.Unlock()

	a.log.Info("connected to %s as %s", a.cfg.Addr, a.cfg.Username)
	return nil
}

// Close shuts the control channel down and stops reconnecting.
func (a *AsteriskAdapter) Close() error {
	a.mu.Lock()
	a.closed = true
	conn := a.conn
	a.connected = false
	a.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (a *AsteriskAdapter) readLoop() {
	a.mu.Lock()
	r := a.reader
	a.mu.Unlock()

	for {
		msg, err := readAMI(r)
		if err != nil {
			a.onDisconnect(err)
			return
		}
		if id, ok := msg["ActionID"]; ok && msg["Response"] != "" {
			a.mu.Lock()
			ch := a.pending[id]
			delete(a.pending, id)
			a.mu.Unlock()
			if ch != nil {
				ch <- msg
				continue
			}
		}
		if ev, ok := msg["Event"]; ok {
			a.handleEvent(ev, msg)
		}
	}
}

func (a *AsteriskAdapter) onDisconnect(err error) {
	a.mu.Lock()
	a.connected = false
	for id, ch := range a.pending {
		close(ch)
		delete(a.pending, id)
	}
	closed := a.closed
	a.mu.Unlock()

	if closed {
		return
	}
	a.log.Warn("control channel lost: %v, reconnecting", err)

	backoff := a.reconnectBase
	for attempt := 1; attempt <= amiReconnectAttempts; attempt++ {
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return
		}
		a.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := a.dial(ctx)
		cancel()
		if err == nil {
			go a.readLoop()
			return
		}
		a.log.Warn("reconnect %d/%d failed: %v, retrying in %s", attempt, amiReconnectAttempts, err, backoff)
		time.Sleep(backoff)
		if backoff < 30*a.reconnectBase {
			backoff *= 2
		}
	}

	// Out of attempts. New originations fail with ErrControlChannelDown
	// until the operator restarts the daemon or the listener.
	a.log.Error("giving up on %s after %d reconnect attempts", a.cfg.Addr, amiReconnectAttempts)
}

// Originate places an async Originate action. It fails immediately with
// ErrControlChannelDown when the AMI connection is not established.
func (a *AsteriskAdapter) Originate(ctx context.Context, toNumber string, sc SessionContext) (string, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return "", &OriginationError{Provider: "asterisk", Number: toNumber, Err: ErrControlChannelDown}
	}
	conn := a.conn
	legID := uuid.NewString()
	ch := make(chan amiMessage, 1)
	a.pending[legID] = ch
	a.legs[legID] = &amiLeg{id: legID, channel: a.cfg.Channel + "/" + toNumber}
	a.mu.Unlock()

	action := amiMessage{
		"Action":   "Originate",
		"ActionID": legID,
		"Channel":  a.cfg.Channel + "/" + toNumber,
		"Context":  a.cfg.Context,
		"Exten":    "media",
		"Priority": "1",
		"Async":    "true",
		"Timeout":  strconv.Itoa(int(a.ringTimeout / time.Millisecond)),
		"Variable": fmt.Sprintf("CALL_ID=%s,PERSONA=%s,LEAD_NAME=%s", sc.CallID, sc.Persona, sc.LeadName),
	}
	if err := writeAMI(conn, action); err != nil {
		a.dropLeg(legID)
		return "", &OriginationError{Provider: "asterisk", Number: toNumber, Err: err}
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			a.dropLeg(legID)
			return "", &OriginationError{Provider: "asterisk", Number: toNumber, Err: ErrControlChannelDown}
		}
		if resp["Response"] != "Success" {
			a.dropLeg(legID)
			return "", &OriginationError{Provider: "asterisk", Number: toNumber, Err: fmt.Errorf("originate rejected: %s", resp["Message"])}
		}
		return legID, nil
	case <-ctx.Done():
		a.dropLeg(legID)
		return "", &OriginationError{Provider: "asterisk", Number: toNumber, Err: ctx.Err()}
	}
}

// Hangup tears down the leg's channel. An unknown leg is already gone.
func (a *AsteriskAdapter) Hangup(ctx context.Context, legID, reason string) error {
	a.mu.Lock()
	leg, ok := a.legs[legID]
	conn := a.conn
	connected := a.connected
	a.mu.Unlock()
	if !ok {
		return nil
	}
	if !connected {
		return ErrControlChannelDown
	}

	action := amiMessage{
		"Action":   "Hangup",
		"ActionID": uuid.NewString(),
		"Channel":  leg.channel,
	}
	if err := writeAMI(conn, action); err != nil {
		return fmt.Errorf("hangup %s: %w", legID, err)
	}
	a.log.Info("hangup sent for %s (%s)", legID, reason)
	return nil
}

func (a *AsteriskAdapter) dropLeg(legID string) {
	a.mu.Lock()
	if leg, ok := a.legs[legID]; ok {
		delete(a.byUnique, leg.uniqueID)
	}
	delete(a.legs, legID)
	delete(a.pending, legID)
	a.mu.Unlock()
}

func (a *AsteriskAdapter) handleEvent(name string, msg amiMessage) {
	switch name {
	case "OriginateResponse":
		a.handleOriginateResponse(msg)
	case "Newstate":
		a.handleNewstate(msg)
	case "Hangup":
		a.handleHangup(msg)
	}
}

func (a *AsteriskAdapter) handleOriginateResponse(msg amiMessage) {
	legID := msg["ActionID"]
	a.mu.Lock()
	leg, ok := a.legs[legID]
	if ok && msg["Uniqueid"] != "" {
		leg.uniqueID = msg["Uniqueid"]
		leg.channel = msg["Channel"]
		a.byUnique[leg.uniqueID] = legID
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	if msg["Response"] == "Failure" {
		reason, _ := strconv.Atoi(msg["Reason"])
		var evType LegEventType
		switch reason {
		case 5:
			evType = EventBusy
		case 3:
			evType = EventNoAnswer
		default:
			evType = EventFailed
		}
		a.emit(LegEvent{LegID: legID, Type: evType, At: time.Now()})
		a.dropLeg(legID)
	}
}

func (a *AsteriskAdapter) handleNewstate(msg amiMessage) {
	legID := a.legFor(msg["Uniqueid"])
	if legID == "" {
		return
	}
	switch msg["ChannelStateDesc"] {
	case "Ringing":
		a.emit(LegEvent{LegID: legID, Type: EventRinging, At: time.Now()})
	case "Up":
		a.mu.Lock()
		if leg, ok := a.legs[legID]; ok {
			leg.answered = true
		}
		a.mu.Unlock()
		a.emit(LegEvent{LegID: legID, Type: EventAnswered, At: time.Now()})
	}
}

// handleHangup normalizes the cause code. A hangup on a never-answered leg
// first surfaces as busy, no-answer or failed so the session can classify
// the call without knowing cause codes.
func (a *AsteriskAdapter) handleHangup(msg amiMessage) {
	legID := a.legFor(msg["Uniqueid"])
	if legID == "" {
		return
	}
	cause, _ := strconv.Atoi(msg["Cause"])

	a.mu.Lock()
	leg, ok := a.legs[legID]
	answered := ok && leg.answered
	a.mu.Unlock()

	if !answered {
		switch cause {
		case 17:
			a.emit(LegEvent{LegID: legID, Type: EventBusy, Cause: cause, CauseText: hangupCauseText(cause), At: time.Now()})
		case 18, 19:
			a.emit(LegEvent{LegID: legID, Type: EventNoAnswer, Cause: cause, CauseText: hangupCauseText(cause), At: time.Now()})
		case 16:
			// normal clearing before answer, treat as no answer
			a.emit(LegEvent{LegID: legID, Type: EventNoAnswer, Cause: cause, CauseText: hangupCauseText(cause), At: time.Now()})
		default:
			a.emit(LegEvent{LegID: legID, Type: EventFailed, Cause: cause, CauseText: hangupCauseText(cause), At: time.Now()})
		}
	}

	a.emit(LegEvent{LegID: legID, Type: EventHangup, Cause: cause, CauseText: hangupCauseText(cause), At: time.Now()})
	a.dropLeg(legID)
}

func (a *AsteriskAdapter) legFor(uniqueID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.byUnique[uniqueID]
}

func (a *AsteriskAdapter) emit(ev LegEvent) {
	a.mu.Lock()
	fn := a.handler
	a.mu.Unlock()
	if fn == nil {
		a.log.Warn("dropping %s, no event handler registered", ev)
		return
	}
	fn(ev)
}

// writeAMI serializes one action frame.
func writeAMI(conn net.Conn, msg amiMessage) error {
	var b strings.Builder
	// Action must lead the frame.
	if action, ok := msg["Action"]; ok {
		fmt.Fprintf(&b, "Action: %s\r\n", action)
	}
	for k, v := range msg {
		if k == "Action" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")
	_, err := conn.Write([]byte(b.String()))
	return err
}

// readAMI reads one frame, a block of key/value lines ended by a blank line.
func readAMI(r *bufio.Reader) (amiMessage, error) {
	msg := make(amiMessage)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(msg) == 0 {
				continue
			}
			return msg, nil
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		msg[key] = strings.TrimSpace(value)
	}
}
