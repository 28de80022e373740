package telephony

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/voicereach-ai/voicereach/src/config"
	"github.com/voicereach-ai/voicereach/src/logger"
)

const twilioBaseURL = "https://api.twilio.com/2010-04-01"

// TwilioAdapter drives outbound calls through the Twilio REST API and
// translates status-callback and async-AMD webhook posts into normalized
// LegEvents. The media stream itself arrives on a separate websocket served
// by the bridge; this adapter only emits the TwiML that points Twilio at it.
type TwilioAdapter struct {
	cfg        config.Twilio
	baseURL    string
	publicBase string
	ringSecs   int
	httpClient *http.Client
	log        *logger.Logger

	mu      sync.RWMutex
	handler func(LegEvent)
	// sessions remembers the SessionContext per leg so the TwiML endpoint
	// can stamp correlation parameters onto the stream.
	sessions map[string]SessionContext
}

// twilioCall is the subset of the call resource the adapter reads back.
type twilioCall struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type twilioError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (e *twilioError) Error() string {
	return fmt.Sprintf("twilio error %d: %s", e.Code, e.Message)
}

// NewTwilioAdapter builds the adapter. publicBase is the externally reachable
// base URL Twilio posts webhooks to and opens the media websocket against.
func NewTwilioAdapter(cfg config.Twilio, publicBase string, ringTimeout time.Duration) *TwilioAdapter {
	return &TwilioAdapter{
		cfg:        cfg,
		baseURL:    twilioBaseURL,
		publicBase: publicBase,
		ringSecs:   int(ringTimeout / time.Second),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        logger.WithPrefix("Twilio"),
		sessions:   make(map[string]SessionContext),
	}
}

// OnLegEvent registers the event consumer.
func (a *TwilioAdapter) OnLegEvent(fn func(LegEvent)) {
	a.mu.Lock()
	a.handler = fn
	a.mu.Unlock()
}

// Ping verifies credentials by fetching the account resource. Called once at
// startup so a bad token fails the process instead of the first call.
func (a *TwilioAdapter) Ping(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/Accounts/%s.json", a.baseURL, a.cfg.AccountSID)
	return a.get(ctx, endpoint, nil)
}

// Originate starts an outbound call with async machine detection enabled.
// The leg id is Twilio's call SID.
func (a *TwilioAdapter) Originate(ctx context.Context, toNumber string, sc SessionContext) (string, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", a.baseURL, a.cfg.AccountSID)

	data := url.Values{}
	data.Set("To", toNumber)
	data.Set("From", a.cfg.FromNumber)
	data.Set("Url", a.publicBase+"/twilio/twiml")
	data.Set("StatusCallback", a.publicBase+"/twilio/status")
	for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
		data.Add("StatusCallbackEvent", ev)
	}
	data.Set("MachineDetection", "Enable")
	data.Set("AsyncAmd", "true")
	data.Set("AsyncAmdStatusCallback", a.publicBase+"/twilio/amd")
	if a.ringSecs > 0 {
		data.Set("Timeout", strconv.Itoa(a.ringSecs))
	}

	var call twilioCall
	if err := a.post(ctx, endpoint, data, &call); err != nil {
		return "", &OriginationError{Provider: "twilio", Number: toNumber, Err: err}
	}

	a.mu.Lock()
	a.sessions[call.SID] = sc
	a.mu.Unlock()

	a.log.Info("originated call %s to %s (status %s)", call.SID, toNumber, call.Status)
	return call.SID, nil
}

// Hangup completes the call. A 404 means the leg is already gone and is not
// an error.
func (a *TwilioAdapter) Hangup(ctx context.Context, legID, reason string) error {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", a.baseURL, a.cfg.AccountSID, legID)

	data := url.Values{}
	data.Set("Status", "completed")

	if err := a.post(ctx, endpoint, data, nil); err != nil {
		var apiErr *twilioError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("hangup %s: %w", legID, err)
	}
	a.log.Info("hung up %s (%s)", legID, reason)
	return nil
}

// Register attaches the webhook handlers to mux under /twilio/.
func (a *TwilioAdapter) Register(mux *http.ServeMux) {
	mux.HandleFunc("/twilio/twiml", a.handleTwiML)
	mux.HandleFunc("/twilio/status", a.handleStatus)
	mux.HandleFunc("/twilio/amd", a.handleAMD)
}

// TwiML response types. Only the stream-connect shape this system emits.
type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string       `xml:"url,attr"`
	Parameters []twimlParam `xml:"Parameter"`
}

type twimlParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// handleTwiML answers Twilio's fetch for call instructions with a
// <Connect><Stream> pointing at the media websocket, carrying the session
// correlation parameters.
func (a *TwilioAdapter) handleTwiML(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	callSID := r.FormValue("CallSid")

	a.mu.RLock()
	sc, ok := a.sessions[callSID]
	a.mu.RUnlock()
	if !ok {
		a.log.Warn("twiml request for unknown call %s", callSID)
		http.Error(w, "unknown call", http.StatusNotFound)
		return
	}

	wsURL := strings.Replace(a.publicBase, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)

	resp := twimlResponse{Connect: twimlConnect{Stream: twimlStream{
		URL: wsURL + "/media",
		Parameters: []twimlParam{
			{Name: "callId", Value: sc.CallID},
			{Name: "persona", Value: sc.Persona},
			{Name: "leadName", Value: sc.LeadName},
		},
	}}}

	w.Header().Set("Content-Type", "text/xml")
	w.Write([]byte(xml.Header))
	if err := xml.NewEncoder(w).Encode(resp); err != nil {
		a.log.Error("twiml encode: %v", err)
	}
}

// handleStatus translates status-callback posts into normalized events.
func (a *TwilioAdapter) handleStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	callSID := r.FormValue("CallSid")
	status := r.FormValue("CallStatus")
	seq, _ := strconv.Atoi(r.FormValue("SequenceNumber"))

	var evType LegEventType
	switch status {
	case "ringing":
		evType = EventRinging
	case "in-progress", "answered":
		evType = EventAnswered
	case "busy":
		evType = EventBusy
	case "no-answer":
		evType = EventNoAnswer
	case "failed", "canceled":
		evType = EventFailed
	case "completed":
		evType = EventHangup
	default:
		a.log.Debug("ignoring status %q for %s", status, callSID)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	a.emit(LegEvent{
		LegID:        callSID,
		Type:         evType,
		SequenceHint: seq,
		At:           time.Now(),
	})

	if evType == EventHangup {
		a.mu.Lock()
		delete(a.sessions, callSID)
		a.mu.Unlock()
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAMD translates async machine-detection posts. Machine verdicts become
// machine events; a human verdict rides on an answered event so the session
// records the provider verdict without a second answered transition doing
// anything.
func (a *TwilioAdapter) handleAMD(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	callSID := r.FormValue("CallSid")
	answeredBy := r.FormValue("AnsweredBy")

	evType := EventAnswered
	if strings.HasPrefix(answeredBy, "machine") || answeredBy == "fax" {
		evType = EventMachine
	}

	a.emit(LegEvent{
		LegID:      callSID,
		Type:       evType,
		AnsweredBy: answeredBy,
		At:         time.Now(),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *TwilioAdapter) emit(ev LegEvent) {
	a.mu.RLock()
	fn := a.handler
	a.mu.RUnlock()
	if fn == nil {
		a.log.Warn("dropping %s, no event handler registered", ev)
		return
	}
	fn(ev)
}

func (a *TwilioAdapter) get(ctx context.Context, endpoint string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return a.do(req, result)
}

func (a *TwilioAdapter) post(ctx context.Context, endpoint string, data url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return a.do(req, result)
}

func (a *TwilioAdapter) do(req *http.Request, result any) error {
	req.SetBasicAuth(a.cfg.AccountSID, a.cfg.AuthToken)
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := &twilioError{Status: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil {
			return fmt.Errorf("twilio http %d: %s", resp.StatusCode, string(body))
		}
		if apiErr.Status == 0 {
			apiErr.Status = resp.StatusCode
		}
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("parse twilio response: %w", err)
		}
	}
	return nil
}
