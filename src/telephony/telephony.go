// Package telephony originates outbound call legs and normalizes provider
// signaling into a single event stream. Callers never branch on which
// provider is behind the CallControl interface.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// LegEventType classifies a normalized signaling event.
type LegEventType string

const (
	EventRinging  LegEventType = "ringing"
	EventAnswered LegEventType = "answered"
	EventBusy     LegEventType = "busy"
	EventNoAnswer LegEventType = "no-answer"
	EventFailed   LegEventType = "failed"
	EventMachine  LegEventType = "machine"
	EventHangup   LegEventType = "hangup"
)

// LegEvent is a provider signaling event reduced to the fields the call
// session cares about. Providers deliver events at-least-once and possibly
// out of order; SequenceHint carries the provider's own ordering when it
// exposes one, zero otherwise.
type LegEvent struct {
	LegID        string
	Type         LegEventType
	AnsweredBy   string // provider machine-detection verdict, "" when absent
	Cause        int    // provider hangup cause code, 0 when absent
	CauseText    string
	SequenceHint int
	At           time.Time
}

func (e LegEvent) String() string {
	return fmt.Sprintf("LegEvent[%s %s answeredBy=%q cause=%d]", e.LegID, e.Type, e.AnsweredBy, e.Cause)
}

// SessionContext carries the correlation data an originate stamps onto the
// leg so that the media stream and webhooks can find their session.
type SessionContext struct {
	CallID   string
	Persona  string
	LeadName string
}

// CallControl is the provider-neutral call signaling surface.
type CallControl interface {
	// Originate starts an outbound leg to toNumber and returns the
	// provider's leg id. The returned id is the only handle for later
	// Hangup calls and for correlating LegEvents.
	Originate(ctx context.Context, toNumber string, sc SessionContext) (string, error)

	// OnLegEvent registers the single consumer for normalized events.
	// It must be called before Originate.
	OnLegEvent(fn func(LegEvent))

	// Hangup tears down a leg. Hanging up an already-dead leg is not an
	// error.
	Hangup(ctx context.Context, legID, reason string) error
}

// ErrControlChannelDown is returned by Originate when the provider's control
// channel is not established. No network attempt is made in that state.
var ErrControlChannelDown = errors.New("telephony: control channel down")

// OriginationError wraps a failed originate attempt with the provider name.
type OriginationError struct {
	Provider string
	Number   string
	Err      error
}

func (e *OriginationError) Error() string {
	return fmt.Sprintf("telephony: %s originate to %s failed: %v", e.Provider, e.Number, e.Err)
}

func (e *OriginationError) Unwrap() error { return e.Err }
