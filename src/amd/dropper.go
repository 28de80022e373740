package amd

import (
	"context"
	"fmt"

	"github.com/voicereach-ai/voicereach/src/logger"
)

// VoicemailMessage is one recorded message available for dropping.
type VoicemailMessage struct {
	ID       string
	Name     string
	AudioURL string
	Active   bool
	Default  bool
}

// VoicemailStore is the external message catalog. Consumed, not implemented
// here.
type VoicemailStore interface {
	ListVoicemailMessages(ctx context.Context, companyID string) ([]VoicemailMessage, error)
	MarkCallVoicemailDropped(ctx context.Context, callID string) error
}

// Player plays pre-chunked narrowband frames out to the callee, blocking
// until playout completes.
type Player interface {
	PlayFrames(ctx context.Context, payloads [][]byte) error
}

// DropResult reports what the dropper did with a machine-answered call.
type DropResult struct {
	Dropped bool
	Message *VoicemailMessage
}

// AssetSource resolves a message to playable narrowband frames.
type AssetSource interface {
	Frames(ctx context.Context, msg *VoicemailMessage) ([][]byte, error)
}

// Dropper plays a recorded voicemail message into a machine-answered call.
type Dropper struct {
	store  VoicemailStore
	assets AssetSource
	log    *logger.Logger
}

// NewDropper builds a dropper using assets for audio retrieval.
func NewDropper(store VoicemailStore, assets AssetSource) *Dropper {
	return &Dropper{store: store, assets: assets, log: logger.WithPrefix("AMD")}
}

// SelectMessage picks the message to drop: the active default first, then
// any active message, then none.
func SelectMessage(msgs []VoicemailMessage) *VoicemailMessage {
	var anyActive *VoicemailMessage
	for i := range msgs {
		m := &msgs[i]
		if !m.Active {
			continue
		}
		if m.Default {
			return m
		}
		if anyActive == nil {
			anyActive = m
		}
	}
	return anyActive
}

// Drop selects and plays a voicemail message into the call through player.
// With no active message it returns Dropped false and plays nothing; the
// session completes the call without pushing further audio. Once playback
// has started the machine verdict is authoritative and the drop runs to
// completion.
func (d *Dropper) Drop(ctx context.Context, callID, companyID string, player Player) (DropResult, error) {
	msgs, err := d.store.ListVoicemailMessages(ctx, companyID)
	if err != nil {
		return DropResult{}, fmt.Errorf("amd: list messages: %w", err)
	}

	msg := SelectMessage(msgs)
	if msg == nil {
		d.log.Info("call %s: machine detected, no active message to drop", callID)
		return DropResult{}, nil
	}

	payloads, err := d.assets.Frames(ctx, msg)
	if err != nil {
		return DropResult{}, fmt.Errorf("amd: load message %s: %w", msg.ID, err)
	}

	d.log.Info("call %s: dropping message %q (%d frames)", callID, msg.Name, len(payloads))
	if err := player.PlayFrames(ctx, payloads); err != nil {
		return DropResult{}, fmt.Errorf("amd: play message %s: %w", msg.ID, err)
	}

	if err := d.store.MarkCallVoicemailDropped(ctx, callID); err != nil {
		// The message already played; log and report the drop anyway.
		d.log.Error("call %s: mark dropped failed: %v", callID, err)
	}
	return DropResult{Dropped: true, Message: msg}, nil
}
