// Package stt streams call audio to a speech recognition service and
// surfaces transcripts.
package stt

import (
	"context"
	"fmt"
)

// Transcript is one recognition result. Interim results arrive with Final
// false and are superseded by later results for the same utterance.
type Transcript struct {
	Text       string
	Confidence float64
	Final      bool
}

// Recognizer is a live speech recognition session. One Recognizer serves one
// call; Open before the first SendAudio, Close exactly once when the call
// ends. Results is closed after Close or on connection loss.
type Recognizer interface {
	Open(ctx context.Context) error
	SendAudio(data []byte) error
	Results() <-chan Transcript
	Close() error
}

// ServiceError wraps a recognition service failure.
type ServiceError struct {
	Service string
	Op      string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("stt: %s %s: %v", e.Service, e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }
