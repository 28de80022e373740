// Package amd decides whether an answered call reached a human or an
// answering machine, and drops a recorded voicemail message when it did.
package amd

import "strings"

// Verdict is a machine-detection result.
type Verdict string

const (
	VerdictHuman   Verdict = "human"
	VerdictMachine Verdict = "machine"
	VerdictUnknown Verdict = "unknown"
)

// Classifier inspects a window of inbound linear PCM at 8kHz and returns a
// verdict. Unknown means keep listening.
type Classifier interface {
	Classify(window []int16) Verdict
}

// VerdictFromAnsweredBy maps a provider machine-detection string to a
// verdict. The provider verdict, when present, outranks the local
// heuristic.
func VerdictFromAnsweredBy(answeredBy string) Verdict {
	switch {
	case answeredBy == "human":
		return VerdictHuman
	case strings.HasPrefix(answeredBy, "machine"), answeredBy == "fax":
		return VerdictMachine
	default:
		return VerdictUnknown
	}
}
