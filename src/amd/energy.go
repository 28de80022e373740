package amd

import (
	"math"

	"github.com/voicereach-ai/voicereach/src/audio"
)

const (
	frameSamples = audio.NarrowbandRate / 50 // 20ms

	// Answering machine greetings run long and uninterrupted; humans say a
	// short "hello?" and stop.
	machineRunFrames = 125 // 2.5s of continuous speech
	humanRunFrames   = 75  // under 1.5s of speech...
	humanTailFrames  = 25  // ...followed by 500ms of silence
)

// EnergyClassifier is a local cadence heuristic over inbound audio. It looks
// at the longest continuous run of voiced frames in the window: a long
// monologue reads as a machine greeting, a short burst followed by silence
// reads as a human answer.
type EnergyClassifier struct {
	// Threshold is the per-frame RMS amplitude above which a frame counts
	// as voiced.
	Threshold float64
}

// NewEnergyClassifier returns a classifier with the default threshold.
func NewEnergyClassifier() *EnergyClassifier {
	return &EnergyClassifier{Threshold: 500}
}

// Classify implements Classifier.
func (c *EnergyClassifier) Classify(window []int16) Verdict {
	if len(window) < frameSamples {
		return VerdictUnknown
	}

	var run, longestRun, trailingSilence int
	for off := 0; off+frameSamples <= len(window); off += frameSamples {
		if rms(window[off:off+frameSamples]) >= c.Threshold {
			run++
			trailingSilence = 0
			if run > longestRun {
				longestRun = run
			}
		} else {
			run = 0
			trailingSilence++
		}
	}

	switch {
	case longestRun >= machineRunFrames:
		return VerdictMachine
	case longestRun > 0 && longestRun <= humanRunFrames && trailingSilence >= humanTailFrames:
		return VerdictHuman
	default:
		return VerdictUnknown
	}
}

func rms(frame []int16) float64 {
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}
