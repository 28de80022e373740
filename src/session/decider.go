package session

import (
	"context"
	"strings"
	"sync"

	"github.com/voicereach-ai/voicereach/src/logger"
)

// ScriptedDecider walks a fixed list of agent lines, one per callee turn,
// independently per call. It stands in where no conversational backend is
// configured and keeps the media path exercisable end to end.
type ScriptedDecider struct {
	lines []string

	mu   sync.Mutex
	next map[string]int
}

// NewScriptedDecider builds a decider over the given lines. Empty lines are
// dropped.
func NewScriptedDecider(lines []string) *ScriptedDecider {
	kept := make([]string, 0, len(lines))
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			kept = append(kept, l)
		}
	}
	return &ScriptedDecider{lines: kept, next: make(map[string]int)}
}

// NextAgentLine returns the call's next scripted line. The last line carries
// the done signal so the call wraps up right after it is spoken.
func (d *ScriptedDecider) NextAgentLine(_ context.Context, _ string, cc CallContext) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.next[cc.CallID]
	if i >= len(d.lines) {
		return "", true, nil
	}
	d.next[cc.CallID] = i + 1
	return d.lines[i], i+1 == len(d.lines), nil
}

// LogOutcomeStore writes outcomes to the log. It serves deployments without a
// persistence backend wired in.
type LogOutcomeStore struct {
	log *logger.Logger
}

// NewLogOutcomeStore returns a store that records outcomes in the log only.
func NewLogOutcomeStore() *LogOutcomeStore {
	return &LogOutcomeStore{log: logger.WithPrefix("Outcomes")}
}

func (s *LogOutcomeStore) UpdateCallOutcome(_ context.Context, callID string, o Outcome) error {
	s.log.Info("call %s: status=%s outcome=%q reason=%q amd=%q", callID, o.Status, o.Outcome, o.DisconnectReason, o.AMDResult)
	return nil
}
