// Package escalate implements the session-scoped "whole team idle" timer
// that nudges, then alerts, then replaces the coordinator agent.
package escalate

import (
	"fmt"
	"sync"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/logging"
)

// Gateway is the slice of the session gateway the escalator needs.
type Gateway interface {
	SendMessage(target, text string) error
	KillWindow(target string) error
}

// ActionKind identifies what an escalation pass did for a session.
type ActionKind string

const (
	ActionWarn ActionKind = "warn"
	ActionKill ActionKind = "kill"
)

// Action records one fired escalation threshold.
type Action struct {
	Session   string
	Threshold time.Duration
	Kind      ActionKind
	Err       error
}

// Timer tracks team-idle episodes per session and fires each escalation
// threshold at most once per episode. The final threshold kills the
// coordinator window and resets the episode so a freshly spawned
// coordinator is tracked from scratch.
type Timer struct {
	mu         sync.Mutex
	thresholds []time.Duration
	teamIdle   map[string]time.Time         // session -> all-idle since
	fired      map[string]map[int]time.Time // session -> threshold index -> fired at
	log        *logging.Logger
}

// NewTimer creates a Timer with ascending thresholds. The last threshold is
// the kill threshold.
func NewTimer(thresholds []time.Duration) *Timer {
	return &Timer{
		thresholds: append([]time.Duration(nil), thresholds...),
		teamIdle:   make(map[string]time.Time),
		fired:      make(map[string]map[int]time.Time),
		log:        logging.WithComponent("escalate"),
	}
}

// MarkActive resets a session's idle episode: the team-idle mark and the
// session's escalation history are cleared the instant any agent in the
// session is observed active.
func (t *Timer) MarkActive(session string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.teamIdle, session)
	delete(t.fired, session)
}

// IdleSince returns the start of the session's current idle episode.
func (t *Timer) IdleSince(session string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	since, ok := t.teamIdle[session]
	return since, ok
}

// Observe runs one escalation pass for a session. allIdle reports whether
// every agent in the session was idle this cycle; coordinator is the PM
// target for the session, empty when none could be identified.
func (t *Timer) Observe(session string, allIdle bool, coordinator string, now time.Time, gw Gateway) []Action {
	if !allIdle {
		t.MarkActive(session)
		return nil
	}

	t.mu.Lock()
	since, ok := t.teamIdle[session]
	if !ok {
		since = now
		t.teamIdle[session] = since
	}
	elapsed := now.Sub(since)

	var due []int
	for i, threshold := range t.thresholds {
		if elapsed < threshold {
			continue
		}
		if _, already := t.fired[session][i]; already {
			continue
		}
		due = append(due, i)
	}
	t.mu.Unlock()

	if len(due) == 0 {
		return nil
	}

	if coordinator == "" {
		// Cannot escalate without a PM; not fatal, try again next cycle.
		t.log.WithSession(session).Warn("team idle but no coordinator identified, skipping escalation")
		return nil
	}

	var actions []Action
	for _, i := range due {
		threshold := t.thresholds[i]
		kill := i == len(t.thresholds)-1

		var act Action
		if kill {
			act = t.fireKill(session, coordinator, threshold, gw)
		} else {
			act = t.fireWarn(session, coordinator, threshold, elapsed, i, gw)
		}

		t.mu.Lock()
		if t.fired[session] == nil {
			t.fired[session] = make(map[int]time.Time)
		}
		t.fired[session][i] = now
		t.mu.Unlock()

		actions = append(actions, act)

		if kill && act.Err == nil {
			// A new coordinator starts with a clean history and a fresh
			// idle episode.
			t.MarkActive(session)
			break
		}
	}
	return actions
}

func (t *Timer) fireWarn(session, coordinator string, threshold, elapsed time.Duration, index int, gw Gateway) Action {
	minutes := int(threshold.Minutes())
	var msg string
	if index == 0 {
		msg = fmt.Sprintf("MONITOR: team in session %q has been fully idle for %d minutes. Please check in with your agents and assign work.", session, minutes)
	} else {
		msg = fmt.Sprintf("MONITOR CRITICAL: team in session %q has been idle for %d minutes (%s elapsed). Intervene now or the coordinator will be restarted.", session, minutes, elapsed.Round(time.Second))
	}

	err := gw.SendMessage(coordinator, msg)
	if err != nil {
		t.log.WithSession(session).WithError(err).Warn("failed to deliver escalation warning")
	} else {
		t.log.WithSession(session).Infof("escalation warning sent at %d minute threshold", minutes)
	}
	return Action{Session: session, Threshold: threshold, Kind: ActionWarn, Err: err}
}

func (t *Timer) fireKill(session, coordinator string, threshold time.Duration, gw Gateway) Action {
	err := gw.KillWindow(coordinator)
	if err != nil {
		t.log.WithSession(session).WithError(err).Error("failed to kill unresponsive coordinator window")
	} else {
		t.log.WithSession(session).Warnf("killed coordinator window %s after %s of team idle", coordinator, threshold)
	}
	return Action{Session: session, Threshold: threshold, Kind: ActionKill, Err: err}
}

// History returns the fired-threshold timestamps for a session, keyed by
// threshold minutes.
func (t *Timer) History(session string) map[int]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int]time.Time)
	for i, firedAt := range t.fired[session] {
		out[int(t.thresholds[i].Minutes())] = firedAt
	}
	return out
}

// Reset clears every session's episode state, for daemon stop.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.teamIdle = make(map[string]time.Time)
	t.fired = make(map[string]map[int]time.Time)
}
