// Package health maintains the per-agent rolling health state machine and
// the recovery-eligibility policy.
package health

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Status is the coarse health classification of one agent.
type Status string

const (
	StatusHealthy      Status = "healthy"
	StatusWarning      Status = "warning"
	StatusCritical     Status = "critical"
	StatusUnresponsive Status = "unresponsive"
)

// AgentHealth is the rolling health record for one agent target. It is
// created on first observation and mutated once per monitoring cycle.
type AgentHealth struct {
	Target              string    `json:"target"`
	LastHeartbeat       time.Time `json:"last_heartbeat"`
	LastResponse        time.Time `json:"last_response"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	IsResponsive        bool      `json:"is_responsive"`
	LastContentHash     string    `json:"last_content_hash"`
	Status              Status    `json:"status"`
	IsIdle              bool      `json:"is_idle"`
	ActivityChanges     int       `json:"activity_changes"`
}

// Observation is one cycle's view of an agent, assembled by the monitor
// from the capture, the classifier, and the idle sampler.
type Observation struct {
	Content           string
	Idle              bool
	ChromePresent     bool
	CriticalIndicator bool
	ObservedAt        time.Time
}

// Checker evaluates health transitions, one observation per agent per cycle.
type Checker struct {
	mu               sync.Mutex
	maxFailures      int
	responseTimeout  time.Duration
	recoveryCooldown time.Duration
	agents           map[string]*AgentHealth
	lastRecovery     map[string]time.Time
}

// NewChecker creates a Checker with the given policy knobs.
func NewChecker(maxFailures int, responseTimeout, recoveryCooldown time.Duration) *Checker {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &Checker{
		maxFailures:      maxFailures,
		responseTimeout:  responseTimeout,
		recoveryCooldown: recoveryCooldown,
		agents:           make(map[string]*AgentHealth),
		lastRecovery:     make(map[string]time.Time),
	}
}

// Observe applies one observation to the target's health record and returns
// a copy of the updated record.
//
// Responsiveness rule: an agent that is not idle is responsive; an idle
// agent is responsive iff its interface chrome is visible and no critical
// crash/error indicator is present.
func (c *Checker) Observe(target string, obs Observation) AgentHealth {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := obs.ObservedAt
	if now.IsZero() {
		now = time.Now()
	}

	h, ok := c.agents[target]
	if !ok {
		h = &AgentHealth{
			Target:       target,
			Status:       StatusHealthy,
			IsResponsive: true,
			LastResponse: now,
		}
		c.agents[target] = h
	}

	// Content hashing is the sole heartbeat mechanism: any change in the
	// pane text counts as agent activity.
	hash := hashContent(obs.Content)
	if hash != h.LastContentHash {
		if h.LastContentHash != "" {
			h.ActivityChanges++
		}
		h.LastContentHash = hash
		h.LastHeartbeat = now
	}

	h.IsIdle = obs.Idle

	responsive := !obs.Idle || (obs.ChromePresent && !obs.CriticalIndicator)
	h.IsResponsive = responsive

	if responsive {
		h.ConsecutiveFailures = 0
		h.Status = StatusHealthy
		h.LastResponse = now
	} else {
		h.ConsecutiveFailures++
		switch {
		case h.ConsecutiveFailures >= c.maxFailures:
			h.Status = StatusCritical
		case h.ConsecutiveFailures >= 2:
			h.Status = StatusWarning
		default:
			h.Status = StatusUnresponsive
		}
	}

	return *h
}

// RecordFailure degrades a target's health by one failure increment without
// a content observation, for transient gateway errors.
func (c *Checker) RecordFailure(target string, now time.Time) AgentHealth {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.agents[target]
	if !ok {
		h = &AgentHealth{Target: target, Status: StatusHealthy, IsResponsive: true}
		c.agents[target] = h
	}

	h.IsResponsive = false
	h.ConsecutiveFailures++
	switch {
	case h.ConsecutiveFailures >= c.maxFailures:
		h.Status = StatusCritical
	case h.ConsecutiveFailures >= 2:
		h.Status = StatusWarning
	default:
		h.Status = StatusUnresponsive
	}
	return *h
}

// ShouldAttemptRecovery decides recovery eligibility for a target:
// never within the cooldown window of a previous attempt; otherwise when
// critical with enough failures, or when the last responsive observation is
// older than three times the response timeout regardless of status.
func (c *Checker) ShouldAttemptRecovery(target string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.lastRecovery[target]; ok && now.Sub(last) < c.recoveryCooldown {
		return false
	}

	h, ok := c.agents[target]
	if !ok {
		return false
	}

	if h.Status == StatusCritical && h.ConsecutiveFailures >= c.maxFailures {
		return true
	}
	if !h.LastResponse.IsZero() && now.Sub(h.LastResponse) > 3*c.responseTimeout {
		return true
	}
	return false
}

// MarkRecovery records that a recovery was attempted for the target,
// starting its cooldown window.
func (c *Checker) MarkRecovery(target string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRecovery[target] = now
}

// Health returns a copy of the target's record.
func (c *Checker) Health(target string) (AgentHealth, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.agents[target]
	if !ok {
		return AgentHealth{}, false
	}
	return *h, true
}

// Prune discards records for targets no longer present in discovery.
func (c *Checker) Prune(live map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for target := range c.agents {
		if !live[target] {
			delete(c.agents, target)
			delete(c.lastRecovery, target)
		}
	}
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
