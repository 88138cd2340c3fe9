package health

import (
	"testing"
	"time"
)

func unresponsiveObs(content string, at time.Time) Observation {
	return Observation{
		Content:           content,
		Idle:              true,
		ChromePresent:     false,
		CriticalIndicator: true,
		ObservedAt:        at,
	}
}

func responsiveObs(content string, at time.Time) Observation {
	return Observation{
		Content:       content,
		Idle:          false,
		ChromePresent: true,
		ObservedAt:    at,
	}
}

func TestObserveFailureLadder(t *testing.T) {
	c := NewChecker(3, time.Minute, 5*time.Minute)
	now := time.Now()

	steps := []struct {
		failures int
		status   Status
	}{
		{1, StatusUnresponsive},
		{2, StatusWarning},
		{3, StatusCritical},
		{4, StatusCritical},
	}

	for _, step := range steps {
		h := c.Observe("proj:1", unresponsiveObs("dead pane", now))
		if h.ConsecutiveFailures != step.failures {
			t.Errorf("failures = %d, want %d", h.ConsecutiveFailures, step.failures)
		}
		if h.Status != step.status {
			t.Errorf("after %d failures status = %v, want %v", step.failures, h.Status, step.status)
		}
		if h.IsResponsive {
			t.Error("unresponsive observation left IsResponsive = true")
		}
		now = now.Add(30 * time.Second)
	}
}

func TestObserveResponsiveResets(t *testing.T) {
	c := NewChecker(3, time.Minute, 5*time.Minute)
	now := time.Now()

	for i := 0; i < 3; i++ {
		c.Observe("proj:1", unresponsiveObs("dead pane", now))
	}

	h := c.Observe("proj:1", responsiveObs("fresh output", now.Add(time.Minute)))
	if h.ConsecutiveFailures != 0 {
		t.Errorf("failures = %d after responsive observation, want 0", h.ConsecutiveFailures)
	}
	if h.Status != StatusHealthy {
		t.Errorf("status = %v, want %v", h.Status, StatusHealthy)
	}
	if !h.IsResponsive {
		t.Error("responsive observation left IsResponsive = false")
	}
}

func TestResponsivenessRule(t *testing.T) {
	tests := []struct {
		name string
		obs  Observation
		want bool
	}{
		{
			name: "busy agent is responsive",
			obs:  Observation{Idle: false},
			want: true,
		},
		{
			name: "idle with chrome is responsive",
			obs:  Observation{Idle: true, ChromePresent: true},
			want: true,
		},
		{
			name: "idle with chrome and critical indicator is not",
			obs:  Observation{Idle: true, ChromePresent: true, CriticalIndicator: true},
			want: false,
		},
		{
			name: "idle without chrome is not",
			obs:  Observation{Idle: true, ChromePresent: false},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(3, time.Minute, 5*time.Minute)
			h := c.Observe("proj:1", tt.obs)
			if h.IsResponsive != tt.want {
				t.Errorf("IsResponsive = %v, want %v", h.IsResponsive, tt.want)
			}
		})
	}
}

func TestContentHashHeartbeat(t *testing.T) {
	c := NewChecker(3, time.Minute, 5*time.Minute)
	t0 := time.Now()

	h := c.Observe("proj:1", responsiveObs("output A", t0))
	if h.ActivityChanges != 0 {
		t.Errorf("first observation counted as a change: %d", h.ActivityChanges)
	}

	t1 := t0.Add(30 * time.Second)
	h = c.Observe("proj:1", responsiveObs("output A", t1))
	if h.ActivityChanges != 0 {
		t.Error("unchanged content incremented ActivityChanges")
	}
	if !h.LastHeartbeat.Equal(t0) {
		t.Error("unchanged content refreshed LastHeartbeat")
	}

	t2 := t1.Add(30 * time.Second)
	h = c.Observe("proj:1", responsiveObs("output B", t2))
	if h.ActivityChanges != 1 {
		t.Errorf("ActivityChanges = %d, want 1", h.ActivityChanges)
	}
	if !h.LastHeartbeat.Equal(t2) {
		t.Error("changed content did not refresh LastHeartbeat")
	}
}

func TestShouldAttemptRecovery(t *testing.T) {
	timeout := time.Minute
	cooldown := 5 * time.Minute
	now := time.Now()

	t.Run("critical with max failures", func(t *testing.T) {
		c := NewChecker(3, timeout, cooldown)
		for i := 0; i < 3; i++ {
			c.Observe("proj:1", unresponsiveObs("dead", now))
		}
		if !c.ShouldAttemptRecovery("proj:1", now) {
			t.Error("critical agent not eligible for recovery")
		}
	})

	t.Run("healthy agent is not eligible", func(t *testing.T) {
		c := NewChecker(3, timeout, cooldown)
		c.Observe("proj:1", responsiveObs("fine", now))
		if c.ShouldAttemptRecovery("proj:1", now.Add(time.Minute)) {
			t.Error("healthy agent eligible for recovery")
		}
	})

	t.Run("forced after 3x response timeout", func(t *testing.T) {
		c := NewChecker(3, timeout, cooldown)
		c.Observe("proj:1", responsiveObs("fine", now))
		// One failure only, far from critical, but silent too long.
		c.Observe("proj:1", unresponsiveObs("dead", now.Add(4*timeout)))
		if !c.ShouldAttemptRecovery("proj:1", now.Add(4*timeout)) {
			t.Error("stale agent not eligible for forced recovery")
		}
	})

	t.Run("cooldown blocks repeat attempts", func(t *testing.T) {
		c := NewChecker(3, timeout, cooldown)
		for i := 0; i < 3; i++ {
			c.Observe("proj:1", unresponsiveObs("dead", now))
		}
		c.MarkRecovery("proj:1", now)
		if c.ShouldAttemptRecovery("proj:1", now.Add(time.Minute)) {
			t.Error("recovery eligible within the cooldown window")
		}
		if !c.ShouldAttemptRecovery("proj:1", now.Add(cooldown+time.Second)) {
			t.Error("recovery not eligible after the cooldown expired")
		}
	})

	t.Run("unknown target", func(t *testing.T) {
		c := NewChecker(3, timeout, cooldown)
		if c.ShouldAttemptRecovery("ghost:9", now) {
			t.Error("unknown target eligible for recovery")
		}
	})
}

func TestRecordFailure(t *testing.T) {
	c := NewChecker(3, time.Minute, 5*time.Minute)
	now := time.Now()

	h := c.RecordFailure("proj:1", now)
	if h.Status != StatusUnresponsive || h.ConsecutiveFailures != 1 {
		t.Errorf("first gateway failure: status=%v failures=%d", h.Status, h.ConsecutiveFailures)
	}
	c.RecordFailure("proj:1", now)
	h = c.RecordFailure("proj:1", now)
	if h.Status != StatusCritical {
		t.Errorf("third gateway failure: status=%v, want critical", h.Status)
	}
}

func TestPrune(t *testing.T) {
	c := NewChecker(3, time.Minute, 5*time.Minute)
	now := time.Now()
	c.Observe("proj:1", responsiveObs("a", now))
	c.Observe("proj:2", responsiveObs("b", now))

	c.Prune(map[string]bool{"proj:1": true})

	if _, ok := c.Health("proj:1"); !ok {
		t.Error("live target pruned")
	}
	if _, ok := c.Health("proj:2"); ok {
		t.Error("vanished target not pruned")
	}
}
