// Package ratelimit parses usage-limit banners, computes how long to pause
// monitoring, and performs the pause/resume handshake.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/fleetwatch/fleetwatch/internal/logging"
)

// ErrInvalidTimeFormat is returned when a reset time cannot be parsed.
// Callers treat it as "could not schedule pause" and continue the cycle.
var ErrInvalidTimeFormat = errors.New("invalid reset time format")

// resetTimeRe matches the time-of-day following the reset phrase, e.g.
// "limit will reset at 4pm (UTC)" or "limit will reset at 16:30".
var resetTimeRe = regexp.MustCompile(`(?i)limit\s+will\s+reset\s+at\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?`)

// ExtractResetTime pulls the reset time-of-day out of a rate-limit banner.
// Returns ok=false when the phrase or a usable time is absent.
func ExtractResetTime(text string) (string, bool) {
	m := resetTimeRe.FindStringSubmatch(ansi.Strip(text))
	if m == nil {
		return "", false
	}

	spec := m[1]
	if m[2] != "" {
		spec += ":" + m[2]
	}
	if m[3] != "" {
		spec += strings.ToLower(m[3])
	}

	// Validate the extracted time so downstream arithmetic never sees an
	// out-of-range hour.
	if _, _, err := parseTimeOfDay(spec); err != nil {
		return "", false
	}
	return spec, true
}

// parseTimeOfDay parses "4pm", "4:30pm", "16:00" or "16" into a 24h
// hour/minute pair.
func parseTimeOfDay(spec string) (hour, minute int, err error) {
	s := strings.ToLower(strings.TrimSpace(spec))
	if s == "" {
		return 0, 0, fmt.Errorf("%w: empty", ErrInvalidTimeFormat)
	}

	meridiem := ""
	if strings.HasSuffix(s, "am") || strings.HasSuffix(s, "pm") {
		meridiem = s[len(s)-2:]
		s = strings.TrimSpace(s[:len(s)-2])
	}

	hourPart, minutePart := s, "0"
	if idx := strings.Index(s, ":"); idx >= 0 {
		hourPart, minutePart = s[:idx], s[idx+1:]
	}

	hour, err = strconv.Atoi(hourPart)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, spec)
	}
	minute, err = strconv.Atoi(minutePart)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, spec)
	}

	switch meridiem {
	case "am":
		if hour < 1 || hour > 12 {
			return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, spec)
		}
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour < 1 || hour > 12 {
			return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, spec)
		}
		if hour != 12 {
			hour += 12
		}
	default:
		if hour < 0 || hour > 23 {
			return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, spec)
		}
	}
	return hour, minute, nil
}

// Handler computes and performs rate-limit pauses.
type Handler struct {
	// Buffer is the safety margin added on top of the raw wait.
	Buffer time.Duration
	// MaxSleep caps the raw wait (buffer excluded) so a misparsed reset
	// time cannot stall monitoring for days.
	MaxSleep time.Duration

	// Notify delivers a pause/resume notice. Best-effort: a failure here
	// must never prevent the pause itself.
	Notify func(ctx context.Context, message string) error

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error

	log *logging.Logger
}

// NewHandler creates a Handler with the given buffer and cap.
func NewHandler(buffer, maxSleep time.Duration) *Handler {
	return &Handler{
		Buffer:   buffer,
		MaxSleep: maxSleep,
		sleep:    sleepCtx,
		log:      logging.WithComponent("ratelimit"),
	}
}

// ComputeSleep converts a reset time-of-day into a pause duration relative
// to now. The time is interpreted against now's calendar date; a reset
// instant at or before now rolls forward exactly 24 hours. The raw delta is
// clamped to MaxSleep, then the safety buffer is added, so the result is
// always positive and never exceeds MaxSleep+Buffer.
func (h *Handler) ComputeSleep(resetSpec string, now time.Time) (time.Duration, error) {
	hour, minute, err := parseTimeOfDay(resetSpec)
	if err != nil {
		return 0, err
	}

	reset := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !reset.After(now) {
		reset = reset.Add(24 * time.Hour)
	}

	raw := reset.Sub(now)
	if h.MaxSleep > 0 && raw > h.MaxSleep {
		raw = h.MaxSleep
	}
	return raw + h.Buffer, nil
}

// Pause handles one detected rate limit: it extracts the reset time from
// the banner, notifies the coordinator, sleeps until the limit should have
// lifted, and notifies again on resume. The pre-sleep notice is
// best-effort; only an unparseable banner or context cancellation aborts.
func (h *Handler) Pause(ctx context.Context, bannerText string, now time.Time) error {
	resetSpec, ok := ExtractResetTime(bannerText)
	if !ok {
		return fmt.Errorf("%w: no reset time in rate limit banner", ErrInvalidTimeFormat)
	}

	wait, err := h.ComputeSleep(resetSpec, now)
	if err != nil {
		return err
	}

	resumeAt := now.Add(wait)
	h.log.WithFields(map[string]interface{}{
		"reset_at":  resetSpec,
		"resume_at": resumeAt.Format(time.RFC3339),
		"wait":      wait.String(),
	}).Warn("rate limit detected, pausing monitoring")

	if h.Notify != nil {
		msg := fmt.Sprintf("MONITOR: usage limit reached. Limit resets at %s; monitoring pauses until ~%s.",
			resetSpec, resumeAt.Format("15:04 MST"))
		if err := h.Notify(ctx, msg); err != nil {
			// Losing the notice is acceptable; skipping the pause is not.
			h.log.WithError(err).Warn("failed to send rate limit pause notice")
		}
	}

	if err := h.sleep(ctx, wait); err != nil {
		return err
	}

	if h.Notify != nil {
		if err := h.Notify(ctx, "MONITOR: usage limit window has reset, monitoring resumed."); err != nil {
			h.log.WithError(err).Warn("failed to send rate limit resume notice")
		}
	}
	h.log.Info("rate limit pause complete, monitoring resumed")
	return nil
}

// SetSleepFunc replaces the sleep implementation, for tests.
func (h *Handler) SetSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	h.sleep = fn
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
