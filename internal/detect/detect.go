// Package detect classifies captured pane text into agent states and
// decides idleness from repeated snapshots.
//
// Classification is heuristic by design: an ordered rule list over
// keyword/pattern matches. Rules are unit-tested individually; do not
// get clever here.
package detect

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// AgentState is the classification of a single pane observation.
type AgentState string

const (
	StateActive        AgentState = "active"
	StateIdle          AgentState = "idle"
	StateMessageQueued AgentState = "message_queued"
	StateStarting      AgentState = "starting"
	StateFresh         AgentState = "fresh"
	StateCrashed       AgentState = "crashed"
	StateError         AgentState = "error"
	StateRateLimited   AgentState = "rate_limited"
)

// NeedsRecovery reports whether the state indicates the agent process is gone
// or broken. Crashed and Error receive identical downstream handling.
func (s AgentState) NeedsRecovery() bool {
	return s == StateCrashed || s == StateError
}

// Rate-limit detection requires both phrases so that an agent merely talking
// about limits is not misclassified.
const (
	rateLimitPhrase      = "usage limit reached"
	rateLimitResetPhrase = "limit will reset at"
)

// chromeMarkers identify the interactive agent's own UI framing. Any one of
// them means the agent process is alive and rendering, regardless of what
// the surrounding text narrates.
var chromeMarkers = []string{
	"╭─",                 // box-drawing prompt frame, top
	"╰─",                 // box-drawing prompt frame, bottom
	"│ >",                // framed input prompt
	"? for shortcuts",    // status line
	"esc to interrupt",   // busy status line
	"bypass permissions", // permission mode status line
	"Welcome to Claude",  // product banner
	"tokens",             // turn status marker
}

// crashLexemes mark a dead or faulted process. Only honored when chrome is
// absent: a live agent narrating a test failure must not count as crashed.
var crashLexemes = []string{
	"command not found",
	"segmentation fault",
	"core dumped",
	"killed",
	"panic:",
	"traceback (most recent call last)",
	"process exited",
	"no such file or directory",
	"broken pipe",
}

// errorLexemes mark generic failures without a clear process-death signal.
var errorLexemes = []string{
	"error:",
	"fatal:",
	"exception",
	"connection refused",
	"permission denied",
}

// queuedPromptRe matches an unsubmitted message sitting in the framed input
// box: a prompt line with content after the marker. The closing box border
// does not count as content.
var queuedPromptRe = regexp.MustCompile(`│\s*>\s+[^\s│]`)

// freshBannerMarkers identify a freshly started agent that has not taken a
// turn yet. Auto-submission into a fresh instance is unsafe, so callers
// check IsFreshInstance before typing into the pane.
var freshBannerMarkers = []string{
	"Welcome to Claude",
	"/help for help",
}

// turnMarkers indicate at least one completed conversation turn.
var turnMarkers = []string{
	"● ", // assistant turn bullet
	"✻ ",
	"> ", // submitted user turn echo
}

// Classify maps one pane capture to an AgentState. It is pure, deterministic
// and total: unrecognized text yields a conservative state, never an error.
//
// Rule order matters and each rule short-circuits the rest:
// rate limit, then chrome, then crash/error, then queued input.
// A single capture never yields Idle; that verdict needs multiple samples.
func Classify(text string) AgentState {
	clean := strings.ToLower(ansi.Strip(text))

	// Rate limiting wins over everything, including crash indicators: the
	// limit banner can appear over arbitrary scrollback.
	if strings.Contains(clean, rateLimitPhrase) && strings.Contains(clean, rateLimitResetPhrase) {
		return StateRateLimited
	}

	stripped := ansi.Strip(text)
	if !hasChrome(stripped) {
		// No interface chrome: the agent process is not rendering. Decide
		// how it died; a bare shell prompt with no other signal defaults
		// to crashed.
		if containsAny(clean, crashLexemes) {
			return StateCrashed
		}
		if containsAny(clean, errorLexemes) {
			return StateError
		}
		return StateCrashed
	}

	if queuedPromptRe.MatchString(stripped) {
		return StateMessageQueued
	}

	// Chrome present, nothing stronger: active. Idle/active disambiguation
	// is the sampler's job.
	return StateActive
}

// HasChrome reports whether the interface chrome of the agent UI is visible
// in the capture.
func HasChrome(text string) bool {
	return hasChrome(ansi.Strip(text))
}

func hasChrome(stripped string) bool {
	lower := strings.ToLower(stripped)
	for _, marker := range chromeMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// IsFreshInstance reports whether the capture shows a newly launched agent
// with no completed turns. Fresh instances report as Active but must not
// receive auto-submitted input.
func IsFreshInstance(text string) bool {
	stripped := ansi.Strip(text)
	if !containsAny(strings.ToLower(stripped), lowered(freshBannerMarkers)) {
		return false
	}
	for _, marker := range turnMarkers {
		for _, line := range strings.Split(stripped, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), strings.TrimSpace(marker)) {
				return false
			}
		}
	}
	return true
}

// HasCriticalIndicator reports whether a crash or error lexeme appears in
// the capture. Used by the health checker's responsiveness rule; unlike
// Classify it does not consider chrome.
func HasCriticalIndicator(text string) bool {
	clean := strings.ToLower(ansi.Strip(text))
	return containsAny(clean, crashLexemes) || containsAny(clean, errorLexemes)
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func lowered(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
