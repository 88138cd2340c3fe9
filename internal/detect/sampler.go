package detect

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
)

// Sampling policy for idle detection. Four captures spaced 300ms apart give
// the busy-spinner at least one frame to move.
const (
	IdleSampleCount    = 4
	IdleSampleInterval = 300 * time.Millisecond
)

// changeTolerance is the per-pair edit budget treated as "no real change".
// A blinking cursor or a clock tick touches one line by a character or two.
const (
	maxChangedLines    = 1
	maxCharsPerChanged = 2
)

// IsIdle decides idleness from consecutive pane snapshots. It needs at
// least two samples to decide anything; with fewer it returns false.
// The verdict is idle only when every consecutive pair is within the
// change tolerance.
func IsIdle(samples []string) bool {
	if len(samples) < 2 {
		return false
	}
	for i := 1; i < len(samples); i++ {
		if !withinTolerance(samples[i-1], samples[i]) {
			return false
		}
	}
	return true
}

// withinTolerance reports whether two snapshots differ by at most one line,
// and that line by at most a couple of characters.
func withinTolerance(a, b string) bool {
	if a == b {
		return true
	}

	linesA := strings.Split(ansi.Strip(a), "\n")
	linesB := strings.Split(ansi.Strip(b), "\n")
	if abs(len(linesA)-len(linesB)) > maxChangedLines {
		return false
	}

	n := len(linesA)
	if len(linesB) > n {
		n = len(linesB)
	}

	// An added or removed line is a changed line compared against empty, so
	// a streamed 40-character output line blows the budget like any edit.
	changed := 0
	for i := 0; i < n; i++ {
		var la, lb string
		if i < len(linesA) {
			la = linesA[i]
		}
		if i < len(linesB) {
			lb = linesB[i]
		}
		if la == lb {
			continue
		}
		changed++
		if changed > maxChangedLines {
			return false
		}
		if editDistanceOver(la, lb, maxCharsPerChanged) {
			return false
		}
	}
	return true
}

// editDistanceOver reports whether the Levenshtein distance between a and b
// exceeds budget. It bails out as soon as the budget is provably blown.
func editDistanceOver(a, b string, budget int) bool {
	ra, rb := []rune(a), []rune(b)
	if abs(len(ra)-len(rb)) > budget {
		return true
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		rowMin := curr[0]
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
			if curr[j] < rowMin {
				rowMin = curr[j]
			}
		}
		if rowMin > budget {
			return true
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)] > budget
}

// CaptureFunc produces one pane snapshot.
type CaptureFunc func(ctx context.Context) (string, error)

// SampleIdle applies the sampling policy: it takes IdleSampleCount captures
// spaced IdleSampleInterval apart and runs IsIdle over them. A capture
// failure ends sampling early; the samples gathered so far still decide.
func SampleIdle(ctx context.Context, capture CaptureFunc) (bool, error) {
	samples := make([]string, 0, IdleSampleCount)
	for i := 0; i < IdleSampleCount; i++ {
		if i > 0 {
			select {
			case <-time.After(IdleSampleInterval):
			case <-ctx.Done():
				return IsIdle(samples), ctx.Err()
			}
		}
		text, err := capture(ctx)
		if err != nil {
			return IsIdle(samples), err
		}
		samples = append(samples, text)
	}
	return IsIdle(samples), nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
