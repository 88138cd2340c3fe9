package detect

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestIsIdleSampleCounts(t *testing.T) {
	if IsIdle(nil) {
		t.Error("IsIdle(nil) = true, want false")
	}
	if IsIdle([]string{}) {
		t.Error("IsIdle([]) = true, want false")
	}
	if IsIdle([]string{"only one sample"}) {
		t.Error("IsIdle with one sample = true, want false")
	}
	if !IsIdle([]string{"x", "x", "x", "x"}) {
		t.Error("IsIdle with identical samples = false, want true")
	}
}

func TestIsIdleTolerance(t *testing.T) {
	base := "● done.\n╭───╮\n│ > │\n╰───╯"

	tests := []struct {
		name    string
		samples []string
		want    bool
	}{
		{
			name:    "blinking cursor",
			samples: []string{base, base + "▌", base, base + "▌"},
			want:    true,
		},
		{
			name:    "one char tail difference",
			samples: []string{base + "a", base + "b"},
			want:    true,
		},
		{
			name:    "two chars on one line",
			samples: []string{base, base + "ab"},
			want:    true,
		},
		{
			name:    "three chars on one line",
			samples: []string{base, base + "abc"},
			want:    false,
		},
		{
			name: "two lines changed",
			samples: []string{
				"line1\nline2\nline3",
				"line1\nline2x\nline3x",
			},
			want: false,
		},
		{
			name: "streaming output",
			samples: []string{
				base,
				base + "\nWriting internal/server/server.go",
				base + "\nWriting internal/server/server.go\nRunning tests",
			},
			want: false,
		},
		{
			name:    "any changed pair breaks idleness",
			samples: []string{base, base, strings.Repeat("new content\n", 5), base},
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsIdle(tt.samples); got != tt.want {
				t.Errorf("IsIdle() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSampleIdle(t *testing.T) {
	t.Run("idle pane", func(t *testing.T) {
		calls := 0
		idle, err := SampleIdle(context.Background(), func(ctx context.Context) (string, error) {
			calls++
			return "static content", nil
		})
		if err != nil {
			t.Fatalf("SampleIdle() error = %v", err)
		}
		if !idle {
			t.Error("static pane should be idle")
		}
		if calls != IdleSampleCount {
			t.Errorf("capture called %d times, want %d", calls, IdleSampleCount)
		}
	})

	t.Run("changing pane", func(t *testing.T) {
		calls := 0
		idle, err := SampleIdle(context.Background(), func(ctx context.Context) (string, error) {
			calls++
			return strings.Repeat("output line\n", calls), nil
		})
		if err != nil {
			t.Fatalf("SampleIdle() error = %v", err)
		}
		if idle {
			t.Error("changing pane should not be idle")
		}
	})

	t.Run("capture failure surfaces", func(t *testing.T) {
		wantErr := errors.New("pane gone")
		_, err := SampleIdle(context.Background(), func(ctx context.Context) (string, error) {
			return "", wantErr
		})
		if !errors.Is(err, wantErr) {
			t.Errorf("SampleIdle() error = %v, want %v", err, wantErr)
		}
	})

	t.Run("cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		_, err := SampleIdle(ctx, func(ctx context.Context) (string, error) {
			calls++
			if calls == 2 {
				cancel()
			}
			return "static", nil
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("SampleIdle() error = %v, want context.Canceled", err)
		}
		if calls >= IdleSampleCount {
			t.Error("sampling did not stop on cancellation")
		}
	})
}
