package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLayerTTLExpiry(t *testing.T) {
	l := NewLayer("test", 20*time.Millisecond, 10, PolicyTTL)

	l.Set("k", "v", 0)
	if v, ok := l.Get("k"); !ok || v != "v" {
		t.Fatalf("Get() = (%v, %v), want cached value", v, ok)
	}

	time.Sleep(30 * time.Millisecond)
	if _, ok := l.Get("k"); ok {
		t.Error("expired entry still served")
	}
	if got := l.Stats().Misses; got == 0 {
		t.Error("expired lookup not counted as a miss")
	}
}

func TestLayerPerEntryTTL(t *testing.T) {
	l := NewLayer("test", time.Hour, 10, PolicyTTL)

	l.Set("short", "v", 20*time.Millisecond)
	l.Set("long", "v", 0)

	time.Sleep(30 * time.Millisecond)
	if _, ok := l.Get("short"); ok {
		t.Error("per-entry TTL ignored")
	}
	if _, ok := l.Get("long"); !ok {
		t.Error("default TTL entry evicted early")
	}
}

func TestEvictionPolicies(t *testing.T) {
	t.Run("lru evicts least recently accessed", func(t *testing.T) {
		l := NewLayer("test", time.Hour, 2, PolicyLRU)
		l.Set("a", 1, 0)
		time.Sleep(time.Millisecond)
		l.Set("b", 2, 0)
		time.Sleep(time.Millisecond)
		l.Get("a") // refresh a; b is now the LRU victim

		l.Set("c", 3, 0)
		if _, ok := l.Get("b"); ok {
			t.Error("LRU kept the least recently used entry")
		}
		if _, ok := l.Get("a"); !ok {
			t.Error("LRU evicted the recently used entry")
		}
	})

	t.Run("lfu evicts least frequently accessed", func(t *testing.T) {
		l := NewLayer("test", time.Hour, 2, PolicyLFU)
		l.Set("hot", 1, 0)
		l.Set("cold", 2, 0)
		for i := 0; i < 5; i++ {
			l.Get("hot")
		}

		l.Set("new", 3, 0)
		if _, ok := l.Get("cold"); ok {
			t.Error("LFU kept the cold entry")
		}
		if _, ok := l.Get("hot"); !ok {
			t.Error("LFU evicted the hot entry")
		}
	})

	t.Run("expired entries are evicted first", func(t *testing.T) {
		l := NewLayer("test", time.Hour, 2, PolicyLRU)
		l.Set("stale", 1, time.Nanosecond)
		l.Set("live", 2, 0)
		time.Sleep(time.Millisecond)

		l.Set("new", 3, 0)
		if _, ok := l.Get("live"); !ok {
			t.Error("live entry evicted while an expired one remained")
		}
	})
}

func TestGetOrComputeSingleFlight(t *testing.T) {
	l := NewLayer("test", time.Hour, 10, PolicyTTL)

	var computes int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			v, err := l.GetOrCompute("key", 0, func() (interface{}, error) {
				atomic.AddInt32(&computes, 1)
				time.Sleep(10 * time.Millisecond)
				return "computed", nil
			})
			if err != nil || v != "computed" {
				t.Errorf("GetOrCompute() = (%v, %v)", v, err)
			}
		}()
	}

	close(start)
	wg.Wait()

	if n := atomic.LoadInt32(&computes); n != 1 {
		t.Errorf("compute ran %d times for one key, want 1", n)
	}
}

func TestGetOrComputeError(t *testing.T) {
	l := NewLayer("test", time.Hour, 10, PolicyTTL)
	wantErr := errors.New("capture failed")

	if _, err := l.GetOrCompute("k", 0, func() (interface{}, error) {
		return nil, wantErr
	}); !errors.Is(err, wantErr) {
		t.Fatalf("GetOrCompute() error = %v, want %v", err, wantErr)
	}

	// Failures are not cached; the next call recomputes.
	v, err := l.GetOrCompute("k", 0, func() (interface{}, error) {
		return "second try", nil
	})
	if err != nil || v != "second try" {
		t.Errorf("GetOrCompute() after failure = (%v, %v)", v, err)
	}
}

func TestSweep(t *testing.T) {
	l := NewLayer("test", 10*time.Millisecond, 0, PolicyTTL)
	l.Set("a", 1, 0)
	l.Set("b", 2, 0)
	l.Set("keep", 3, time.Hour)

	time.Sleep(20 * time.Millisecond)
	if removed := l.Sweep(time.Now()); removed != 2 {
		t.Errorf("Sweep() removed %d, want 2", removed)
	}
	if _, ok := l.Get("keep"); !ok {
		t.Error("Sweep() removed a live entry")
	}
}

func TestStandardLayers(t *testing.T) {
	c := New(LayerTTLs{
		PaneContent: 2 * time.Second,
		AgentStatus: 5 * time.Second,
		SessionInfo: 10 * time.Second,
		Config:      time.Minute,
	})

	for _, name := range []string{LayerPaneContent, LayerAgentStatus, LayerSessionInfo, LayerConfig} {
		if l := c.Layer(name); l == nil || l.Name() != name {
			t.Errorf("standard layer %q missing", name)
		}
	}

	// Unknown names get a fallback layer rather than nil.
	if l := c.Layer("custom"); l == nil {
		t.Error("unknown layer name returned nil")
	}

	stats := c.StatsAll()
	if len(stats) < 4 {
		t.Errorf("StatsAll() covers %d layers, want at least 4", len(stats))
	}
}
