// Package cache provides short-TTL memoization layers that cut redundant
// gateway calls during monitoring cycles.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Policy selects how a full layer chooses its eviction victim.
type Policy string

const (
	// PolicyTTL evicts the entry closest to expiry (oldest creation).
	PolicyTTL Policy = "ttl"
	// PolicyLRU evicts the least recently accessed entry.
	PolicyLRU Policy = "lru"
	// PolicyLFU evicts the least frequently accessed entry.
	PolicyLFU Policy = "lfu"
)

// Standard layer names.
const (
	LayerPaneContent = "pane-content"
	LayerAgentStatus = "agent-status"
	LayerSessionInfo = "session-info"
	LayerConfig      = "config"
)

type entry struct {
	value        interface{}
	createdAt    time.Time
	lastAccessed time.Time
	accessCount  int
	ttl          time.Duration
}

func (e *entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.createdAt) >= e.ttl
}

// Stats are per-layer counters.
type Stats struct {
	Hits      int
	Misses    int
	Evictions int
	Size      int
}

// Layer is one named cache with its own TTL, size bound, and eviction
// policy. It is safe for concurrent use; GetOrCompute guarantees the
// compute function runs at most once per key even under concurrent callers.
type Layer struct {
	name       string
	defaultTTL time.Duration
	maxSize    int
	policy     Policy

	mu      sync.Mutex
	entries map[string]*entry
	stats   Stats

	// group is the per-key in-flight registry backing single-flight.
	group singleflight.Group
}

// NewLayer creates a Layer. maxSize <= 0 means unbounded.
func NewLayer(name string, defaultTTL time.Duration, maxSize int, policy Policy) *Layer {
	if policy == "" {
		policy = PolicyTTL
	}
	return &Layer{
		name:       name,
		defaultTTL: defaultTTL,
		maxSize:    maxSize,
		policy:     policy,
		entries:    make(map[string]*entry),
	}
}

// Name returns the layer name.
func (l *Layer) Name() string { return l.name }

// Get returns the cached value for key, expiring lazily.
func (l *Layer) Get(key string) (interface{}, bool) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		l.stats.Misses++
		return nil, false
	}
	if e.expired(now) {
		delete(l.entries, key)
		l.stats.Misses++
		return nil, false
	}

	e.lastAccessed = now
	e.accessCount++
	l.stats.Hits++
	return e.value, true
}

// Set stores a value with the given TTL (0 means the layer default).
func (l *Layer) Set(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = l.defaultTTL
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[key]; !exists && l.maxSize > 0 && len(l.entries) >= l.maxSize {
		l.evictLocked(now)
	}
	l.entries[key] = &entry{
		value:        value,
		createdAt:    now,
		lastAccessed: now,
		accessCount:  1,
		ttl:          ttl,
	}
}

// GetOrCompute returns the cached value or computes it, storing the result.
// Concurrent callers for the same key share one computation.
func (l *Layer) GetOrCompute(key string, ttl time.Duration, fn func() (interface{}, error)) (interface{}, error) {
	if v, ok := l.Get(key); ok {
		return v, nil
	}

	v, err, _ := l.group.Do(key, func() (interface{}, error) {
		// Double-check under the flight: a racing caller may have
		// populated the entry while we waited our turn.
		if v, ok := l.Get(key); ok {
			return v, nil
		}
		v, err := fn()
		if err != nil {
			return nil, err
		}
		l.Set(key, v, ttl)
		return v, nil
	})
	return v, err
}

// Invalidate drops one key.
func (l *Layer) Invalidate(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// Clear drops every entry.
func (l *Layer) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*entry)
}

// Sweep removes all expired entries.
func (l *Layer) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, e := range l.entries {
		if e.expired(now) {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of the layer counters.
func (l *Layer) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.Size = len(l.entries)
	return s
}

// evictLocked removes one victim per the layer policy. Expired entries are
// preferred victims regardless of policy.
func (l *Layer) evictLocked(now time.Time) {
	for key, e := range l.entries {
		if e.expired(now) {
			delete(l.entries, key)
			l.stats.Evictions++
			return
		}
	}

	var victim string
	switch l.policy {
	case PolicyLRU:
		var oldest time.Time
		for key, e := range l.entries {
			if victim == "" || e.lastAccessed.Before(oldest) {
				victim, oldest = key, e.lastAccessed
			}
		}
	case PolicyLFU:
		least := -1
		for key, e := range l.entries {
			if least == -1 || e.accessCount < least {
				victim, least = key, e.accessCount
			}
		}
	default: // PolicyTTL: oldest creation goes first.
		var oldest time.Time
		for key, e := range l.entries {
			if victim == "" || e.createdAt.Before(oldest) {
				victim, oldest = key, e.createdAt
			}
		}
	}

	if victim != "" {
		delete(l.entries, victim)
		l.stats.Evictions++
	}
}

// Cache bundles the named layers used by the monitor.
type Cache struct {
	mu     sync.Mutex
	layers map[string]*Layer
}

// LayerTTLs configure the standard layers.
type LayerTTLs struct {
	PaneContent time.Duration
	AgentStatus time.Duration
	SessionInfo time.Duration
	Config      time.Duration
}

// New creates a Cache with the four standard layers. Pane content has the
// highest churn and gets an LRU bound; status and session info are small
// and TTL-evicted; config entries are few and LFU keeps the hot ones.
func New(ttls LayerTTLs) *Cache {
	return &Cache{
		layers: map[string]*Layer{
			LayerPaneContent: NewLayer(LayerPaneContent, ttls.PaneContent, 256, PolicyLRU),
			LayerAgentStatus: NewLayer(LayerAgentStatus, ttls.AgentStatus, 256, PolicyTTL),
			LayerSessionInfo: NewLayer(LayerSessionInfo, ttls.SessionInfo, 64, PolicyTTL),
			LayerConfig:      NewLayer(LayerConfig, ttls.Config, 32, PolicyLFU),
		},
	}
}

// Layer returns a named layer, creating an unbounded TTL layer for unknown
// names.
func (c *Cache) Layer(name string) *Layer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.layers[name]; ok {
		return l
	}
	l := NewLayer(name, time.Second, 0, PolicyTTL)
	c.layers[name] = l
	return l
}

// SweepAll removes expired entries from every layer.
func (c *Cache) SweepAll(now time.Time) int {
	c.mu.Lock()
	layers := make([]*Layer, 0, len(c.layers))
	for _, l := range c.layers {
		layers = append(layers, l)
	}
	c.mu.Unlock()

	removed := 0
	for _, l := range layers {
		removed += l.Sweep(now)
	}
	return removed
}

// StartSweeper runs a periodic background sweep until ctx is cancelled.
// Expiry is already lazy on lookup; the sweep just bounds memory for keys
// that are never read again.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.SweepAll(time.Now())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StatsAll returns stats per layer name.
func (c *Cache) StatsAll() map[string]Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Stats, len(c.layers))
	for name, l := range c.layers {
		out[name] = l.Stats()
	}
	return out
}
