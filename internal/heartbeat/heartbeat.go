// Package heartbeat publishes cycle status snapshots to Redis so external
// dashboards can watch the fleet without touching tmux. The channel is
// ephemeral telemetry: every key carries a TTL and the monitor never reads
// its own heartbeats back.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// CycleKey holds the latest whole-cycle snapshot.
	CycleKey = "fleetwatch:cycle"
	// AgentKeyPrefix prefixes per-agent status keys.
	AgentKeyPrefix = "fleetwatch:agent:"
)

// AgentSnapshot is the published view of one agent.
type AgentSnapshot struct {
	Target       string `json:"target"`
	Session      string `json:"session"`
	Status       string `json:"status"`
	State        string `json:"state"`
	IsIdle       bool   `json:"isIdle"`
	LastActivity int64  `json:"lastActivity,omitempty"`
}

// CycleSnapshot is the published view of one monitoring cycle.
type CycleSnapshot struct {
	Timestamp      int64                    `json:"timestamp"`
	CycleCount     int                      `json:"cycleCount"`
	ActiveAgents   int                      `json:"activeAgents"`
	IdleAgents     int                      `json:"idleAgents"`
	ErrorsDetected int                      `json:"errorsDetected"`
	CycleMillis    int64                    `json:"cycleMillis"`
	Agents         map[string]AgentSnapshot `json:"agents,omitempty"`
}

// Publisher writes snapshots to Redis.
type Publisher struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPublisher connects to Redis at the given URL. The TTL bounds how long
// published keys outlive the last cycle.
func NewPublisher(url string, ttl time.Duration) (*Publisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: parse redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("heartbeat: connect to redis: %w", err)
	}

	return newPublisher(rdb, ttl), nil
}

// newPublisher wraps an existing client; tests use this with miniredis.
func newPublisher(rdb *redis.Client, ttl time.Duration) *Publisher {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Publisher{rdb: rdb, ttl: ttl}
}

// Close closes the Redis connection.
func (p *Publisher) Close() error { return p.rdb.Close() }

// PublishCycle writes the cycle snapshot and one key per agent.
func (p *Publisher) PublishCycle(ctx context.Context, snap CycleSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("heartbeat: marshal cycle: %w", err)
	}
	if err := p.rdb.Set(ctx, CycleKey, data, p.ttl).Err(); err != nil {
		return fmt.Errorf("heartbeat: publish cycle: %w", err)
	}

	for target, agent := range snap.Agents {
		data, err := json.Marshal(agent)
		if err != nil {
			continue
		}
		if err := p.rdb.Set(ctx, AgentKeyPrefix+target, data, p.ttl).Err(); err != nil {
			return fmt.Errorf("heartbeat: publish agent %s: %w", target, err)
		}
	}
	return nil
}

// ReadCycle returns the last published cycle snapshot, or nil when none is
// live.
func (p *Publisher) ReadCycle(ctx context.Context) (*CycleSnapshot, error) {
	data, err := p.rdb.Get(ctx, CycleKey).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("heartbeat: read cycle: %w", err)
	}

	var snap CycleSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("heartbeat: parse cycle: %w", err)
	}
	return &snap, nil
}

// ReadAgent returns the last published snapshot for one agent target.
func (p *Publisher) ReadAgent(ctx context.Context, target string) (*AgentSnapshot, error) {
	data, err := p.rdb.Get(ctx, AgentKeyPrefix+target).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("heartbeat: read agent: %w", err)
	}

	var snap AgentSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("heartbeat: parse agent: %w", err)
	}
	return &snap, nil
}
