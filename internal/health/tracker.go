package health

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AgentRecord holds per-target tracking fields that survive a daemon
// restart. Readers tolerate missing fields: an older snapshot simply leaves
// them at their zero values.
type AgentRecord struct {
	Target             string    `json:"target"`
	LastActivity       time.Time `json:"last_activity"`
	ContentHash        string    `json:"content_hash"`
	ConsecutiveIdle    int       `json:"consecutive_idle"`
	SubmissionAttempts int       `json:"submission_attempts"`
	IsFresh            bool      `json:"is_fresh"`
}

// Tracker records last-seen content and activity timestamps per agent
// across monitoring cycles.
type Tracker struct {
	mu     sync.Mutex
	agents map[string]*AgentRecord
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{agents: make(map[string]*AgentRecord)}
}

// Update records one cycle's capture for a target and reports whether the
// content changed since the previous cycle.
func (t *Tracker) Update(target, content string, idle, fresh bool, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.agents[target]
	if !ok {
		rec = &AgentRecord{Target: target}
		t.agents[target] = rec
	}

	hash := hashContent(content)
	changed := hash != rec.ContentHash
	if changed {
		rec.ContentHash = hash
		rec.LastActivity = now
	}

	if idle {
		rec.ConsecutiveIdle++
	} else {
		rec.ConsecutiveIdle = 0
	}
	rec.IsFresh = fresh

	return changed
}

// RecordSubmission counts an auto-submission attempt for a target.
func (t *Tracker) RecordSubmission(target string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.agents[target]; ok {
		rec.SubmissionAttempts++
	}
}

// Record returns a copy of the target's tracking record.
func (t *Tracker) Record(target string) (AgentRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.agents[target]
	if !ok {
		return AgentRecord{}, false
	}
	return *rec, true
}

// Prune discards records for targets no longer present in discovery.
func (t *Tracker) Prune(live map[string]bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for target := range t.agents {
		if !live[target] {
			delete(t.agents, target)
		}
	}
}

// snapshot is the on-disk shape of the tracker state.
type snapshot struct {
	SavedAt time.Time               `json:"saved_at"`
	Agents  map[string]*AgentRecord `json:"agents"`
}

// Save writes the tracker state as a JSON snapshot for warm restart.
func (t *Tracker) Save(path string) error {
	t.mu.Lock()
	snap := snapshot{SavedAt: time.Now(), Agents: make(map[string]*AgentRecord, len(t.agents))}
	for k, v := range t.agents {
		rec := *v
		snap.Agents[k] = &rec
	}
	t.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	// Write-then-rename so a crash mid-write cannot corrupt the snapshot.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load restores tracker state from a snapshot. A missing file is not an
// error; a malformed or older-shaped file yields whatever fields parse.
func (t *Tracker) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if snap.Agents != nil {
		t.agents = snap.Agents
		for target, rec := range t.agents {
			if rec == nil {
				delete(t.agents, target)
				continue
			}
			if rec.Target == "" {
				rec.Target = target
			}
		}
	}
	return nil
}
