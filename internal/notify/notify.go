// Package notify queues, de-duplicates, and cooldown-gates messages to the
// coordinator agent.
package notify

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/detect"
	"github.com/fleetwatch/fleetwatch/internal/logging"
)

// Category groups notifications for cooldown purposes.
type Category string

const (
	CategoryIdle      Category = "idle"
	CategoryCrash     Category = "crash"
	CategoryRateLimit Category = "rateLimit"
	CategoryRecovery  Category = "recovery"
)

// CategoryFor maps an agent state to its notification category. States that
// never notify return false.
func CategoryFor(state detect.AgentState) (Category, bool) {
	switch state {
	case detect.StateIdle:
		return CategoryIdle, true
	case detect.StateCrashed, detect.StateError:
		return CategoryCrash, true
	case detect.StateRateLimited:
		return CategoryRateLimit, true
	default:
		return "", false
	}
}

// History maps "category:target" keys to the time that key last fired.
type History map[string]time.Time

// Key builds the composite history key for a category and target.
func Key(category Category, target string) string {
	return string(category) + ":" + target
}

// ShouldNotify is the pure cooldown check. Idle notifications are always
// eligible; every other category waits out the cooldown per key.
func ShouldNotify(category Category, target string, history History, cooldown time.Duration, now time.Time) bool {
	if category == CategoryIdle {
		return true
	}
	last, ok := history[Key(category, target)]
	if !ok {
		return true
	}
	return now.Sub(last) >= cooldown
}

// Sender delivers one message to an agent target. The tmux gateway
// satisfies this.
type Sender interface {
	SendMessage(target, text string) error
}

type queuedNotification struct {
	category Category
	target   string
	message  string
}

// Manager owns the notification queue and history for one daemon lifetime.
type Manager struct {
	mu          sync.Mutex
	cooldown    time.Duration
	coordinator string
	history     History
	queue       []queuedNotification
	desktop     bool
	log         *logging.Logger
}

// NewManager creates a Manager with the given repeat cooldown.
func NewManager(cooldown time.Duration) *Manager {
	return &Manager{
		cooldown: cooldown,
		history:  make(History),
		log:      logging.WithComponent("notify"),
	}
}

// SetCoordinator records the coordinator target that receives queued
// notifications. Notifications about the coordinator itself are dropped.
func (m *Manager) SetCoordinator(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coordinator = target
}

// EnableDesktop turns on the best-effort OS notification side channel for
// crash and rate-limit flushes.
func (m *Manager) EnableDesktop(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.desktop = enabled
}

// Notify enqueues a notification about a target if its cooldown allows.
// Returns true when the notification was accepted.
func (m *Manager) Notify(category Category, target, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	// The coordinator never hears about its own state.
	if m.coordinator != "" && target == m.coordinator {
		return false
	}
	if !ShouldNotify(category, target, m.history, m.cooldown, time.Now()) {
		return false
	}

	m.queue = append(m.queue, queuedNotification{category: category, target: target, message: message})
	return true
}

// Pending returns the number of queued notifications.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// SendQueued flushes the queue to the coordinator, coalescing to at most one
// message per category, and clears it. Delivery failures are logged and
// counted, never retried within the cycle. Returns messages sent and
// delivery errors.
func (m *Manager) SendQueued(sender Sender) (sent, errs int) {
	m.mu.Lock()
	pending := m.queue
	m.queue = nil
	coordinator := m.coordinator
	desktop := m.desktop
	m.mu.Unlock()

	if len(pending) == 0 || coordinator == "" {
		return 0, 0
	}

	byCategory := make(map[Category][]queuedNotification)
	for _, n := range pending {
		byCategory[n.category] = append(byCategory[n.category], n)
	}

	categories := make([]Category, 0, len(byCategory))
	for c := range byCategory {
		categories = append(categories, c)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i] < categories[j] })

	now := time.Now()
	for _, category := range categories {
		batch := byCategory[category]
		message := coalesce(category, batch)

		err := sender.SendMessage(coordinator, message)
		if err != nil {
			errs++
			m.log.WithError(err).WithField("category", string(category)).
				Warn("failed to deliver notification to coordinator")
			continue
		}
		sent++

		if desktop {
			SendDesktop(category, "fleetwatch", message)
		}

		// Stamp history only after successful delivery so a failed send
		// does not consume the cooldown window.
		m.mu.Lock()
		for _, n := range batch {
			m.history[Key(n.category, n.target)] = now
		}
		m.mu.Unlock()
	}

	return sent, errs
}

// HistorySnapshot returns a copy of the notification history.
func (m *Manager) HistorySnapshot() History {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(History, len(m.history))
	for k, v := range m.history {
		out[k] = v
	}
	return out
}

// Reset clears the queue and the history, for daemon stop.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = nil
	m.history = make(History)
}

// coalesce folds a category batch into a single coordinator message.
func coalesce(category Category, batch []queuedNotification) string {
	if len(batch) == 1 {
		return batch[0].message
	}

	targets := make([]string, 0, len(batch))
	for _, n := range batch {
		targets = append(targets, n.target)
	}
	sort.Strings(targets)

	var label string
	switch category {
	case CategoryCrash:
		label = "agents need recovery"
	case CategoryRateLimit:
		label = "agents rate-limited"
	case CategoryIdle:
		label = "agents idle"
	case CategoryRecovery:
		label = "agents recovered"
	default:
		label = "agents reported"
	}
	return fmt.Sprintf("MONITOR: %d %s: %s", len(batch), label, strings.Join(targets, ", "))
}
