package monitor

import (
	"fmt"
	"strings"

	"github.com/fleetwatch/fleetwatch/internal/cache"
	"github.com/fleetwatch/fleetwatch/internal/tmux"
)

// Role distinguishes the coordinator from the agents it supervises.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleWorker      Role = "worker"
)

// AgentInfo identifies one supervised agent for the duration of a cycle.
// Discovery produces a fresh list every cycle; entries are never mutated.
type AgentInfo struct {
	Target      string `json:"target"`
	Session     string `json:"session"`
	Window      int    `json:"window"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
}

// IsCoordinator reports whether this agent receives escalations.
func (a AgentInfo) IsCoordinator() bool { return a.Role == RoleCoordinator }

// coordinatorNames are window names that mark the session's coordinator.
// The first window in index order whose name matches wins.
var coordinatorNames = []string{
	"pm",
	"lead",
	"coordinator",
	"orchestrator",
	"manager",
}

func isCoordinatorName(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	for _, n := range coordinatorNames {
		if lower == n || strings.HasPrefix(lower, n+"-") || strings.HasPrefix(lower, n+"_") {
			return true
		}
	}
	return false
}

// discoverAgents enumerates every window of every tmux session and assigns
// roles. Window listings for a session are served through the session-info
// cache layer so repeated discovery within the TTL does not hit tmux again.
func discoverAgents(gw tmux.Gateway, layer *cache.Layer) ([]AgentInfo, error) {
	sessions, err := gw.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("discover agents: %w", err)
	}

	var agents []AgentInfo
	for _, sess := range sessions {
		windows, err := cachedWindows(gw, layer, sess.Name)
		if err != nil {
			// A session can vanish between the two listings.
			continue
		}

		coordinatorSeen := false
		for _, win := range windows {
			role := RoleWorker
			if !coordinatorSeen && isCoordinatorName(win.Name) {
				role = RoleCoordinator
				coordinatorSeen = true
			}
			agents = append(agents, AgentInfo{
				Target:      fmt.Sprintf("%s:%d", sess.Name, win.Index),
				Session:     sess.Name,
				Window:      win.Index,
				DisplayName: win.Name,
				Role:        role,
			})
		}
	}
	return agents, nil
}

func cachedWindows(gw tmux.Gateway, layer *cache.Layer, session string) ([]tmux.Window, error) {
	if layer == nil {
		return gw.ListWindows(session)
	}
	v, err := layer.GetOrCompute("windows:"+session, 0, func() (interface{}, error) {
		return gw.ListWindows(session)
	})
	if err != nil {
		return nil, err
	}
	return v.([]tmux.Window), nil
}
