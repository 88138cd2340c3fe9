// Package tmux provides the session gateway used to observe and drive
// agent processes hosted in tmux panes.
package tmux

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Session describes one tmux session.
type Session struct {
	Name    string
	Created time.Time
}

// Window describes one window within a session.
type Window struct {
	Index int
	Name  string
}

// Gateway is the capability surface the monitoring core needs from the
// session manager. All calls may fail (session gone, transport error) and
// surface the failure as an error, never a panic.
type Gateway interface {
	// Capture returns the visible pane text of the target, limited to the
	// last maxLines lines (0 means the full visible pane).
	Capture(target string, maxLines int) (string, error)
	SendKeys(target, keys string) error
	SendText(target, text string) error
	PressEnter(target string) error
	PressCtrlC(target string) error
	ListSessions() ([]Session, error)
	ListWindows(session string) ([]Window, error)
	KillWindow(target string) error
	// SendMessage types text into the target and submits it. tmux needs a
	// short delay between typing and Enter or the submit races the paste.
	SendMessage(target, text string) error
}

// Client is the tmux-backed Gateway implementation.
type Client struct {
	// TypeDelay is the pause between typing a message and pressing Enter.
	TypeDelay time.Duration
}

// NewClient returns a Client with the standard typing delay.
func NewClient() *Client {
	return &Client{TypeDelay: 500 * time.Millisecond}
}

var _ Gateway = (*Client)(nil)

// Capture returns the current pane content of the target.
func (c *Client) Capture(target string, maxLines int) (string, error) {
	args := []string{"capture-pane", "-p", "-t", target}
	if maxLines > 0 {
		args = append(args, "-S", fmt.Sprintf("-%d", maxLines))
	}
	out, err := exec.Command("tmux", args...).Output()
	if err != nil {
		return "", fmt.Errorf("capture pane %s: %w", target, err)
	}
	return string(out), nil
}

// SendKeys sends a raw key specification (e.g. "Enter", "C-c") to the target.
func (c *Client) SendKeys(target, keys string) error {
	if err := exec.Command("tmux", "send-keys", "-t", target, keys).Run(); err != nil {
		return fmt.Errorf("send keys to %s: %w", target, err)
	}
	return nil
}

// SendText types literal text into the target without submitting it.
func (c *Client) SendText(target, text string) error {
	// -l prevents tmux from interpreting the text as key names.
	if err := exec.Command("tmux", "send-keys", "-t", target, "-l", text).Run(); err != nil {
		return fmt.Errorf("send text to %s: %w", target, err)
	}
	return nil
}

// PressEnter submits the target's current input line.
func (c *Client) PressEnter(target string) error { return c.SendKeys(target, "Enter") }

// PressCtrlC sends an interrupt to the target.
func (c *Client) PressCtrlC(target string) error { return c.SendKeys(target, "C-c") }

// PressEscape sends Escape to the target.
func (c *Client) PressEscape(target string) error { return c.SendKeys(target, "Escape") }

// SendMessage types text into the target and submits it.
func (c *Client) SendMessage(target, text string) error {
	if err := c.SendText(target, text); err != nil {
		return err
	}
	time.Sleep(c.TypeDelay)
	return c.PressEnter(target)
}

// ListSessions returns all tmux sessions.
func (c *Client) ListSessions() ([]Session, error) {
	out, err := exec.Command("tmux", "list-sessions", "-F",
		"#{session_name}|#{session_created}").Output()
	if err != nil {
		// No server / no sessions is not an error.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return []Session{}, nil
		}
		return nil, fmt.Errorf("list tmux sessions: %w", err)
	}

	var sessions []Session
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 2)
		s := Session{Name: parts[0]}
		if len(parts) > 1 {
			if ts, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
				s.Created = time.Unix(ts, 0)
			}
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// ListWindows returns the windows of a session.
func (c *Client) ListWindows(session string) ([]Window, error) {
	out, err := exec.Command("tmux", "list-windows", "-t", session, "-F",
		"#{window_index}|#{window_name}").Output()
	if err != nil {
		return nil, fmt.Errorf("list windows of %s: %w", session, err)
	}

	var windows []Window
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 2)
		idx, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		w := Window{Index: idx}
		if len(parts) > 1 {
			w.Name = parts[1]
		}
		windows = append(windows, w)
	}
	return windows, nil
}

// KillWindow terminates the target window and its process tree.
func (c *Client) KillWindow(target string) error {
	if err := killWindowProcessTree(target); err != nil {
		// Non-fatal, continue to kill the window itself.
		_ = err
	}
	if err := exec.Command("tmux", "kill-window", "-t", target).Run(); err != nil {
		return fmt.Errorf("kill window %s: %w", target, err)
	}
	return nil
}

// HasSession checks if a tmux session with the given name exists.
func (c *Client) HasSession(name string) bool {
	return exec.Command("tmux", "has-session", "-t", name).Run() == nil
}

// PanePIDs returns the PIDs of all panes in the target window.
func PanePIDs(target string) ([]int, error) {
	out, err := exec.Command("tmux", "list-panes", "-t", target, "-F", "#{pane_pid}").Output()
	if err != nil {
		return nil, err
	}

	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		if pid, err := strconv.Atoi(line); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

// killWindowProcessTree kills all processes rooted at the window's panes.
func killWindowProcessTree(target string) error {
	pids, err := PanePIDs(target)
	if err != nil || len(pids) == 0 {
		return err
	}

	descendants := collectDescendants(pids)
	if len(descendants) == 0 {
		return nil
	}

	killPIDs(descendants, "TERM")
	time.Sleep(300 * time.Millisecond)

	if remaining := filterLivePIDs(descendants); len(remaining) > 0 {
		killPIDs(remaining, "KILL")
	}
	return nil
}

// collectDescendants collects all descendant PIDs of the given root PIDs.
func collectDescendants(rootPIDs []int) []int {
	out, err := exec.Command("ps", "-axo", "pid=,ppid=").Output()
	if err != nil {
		return rootPIDs
	}

	children := make(map[int][]int)
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		pid, err1 := strconv.Atoi(fields[0])
		ppid, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			continue
		}
		children[ppid] = append(children[ppid], pid)
	}

	visited := make(map[int]bool)
	queue := append([]int{}, rootPIDs...)
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		if visited[pid] {
			continue
		}
		visited[pid] = true
		queue = append(queue, children[pid]...)
	}

	result := make([]int, 0, len(visited))
	for pid := range visited {
		result = append(result, pid)
	}
	return result
}

// killPIDs sends a signal to a list of PIDs.
func killPIDs(pids []int, signal string) {
	if len(pids) == 0 {
		return
	}
	args := []string{"-" + signal}
	for _, pid := range pids {
		args = append(args, strconv.Itoa(pid))
	}
	// Ignore errors - some processes may have already exited.
	_ = exec.Command("kill", args...).Run()
}

// filterLivePIDs returns only the PIDs that are still running.
func filterLivePIDs(pids []int) []int {
	out, err := exec.Command("ps", "-axo", "pid=").Output()
	if err != nil {
		return nil
	}

	live := make(map[int]bool)
	for _, line := range strings.Split(string(out), "\n") {
		if pid, err := strconv.Atoi(strings.TrimSpace(line)); err == nil {
			live[pid] = true
		}
	}

	var result []int
	for _, pid := range pids {
		if live[pid] {
			result = append(result, pid)
		}
	}
	return result
}
