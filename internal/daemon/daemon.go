// Package daemon manages the monitoring process lifecycle: singleton
// enforcement via an advisory file lock, PID-file bookkeeping, detached
// start, and cooperative signal-driven shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/fleetwatch/fleetwatch/internal/logging"
)

var (
	// ErrAlreadyRunning is returned when another daemon instance holds the
	// lock or a live PID is recorded.
	ErrAlreadyRunning = errors.New("daemon: already running")
	// ErrNotRunning is returned by Stop when no live daemon is found.
	ErrNotRunning = errors.New("daemon: not running")
)

// Manager owns the runtime state files of the daemon.
type Manager struct {
	pidFile  string
	lockFile string
	stopFile string
	log      *logging.Logger
}

// NewManager creates a Manager for the given state file paths.
func NewManager(pidFile, lockFile, stopFile string) *Manager {
	return &Manager{
		pidFile:  pidFile,
		lockFile: lockFile,
		stopFile: stopFile,
		log:      logging.WithComponent("daemon"),
	}
}

// Run executes loop as the daemon body in the current process. It acquires
// the advisory lock for the whole daemon lifetime (this is what serializes
// concurrent starts), records the PID, installs signal handlers that cancel
// the loop's context cooperatively, and cleans up state files on exit.
func (m *Manager) Run(ctx context.Context, loop func(ctx context.Context) error) error {
	if err := os.MkdirAll(filepath.Dir(m.pidFile), 0755); err != nil {
		return fmt.Errorf("daemon: create state dir: %w", err)
	}

	fileLock := flock.New(m.lockFile)
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("daemon: acquire lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	defer func() { _ = fileLock.Unlock() }()

	if pid, ok := m.recordedPID(); ok && pid != os.Getpid() && processExists(pid) {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}

	// PID must be durable before monitoring begins; a failure here aborts
	// start with no partial state left behind.
	if err := writeFileSync(m.pidFile, []byte(strconv.Itoa(os.Getpid()))); err != nil {
		return fmt.Errorf("daemon: write pid file: %w", err)
	}
	defer func() { _ = os.Remove(m.pidFile) }()

	_ = os.Remove(m.stopFile)
	defer func() { _ = os.Remove(m.stopFile) }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			m.log.WithField("signal", sig.String()).Info("shutdown requested by signal")
			cancel()
		case <-runCtx.Done():
		}
	}()

	// The stop marker lets `fleetwatch stop` request shutdown without
	// racing signal delivery.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := os.Stat(m.stopFile); err == nil {
					m.log.Info("shutdown requested by stop marker")
					cancel()
					return
				}
			case <-runCtx.Done():
				return
			}
		}
	}()

	m.log.WithField("pid", os.Getpid()).Info("daemon running")
	return loop(runCtx)
}

// Spawn starts the daemon as a detached background process running the
// current executable with the given arguments. It refuses when an instance
// is already running.
func (m *Manager) Spawn(args ...string) (int, error) {
	if running, pid := m.IsRunning(); running {
		return pid, ErrAlreadyRunning
	}

	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("daemon: resolve executable: %w", err)
	}

	cmd := exec.Command(exe, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	// New session, no controlling terminal: the detach half of the
	// classic double-fork. The child's own lock acquisition covers the
	// race between two concurrent spawns.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("daemon: spawn: %w", err)
	}
	pid := cmd.Process.Pid
	// The child re-parents to init; releasing our handle avoids a zombie.
	_ = cmd.Process.Release()

	m.log.WithField("pid", pid).Info("daemon spawned")
	return pid, nil
}

// Stop requests a graceful shutdown and waits for the daemon to exit,
// force-killing once the timeout elapses.
func (m *Manager) Stop(timeout time.Duration) error {
	pid, ok := m.recordedPID()
	if !ok || !processExists(pid) {
		m.cleanupStale()
		return ErrNotRunning
	}

	// Marker first: even if the signal is lost the loop notices the file
	// between cycles.
	_ = os.WriteFile(m.stopFile, nil, 0644)
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("daemon: signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processExists(pid) {
			m.cleanupStale()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	m.log.WithField("pid", pid).Warn("graceful stop timed out, force killing")
	_ = syscall.Kill(pid, syscall.SIGKILL)
	time.Sleep(200 * time.Millisecond)
	m.cleanupStale()
	return nil
}

// IsRunning checks whether the recorded PID is alive. A dead PID counts as stopped
// and the stale PID/lock files are removed as a side effect of the check.
func (m *Manager) IsRunning() (bool, int) {
	pid, ok := m.recordedPID()
	if !ok {
		return false, 0
	}
	if !processExists(pid) {
		m.cleanupStale()
		return false, 0
	}
	return true, pid
}

// PID returns the recorded daemon PID, if any.
func (m *Manager) PID() (int, bool) { return m.recordedPID() }

func (m *Manager) recordedPID() (int, bool) {
	data, err := os.ReadFile(m.pidFile)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// cleanupStale lazily removes state files left behind by a dead daemon.
func (m *Manager) cleanupStale() {
	_ = os.Remove(m.pidFile)
	_ = os.Remove(m.lockFile)
	_ = os.Remove(m.stopFile)
}

// processExists checks whether a PID refers to a live process.
func processExists(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds, so check with signal 0.
	return process.Signal(syscall.Signal(0)) == nil
}

// writeFileSync writes data and fsyncs before closing, so the PID survives
// a crash immediately after start.
func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
