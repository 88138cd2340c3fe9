package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/config"
	"github.com/fleetwatch/fleetwatch/internal/health"
	"github.com/fleetwatch/fleetwatch/internal/tmux"
)

const (
	idleChromePane = "╭──────────────────────────────────╮\n│ >                                │\n╰──────────────────────────────────╯\n  ? for shortcuts"
	crashedPane    = "user@host:~$ "
)

type sentMessage struct {
	target string
	text   string
}

// fakeGateway is an in-memory tmux double. Panes marked streaming grow by
// one distinct line per capture, which the idle sampler reads as activity.
type fakeGateway struct {
	mu        sync.Mutex
	sessions  []tmux.Session
	windows   map[string][]tmux.Window
	panes     map[string]string
	streaming map[string]bool
	captures  map[string]int
	ctrlC     map[string]int
	sentText  map[string][]string
	entered   map[string]int
	messages  []sentMessage
	killed    []string

	// relaunchToChrome makes SendText flip the pane to interface chrome,
	// simulating an agent that comes back up after a restart.
	relaunchToChrome bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		windows:   make(map[string][]tmux.Window),
		panes:     make(map[string]string),
		streaming: make(map[string]bool),
		captures:  make(map[string]int),
		ctrlC:     make(map[string]int),
		sentText:  make(map[string][]string),
		entered:   make(map[string]int),
	}
}

func (f *fakeGateway) addSession(name string, windowNames ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, tmux.Session{Name: name, Created: time.Now()})
	for i, wn := range windowNames {
		f.windows[name] = append(f.windows[name], tmux.Window{Index: i, Name: wn})
	}
}

func (f *fakeGateway) setPane(target, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panes[target] = content
}

func (f *fakeGateway) setStreaming(target string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streaming[target] = true
}

func (f *fakeGateway) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.messages))
	copy(out, f.messages)
	return out
}

func (f *fakeGateway) Capture(target string, maxLines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.panes[target]
	if !ok {
		return "", fmt.Errorf("no pane %s", target)
	}
	f.captures[target]++
	if f.streaming[target] {
		// Scrollback accumulates a whole new line per capture, the way a
		// busy agent's output does.
		for i := 1; i <= f.captures[target]; i++ {
			content += fmt.Sprintf("\nwrote integration test number %d for the parser", i)
		}
	}
	return content, nil
}

func (f *fakeGateway) SendKeys(target, keys string) error { return nil }

func (f *fakeGateway) SendText(target, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentText[target] = append(f.sentText[target], text)
	if f.relaunchToChrome {
		f.panes[target] = idleChromePane
	}
	return nil
}

func (f *fakeGateway) PressEnter(target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entered[target]++
	return nil
}

func (f *fakeGateway) PressCtrlC(target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctrlC[target]++
	return nil
}

func (f *fakeGateway) ListSessions() ([]tmux.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]tmux.Session, len(f.sessions))
	copy(out, f.sessions)
	return out, nil
}

func (f *fakeGateway) ListWindows(session string) ([]tmux.Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wins, ok := f.windows[session]
	if !ok {
		return nil, fmt.Errorf("no session %s", session)
	}
	out := make([]tmux.Window, len(wins))
	copy(out, wins)
	return out, nil
}

func (f *fakeGateway) KillWindow(target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, target)
	return nil
}

func (f *fakeGateway) SendMessage(target, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sentMessage{target: target, text: text})
	return nil
}

var _ tmux.Gateway = (*fakeGateway)(nil)

func newTestService(t *testing.T, gw tmux.Gateway) *Service {
	t.Helper()

	cfg := config.Defaults()
	cfg.BaseDir = t.TempDir()
	cfg.RedisURL = ""
	cfg.PoolMinSize = 1
	cfg.PoolMaxSize = 2

	svc, err := New(cfg, func() (tmux.Gateway, error) { return gw, nil })
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func TestDiscoverAgentsAssignsRoles(t *testing.T) {
	gw := newFakeGateway()
	gw.addSession("api", "pm", "dev", "tests", "lead-review")
	gw.addSession("web", "shell")

	svc := newTestService(t, gw)

	agents, err := svc.DiscoverAgents(context.Background())
	if err != nil {
		t.Fatalf("DiscoverAgents() error = %v", err)
	}
	if len(agents) != 5 {
		t.Fatalf("DiscoverAgents() returned %d agents, want 5", len(agents))
	}

	want := []AgentInfo{
		{Target: "api:0", Session: "api", Window: 0, DisplayName: "pm", Role: RoleCoordinator},
		{Target: "api:1", Session: "api", Window: 1, DisplayName: "dev", Role: RoleWorker},
		{Target: "api:2", Session: "api", Window: 2, DisplayName: "tests", Role: RoleWorker},
		// Only the first coordinator-named window gets the role.
		{Target: "api:3", Session: "api", Window: 3, DisplayName: "lead-review", Role: RoleWorker},
		{Target: "web:0", Session: "web", Window: 0, DisplayName: "shell", Role: RoleWorker},
	}
	for i, w := range want {
		if agents[i] != w {
			t.Errorf("agents[%d] = %+v, want %+v", i, agents[i], w)
		}
	}
}

func TestDiscoverAgentsHonorsCancellation(t *testing.T) {
	gw := newFakeGateway()
	gw.addSession("api", "pm", "dev")

	svc := newTestService(t, gw)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.DiscoverAgents(ctx); err == nil {
		t.Fatal("DiscoverAgents() with cancelled context did not return an error")
	}
}

func TestCycleCountsActiveAndIdle(t *testing.T) {
	gw := newFakeGateway()
	gw.addSession("api", "pm", "dev")
	gw.setPane("api:0", idleChromePane)
	gw.setPane("api:1", idleChromePane)
	gw.setStreaming("api:1")

	svc := newTestService(t, gw)

	if err := svc.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() error = %v", err)
	}

	st := svc.Status()
	if st.CycleCount != 1 {
		t.Errorf("CycleCount = %d, want 1", st.CycleCount)
	}
	if st.ActiveAgents != 1 || st.IdleAgents != 1 {
		t.Errorf("active/idle = %d/%d, want 1/1", st.ActiveAgents, st.IdleAgents)
	}
	if st.ErrorsDetected != 0 {
		t.Errorf("ErrorsDetected = %d, want 0", st.ErrorsDetected)
	}
	if got := len(svc.Agents()); got != 2 {
		t.Errorf("Agents() returned %d, want 2", got)
	}

	// The idle coordinator is never notified about itself and the worker
	// is busy, so nothing goes out.
	if msgs := gw.sentMessages(); len(msgs) != 0 {
		t.Errorf("unexpected messages sent: %+v", msgs)
	}
}

func TestCycleNotifiesCoordinatorOfCrash(t *testing.T) {
	gw := newFakeGateway()
	gw.addSession("api", "pm", "dev")
	gw.setPane("api:0", idleChromePane)
	gw.setPane("api:1", crashedPane)

	svc := newTestService(t, gw)

	if err := svc.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() error = %v", err)
	}

	msgs := gw.sentMessages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1: %+v", len(msgs), msgs)
	}
	if msgs[0].target != "api:0" {
		t.Errorf("message went to %s, want the coordinator api:0", msgs[0].target)
	}
	if !strings.Contains(msgs[0].text, "api:1") {
		t.Errorf("message %q does not name the crashed agent", msgs[0].text)
	}

	if st := svc.Status(); st.ErrorsDetected != 1 {
		t.Errorf("ErrorsDetected = %d, want 1", st.ErrorsDetected)
	}
}

func TestCycleReportsIdleTransitionOnce(t *testing.T) {
	gw := newFakeGateway()
	gw.addSession("api", "pm", "dev")
	gw.setPane("api:0", idleChromePane)
	gw.setPane("api:1", idleChromePane)

	svc := newTestService(t, gw)

	for i := 0; i < 2; i++ {
		if err := svc.Cycle(context.Background()); err != nil {
			t.Fatalf("Cycle() #%d error = %v", i+1, err)
		}
	}

	var idleNotices int
	for _, m := range gw.sentMessages() {
		if strings.Contains(m.text, "gone idle") {
			idleNotices++
			if !strings.Contains(m.text, "api:1") {
				t.Errorf("idle notice %q does not name the worker", m.text)
			}
		}
	}
	if idleNotices != 1 {
		t.Errorf("got %d idle notices across two cycles, want 1", idleNotices)
	}
}

func TestCycleSubmitsQueuedPromptUpToCap(t *testing.T) {
	queuedPane := "╭──────────────────────────────────╮\n│ > fix the parser bug             │\n╰──────────────────────────────────╯\n  ? for shortcuts"

	gw := newFakeGateway()
	gw.addSession("api", "pm", "dev")
	gw.setPane("api:0", idleChromePane)
	gw.setPane("api:1", queuedPane)

	svc := newTestService(t, gw)

	for i := 0; i < 4; i++ {
		if err := svc.Cycle(context.Background()); err != nil {
			t.Fatalf("Cycle() #%d error = %v", i+1, err)
		}
	}

	gw.mu.Lock()
	entered := gw.entered["api:1"]
	gw.mu.Unlock()
	if entered != 3 {
		t.Errorf("pressed enter %d times on the queued prompt, want 3 (capped)", entered)
	}
}

func TestCycleRecoversCrashedCoordinator(t *testing.T) {
	gw := newFakeGateway()
	gw.addSession("api", "pm")
	gw.setPane("api:0", crashedPane)
	gw.relaunchToChrome = true

	svc := newTestService(t, gw)

	// The ladder climbs one rung per cycle; recovery waits for critical.
	for i := 0; i < 2; i++ {
		if err := svc.Cycle(context.Background()); err != nil {
			t.Fatalf("Cycle() #%d error = %v", i+1, err)
		}
	}

	gw.mu.Lock()
	interrupts := gw.ctrlC["api:0"]
	gw.mu.Unlock()
	if interrupts != 0 {
		t.Fatalf("sent %d interrupts before the ladder reached critical, want 0", interrupts)
	}
	h, ok := svc.checker.Health("api:0")
	if !ok {
		t.Fatal("no health record for api:0 after two cycles")
	}
	if h.Status != health.StatusWarning {
		t.Errorf("status after two cycles = %s, want %s", h.Status, health.StatusWarning)
	}

	if err := svc.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() #3 error = %v", err)
	}

	gw.mu.Lock()
	interrupts = gw.ctrlC["api:0"]
	typed := gw.sentText["api:0"]
	entered := gw.entered["api:0"]
	gw.mu.Unlock()
	if interrupts != 2 {
		t.Errorf("sent %d interrupts to api:0, want 2", interrupts)
	}
	if len(typed) != 1 || typed[0] != "claude" {
		t.Errorf("relaunch typed %v, want [claude]", typed)
	}
	if entered != 1 {
		t.Errorf("pressed enter %d times on api:0, want 1", entered)
	}

	// The relaunched pane shows agent chrome again, so the next cycle
	// resets the ladder.
	if err := svc.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() #4 error = %v", err)
	}
	h, _ = svc.checker.Health("api:0")
	if h.Status != health.StatusHealthy {
		t.Errorf("status after relaunch = %s, want %s", h.Status, health.StatusHealthy)
	}
}

func TestCheckHealth(t *testing.T) {
	gw := newFakeGateway()
	gw.addSession("api", "pm", "dev")
	gw.addSession("web", "shell")
	gw.setPane("api:0", crashedPane)
	gw.setPane("api:1", crashedPane)
	gw.setPane("web:0", crashedPane)

	svc := newTestService(t, gw)
	ctx := context.Background()

	results, err := svc.CheckHealth(ctx, "api", -1)
	if err != nil {
		t.Fatalf("CheckHealth(api) error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("CheckHealth(api) returned %d results, want 2", len(results))
	}
	for _, target := range []string{"api:0", "api:1"} {
		h, ok := results[target]
		if !ok {
			t.Fatalf("CheckHealth(api) missing %s", target)
		}
		// A bare shell prompt means the agent process is gone, so the
		// failure ladder starts climbing on the first check.
		if h.Status != health.StatusUnresponsive {
			t.Errorf("%s status = %s, want %s", target, h.Status, health.StatusUnresponsive)
		}
		if h.IsResponsive {
			t.Errorf("%s reported responsive for a dead pane", target)
		}
	}

	results, err = svc.CheckHealth(ctx, "api", 1)
	if err != nil {
		t.Fatalf("CheckHealth(api, 1) error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("CheckHealth(api, 1) returned %d results, want 1", len(results))
	}
	if _, ok := results["api:1"]; !ok {
		t.Errorf("CheckHealth(api, 1) = %v, want only api:1", results)
	}

	if _, err := svc.CheckHealth(ctx, "ghost", -1); err == nil {
		t.Error("CheckHealth(ghost) expected an error for an unknown session")
	}
}

func TestHandleRecoveryRestartsAgent(t *testing.T) {
	gw := newFakeGateway()
	gw.addSession("api", "pm", "dev")
	gw.setPane("api:0", idleChromePane)
	gw.setPane("api:1", crashedPane)
	gw.relaunchToChrome = true

	svc := newTestService(t, gw)

	ok, err := svc.HandleRecovery(context.Background(), "api", 1)
	if err != nil {
		t.Fatalf("HandleRecovery() error = %v", err)
	}
	if !ok {
		t.Fatal("HandleRecovery() = false, want true")
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if gw.ctrlC["api:1"] != 2 {
		t.Errorf("sent %d interrupts to api:1, want 2", gw.ctrlC["api:1"])
	}
	if got := gw.sentText["api:1"]; len(got) != 1 || got[0] != "claude" {
		t.Errorf("relaunch typed %v, want [claude]", got)
	}
	if gw.entered["api:1"] != 1 {
		t.Errorf("pressed enter %d times on api:1, want 1", gw.entered["api:1"])
	}
}

func TestHandleRecoveryUnknownSession(t *testing.T) {
	gw := newFakeGateway()
	gw.addSession("api", "pm")
	gw.setPane("api:0", idleChromePane)

	svc := newTestService(t, gw)

	if _, err := svc.HandleRecovery(context.Background(), "ghost", -1); err == nil {
		t.Error("expected an error for an unknown session")
	}
}

func TestStatusBeforeFirstCycle(t *testing.T) {
	gw := newFakeGateway()
	svc := newTestService(t, gw)

	st := svc.Status()
	if st.IsRunning {
		t.Error("IsRunning = true before Run")
	}
	if st.CycleCount != 0 || st.ActiveAgents != 0 || st.IdleAgents != 0 {
		t.Errorf("fresh status has non-zero counters: %+v", st)
	}
}
