// Package monitor sequences the monitoring components into cycles. It is
// the only place components are wired together; no component calls another
// directly.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fleetwatch/fleetwatch/internal/cache"
	"github.com/fleetwatch/fleetwatch/internal/config"
	"github.com/fleetwatch/fleetwatch/internal/detect"
	"github.com/fleetwatch/fleetwatch/internal/escalate"
	"github.com/fleetwatch/fleetwatch/internal/health"
	"github.com/fleetwatch/fleetwatch/internal/heartbeat"
	"github.com/fleetwatch/fleetwatch/internal/logging"
	"github.com/fleetwatch/fleetwatch/internal/notify"
	"github.com/fleetwatch/fleetwatch/internal/pool"
	"github.com/fleetwatch/fleetwatch/internal/ratelimit"
	"github.com/fleetwatch/fleetwatch/internal/tmux"
)

const (
	// captureLines bounds how much pane scrollback one capture pulls.
	captureLines = 100

	// maxConcurrentChecks caps the concurrent scheduling model regardless
	// of configuration.
	maxConcurrentChecks = 20

	// maxSubmitAttempts bounds auto-submission of queued prompts per agent.
	maxSubmitAttempts = 3
)

// Status is the external view of the monitor, consumed by the CLI.
type Status struct {
	IsRunning      bool          `json:"isRunning"`
	ActiveAgents   int           `json:"activeAgents"`
	IdleAgents     int           `json:"idleAgents"`
	CycleCount     int           `json:"cycleCount"`
	LastCycleTime  time.Time     `json:"lastCycleTime"`
	LastCycleTook  time.Duration `json:"lastCycleTook"`
	ErrorsDetected int           `json:"errorsDetected"`
	Uptime         time.Duration `json:"uptime"`
}

// Service owns every monitoring component and drives them cycle by cycle.
type Service struct {
	cfg       *config.Config
	pool      *pool.Pool
	cache     *cache.Cache
	checker   *health.Checker
	tracker   *health.Tracker
	notifier  *notify.Manager
	escalator *escalate.Timer
	limiter   *ratelimit.Handler
	publisher *heartbeat.Publisher
	recovery  *recoveryManager
	log       *logging.Logger

	mu             sync.Mutex
	running        bool
	startedAt      time.Time
	cycleCount     int
	lastCycleTime  time.Time
	lastCycleTook  time.Duration
	errorsDetected int
	activeAgents   int
	idleAgents     int
	agents         []AgentInfo
}

// New builds a Service from configuration. The factory produces gateway
// handles for the connection pool; pass a fake for tests.
func New(cfg *config.Config, factory pool.Factory) (*Service, error) {
	p, err := pool.New(factory, pool.Options{
		Min:            cfg.PoolMinSize,
		Max:            cfg.PoolMaxSize,
		AcquireTimeout: cfg.PoolAcquireTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("monitor: create pool: %w", err)
	}

	s := &Service{
		cfg:  cfg,
		pool: p,
		cache: cache.New(cache.LayerTTLs{
			PaneContent: cfg.CachePaneTTL,
			AgentStatus: cfg.CacheStatusTTL,
			SessionInfo: cfg.CacheSessionTTL,
			Config:      cfg.CacheConfigTTL,
		}),
		checker:   health.NewChecker(cfg.MaxFailures, cfg.ResponseTimeout, cfg.RecoveryCooldown),
		tracker:   health.NewTracker(),
		notifier:  notify.NewManager(cfg.NotificationCooldown),
		escalator: escalate.NewTimer(cfg.EscalationThresholds),
		limiter:   ratelimit.NewHandler(cfg.RateLimitBuffer, cfg.RateLimitMaxSleep),
		log:       logging.WithComponent("monitor"),
	}
	s.recovery = newRecoveryManager(s.withGateway)
	s.limiter.Notify = s.sendImmediate
	s.notifier.EnableDesktop(cfg.DesktopNotifications)

	if cfg.RedisURL != "" {
		pub, err := heartbeat.NewPublisher(cfg.RedisURL, 2*cfg.MonitorInterval)
		if err != nil {
			// Telemetry is optional; monitoring runs without it.
			s.log.WithError(err).Warn("heartbeat publisher disabled")
		} else {
			s.publisher = pub
		}
	}

	if err := s.tracker.Load(cfg.SnapshotFile()); err != nil {
		s.log.WithError(err).Warn("could not load tracker snapshot, starting cold")
	}

	return s, nil
}

// Close releases the pool, the heartbeat connection, and persists the
// tracker snapshot for a warm restart.
func (s *Service) Close() {
	if err := s.tracker.Save(s.cfg.SnapshotFile()); err != nil {
		s.log.WithError(err).Warn("could not save tracker snapshot")
	}
	s.notifier.Reset()
	if s.publisher != nil {
		_ = s.publisher.Close()
	}
	s.pool.Close()
}

// withGateway runs fn with a pooled gateway handle.
func (s *Service) withGateway(ctx context.Context, fn func(gw tmux.Gateway) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(conn)
	return fn(conn.Gateway)
}

// capture reads the target's pane through the pane-content cache layer.
func (s *Service) capture(ctx context.Context, target string) (string, error) {
	layer := s.cache.Layer(cache.LayerPaneContent)
	v, err := layer.GetOrCompute(target, 0, func() (interface{}, error) {
		var content string
		err := s.withGateway(ctx, func(gw tmux.Gateway) error {
			var err error
			content, err = gw.Capture(target, captureLines)
			return err
		})
		return content, err
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// captureFresh reads the pane bypassing the cache; the idle sampler needs
// temporally spaced captures, which a cached read would collapse.
func (s *Service) captureFresh(ctx context.Context, target string) (string, error) {
	var content string
	err := s.withGateway(ctx, func(gw tmux.Gateway) error {
		var err error
		content, err = gw.Capture(target, captureLines)
		return err
	})
	return content, err
}

// observation is the per-agent result of the gather phase. Shared maps are
// only mutated afterwards, from the single post-gather phase.
type observation struct {
	info    AgentInfo
	content string
	state   detect.AgentState
	idle    bool
	fresh   bool
	err     error
}

// observe captures and classifies one agent. Idle is decided by sampling
// only when classification alone says Active.
func (s *Service) observe(ctx context.Context, info AgentInfo) observation {
	obs := observation{info: info}

	content, err := s.capture(ctx, info.Target)
	if err != nil {
		obs.err = err
		return obs
	}
	obs.content = content
	obs.state = detect.Classify(content)
	obs.fresh = detect.IsFreshInstance(content)

	if obs.state == detect.StateActive {
		idle, err := detect.SampleIdle(ctx, func(ctx context.Context) (string, error) {
			return s.captureFresh(ctx, info.Target)
		})
		if err != nil {
			obs.err = err
			return obs
		}
		if idle {
			obs.idle = true
			obs.state = detect.StateIdle
		}
	}
	return obs
}

// gather observes every agent, sequentially or with bounded concurrency
// depending on configuration. Results keep discovery order.
func (s *Service) gather(ctx context.Context, agents []AgentInfo) []observation {
	results := make([]observation, len(agents))

	workers := s.cfg.ConcurrentChecks
	if workers > maxConcurrentChecks {
		workers = maxConcurrentChecks
	}
	if workers <= 1 {
		for i, info := range agents {
			results[i] = s.observe(ctx, info)
		}
		return results
	}

	sem := semaphore.NewWeighted(int64(workers))
	var wg sync.WaitGroup
	for i, info := range agents {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = observation{info: info, err: err}
			continue
		}
		wg.Add(1)
		go func(i int, info AgentInfo) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = s.observe(ctx, info)
		}(i, info)
	}
	wg.Wait()
	return results
}

// Cycle runs one full monitoring pass: discover, observe, update health,
// notify, escalate, handle rate limits, flush, publish.
func (s *Service) Cycle(ctx context.Context) error {
	started := time.Now()

	agents, err := s.DiscoverAgents(ctx)
	if err != nil {
		s.recordCycle(started, 0, 0, 1)
		return err
	}

	s.mu.Lock()
	s.agents = agents
	s.mu.Unlock()

	// Point escalations and notifications at the first coordinator seen.
	// Multi-session fleets route per-session inside the escalation pass.
	for _, a := range agents {
		if a.IsCoordinator() {
			s.notifier.SetCoordinator(a.Target)
			break
		}
	}

	observations := s.gather(ctx, agents)

	// Post-gather phase: all shared state mutation happens here, on one
	// goroutine, regardless of the scheduling model.
	now := time.Now()
	var cycleErrs, active, idle int
	var rateLimitBanner string
	live := make(map[string]bool, len(agents))

	for _, obs := range observations {
		live[obs.info.Target] = true
		log := s.log.WithTarget(obs.info.Target)

		if obs.err != nil {
			cycleErrs++
			s.checker.RecordFailure(obs.info.Target, now)
			log.WithError(obs.err).Warn("agent check failed")
			continue
		}

		s.tracker.Update(obs.info.Target, obs.content, obs.idle, obs.fresh, now)

		// A typed-but-unsubmitted prompt gets submitted on the agent's
		// behalf, unless the instance is fresh (its welcome screen can
		// render a prompt box we must not poke at).
		if obs.state == detect.StateMessageQueued && !obs.fresh {
			s.submitQueued(ctx, obs.info.Target, log)
		}

		// Report the transition into idleness, once; staying idle is the
		// escalation timer's concern.
		if obs.idle {
			if rec, ok := s.tracker.Record(obs.info.Target); ok && rec.ConsecutiveIdle == 1 {
				s.notifier.Notify(notify.CategoryIdle, obs.info.Target,
					fmt.Sprintf("agent %s has gone idle", obs.info.Target))
			}
		}

		// A crashed or errored pane is idle in the liveness sense: nothing
		// in it is responding. With no chrome present the responsiveness
		// rule then climbs the failure ladder toward recovery.
		h := s.checker.Observe(obs.info.Target, health.Observation{
			Content:           obs.content,
			Idle:              obs.idle || obs.state.NeedsRecovery(),
			ChromePresent:     detect.HasChrome(obs.content),
			CriticalIndicator: detect.HasCriticalIndicator(obs.content),
			ObservedAt:        now,
		})

		if obs.idle {
			idle++
		} else {
			active++
		}
		if obs.state == detect.StateRateLimited && rateLimitBanner == "" {
			rateLimitBanner = obs.content
		}

		degraded := h.Status == health.StatusCritical || h.Status == health.StatusUnresponsive
		if !degraded && !obs.state.NeedsRecovery() {
			continue
		}
		cycleErrs++

		if obs.info.IsCoordinator() {
			if s.checker.ShouldAttemptRecovery(obs.info.Target, now) {
				s.checker.MarkRecovery(obs.info.Target, now)
				if err := s.recovery.Attempt(ctx, obs.info.Target); err != nil {
					log.WithError(err).Error("coordinator recovery failed")
					s.notifier.Notify(notify.CategoryCrash, obs.info.Target,
						fmt.Sprintf("coordinator %s is down and recovery failed: %v", obs.info.Target, err))
				} else {
					log.Info("coordinator recovered")
				}
			}
			continue
		}

		if category, ok := notify.CategoryFor(obs.state); ok {
			s.notifier.Notify(category, obs.info.Target,
				fmt.Sprintf("agent %s needs attention (state=%s, health=%s)", obs.info.Target, obs.state, h.Status))
		} else if degraded {
			s.notifier.Notify(notify.CategoryCrash, obs.info.Target,
				fmt.Sprintf("agent %s is %s after %d failed checks", obs.info.Target, h.Status, h.ConsecutiveFailures))
		}
	}

	s.checker.Prune(live)
	s.tracker.Prune(live)

	s.escalatePass(ctx, observations, now)

	if rateLimitBanner != "" {
		if err := s.limiter.Pause(ctx, rateLimitBanner, now); err != nil {
			cycleErrs++
			s.log.WithError(err).Warn("could not schedule rate limit pause")
		}
	}

	s.flushNotifications(ctx)
	s.recordCycle(started, active, idle, cycleErrs)
	s.publish(ctx, observations)

	return nil
}

// submitQueued presses Enter on a pane holding an unsubmitted prompt, up to
// maxSubmitAttempts times per agent lifetime so a stuck prompt box cannot be
// hammered forever.
func (s *Service) submitQueued(ctx context.Context, target string, log *logging.Logger) {
	if rec, ok := s.tracker.Record(target); ok && rec.SubmissionAttempts >= maxSubmitAttempts {
		return
	}
	err := s.withGateway(ctx, func(gw tmux.Gateway) error {
		return gw.PressEnter(target)
	})
	if err != nil {
		log.WithError(err).Warn("could not submit queued message")
		return
	}
	s.tracker.RecordSubmission(target)
	log.Info("submitted queued message")
}

// escalatePass feeds per-session idle observations to the escalation timer.
func (s *Service) escalatePass(ctx context.Context, observations []observation, now time.Time) {
	bySession := make(map[string][]observation)
	for _, obs := range observations {
		bySession[obs.info.Session] = append(bySession[obs.info.Session], obs)
	}

	for session, group := range bySession {
		allIdle := true
		coordinator := ""
		for _, obs := range group {
			if obs.info.IsCoordinator() {
				coordinator = obs.info.Target
			}
			// A failed check is not evidence of idleness.
			if obs.err != nil || !obs.idle {
				allIdle = false
			}
		}

		err := s.withGateway(ctx, func(gw tmux.Gateway) error {
			for _, action := range s.escalator.Observe(session, allIdle, coordinator, now, gw) {
				log := s.log.WithSession(session).WithField("threshold", action.Threshold.String())
				if action.Err != nil {
					log.WithError(action.Err).Warn("escalation action failed")
				} else {
					log.Info("escalation " + string(action.Kind))
				}
			}
			return nil
		})
		if err != nil {
			s.log.WithSession(session).WithError(err).Warn("escalation pass skipped")
		}
	}
}

// flushNotifications delivers the queued notifications via the gateway.
func (s *Service) flushNotifications(ctx context.Context) {
	err := s.withGateway(ctx, func(gw tmux.Gateway) error {
		_, errs := s.notifier.SendQueued(gw)
		if errs > 0 {
			s.mu.Lock()
			s.errorsDetected += errs
			s.mu.Unlock()
		}
		return nil
	})
	if err != nil {
		s.log.WithError(err).Warn("could not flush notifications")
	}
}

// sendImmediate enqueues one rate-limit notice and flushes straight away so
// it reaches the coordinator before the pause begins.
func (s *Service) sendImmediate(ctx context.Context, message string) error {
	if !s.notifier.Notify(notify.CategoryRateLimit, "monitor", message) {
		return nil
	}
	return s.withGateway(ctx, func(gw tmux.Gateway) error {
		_, errs := s.notifier.SendQueued(gw)
		if errs > 0 {
			return fmt.Errorf("notice delivery failed")
		}
		return nil
	})
}

func (s *Service) recordCycle(started time.Time, active, idle, errs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycleCount++
	s.lastCycleTime = started
	s.lastCycleTook = time.Since(started)
	s.errorsDetected += errs
	s.activeAgents = active
	s.idleAgents = idle
}

// publish pushes the cycle snapshot to Redis when telemetry is configured.
func (s *Service) publish(ctx context.Context, observations []observation) {
	if s.publisher == nil {
		return
	}

	s.mu.Lock()
	snap := heartbeat.CycleSnapshot{
		Timestamp:      time.Now().Unix(),
		CycleCount:     s.cycleCount,
		ActiveAgents:   s.activeAgents,
		IdleAgents:     s.idleAgents,
		ErrorsDetected: s.errorsDetected,
		CycleMillis:    s.lastCycleTook.Milliseconds(),
		Agents:         make(map[string]heartbeat.AgentSnapshot, len(observations)),
	}
	s.mu.Unlock()

	for _, obs := range observations {
		if obs.err != nil {
			continue
		}
		agent := heartbeat.AgentSnapshot{
			Target:  obs.info.Target,
			Session: obs.info.Session,
			State:   string(obs.state),
			IsIdle:  obs.idle,
		}
		if h, ok := s.checker.Health(obs.info.Target); ok {
			agent.Status = string(h.Status)
			agent.LastActivity = h.LastHeartbeat.Unix()
		}
		snap.Agents[obs.info.Target] = agent
	}

	if err := s.publisher.PublishCycle(ctx, snap); err != nil {
		s.log.WithError(err).Debug("heartbeat publish failed")
	}
}

// Run drives cycles until the context is cancelled, sleeping the monitor
// interval between them. Cancellation is honored between cycles and at the
// cycle's own suspension points.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.log.WithField("interval", s.cfg.MonitorInterval.String()).Info("monitor loop started")

	for {
		if err := s.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.WithError(err).Warn("cycle failed")
		}

		select {
		case <-ctx.Done():
			s.log.Info("monitor loop stopping")
			return ctx.Err()
		case <-time.After(s.cfg.MonitorInterval):
		}
	}
}

// Status reports the monitor's current counters.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		IsRunning:      s.running,
		ActiveAgents:   s.activeAgents,
		IdleAgents:     s.idleAgents,
		CycleCount:     s.cycleCount,
		LastCycleTime:  s.lastCycleTime,
		LastCycleTook:  s.lastCycleTook,
		ErrorsDetected: s.errorsDetected,
	}
	if s.running {
		st.Uptime = time.Since(s.startedAt)
	}
	return st
}

// DiscoverAgents enumerates the current fleet.
func (s *Service) DiscoverAgents(ctx context.Context) ([]AgentInfo, error) {
	var agents []AgentInfo
	err := s.withGateway(ctx, func(gw tmux.Gateway) error {
		var err error
		agents, err = discoverAgents(gw, s.cache.Layer(cache.LayerSessionInfo))
		return err
	})
	return agents, err
}

// CheckHealth runs an on-demand health check for one session, or one window
// within it when window >= 0. Results are keyed by target.
func (s *Service) CheckHealth(ctx context.Context, session string, window int) (map[string]health.AgentHealth, error) {
	agents, err := s.DiscoverAgents(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]health.AgentHealth)
	now := time.Now()
	for _, info := range agents {
		if info.Session != session {
			continue
		}
		if window >= 0 && info.Window != window {
			continue
		}

		obs := s.observe(ctx, info)
		if obs.err != nil {
			out[info.Target] = s.checker.RecordFailure(info.Target, now)
			continue
		}
		out[info.Target] = s.checker.Observe(info.Target, health.Observation{
			Content:           obs.content,
			Idle:              obs.idle || obs.state.NeedsRecovery(),
			ChromePresent:     detect.HasChrome(obs.content),
			CriticalIndicator: detect.HasCriticalIndicator(obs.content),
			ObservedAt:        now,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("monitor: no agents found in session %q", session)
	}
	return out, nil
}

// HandleRecovery forces a recovery attempt for one session's agents, or one
// window within it when window >= 0. The health checker's cooldown is
// bypassed; this is an operator action.
func (s *Service) HandleRecovery(ctx context.Context, session string, window int) (bool, error) {
	agents, err := s.DiscoverAgents(ctx)
	if err != nil {
		return false, err
	}

	attempted := false
	for _, info := range agents {
		if info.Session != session {
			continue
		}
		if window >= 0 && info.Window != window {
			continue
		}

		attempted = true
		s.checker.MarkRecovery(info.Target, time.Now())
		if err := s.recovery.Attempt(ctx, info.Target); err != nil {
			return false, fmt.Errorf("monitor: recover %s: %w", info.Target, err)
		}
	}
	if !attempted {
		return false, fmt.Errorf("monitor: no agents found in session %q", session)
	}
	return true, nil
}

// Agents returns the most recent discovery result.
func (s *Service) Agents() []AgentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AgentInfo, len(s.agents))
	copy(out, s.agents)
	return out
}
