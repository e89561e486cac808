package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/MEKXH/toolmesh/internal/config"
	"github.com/MEKXH/toolmesh/internal/health"
	"github.com/MEKXH/toolmesh/internal/metrics"
)

const (
	defaultMaxConcurrentServers = 3
	defaultReconnectAttempts    = 5
	defaultReconnectBaseDelay   = time.Second
	defaultReconnectMaxDelay    = 30 * time.Second
)

// StatusChange reports a server status transition.
type StatusChange struct {
	ServerID string
	From     ServerStatus
	To       ServerStatus
	Error    string
	At       time.Time
}

type serverState struct {
	cfg     config.ServerConfig
	order   int
	session *Session
	status  ServerStatus

	connectionCount   int
	reconnectAttempts int
	lastError         string
	lastHealthCheckAt time.Time
	reconnecting      bool
}

// Manager owns every Session and enforces admission, health and reconnect
// policy. Construct one per process and pass it to whoever needs it.
type Manager struct {
	cfg      config.ManagerConfig
	factory  *Factory
	choose   ChooseFunc
	recorder *metrics.Recorder
	openSem  *semaphore.Weighted
	random   func() float64

	mu       sync.RWMutex
	started  bool
	registry *Registry
	servers  map[string]*serverState
	monitor  *health.Monitor
	cancel   context.CancelFunc
	lifetime context.Context
	hooks    []func(StatusChange)
	wg       sync.WaitGroup
}

// NewManager constructs a manager. Zero-valued tunables get defaults.
func NewManager(cfg config.ManagerConfig, connectors Connectors) *Manager {
	if cfg.MaxConcurrentServers <= 0 {
		cfg.MaxConcurrentServers = defaultMaxConcurrentServers
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		cfg.Reconnect.MaxAttempts = defaultReconnectAttempts
	}
	if cfg.Reconnect.BaseDelay <= 0 {
		cfg.Reconnect.BaseDelay = int(defaultReconnectBaseDelay / time.Millisecond)
	}
	if cfg.Reconnect.MaxDelay <= 0 {
		cfg.Reconnect.MaxDelay = int(defaultReconnectMaxDelay / time.Millisecond)
	}
	if cfg.Reconnect.Jitter < 0 || cfg.Reconnect.Jitter > 1 {
		cfg.Reconnect.Jitter = 0
	}

	return &Manager{
		cfg:     cfg,
		factory: NewFactory(connectors, time.Duration(cfg.ServerStartupTimeout)*time.Second),
		choose:  NewChooser(cfg.LoadBalancing.Strategy),
		openSem: semaphore.NewWeighted(int64(cfg.MaxConcurrentServers)),
		random:  rand.Float64,
	}
}

// SetRecorder attaches Prometheus collectors. Call before Start.
func (m *Manager) SetRecorder(rec *metrics.Recorder) {
	m.recorder = rec
}

// SetChooser replaces the load balancing policy. Call before Start.
func (m *Manager) SetChooser(fn ChooseFunc) {
	if fn != nil {
		m.choose = fn
	}
}

// OnStatusChange registers fn for every server status transition. fn runs
// on the goroutine that caused the change and must not block.
func (m *Manager) OnStatusChange(fn func(StatusChange)) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// Started reports whether Start succeeded and Shutdown has not run since.
func (m *Manager) Started() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.started
}

// Start registers servers and opens every enabled one in priority order,
// with at most MaxConcurrentServers opens in flight. Individual open
// failures are recorded, not returned. Invalid configs return a
// *ConfigError before anything is opened. Starting a started manager
// shuts it down first and resets all metrics.
func (m *Manager) Start(ctx context.Context, servers []config.ServerConfig) error {
	registry, err := NewRegistry(servers)
	if err != nil {
		return err
	}
	if m.Started() {
		_ = m.Shutdown()
	}

	states := make(map[string]*serverState, registry.Len())
	for i, cfg := range registry.All() {
		status := StatusPending
		if !cfg.IsEnabled() {
			status = StatusDisabled
		}
		states[cfg.ID] = &serverState{cfg: cfg, order: i, status: status}
	}

	lifetime, cancel := context.WithCancel(context.Background())
	monitor := health.NewMonitor(health.Config{
		Enabled:  m.cfg.HealthMonitoring,
		Interval: time.Duration(m.cfg.HealthCheckInterval) * time.Millisecond,
		Timeout:  time.Duration(m.cfg.HealthCheckTimeout) * time.Millisecond,
	}, m.healthTargets)
	monitor.SetCheckHook(m.observeHealthCheck)

	m.mu.Lock()
	m.registry = registry
	m.servers = states
	m.monitor = monitor
	m.lifetime = lifetime
	m.cancel = cancel
	m.started = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.consumeHealthEvents(lifetime, monitor)

	if !m.cfg.Enabled {
		slog.Info("server manager disabled; no servers opened", "servers", registry.Len())
		return nil
	}

	order := registry.ScheduleOrder()
	slog.Info("server manager starting",
		"servers", registry.Len(),
		"enabled", len(order),
		"max_concurrent_servers", m.cfg.MaxConcurrentServers,
	)

	g := new(errgroup.Group)
	g.SetLimit(m.cfg.MaxConcurrentServers)
	for _, cfg := range order {
		if ctx.Err() != nil {
			break
		}
		// Go blocks while the limit is reached, so admission follows order.
		g.Go(func() error {
			m.setStatus(cfg.ID, StatusConnecting, "")
			if _, err := m.openServer(ctx, cfg); err != nil {
				m.recordFailure(cfg.ID, StatusFailed, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	monitor.Start()

	if err := ctx.Err(); err != nil {
		return err
	}
	ready := 0
	for _, metric := range m.GetMetrics() {
		if metric.Status == StatusReady {
			ready++
		}
	}
	slog.Info("server manager started", "ready", ready, "enabled", len(order))
	return nil
}

// openServer opens one session under the global admission semaphore and
// installs it. The returned error is a *ConnectionError or ctx's error.
func (m *Manager) openServer(ctx context.Context, cfg config.ServerConfig) (*Session, error) {
	if err := m.openSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	session, err := m.factory.Open(ctx, cfg)
	m.openSem.Release(1)
	if err != nil {
		return nil, err
	}
	if !m.install(cfg.ID, session) {
		_ = session.Close()
		return nil, &NotReadyError{ServerID: cfg.ID, Status: StatusClosed}
	}
	return session, nil
}

// install makes session the live session of id, closing any previous one.
// It refuses when the manager stopped or the server was disabled meanwhile.
func (m *Manager) install(id string, session *Session) bool {
	m.mu.Lock()
	st := m.servers[id]
	if !m.started || st == nil || !m.registry.IsEnabled(id) {
		m.mu.Unlock()
		return false
	}
	previous := st.session
	st.session = session
	st.connectionCount++
	st.lastError = ""
	change, changed := m.setStatusLocked(st, StatusReady, "")
	monitor := m.monitor
	m.mu.Unlock()

	if previous != nil && previous != session {
		_ = previous.Close()
	}
	monitor.Track(id)
	m.recorder.ServerOpened(id)
	slog.Info("server ready", "server_id", id, "tools", len(session.Tools()))
	if changed {
		m.emit(change)
	}
	return true
}

func (m *Manager) recordFailure(id string, status ServerStatus, err error) {
	m.mu.Lock()
	st := m.servers[id]
	if st == nil {
		m.mu.Unlock()
		return
	}
	st.lastError = err.Error()
	change, changed := m.setStatusLocked(st, status, st.lastError)
	m.mu.Unlock()

	m.recorder.ServerUp(id, false)
	slog.Warn("server unavailable", "server_id", id, "status", status, "error", err)
	if changed {
		m.emit(change)
	}
}

func (m *Manager) setStatus(id string, status ServerStatus, errText string) {
	m.mu.Lock()
	st := m.servers[id]
	if st == nil {
		m.mu.Unlock()
		return
	}
	change, changed := m.setStatusLocked(st, status, errText)
	m.mu.Unlock()
	if changed {
		m.emit(change)
	}
}

func (m *Manager) setStatusLocked(st *serverState, status ServerStatus, errText string) (StatusChange, bool) {
	if st.status == status {
		return StatusChange{}, false
	}
	change := StatusChange{ServerID: st.cfg.ID, From: st.status, To: status, Error: errText, At: time.Now()}
	st.status = status
	return change, true
}

func (m *Manager) emit(change StatusChange) {
	m.mu.RLock()
	hooks := append([]func(StatusChange){}, m.hooks...)
	m.mu.RUnlock()
	for _, hook := range hooks {
		hook(change)
	}
}

// GetSession returns the ready session of serverID. It never waits.
func (m *Manager) GetSession(serverID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.registry == nil {
		return nil, ErrManagerNotStarted
	}
	st := m.servers[serverID]
	if st == nil {
		return nil, &NotFoundError{ServerID: serverID}
	}
	if st.session == nil || st.status != StatusReady || st.session.State() != StateReady {
		return nil, &NotReadyError{ServerID: serverID, Status: st.status}
	}
	return st.session, nil
}

// TestConnections pings every enabled server, reopening those without a
// ready session. Per-server failures are reported, never returned.
func (m *Manager) TestConnections(ctx context.Context) (ConnectionTestResult, error) {
	m.mu.RLock()
	registry := m.registry
	started := m.started
	m.mu.RUnlock()
	if registry == nil || !started {
		return ConnectionTestResult{}, ErrManagerNotStarted
	}

	order := registry.ScheduleOrder()
	outcomes := make([]error, len(order))

	g := new(errgroup.Group)
	g.SetLimit(m.cfg.MaxConcurrentServers)
	for i, cfg := range order {
		g.Go(func() error {
			outcomes[i] = m.testOne(ctx, cfg)
			return nil
		})
	}
	_ = g.Wait()

	result := ConnectionTestResult{Successful: []string{}, Failed: []FailedConnection{}}
	for i, cfg := range order {
		if outcomes[i] == nil {
			result.Successful = append(result.Successful, cfg.ID)
			continue
		}
		result.Failed = append(result.Failed, FailedConnection{ServerID: cfg.ID, Error: outcomes[i].Error()})
	}
	return result, nil
}

func (m *Manager) testOne(ctx context.Context, cfg config.ServerConfig) error {
	if session, err := m.GetSession(cfg.ID); err == nil {
		pingErr := session.Ping(ctx)
		if pingErr == nil {
			return nil
		}
		slog.Debug("connection test ping failed, reopening", "server_id", cfg.ID, "error", pingErr)
	}
	if !m.cfg.Enabled {
		return errors.New("server manager disabled")
	}
	m.setStatus(cfg.ID, StatusConnecting, "")
	if _, err := m.openServer(ctx, cfg); err != nil {
		m.recordFailure(cfg.ID, StatusFailed, err)
		return err
	}
	return nil
}

// GetServerInfo reads the registry and live enabled overrides.
func (m *Manager) GetServerInfo() (ServerInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.registry == nil {
		return ServerInfo{}, ErrManagerNotStarted
	}

	all := m.registry.All()
	info := ServerInfo{TotalServers: len(all), Servers: make([]ServerSummary, 0, len(all))}
	for _, cfg := range all {
		enabled := m.registry.IsEnabled(cfg.ID)
		if enabled {
			info.EnabledServers++
		}
		status := StatusPending
		if st := m.servers[cfg.ID]; st != nil {
			status = st.status
		}
		info.Servers = append(info.Servers, ServerSummary{
			ID:             cfg.ID,
			Name:           cfg.DisplayName(),
			Description:    cfg.Description,
			ConnectionType: cfg.ConnectionType,
			Priority:       cfg.Priority,
			Enabled:        enabled,
			Status:         status,
		})
	}
	return info, nil
}

// GetMetrics returns a snapshot of every server in registry order.
func (m *Manager) GetMetrics() []ServerMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.registry == nil {
		return nil
	}

	out := make([]ServerMetrics, 0, len(m.servers))
	for _, cfg := range m.registry.All() {
		st := m.servers[cfg.ID]
		if st == nil {
			continue
		}
		metric := ServerMetrics{
			ServerID:          cfg.ID,
			Status:            st.status,
			Health:            string(health.StateUnknown),
			ConnectionCount:   st.connectionCount,
			ReconnectAttempts: st.reconnectAttempts,
			LastError:         st.lastError,
			LastHealthCheckAt: st.lastHealthCheckAt,
		}
		if st.session != nil {
			metric.ToolCount = len(st.session.tools)
		}
		switch {
		case st.status == StatusReady && !m.monitor.Enabled():
			metric.Health = string(health.StateHealthy)
		case st.session != nil && st.session.State() != StateClosed:
			hs, _ := m.monitor.Status(cfg.ID)
			metric.Health = string(hs.State)
		case st.status == StatusClosed || st.status == StatusDisabled || st.status == StatusFailed:
			metric.Health = string(health.StateClosed)
		}
		out = append(out, metric)
	}
	return out
}

// SetEnabled applies a live enabled override. Disabling closes the
// session; enabling opens it through normal admission.
func (m *Manager) SetEnabled(ctx context.Context, serverID string, enabled bool) error {
	m.mu.Lock()
	if m.registry == nil {
		m.mu.Unlock()
		return ErrManagerNotStarted
	}
	if err := m.registry.SetEnabled(serverID, enabled); err != nil {
		m.mu.Unlock()
		return err
	}
	st := m.servers[serverID]
	started := m.started
	cfg := st.cfg

	if !enabled {
		session := st.session
		st.session = nil
		change, changed := m.setStatusLocked(st, StatusDisabled, "")
		monitor := m.monitor
		m.mu.Unlock()

		monitor.Forget(serverID)
		if session != nil {
			if err := session.Close(); err != nil {
				slog.Warn("close disabled server session failed", "server_id", serverID, "error", err)
			}
		}
		m.recorder.ServerUp(serverID, false)
		if changed {
			m.emit(change)
		}
		return nil
	}

	alreadyReady := st.session != nil && st.status == StatusReady
	m.mu.Unlock()
	if alreadyReady || !started || !m.cfg.Enabled {
		if !alreadyReady {
			m.setStatus(serverID, StatusPending, "")
		}
		return nil
	}

	m.setStatus(serverID, StatusConnecting, "")
	if _, err := m.openServer(ctx, cfg); err != nil {
		m.recordFailure(serverID, StatusFailed, err)
		return err
	}
	return nil
}

// Shutdown closes every session best-effort and stops background work.
// Calling it again is a no-op.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	m.cancel()

	var sessions []*Session
	var changes []StatusChange
	for _, cfg := range m.registry.All() {
		st := m.servers[cfg.ID]
		if st == nil {
			continue
		}
		if st.session != nil {
			sessions = append(sessions, st.session)
			st.session = nil
		}
		if st.status != StatusDisabled {
			if change, changed := m.setStatusLocked(st, StatusClosed, ""); changed {
				changes = append(changes, change)
			}
		}
	}
	monitor := m.monitor
	m.mu.Unlock()

	monitor.Stop()
	for _, session := range sessions {
		if err := session.Close(); err != nil {
			slog.Warn("close server session failed", "server_id", session.ServerID(), "error", err)
		}
		m.recorder.ServerUp(session.ServerID(), false)
	}
	m.wg.Wait()
	for _, change := range changes {
		m.emit(change)
	}
	slog.Info("server manager stopped", "closed_sessions", len(sessions))
	return nil
}

// RunHealthChecks probes every live session once, outside the regular interval.
func (m *Manager) RunHealthChecks(ctx context.Context) error {
	m.mu.RLock()
	monitor := m.monitor
	started := m.started
	m.mu.RUnlock()
	if !started {
		return ErrManagerNotStarted
	}
	monitor.RunOnce(ctx)
	return nil
}

func (m *Manager) healthTargets() []health.Target {
	m.mu.RLock()
	defer m.mu.RUnlock()
	targets := make([]health.Target, 0, len(m.servers))
	for _, cfg := range m.registry.All() {
		st := m.servers[cfg.ID]
		if st == nil || st.session == nil || st.session.State() == StateClosed {
			continue
		}
		targets = append(targets, health.Target{ID: cfg.ID, Prober: st.session})
	}
	return targets
}

func (m *Manager) observeHealthCheck(serverID string, err error) {
	m.recorder.HealthCheck(serverID, err)
	m.mu.Lock()
	if st := m.servers[serverID]; st != nil {
		st.lastHealthCheckAt = time.Now()
	}
	m.mu.Unlock()
}

func (m *Manager) consumeHealthEvents(ctx context.Context, monitor *health.Monitor) {
	defer m.wg.Done()
	events := monitor.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if staleHealthEvent(monitor, ev) {
				slog.Debug("dropping stale health event", "server_id", ev.ServerID, "to", ev.To)
				continue
			}
			switch ev.To {
			case health.StateUnhealthy:
				reason := "health probe failed"
				if ev.Err != nil {
					reason = ev.Err.Error()
				}
				m.degrade(ev.ServerID, reason)
			case health.StateHealthy:
				m.recover(ev.ServerID)
			}
		}
	}
}

// staleHealthEvent reports whether the monitor has moved on since ev was
// queued, for example because a tool call failed in between.
func staleHealthEvent(monitor *health.Monitor, ev health.Event) bool {
	current, ok := monitor.Status(ev.ServerID)
	return !ok || current.State != ev.To
}

// degrade marks the session degraded and starts reconnecting when enabled.
// The monitor is told too, so a later passing check recovers the session.
func (m *Manager) degrade(serverID, reason string) {
	m.mu.Lock()
	st := m.servers[serverID]
	if st == nil || st.session == nil || st.status != StatusReady {
		m.mu.Unlock()
		return
	}
	st.session.setState(StateDegraded)
	st.lastError = reason
	change, changed := m.setStatusLocked(st, StatusDegraded, reason)
	monitor := m.monitor
	m.mu.Unlock()

	if monitor != nil {
		monitor.MarkUnhealthy(serverID, reason)
	}

	m.recorder.ServerUp(serverID, false)
	slog.Warn("server degraded", "server_id", serverID, "error", reason)
	if changed {
		m.emit(change)
	}
	if m.cfg.AutoReconnect {
		m.scheduleReconnect(serverID)
	}
}

// recover restores a degraded session that answers probes again.
func (m *Manager) recover(serverID string) {
	m.mu.Lock()
	st := m.servers[serverID]
	if st == nil || st.session == nil || st.status != StatusDegraded || st.reconnecting {
		m.mu.Unlock()
		return
	}
	st.session.setState(StateReady)
	st.lastError = ""
	change, changed := m.setStatusLocked(st, StatusReady, "")
	m.mu.Unlock()

	m.recorder.ServerUp(serverID, true)
	slog.Info("server recovered", "server_id", serverID)
	if changed {
		m.emit(change)
	}
}

func (m *Manager) scheduleReconnect(serverID string) {
	m.mu.Lock()
	st := m.servers[serverID]
	if !m.started || st == nil || st.reconnecting || !m.registry.IsEnabled(serverID) {
		m.mu.Unlock()
		return
	}
	st.reconnecting = true
	cfg := st.cfg
	lifetime := m.lifetime
	m.wg.Add(1)
	m.mu.Unlock()

	go m.reconnectLoop(lifetime, cfg)
}

func (m *Manager) reconnectLoop(ctx context.Context, cfg config.ServerConfig) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		if st := m.servers[cfg.ID]; st != nil {
			st.reconnecting = false
		}
		m.mu.Unlock()
	}()

	policy := m.cfg.Reconnect
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		delay := backoffDelay(policy, attempt, m.random)
		slog.Info("reconnect scheduled", "server_id", cfg.ID, "attempt", attempt, "delay_ms", delay.Milliseconds())
		if err := sleepContext(ctx, delay); err != nil {
			return
		}

		m.mu.Lock()
		st := m.servers[cfg.ID]
		if st == nil || !m.registry.IsEnabled(cfg.ID) {
			m.mu.Unlock()
			return
		}
		st.reconnectAttempts++
		m.mu.Unlock()

		_, err := m.openServer(ctx, cfg)
		if err == nil {
			m.recorder.Reconnect(cfg.ID, metrics.OutcomeSuccess)
			slog.Info("reconnect succeeded", "server_id", cfg.ID, "attempt", attempt)
			return
		}
		lastErr = err
		if ctx.Err() != nil {
			return
		}
		m.recorder.Reconnect(cfg.ID, metrics.OutcomeError)
		slog.Warn("reconnect attempt failed", "server_id", cfg.ID, "attempt", attempt, "error", lastErr)
	}

	m.mu.Lock()
	st := m.servers[cfg.ID]
	var stale *Session
	if st != nil {
		stale = st.session
		st.session = nil
	}
	monitor := m.monitor
	m.mu.Unlock()
	if stale != nil {
		_ = stale.Close()
	}
	monitor.MarkClosed(cfg.ID)
	m.recordFailure(cfg.ID, StatusFailed, fmt.Errorf("reconnect failed after %d attempts: %w", policy.MaxAttempts, lastErr))
}

// backoffDelay is min(base*2^(attempt-1), max) scaled by a uniform factor
// in [1-jitter, 1+jitter].
func backoffDelay(policy config.ReconnectConfig, attempt int, random func() float64) time.Duration {
	base := time.Duration(policy.BaseDelay) * time.Millisecond
	limit := time.Duration(policy.MaxDelay) * time.Millisecond
	if limit < base {
		limit = base
	}
	delay := base
	for i := 1; i < attempt && delay < limit; i++ {
		delay *= 2
	}
	if delay > limit {
		delay = limit
	}
	if policy.Jitter > 0 && random != nil {
		factor := 1 + policy.Jitter*(2*random()-1)
		delay = time.Duration(float64(delay) * factor)
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// markTransportFailure degrades a session after a failed call that the
// server did not report itself, so repairs happen without health probes.
func (m *Manager) markTransportFailure(serverID string, err error) {
	var invErr *ToolInvocationError
	if !errors.As(err, &invErr) || invErr.Remote() {
		return
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return
	}
	if IsNotReady(invErr.Err) {
		return
	}
	m.degrade(serverID, strings.TrimSpace(err.Error()))
}
