package health

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultInterval  = 30 * time.Second
	defaultTimeout   = 5 * time.Second
	eventBufferSize  = 64
	maxParallelProbe = 16
)

// State is the health of one tracked session.
type State string

const (
	StateUnknown   State = "unknown"
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
	StateClosed    State = "closed"
)

// Prober performs a lightweight liveness query.
type Prober interface {
	Ping(ctx context.Context) error
}

// Target is one session to probe.
type Target struct {
	ID     string
	Prober Prober
}

// TargetsFunc lists the sessions to probe on each round.
type TargetsFunc func() []Target

// Event reports a health state transition.
type Event struct {
	ServerID string
	From     State
	To       State
	Err      error
	At       time.Time
}

// Status is the last known health of one session.
type Status struct {
	State               State     `json:"state"`
	LastCheck           time.Time `json:"last_check"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// CheckHook observes every probe result.
type CheckHook func(serverID string, err error)

// Config controls probe cadence.
type Config struct {
	Enabled  bool
	Interval time.Duration
	Timeout  time.Duration
}

// Monitor periodically probes sessions and emits state changes.
type Monitor struct {
	cfg     Config
	targets TargetsFunc
	events  chan Event
	onCheck CheckHook

	now func() time.Time

	mu       sync.RWMutex
	statuses map[string]*Status
	stopCh   chan struct{}
	stopped  chan struct{}
	running  bool
}

// NewMonitor creates a health monitor.
func NewMonitor(cfg Config, targets TargetsFunc) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Monitor{
		cfg:      cfg,
		targets:  targets,
		events:   make(chan Event, eventBufferSize),
		now:      time.Now,
		statuses: make(map[string]*Status),
	}
}

// Events delivers state transitions. The channel is never closed.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// SetCheckHook registers fn to observe every probe. Call before Start.
func (m *Monitor) SetCheckHook(fn CheckHook) {
	m.mu.Lock()
	m.onCheck = fn
	m.mu.Unlock()
}

func (m *Monitor) Enabled() bool {
	return m.cfg.Enabled
}

// IsRunning returns true when the probe loop is active.
func (m *Monitor) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Start launches the periodic probe loop. It is a no-op when monitoring is
// disabled or already running.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	if !m.cfg.Enabled {
		slog.Info("health monitoring disabled")
		return
	}

	m.stopCh = make(chan struct{})
	m.stopped = make(chan struct{})
	m.running = true

	go m.loop(m.stopCh, m.stopped)
	slog.Info("health monitor started", "interval", m.cfg.Interval.String(), "timeout", m.cfg.Timeout.String())
}

// Stop halts the probe loop and waits for an in-flight round to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	stopCh := m.stopCh
	stopped := m.stopped
	m.running = false
	m.stopCh = nil
	m.stopped = nil
	m.mu.Unlock()

	close(stopCh)
	<-stopped
	slog.Info("health monitor stopped")
}

func (m *Monitor) loop(stopCh <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce probes every target concurrently and records the outcome.
func (m *Monitor) RunOnce(ctx context.Context) {
	if m.targets == nil {
		return
	}
	targets := m.targets()
	if len(targets) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelProbe)
	for _, target := range targets {
		if strings.TrimSpace(target.ID) == "" || target.Prober == nil {
			continue
		}
		g.Go(func() error {
			m.probe(gctx, target)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Monitor) probe(ctx context.Context, target Target) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	start := m.now()
	err := target.Prober.Ping(probeCtx)
	if err != nil && ctx.Err() != nil {
		// Stopping, not a verdict on the server.
		return
	}
	slog.Debug("health probe",
		"server_id", target.ID,
		"duration_ms", m.now().Sub(start).Milliseconds(),
		"ok", err == nil,
	)

	m.mu.RLock()
	hook := m.onCheck
	m.mu.RUnlock()
	if hook != nil {
		hook(target.ID, err)
	}

	if ev, changed := m.record(target.ID, err); changed {
		m.emit(ctx, ev)
	}
}

func (m *Monitor) record(id string, err error) (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.statusLocked(id)
	if st.State == StateClosed {
		return Event{}, false
	}
	from := st.State
	st.LastCheck = m.now()
	if err != nil {
		st.State = StateUnhealthy
		st.LastError = err.Error()
		st.ConsecutiveFailures++
	} else {
		st.State = StateHealthy
		st.LastError = ""
		st.ConsecutiveFailures = 0
	}
	if from == st.State {
		return Event{}, false
	}
	return Event{ServerID: id, From: from, To: st.State, Err: err, At: st.LastCheck}, true
}

func (m *Monitor) emit(ctx context.Context, ev Event) {
	slog.Info("health state changed", "server_id", ev.ServerID, "from", ev.From, "to", ev.To)
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}

func (m *Monitor) statusLocked(id string) *Status {
	st, ok := m.statuses[id]
	if !ok {
		st = &Status{State: StateUnknown}
		m.statuses[id] = st
	}
	return st
}

// Status returns the last known health of id.
func (m *Monitor) Status(id string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.statuses[id]
	if !ok {
		return Status{State: StateUnknown}, false
	}
	return *st, true
}

// Track resets id to unknown, typically after a fresh session was opened.
func (m *Monitor) Track(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[id] = &Status{State: StateUnknown}
}

// MarkClosed stops reporting transitions for id until it is tracked again.
func (m *Monitor) MarkClosed(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.statusLocked(id)
	st.State = StateClosed
}

// MarkUnhealthy records a failure seen elsewhere, such as a broken tool
// call, without emitting an event. The next passing check then reports
// unhealthy to healthy. Closed ids are left alone.
func (m *Monitor) MarkUnhealthy(id, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.statusLocked(id)
	if st.State == StateClosed {
		return
	}
	st.State = StateUnhealthy
	st.LastError = reason
}

// Forget drops all state for id.
func (m *Monitor) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, id)
}
