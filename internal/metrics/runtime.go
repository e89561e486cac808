package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

const runtimeMetricsFileName = "runtime_metrics.json"

// latencyBoundsMs are the upper bounds of the latency buckets. Latencies
// above the last bound land in an extra overflow bucket.
var latencyBoundsMs = []int64{10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000}

// RuntimeSnapshot is what `toolmesh status` reads back from disk.
type RuntimeSnapshot struct {
	UpdatedAt time.Time            `json:"updated_at"`
	Tool      ToolStats            `json:"tool"`
	Servers   map[string]ToolStats `json:"servers,omitempty"`
	Query     QueryStats           `json:"query"`
}

// ToolStats aggregates tool call outcomes.
type ToolStats struct {
	Total             int64   `json:"total"`
	Errors            int64   `json:"errors"`
	Timeouts          int64   `json:"timeouts"`
	TotalLatencyMs    int64   `json:"total_latency_ms"`
	MaxLatencyMs      int64   `json:"max_latency_ms"`
	LastLatencyMs     int64   `json:"last_latency_ms"`
	P95ProxyLatencyMs int64   `json:"p95_proxy_latency_ms"`
	Buckets           []int64 `json:"latency_buckets,omitempty"`
}

func (t ToolStats) ErrorRatio() float64   { return ratio(t.Errors, t.Total) }
func (t ToolStats) TimeoutRatio() float64 { return ratio(t.Timeouts, t.Total) }
func (t ToolStats) AvgLatencyMs() float64 { return ratio(t.TotalLatencyMs, t.Total) }

func (t *ToolStats) record(latencyMs int64, runErr error) {
	t.Total++
	t.TotalLatencyMs += latencyMs
	t.LastLatencyMs = latencyMs
	t.MaxLatencyMs = max(t.MaxLatencyMs, latencyMs)
	if runErr != nil {
		t.Errors++
		if isTimeoutError(runErr) {
			t.Timeouts++
		}
	}
	if len(t.Buckets) != len(latencyBoundsMs)+1 {
		t.Buckets = make([]int64, len(latencyBoundsMs)+1)
	}
	i, _ := slices.BinarySearch(latencyBoundsMs, latencyMs)
	t.Buckets[i]++
	t.P95ProxyLatencyMs = bucketQuantile(t.Buckets, t.Total, 0.95)
}

func (t ToolStats) clone() ToolStats {
	t.Buckets = slices.Clone(t.Buckets)
	return t
}

// QueryStats aggregates agent query outcomes.
type QueryStats struct {
	Total              int64 `json:"total"`
	Failed             int64 `json:"failed"`
	TotalSteps         int64 `json:"total_steps"`
	StepBudgetWarnings int64 `json:"step_budget_warnings"`
	TimeoutWarnings    int64 `json:"timeout_warnings"`
}

func (q QueryStats) AvgSteps() float64 { return ratio(q.TotalSteps, q.Total) }

// QueryOutcome describes one finished agent query.
type QueryOutcome struct {
	Steps              int
	Failed             bool
	StepBudgetExceeded bool
	TimedOut           bool
}

func (s RuntimeSnapshot) HasData() bool {
	return s.Tool.Total > 0 || s.Query.Total > 0
}

func (s RuntimeSnapshot) clone() RuntimeSnapshot {
	s.Tool = s.Tool.clone()
	if s.Servers != nil {
		servers := make(map[string]ToolStats, len(s.Servers))
		for id, st := range s.Servers {
			servers[id] = st.clone()
		}
		s.Servers = servers
	}
	return s
}

// RuntimeMetrics keeps a running snapshot and rewrites it to disk after
// every update. Counters continue from the file left by the previous run.
type RuntimeMetrics struct {
	path string

	mu   sync.Mutex
	snap RuntimeSnapshot
}

// NewRuntimeMetrics persists to <stateDir>/runtime_metrics.json. An empty
// stateDir keeps the snapshot in memory only.
func NewRuntimeMetrics(stateDir string) *RuntimeMetrics {
	m := &RuntimeMetrics{path: runtimeMetricsPath(stateDir)}
	if stateDir != "" {
		if prev, err := ReadRuntimeSnapshot(stateDir); err == nil {
			m.snap = prev
		}
	}
	return m
}

func (m *RuntimeMetrics) Snapshot() RuntimeSnapshot {
	if m == nil {
		return RuntimeSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.clone()
}

// RecordToolExecution counts one tool call against the totals and against
// server, when given.
func (m *RuntimeMetrics) RecordToolExecution(server string, duration time.Duration, runErr error) (RuntimeSnapshot, error) {
	latencyMs := max(duration.Milliseconds(), 0)
	return m.update(func(s *RuntimeSnapshot) {
		s.Tool.record(latencyMs, runErr)
		if server = strings.TrimSpace(server); server != "" {
			if s.Servers == nil {
				s.Servers = make(map[string]ToolStats)
			}
			st := s.Servers[server]
			st.record(latencyMs, runErr)
			s.Servers[server] = st
		}
	})
}

func (m *RuntimeMetrics) RecordQuery(outcome QueryOutcome) (RuntimeSnapshot, error) {
	return m.update(func(s *RuntimeSnapshot) {
		q := &s.Query
		q.Total++
		q.TotalSteps += int64(outcome.Steps)
		if outcome.Failed {
			q.Failed++
		}
		if outcome.StepBudgetExceeded {
			q.StepBudgetWarnings++
		}
		if outcome.TimedOut {
			q.TimeoutWarnings++
		}
	})
}

func (m *RuntimeMetrics) update(fn func(*RuntimeSnapshot)) (RuntimeSnapshot, error) {
	if m == nil {
		return RuntimeSnapshot{}, nil
	}
	m.mu.Lock()
	fn(&m.snap)
	m.snap.UpdatedAt = time.Now().UTC()
	snap := m.snap.clone()
	m.mu.Unlock()

	return snap, writeSnapshot(m.path, snap)
}

// ReadRuntimeSnapshot loads the snapshot persisted in stateDir. A missing
// file yields an empty snapshot.
func ReadRuntimeSnapshot(stateDir string) (RuntimeSnapshot, error) {
	raw, err := os.ReadFile(runtimeMetricsPath(stateDir))
	if errors.Is(err, os.ErrNotExist) {
		return RuntimeSnapshot{}, nil
	}
	if err != nil {
		return RuntimeSnapshot{}, fmt.Errorf("read runtime metrics: %w", err)
	}
	var snap RuntimeSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return RuntimeSnapshot{}, fmt.Errorf("decode runtime metrics: %w", err)
	}
	return snap, nil
}

func runtimeMetricsPath(stateDir string) string {
	if strings.TrimSpace(stateDir) == "" {
		return ""
	}
	return filepath.Join(stateDir, runtimeMetricsFileName)
}

// writeSnapshot replaces the file through a rename so readers never see a
// half written snapshot.
func writeSnapshot(path string, snap RuntimeSnapshot) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create runtime metrics dir: %w", err)
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode runtime metrics: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write runtime metrics: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace runtime metrics: %w", err)
	}
	return nil
}

// bucketQuantile returns the upper bound of the bucket holding the q-th
// quantile. The overflow bucket reports the largest bound.
func bucketQuantile(buckets []int64, total int64, q float64) int64 {
	if total <= 0 {
		return 0
	}
	target := max(int64(float64(total)*q), 1)
	var seen int64
	for i, n := range buckets {
		seen += n
		if seen >= target && i < len(latencyBoundsMs) {
			return latencyBoundsMs[i]
		}
	}
	return latencyBoundsMs[len(latencyBoundsMs)-1]
}

func ratio(n, d int64) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out")
}
