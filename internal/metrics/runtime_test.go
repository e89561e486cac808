package metrics

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRuntimeMetrics_AggregatesToolAndQueryStats(t *testing.T) {
	recorder := NewRuntimeMetrics(t.TempDir())

	snap, err := recorder.RecordToolExecution("fs", 120*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("RecordToolExecution success error: %v", err)
	}
	if snap.Tool.Total != 1 || snap.Tool.Errors != 0 || snap.Tool.Timeouts != 0 {
		t.Fatalf("unexpected first tool snapshot: %+v", snap.Tool)
	}

	_, _ = recorder.RecordToolExecution("fs", 250*time.Millisecond, errors.New("exec failed"))
	_, _ = recorder.RecordToolExecution("web", 2*time.Second, context.DeadlineExceeded)
	snap, _ = recorder.RecordToolExecution("web", 1500*time.Millisecond, errors.New("request timed out"))

	if snap.Tool.Total != 4 || snap.Tool.Errors != 3 || snap.Tool.Timeouts != 2 {
		t.Fatalf("unexpected tool totals: %+v", snap.Tool)
	}
	if got := snap.Tool.ErrorRatio(); got < 0.74 || got > 0.76 {
		t.Fatalf("expected error ratio about 0.75, got %.4f", got)
	}
	if got := snap.Tool.TimeoutRatio(); got < 0.49 || got > 0.51 {
		t.Fatalf("expected timeout ratio about 0.50, got %.4f", got)
	}
	if snap.Tool.MaxLatencyMs != 2000 || snap.Tool.LastLatencyMs != 1500 {
		t.Fatalf("unexpected latency fields: %+v", snap.Tool)
	}
	if snap.Tool.P95ProxyLatencyMs != 2000 {
		t.Fatalf("expected p95 proxy 2000ms, got %d", snap.Tool.P95ProxyLatencyMs)
	}

	fs, web := snap.Servers["fs"], snap.Servers["web"]
	if fs.Total != 2 || fs.Errors != 1 || fs.Timeouts != 0 {
		t.Fatalf("unexpected fs stats: %+v", fs)
	}
	if web.Total != 2 || web.Timeouts != 2 {
		t.Fatalf("unexpected web stats: %+v", web)
	}

	_, _ = recorder.RecordQuery(QueryOutcome{Steps: 2})
	_, _ = recorder.RecordQuery(QueryOutcome{Steps: 1, StepBudgetExceeded: true})
	snap, _ = recorder.RecordQuery(QueryOutcome{Steps: 3, TimedOut: true})

	if snap.Query.Total != 3 || snap.Query.StepBudgetWarnings != 1 || snap.Query.TimeoutWarnings != 1 {
		t.Fatalf("unexpected query snapshot: %+v", snap.Query)
	}
	if got := snap.Query.AvgSteps(); got != 2 {
		t.Fatalf("expected avg steps 2, got %.2f", got)
	}
}

func TestRuntimeMetrics_UnattributedCallsOnlyCountTotals(t *testing.T) {
	recorder := NewRuntimeMetrics("")
	snap, err := recorder.RecordToolExecution("  ", time.Millisecond, nil)
	if err != nil {
		t.Fatalf("in-memory recorder should not fail: %v", err)
	}
	if snap.Tool.Total != 1 || len(snap.Servers) != 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestRuntimeMetrics_ReadRuntimeSnapshot(t *testing.T) {
	dir := t.TempDir()
	recorder := NewRuntimeMetrics(dir)
	if _, err := recorder.RecordToolExecution("fs", 99*time.Millisecond, nil); err != nil {
		t.Fatalf("RecordToolExecution error: %v", err)
	}
	if _, err := recorder.RecordQuery(QueryOutcome{Steps: 1, Failed: true}); err != nil {
		t.Fatalf("RecordQuery error: %v", err)
	}

	snap, err := ReadRuntimeSnapshot(dir)
	if err != nil {
		t.Fatalf("ReadRuntimeSnapshot error: %v", err)
	}
	if snap.Tool.Total != 1 || snap.Query.Total != 1 || snap.Query.Failed != 1 {
		t.Fatalf("unexpected loaded snapshot: %+v", snap)
	}
	if snap.Servers["fs"].Total != 1 {
		t.Fatalf("expected per-server stats persisted, got %+v", snap.Servers)
	}
	if !snap.HasData() {
		t.Fatal("expected snapshot to report data")
	}
}

func TestRuntimeMetrics_ContinuesAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	first := NewRuntimeMetrics(dir)
	for range 19 {
		_, _ = first.RecordToolExecution("fs", 20*time.Millisecond, nil)
	}

	second := NewRuntimeMetrics(dir)
	snap, err := second.RecordToolExecution("fs", 20*time.Second, nil)
	if err != nil {
		t.Fatalf("RecordToolExecution error: %v", err)
	}
	if snap.Tool.Total != 20 || snap.Servers["fs"].Total != 20 {
		t.Fatalf("expected counters to continue, got %+v", snap.Tool)
	}
	// 19 of 20 calls sit in the 25ms bucket, so the 95th lands there.
	if snap.Tool.P95ProxyLatencyMs != 25 {
		t.Fatalf("expected p95 proxy 25ms from restored buckets, got %d", snap.Tool.P95ProxyLatencyMs)
	}
}

func TestRuntimeMetrics_SnapshotIsACopy(t *testing.T) {
	recorder := NewRuntimeMetrics("")
	_, _ = recorder.RecordToolExecution("fs", time.Millisecond, nil)
	snap := recorder.Snapshot()
	snap.Servers["fs"] = ToolStats{}
	snap.Tool.Buckets[0] = 99

	again := recorder.Snapshot()
	if again.Servers["fs"].Total != 1 || again.Tool.Buckets[0] != 1 {
		t.Fatalf("snapshot shares state with recorder: %+v", again)
	}
}

func TestReadRuntimeSnapshot_MissingFile(t *testing.T) {
	snap, err := ReadRuntimeSnapshot(t.TempDir())
	if err != nil {
		t.Fatalf("ReadRuntimeSnapshot error: %v", err)
	}
	if snap.HasData() {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
}

func TestBucketQuantile(t *testing.T) {
	buckets := make([]int64, len(latencyBoundsMs)+1)
	if got := bucketQuantile(buckets, 0, 0.95); got != 0 {
		t.Fatalf("empty quantile = %d", got)
	}
	buckets[len(buckets)-1] = 1
	if got := bucketQuantile(buckets, 1, 0.95); got != 30000 {
		t.Fatalf("overflow quantile = %d", got)
	}
}

func TestRuntimeMetrics_NilSafe(t *testing.T) {
	var recorder *RuntimeMetrics
	if _, err := recorder.RecordToolExecution("x", time.Millisecond, nil); err != nil {
		t.Fatalf("nil recorder should not fail: %v", err)
	}
	if snap := recorder.Snapshot(); snap.HasData() {
		t.Fatalf("nil recorder snapshot should be empty: %+v", snap)
	}
}
