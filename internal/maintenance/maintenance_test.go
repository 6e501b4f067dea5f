package maintenance

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeCache struct {
	calls   atomic.Int32
	lastAge atomic.Int64
	evicted int
}

func (f *fakeCache) EvictIdle(maxAge time.Duration) int {
	f.calls.Add(1)
	f.lastAge.Store(int64(maxAge))
	return f.evicted
}

type fakeBuckets struct {
	calls  atomic.Int32
	pruned int
}

func (f *fakeBuckets) Prune(time.Duration) int {
	f.calls.Add(1)
	return f.pruned
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- New ---

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(&fakeCache{}, &fakeBuckets{}, "not a cron expression", time.Minute, nil, discardLogger())
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestNewAcceptsFiveFieldSchedule(t *testing.T) {
	for _, spec := range []string{"*/5 * * * *", "0 3 * * *", "* * * * *"} {
		if _, err := New(&fakeCache{}, &fakeBuckets{}, spec, time.Minute, nil, discardLogger()); err != nil {
			t.Errorf("schedule %q rejected: %v", spec, err)
		}
	}
}

// --- Sweep ---

func TestSweepReportsCounts(t *testing.T) {
	cache := &fakeCache{evicted: 3}
	buckets := &fakeBuckets{pruned: 7}
	j, err := New(cache, buckets, "*/5 * * * *", 30*time.Minute, nil, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	rep := j.Sweep()
	if rep.ModulesEvicted != 3 {
		t.Errorf("ModulesEvicted = %d, want 3", rep.ModulesEvicted)
	}
	if rep.BucketsPruned != 7 {
		t.Errorf("BucketsPruned = %d, want 7", rep.BucketsPruned)
	}
	if got := time.Duration(cache.lastAge.Load()); got != 30*time.Minute {
		t.Errorf("EvictIdle called with %v, want 30m", got)
	}
}

func TestSweepToleratesNilTargets(t *testing.T) {
	j, err := New(nil, nil, "* * * * *", time.Minute, nil, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	rep := j.Sweep()
	if rep.ModulesEvicted != 0 || rep.BucketsPruned != 0 {
		t.Errorf("report = %+v, want zeros", rep)
	}
}

func TestSweepRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	cache := &fakeCache{evicted: 2}
	j, err := New(cache, &fakeBuckets{pruned: 1}, "* * * * *", time.Minute, m, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	j.Sweep()
	j.Sweep()

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				got[mf.GetName()] = c.GetValue()
			}
		}
	}
	if got["ironclaw_maintenance_sweeps_total"] != 2 {
		t.Errorf("sweeps_total = %v, want 2", got["ironclaw_maintenance_sweeps_total"])
	}
	if got["ironclaw_maintenance_modules_evicted_total"] != 4 {
		t.Errorf("modules_evicted_total = %v, want 4", got["ironclaw_maintenance_modules_evicted_total"])
	}
	if got["ironclaw_maintenance_buckets_pruned_total"] != 2 {
		t.Errorf("buckets_pruned_total = %v, want 2", got["ironclaw_maintenance_buckets_pruned_total"])
	}
}

func TestNewMetricsNilRegistry(t *testing.T) {
	if m := NewMetrics(nil); m != nil {
		t.Errorf("NewMetrics(nil) = %v, want nil", m)
	}
}

// --- Start ---

func waitFor(t *testing.T, deadline time.Duration, cond func() bool) {
	t.Helper()
	stop := time.Now().Add(deadline)
	for time.Now().Before(stop) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStartFiresOnSchedule(t *testing.T) {
	cache := &fakeCache{}
	j, err := New(cache, &fakeBuckets{}, "* * * * *", time.Minute, nil, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	current := time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC)
	j.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	j.pollInterval = time.Millisecond

	stop := j.Start(context.Background())
	defer stop()

	// Nothing fires before the next minute boundary.
	time.Sleep(20 * time.Millisecond)
	if got := cache.calls.Load(); got != 0 {
		t.Fatalf("sweep fired early, calls = %d", got)
	}

	// Cross the boundary; the next poll fires a sweep.
	mu.Lock()
	current = time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)
	mu.Unlock()
	waitFor(t, 2*time.Second, func() bool { return cache.calls.Load() == 1 })

	// Advancing another minute fires exactly one more.
	mu.Lock()
	current = time.Date(2026, 1, 1, 0, 2, 1, 0, time.UTC)
	mu.Unlock()
	waitFor(t, 2*time.Second, func() bool { return cache.calls.Load() == 2 })
}

func TestStartStopsOnCancel(t *testing.T) {
	cache := &fakeCache{}
	j, err := New(cache, &fakeBuckets{}, "* * * * *", time.Minute, nil, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	j.pollInterval = time.Millisecond
	// Pin the clock mid-minute so no boundary can be crossed.
	j.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC) }

	stop := j.Start(context.Background())
	stop()

	// The loop exits; later polls never fire.
	time.Sleep(20 * time.Millisecond)
	if got := cache.calls.Load(); got != 0 {
		t.Errorf("calls = %d after stop, want 0", got)
	}
}
