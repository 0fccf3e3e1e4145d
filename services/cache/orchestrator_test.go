package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestOrchestrator(t *testing.T, snaps *SnapshotStore, health *HealthStore, pub Publisher) *Orchestrator {
	t.Helper()
	if snaps == nil {
		snaps = newTestSnapshotStore(nil)
	}
	if health == nil {
		health = NewHealthStore(HealthConfig{})
	}
	orc, err := NewOrchestrator(NewJobStore(), snaps, health, pub, nil, Config{
		Workers:     2,
		HostTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	return orc
}

// countingCollector wraps a CollectorFunc and tracks invocations per host.
type countingCollector struct {
	mu    sync.Mutex
	calls map[string]int
	fn    CollectorFunc
}

func newCountingCollector(fn CollectorFunc) *countingCollector {
	return &countingCollector{calls: make(map[string]int), fn: fn}
}

func (c *countingCollector) Collect(ctx context.Context, hostID, level string) ([]Record, error) {
	c.mu.Lock()
	c.calls[hostID]++
	c.mu.Unlock()
	return c.fn(ctx, hostID, level)
}

func (c *countingCollector) count(hostID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[hostID]
}

func (c *countingCollector) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *recordingPublisher) published(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.subjects {
		if s == subject {
			n++
		}
	}
	return n
}

func okCollector(records map[string][]Record) CollectorFunc {
	return func(_ context.Context, hostID, _ string) ([]Record, error) {
		return records[hostID], nil
	}
}

func TestGetOrRefreshCollectsAndAggregates(t *testing.T) {
	pub := &recordingPublisher{}
	orc := newTestOrchestrator(t, nil, nil, pub)
	key := NewScopeKey(ScopeHosts, []string{"h1", "h2"}, "")

	collector := newCountingCollector(okCollector(map[string][]Record{
		"h1": {{"total_vms": 1}},
		"h2": {{"total_vms": 5}},
	}))

	snap, err := orc.GetOrRefresh(context.Background(), key, false, collector)
	if err != nil {
		t.Fatalf("GetOrRefresh() error = %v", err)
	}
	if snap.Stale {
		t.Fatal("successful refresh produced a stale snapshot")
	}
	if snap.TotalHosts != 2 {
		t.Fatalf("total_hosts = %d, want 2", snap.TotalHosts)
	}
	for _, host := range []string{"h1", "h2"} {
		if snap.HostsStatus[host].State != SnapshotHostOK {
			t.Fatalf("host %s state = %s, want ok", host, snap.HostsStatus[host].State)
		}
		if len(snap.Data[host]) != 1 {
			t.Fatalf("host %s has %d records, want 1", host, len(snap.Data[host]))
		}
	}
	if collector.total() != 2 {
		t.Fatalf("collector invoked %d times, want 2", collector.total())
	}

	if pub.published(RefreshStartedSubject) != 1 || pub.published(RefreshFinishedSubject) != 1 {
		t.Fatalf("lifecycle events = %v", pub.subjects)
	}
	if pub.published(HostCollectedSubject) != 2 {
		t.Fatalf("host events = %v", pub.subjects)
	}
}

func TestGetOrRefreshFreshPathCreatesNoJob(t *testing.T) {
	snaps := newTestSnapshotStore(nil)
	orc := newTestOrchestrator(t, snaps, nil, nil)
	key := NewScopeKey(ScopeHosts, []string{"h1"}, "")

	snaps.UpsertHost(key, "h1", []Record{{"total_vms": 1}}, SnapshotHostStatus{State: SnapshotHostOK})

	collector := newCountingCollector(okCollector(nil))
	snap, err := orc.GetOrRefresh(context.Background(), key, false, collector)
	if err != nil {
		t.Fatalf("GetOrRefresh() error = %v", err)
	}
	if collector.total() != 0 {
		t.Fatalf("fresh path invoked collector %d times", collector.total())
	}
	if got := snap.Data["h1"][0]["total_vms"]; got != 1 {
		t.Fatalf("cached data = %v", got)
	}
}

func TestForceRefreshBypassesFreshCache(t *testing.T) {
	snaps := newTestSnapshotStore(nil)
	orc := newTestOrchestrator(t, snaps, nil, nil)
	key := NewScopeKey(ScopeHosts, []string{"h1"}, "")

	snaps.UpsertHost(key, "h1", []Record{{"total_vms": 1}}, SnapshotHostStatus{State: SnapshotHostOK})

	collector := newCountingCollector(okCollector(map[string][]Record{
		"h1": {{"total_vms": 2}},
	}))
	snap, err := orc.GetOrRefresh(context.Background(), key, true, collector)
	if err != nil {
		t.Fatalf("GetOrRefresh() error = %v", err)
	}
	if collector.count("h1") != 1 {
		t.Fatalf("force refresh skipped collection")
	}
	if got := snap.Data["h1"][0]["total_vms"]; got != 2 {
		t.Fatalf("total_vms = %v, want 2", got)
	}
}

func TestSingleHostFailureIsIsolated(t *testing.T) {
	snaps := newTestSnapshotStore(nil)
	orc := newTestOrchestrator(t, snaps, nil, nil)
	key := NewScopeKey(ScopeHosts, []string{"h1", "h2"}, "")

	first := okCollector(map[string][]Record{
		"h1": {{"total_vms": 1}},
		"h2": {{"total_vms": 5}},
	})
	if _, err := orc.GetOrRefresh(context.Background(), key, true, first); err != nil {
		t.Fatalf("first refresh error = %v", err)
	}

	second := CollectorFunc(func(_ context.Context, hostID, _ string) ([]Record, error) {
		if hostID == "h2" {
			return nil, errors.New("backend unreachable")
		}
		return []Record{{"total_vms": 2}}, nil
	})

	snap, err := orc.GetOrRefresh(context.Background(), key, true, second)
	if err != nil {
		t.Fatalf("second refresh error = %v (single host failure must not fail the request)", err)
	}
	if snap.Stale {
		t.Fatal("partial failure marked the snapshot stale")
	}
	if got := snap.Data["h1"][0]["total_vms"]; got != 2 {
		t.Fatalf("h1 total_vms = %v, want 2", got)
	}
	// The failed host keeps its last-known-good records.
	if got := snap.Data["h2"][0]["total_vms"]; got != 5 {
		t.Fatalf("h2 total_vms = %v, want 5 (prior data wiped)", got)
	}
	if snap.HostsStatus["h2"].State != SnapshotHostError {
		t.Fatalf("h2 state = %s, want error", snap.HostsStatus["h2"].State)
	}
	if snap.HostsStatus["h2"].LastErrorMessage == "" {
		t.Fatal("h2 error message not recorded")
	}
}

func TestTotalFailureMarksStaleButServesOldData(t *testing.T) {
	snaps := newTestSnapshotStore(nil)
	orc := newTestOrchestrator(t, snaps, nil, nil)
	key := NewScopeKey(ScopeHosts, []string{"h1", "h2"}, "")

	first := okCollector(map[string][]Record{
		"h1": {{"total_vms": 1}},
		"h2": {{"total_vms": 5}},
	})
	if _, err := orc.GetOrRefresh(context.Background(), key, true, first); err != nil {
		t.Fatalf("first refresh error = %v", err)
	}

	failing := CollectorFunc(func(_ context.Context, _, _ string) ([]Record, error) {
		return nil, errors.New("backend down")
	})
	snap, err := orc.GetOrRefresh(context.Background(), key, true, failing)
	if err != nil {
		t.Fatalf("refresh with prior data error = %v", err)
	}
	if !snap.Stale || snap.StaleReason != "all hosts failed" {
		t.Fatalf("stale flags = (%v, %q)", snap.Stale, snap.StaleReason)
	}
	if len(snap.Data["h1"]) != 1 || len(snap.Data["h2"]) != 1 {
		t.Fatal("total failure wiped cached data")
	}

	// A later successful refresh clears the flag.
	if snap, err = orc.GetOrRefresh(context.Background(), key, true, first); err != nil {
		t.Fatalf("recovery refresh error = %v", err)
	}
	if snap.Stale {
		t.Fatal("stale flag survived a successful refresh")
	}
}

func TestFirstEverTotalFailureReturnsErrNoData(t *testing.T) {
	orc := newTestOrchestrator(t, nil, nil, nil)
	key := NewScopeKey(ScopeHosts, []string{"h1"}, "")

	failing := CollectorFunc(func(_ context.Context, _, _ string) ([]Record, error) {
		return nil, errors.New("backend down")
	})
	snap, err := orc.GetOrRefresh(context.Background(), key, false, failing)
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("error = %v, want ErrNoData", err)
	}
	// The payload still exposes per-host statuses for diagnostics.
	if snap.HostsStatus["h1"].State != SnapshotHostError {
		t.Fatalf("h1 state = %s, want error", snap.HostsStatus["h1"].State)
	}
}

func TestCooldownSkipsCollectorAndKeepsData(t *testing.T) {
	snaps := newTestSnapshotStore(nil)
	health := NewHealthStore(HealthConfig{FailureThreshold: 3, CooldownBase: time.Minute})
	orc := newTestOrchestrator(t, snaps, health, nil)
	key := NewScopeKey(ScopeHosts, []string{"h1"}, "")

	snaps.UpsertHost(key, "h1", []Record{{"total_vms": 4}}, SnapshotHostStatus{State: SnapshotHostOK})

	// Three consecutive failures push the host into cooldown.
	for i := 0; i < 3; i++ {
		health.RecordFailure("h1")
	}
	if !health.IsCoolingDown("h1", time.Now()) {
		t.Fatal("host not cooling down after threshold failures")
	}

	collector := newCountingCollector(okCollector(nil))
	snap, err := orc.GetOrRefresh(context.Background(), key, true, collector)
	if err != nil {
		t.Fatalf("GetOrRefresh() error = %v", err)
	}
	if collector.total() != 0 {
		t.Fatalf("collector invoked %d times for a cooling-down host", collector.total())
	}
	if snap.HostsStatus["h1"].State != SnapshotHostSkippedCooldown {
		t.Fatalf("h1 state = %s, want skipped_cooldown", snap.HostsStatus["h1"].State)
	}
	if snap.HostsStatus["h1"].CooldownUntil == nil {
		t.Fatal("cooldown deadline not surfaced")
	}
	if got := snap.Data["h1"][0]["total_vms"]; got != 4 {
		t.Fatalf("skip wiped cached data: total_vms = %v", got)
	}
}

func TestHostTimeoutIsDistinctFromError(t *testing.T) {
	orc := newTestOrchestrator(t, nil, nil, nil)
	key := NewScopeKey(ScopeHosts, []string{"slow", "broken"}, "")

	collector := CollectorFunc(func(ctx context.Context, hostID, _ string) ([]Record, error) {
		if hostID == "broken" {
			return nil, errors.New("bad gateway")
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	snap, err := orc.GetOrRefresh(context.Background(), key, false, collector)
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("error = %v, want ErrNoData", err)
	}
	if snap.HostsStatus["slow"].State != SnapshotHostTimeout {
		t.Fatalf("slow state = %s, want timeout", snap.HostsStatus["slow"].State)
	}
	if snap.HostsStatus["broken"].State != SnapshotHostError {
		t.Fatalf("broken state = %s, want error", snap.HostsStatus["broken"].State)
	}
}

func TestConcurrentRequestsJoinOneJob(t *testing.T) {
	orc := newTestOrchestrator(t, nil, nil, nil)
	key := NewScopeKey(ScopeHosts, []string{"h1"}, "")

	release := make(chan struct{})
	var calls atomic.Int32
	collector := CollectorFunc(func(ctx context.Context, _, _ string) ([]Record, error) {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []Record{{"total_vms": 1}}, nil
	})

	const requests = 4
	var wg sync.WaitGroup
	errs := make([]error, requests)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = orc.GetOrRefresh(context.Background(), key, true, collector)
		}(i)
	}

	// Let all requests pile onto the in-flight job before releasing it.
	deadline := time.After(2 * time.Second)
	for calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("collector never invoked")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("request %d error = %v", i, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("collector invoked %d times, want 1 (duplicate jobs started)", got)
	}
}

func TestStartRefreshExposesJobProgress(t *testing.T) {
	orc := newTestOrchestrator(t, nil, nil, nil)
	key := NewScopeKey(ScopeHosts, []string{"h1", "h2"}, "")

	collector := okCollector(map[string][]Record{
		"h1": {{"total_vms": 1}},
		"h2": {{"total_vms": 2}},
	})
	jobID, done, err := orc.StartRefresh(key, collector)
	if err != nil {
		t.Fatalf("StartRefresh() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh did not complete")
	}

	job, err := orc.JobStatus(jobID)
	if err != nil {
		t.Fatalf("JobStatus() error = %v", err)
	}
	if job.State != JobDone {
		t.Fatalf("job state = %s, want done", job.State)
	}
	if job.Progress.Done != 2 {
		t.Fatalf("progress = %+v", job.Progress)
	}
	if job.FinishedAt == nil || job.StartedAt == nil {
		t.Fatal("job timestamps missing")
	}
}

func TestGetOrRefreshEmptyHostSet(t *testing.T) {
	orc := newTestOrchestrator(t, nil, nil, nil)
	key := NewScopeKey(ScopeHosts, nil, "")

	_, err := orc.GetOrRefresh(context.Background(), key, false, okCollector(nil))
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("error = %v, want ErrNoData", err)
	}
}

func TestRefreshPersistsSnapshot(t *testing.T) {
	durable := newMemDurable()
	snaps := newTestSnapshotStore(durable)
	orc := newTestOrchestrator(t, snaps, nil, nil)
	key := NewScopeKey(ScopeHosts, []string{"h1"}, "")

	if _, err := orc.GetOrRefresh(context.Background(), key, true, okCollector(map[string][]Record{
		"h1": {{"total_vms": 1}},
	})); err != nil {
		t.Fatalf("GetOrRefresh() error = %v", err)
	}

	if _, found, _ := durable.Load(context.Background(), key); !found {
		t.Fatal("refresh did not persist the snapshot")
	}
}

func TestRepeatedFailuresEventuallySkip(t *testing.T) {
	snaps := newTestSnapshotStore(nil)
	health := NewHealthStore(HealthConfig{FailureThreshold: 3, CooldownBase: time.Minute})
	orc := newTestOrchestrator(t, snaps, health, nil)
	key := NewScopeKey(ScopeHosts, []string{"h1"}, "")

	collector := newCountingCollector(CollectorFunc(func(_ context.Context, _, _ string) ([]Record, error) {
		return nil, fmt.Errorf("connection refused")
	}))

	// Three failing refreshes cross the threshold; the fourth must skip.
	for i := 0; i < 3; i++ {
		if _, err := orc.GetOrRefresh(context.Background(), key, true, collector); !errors.Is(err, ErrNoData) {
			t.Fatalf("refresh %d error = %v, want ErrNoData", i, err)
		}
	}
	if collector.total() != 3 {
		t.Fatalf("collector invoked %d times, want 3", collector.total())
	}

	snap, err := orc.GetOrRefresh(context.Background(), key, true, collector)
	if err != nil {
		t.Fatalf("skip refresh error = %v", err)
	}
	if collector.total() != 3 {
		t.Fatalf("collector invoked during cooldown (%d calls)", collector.total())
	}
	if snap.HostsStatus["h1"].State != SnapshotHostSkippedCooldown {
		t.Fatalf("h1 state = %s, want skipped_cooldown", snap.HostsStatus["h1"].State)
	}
}
