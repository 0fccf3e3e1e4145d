package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultWorkers        = 4
	defaultHostTimeout    = 10 * time.Second
	defaultRefreshTimeout = 2 * time.Minute
	defaultMaxAgeVMs      = 5 * time.Minute
	defaultMaxAgeHosts    = 15 * time.Minute
)

// ErrNoData is returned when a first-ever collection for a scope fails on
// every host, leaving nothing servable.
var ErrNoData = errors.New("no inventory data available")

// Config controls refresh scheduling behaviour.
type Config struct {
	// Workers bounds how many hosts of one job are collected concurrently.
	Workers int
	// HostTimeout is the per-host collector budget; exceeding it records a
	// timeout outcome for that host only.
	HostTimeout time.Duration
	// RefreshTimeout bounds one whole refresh job.
	RefreshTimeout time.Duration
	// MaxAgeVMs / MaxAgeHosts are the staleness horizons per scope type.
	MaxAgeVMs   time.Duration
	MaxAgeHosts time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.HostTimeout <= 0 {
		c.HostTimeout = defaultHostTimeout
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = defaultRefreshTimeout
	}
	if c.MaxAgeVMs <= 0 {
		c.MaxAgeVMs = defaultMaxAgeVMs
	}
	if c.MaxAgeHosts <= 0 {
		c.MaxAgeHosts = defaultMaxAgeHosts
	}
	return c
}

type inflight struct {
	jobID uuid.UUID
	done  chan struct{}
}

// Orchestrator drives snapshot refreshes: it serves fresh cache hits, opens
// jobs, dispatches per-host collection through a bounded worker pool, feeds
// outcomes into the JobStore and SnapshotStore, and decides staleness at
// job completion. At most one job per ScopeKey is in flight; concurrent
// requests for the same key join it instead of starting another.
type Orchestrator struct {
	jobs   *JobStore
	snaps  *SnapshotStore
	health *HealthStore
	bus    Publisher
	logger *log.Logger
	cfg    Config
	now    func() time.Time

	mu       sync.Mutex
	inflight map[ScopeKey]*inflight
}

// NewOrchestrator wires the stores together. bus may be nil to disable event
// publishing; logger may be nil to discard logs.
func NewOrchestrator(jobs *JobStore, snaps *SnapshotStore, health *HealthStore, bus Publisher, logger *log.Logger, cfg Config) (*Orchestrator, error) {
	if jobs == nil {
		return nil, errors.New("job store is required")
	}
	if snaps == nil {
		return nil, errors.New("snapshot store is required")
	}
	if health == nil {
		return nil, errors.New("health store is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Orchestrator{
		jobs:     jobs,
		snaps:    snaps,
		health:   health,
		bus:      bus,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		inflight: make(map[ScopeKey]*inflight),
	}, nil
}

// MaxAge returns the staleness horizon for a scope type.
func (o *Orchestrator) MaxAge(scope Scope) time.Duration {
	if scope == ScopeHosts {
		return o.cfg.MaxAgeHosts
	}
	return o.cfg.MaxAgeVMs
}

// JobStatus returns the tracked status of a refresh job.
func (o *Orchestrator) JobStatus(id uuid.UUID) (JobStatus, error) {
	return o.jobs.Get(id)
}

// GetOrRefresh is the single entry point for callers. A fresh cached snapshot
// is returned without any job being created. Otherwise a refresh runs (or an
// in-flight one is joined) and the best available snapshot is returned: a
// host failure never fails the request, and even total failure still yields
// the stale last-known-good payload. Only a first-ever collection with total
// failure, or a store contract violation, produces a non-nil error.
func (o *Orchestrator) GetOrRefresh(ctx context.Context, key ScopeKey, force bool, collector Collector) (SnapshotPayload, error) {
	if !force && o.snaps.IsFresh(key, o.MaxAge(key.Scope)) {
		snap, err := o.snaps.Get(key)
		if err == nil {
			cacheServesTotal.WithLabelValues("fresh").Inc()
			return snap, nil
		}
	}

	if key.HostCount() == 0 {
		snap, err := o.snaps.Get(key)
		if err != nil {
			return SnapshotPayload{}, fmt.Errorf("%w: scope key %s targets no hosts", ErrNoData, key)
		}
		return snap, nil
	}

	if collector == nil {
		return SnapshotPayload{}, errors.New("collector is required")
	}

	_, done, err := o.StartRefresh(key, collector)
	if err != nil {
		return SnapshotPayload{}, err
	}

	select {
	case <-done:
	case <-ctx.Done():
		// The refresh continues in the background; serve whatever exists.
		if snap, getErr := o.snaps.Get(key); getErr == nil {
			return snap, ctx.Err()
		}
		return SnapshotPayload{}, ctx.Err()
	}

	snap, err := o.snaps.Get(key)
	if err != nil {
		return SnapshotPayload{}, err
	}
	cacheServesTotal.WithLabelValues("refreshed").Inc()
	if snap.Stale && len(snap.Data) == 0 {
		return snap, fmt.Errorf("%w: %s", ErrNoData, key)
	}
	return snap, nil
}

// StartRefresh opens a refresh job for the key, or joins the one already in
// flight, and returns its id plus a channel closed at completion. The job
// runs in the background with its own timeout budget, so a caller abandoning
// the request does not abort collection.
func (o *Orchestrator) StartRefresh(key ScopeKey, collector Collector) (uuid.UUID, <-chan struct{}, error) {
	if collector == nil {
		return uuid.Nil, nil, errors.New("collector is required")
	}
	if key.HostCount() == 0 {
		return uuid.Nil, nil, fmt.Errorf("scope key %s targets no hosts", key)
	}

	o.mu.Lock()
	if fl, ok := o.inflight[key]; ok {
		o.mu.Unlock()
		cacheServesTotal.WithLabelValues("joined").Inc()
		return fl.jobID, fl.done, nil
	}

	job, err := o.jobs.Create(key)
	if err != nil {
		o.mu.Unlock()
		return uuid.Nil, nil, err
	}
	fl := &inflight{jobID: job.ID, done: make(chan struct{})}
	o.inflight[key] = fl
	o.mu.Unlock()

	go o.run(fl, key, collector)
	return job.ID, fl.done, nil
}

// run executes one refresh job end to end.
func (o *Orchestrator) run(fl *inflight, key ScopeKey, collector Collector) {
	activeJobs.Inc()
	defer func() {
		o.mu.Lock()
		delete(o.inflight, key)
		o.mu.Unlock()
		activeJobs.Dec()
		close(fl.done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.RefreshTimeout)
	defer cancel()

	jobID := fl.jobID
	if err := o.jobs.Start(jobID); err != nil {
		o.logger.Printf("ERROR start job %s: %v", jobID, err)
		return
	}

	hosts := key.Hosts()
	o.publish(ctx, RefreshStartedSubject, refreshStartedEvent{
		JobID:      jobID,
		ScopeKey:   key.String(),
		TotalHosts: len(hosts),
		StartedAt:  o.now().UTC(),
	})

	sem := make(chan struct{}, o.cfg.Workers)
	var wg sync.WaitGroup
	dispatchTime := o.now()

	for _, host := range hosts {
		if o.health.IsCoolingDown(host, dispatchTime) {
			o.skipHost(ctx, jobID, key, host)
			continue
		}

		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			o.collectHost(ctx, jobID, key, host, collector)
		}(host)
	}
	wg.Wait()

	job, err := o.jobs.Get(jobID)
	if err != nil {
		o.logger.Printf("ERROR finalize job %s: %v", jobID, err)
		return
	}

	if job.State == JobError {
		o.snaps.MarkStale(key, "all hosts failed")
	} else {
		o.snaps.ClearStale(key)
	}
	refreshesTotal.WithLabelValues(string(key.Scope), string(job.State)).Inc()

	if err := o.snaps.Persist(ctx, key); err != nil {
		// Best effort; the in-memory snapshot stays authoritative.
		o.logger.Printf("WARN persist after job %s: %v", jobID, err)
	}

	snapStale := job.State == JobError
	o.publish(ctx, RefreshFinishedSubject, refreshFinishedEvent{
		JobID:      jobID,
		ScopeKey:   key.String(),
		Status:     job.State,
		Progress:   job.Progress,
		Stale:      snapStale,
		FinishedAt: o.now().UTC(),
	})
}

// skipHost records a cooldown skip in both stores without touching any
// cached data for the host.
func (o *Orchestrator) skipHost(ctx context.Context, jobID uuid.UUID, key ScopeKey, host string) {
	until := o.health.CooldownUntil(host)
	if err := o.jobs.SetHostCooldown(jobID, host, until); err != nil {
		o.logger.Printf("ERROR cooldown on job %s host %s: %v", jobID, host, err)
	}
	if err := o.jobs.MarkHost(jobID, host, HostSkippedCooldown, ""); err != nil {
		o.logger.Printf("ERROR mark skip on job %s host %s: %v", jobID, host, err)
		return
	}

	o.snaps.UpsertHost(key, host, nil, SnapshotHostStatus{
		State:         SnapshotHostSkippedCooldown,
		CooldownUntil: until,
		LastJobID:     jobID.String(),
	})
	hostOutcomesTotal.WithLabelValues(string(HostSkippedCooldown)).Inc()

	o.publish(ctx, HostCollectedSubject, hostCollectedEvent{
		JobID:    jobID,
		ScopeKey: key.String(),
		HostID:   host,
		State:    HostSkippedCooldown,
	})
}

// collectHost runs the collector for one host under the per-host timeout and
// fans the outcome into both stores. A failed host never wipes previously
// cached records; a successful one replaces them wholesale.
func (o *Orchestrator) collectHost(ctx context.Context, jobID uuid.UUID, key ScopeKey, host string, collector Collector) {
	if err := o.jobs.MarkHostRunning(jobID, host); err != nil {
		o.logger.Printf("ERROR dispatch job %s host %s: %v", jobID, host, err)
		return
	}
	if err := o.jobs.Heartbeat(jobID); err != nil {
		o.logger.Printf("ERROR heartbeat job %s: %v", jobID, err)
	}

	hctx, cancel := context.WithTimeout(ctx, o.cfg.HostTimeout)
	defer cancel()

	start := o.now()
	records, err := collector.Collect(hctx, host, key.Level)
	collectDuration.Observe(o.now().Sub(start).Seconds())

	finished := o.now().UTC()
	if err != nil {
		state := HostError
		if isTimeout(err) || errors.Is(hctx.Err(), context.DeadlineExceeded) {
			state = HostTimeout
		}

		o.health.RecordFailure(host)
		if markErr := o.jobs.MarkHost(jobID, host, state, err.Error()); markErr != nil {
			o.logger.Printf("ERROR mark failure on job %s host %s: %v", jobID, host, markErr)
		}
		o.snaps.UpsertHost(key, host, nil, SnapshotHostStatus{
			State:            SnapshotHostState(state),
			LastErrorAt:      &finished,
			CooldownUntil:    o.health.CooldownUntil(host),
			LastJobID:        jobID.String(),
			LastErrorType:    string(state),
			LastErrorMessage: err.Error(),
		})
		hostOutcomesTotal.WithLabelValues(string(state)).Inc()

		o.publish(ctx, HostCollectedSubject, hostCollectedEvent{
			JobID:    jobID,
			ScopeKey: key.String(),
			HostID:   host,
			State:    state,
			Error:    err.Error(),
		})
		return
	}

	if records == nil {
		records = []Record{}
	}
	o.health.RecordSuccess(host)
	if markErr := o.jobs.MarkHost(jobID, host, HostOK, ""); markErr != nil {
		o.logger.Printf("ERROR mark success on job %s host %s: %v", jobID, host, markErr)
	}
	o.snaps.UpsertHost(key, host, records, SnapshotHostStatus{
		State:         SnapshotHostOK,
		LastSuccessAt: &finished,
		LastJobID:     jobID.String(),
	})
	hostOutcomesTotal.WithLabelValues(string(HostOK)).Inc()

	o.publish(ctx, HostCollectedSubject, hostCollectedEvent{
		JobID:    jobID,
		ScopeKey: key.String(),
		HostID:   host,
		State:    HostOK,
	})
}

func (o *Orchestrator) publish(ctx context.Context, subject string, v any) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, subject, v); err != nil {
		o.logger.Printf("WARN publish %s: %v", subject, err)
	}
}
