package cache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of a refresh job.
type JobState string

const (
	JobPending JobState = "pending"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobError   JobState = "error"
)

// Terminal reports whether the job state permits no further transitions.
func (s JobState) Terminal() bool { return s == JobDone || s == JobError }

// HostJobState is the per-host state within one refresh job.
type HostJobState string

const (
	HostPending         HostJobState = "pending"
	HostRunning         HostJobState = "running"
	HostOK              HostJobState = "ok"
	HostError           HostJobState = "error"
	HostTimeout         HostJobState = "timeout"
	HostSkippedCooldown HostJobState = "skipped_cooldown"
)

// Terminal reports whether the per-host state permits no further transitions.
func (s HostJobState) Terminal() bool {
	switch s {
	case HostOK, HostError, HostTimeout, HostSkippedCooldown:
		return true
	default:
		return false
	}
}

// HostJobStatus records one host's progress within a job. It is owned by the
// job that created it and mutated only through the JobStore while the job is
// active.
type HostJobStatus struct {
	State         HostJobState `json:"state"`
	Attempt       int          `json:"attempt"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	FinishedAt    *time.Time   `json:"finished_at,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	CooldownUntil *time.Time   `json:"cooldown_until,omitempty"`
}

// Progress aggregates per-host states; Done+Error+Pending+Skipped always sums
// to TotalHosts.
type Progress struct {
	TotalHosts int `json:"total_hosts"`
	Done       int `json:"done"`
	Error      int `json:"error"`
	Pending    int `json:"pending"`
	Skipped    int `json:"skipped"`
}

// JobStatus describes one refresh attempt for a ScopeKey. Jobs are retained
// after completion for observability but are never authoritative for serving
// data; the SnapshotStore is.
type JobStatus struct {
	ID              uuid.UUID                `json:"job_id"`
	Key             ScopeKey                 `json:"scope_key"`
	State           JobState                 `json:"status"`
	CreatedAt       time.Time                `json:"created_at"`
	StartedAt       *time.Time               `json:"started_at,omitempty"`
	FinishedAt      *time.Time               `json:"finished_at,omitempty"`
	LastHeartbeatAt time.Time                `json:"last_heartbeat_at"`
	Progress        Progress                 `json:"progress"`
	Hosts           map[string]HostJobStatus `json:"hosts_status"`
	SnapshotKey     string                   `json:"snapshot_key,omitempty"`
	Message         string                   `json:"message,omitempty"`
}

// Sentinel errors for contract violations; these indicate orchestration bugs
// rather than backend faults and are reported, never swallowed.
var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobTerminal     = errors.New("job already terminal")
	ErrHostNotInJob    = errors.New("host not part of job")
	ErrHostTerminal    = errors.New("host state already terminal")
	ErrJobActive       = errors.New("job already active for scope key")
	ErrNonTerminalMark = errors.New("mark requires a terminal host state")
)

// JobStore tracks refresh jobs in memory, at most one active per ScopeKey.
// Safe for concurrent use.
type JobStore struct {
	now func() time.Time

	mu     sync.Mutex
	jobs   map[uuid.UUID]*JobStatus
	active map[ScopeKey]uuid.UUID
}

// NewJobStore creates an empty JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		now:    time.Now,
		jobs:   make(map[uuid.UUID]*JobStatus),
		active: make(map[ScopeKey]uuid.UUID),
	}
}

// Create allocates a pending job for the key with one pending host entry per
// host in the key. It fails with ErrJobActive if a non-terminal job already
// exists for the key.
func (s *JobStore) Create(key ScopeKey) (JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.active[key]; ok {
		if job, exists := s.jobs[id]; exists && !job.State.Terminal() {
			return JobStatus{}, fmt.Errorf("%w: %s held by job %s", ErrJobActive, key, id)
		}
		delete(s.active, key)
	}

	hosts := key.Hosts()
	now := s.now().UTC()
	job := &JobStatus{
		ID:              uuid.New(),
		Key:             key,
		State:           JobPending,
		CreatedAt:       now,
		LastHeartbeatAt: now,
		Progress:        Progress{TotalHosts: len(hosts), Pending: len(hosts)},
		Hosts:           make(map[string]HostJobStatus, len(hosts)),
		SnapshotKey:     key.String(),
	}
	for _, h := range hosts {
		job.Hosts[h] = HostJobStatus{State: HostPending}
	}

	s.jobs[job.ID] = job
	s.active[key] = job.ID
	return cloneJob(job), nil
}

// Get returns a copy of the job, or ErrJobNotFound.
func (s *JobStore) Get(id uuid.UUID) (JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return JobStatus{}, ErrJobNotFound
	}
	return cloneJob(job), nil
}

// Active returns the id of the non-terminal job for the key, if one exists.
func (s *JobStore) Active(key ScopeKey) (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.active[key]
	if !ok {
		return uuid.Nil, false
	}
	job, exists := s.jobs[id]
	if !exists || job.State.Terminal() {
		return uuid.Nil, false
	}
	return id, true
}

// Start moves a pending job to running and stamps StartedAt.
func (s *JobStore) Start(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.State.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrJobTerminal, id, job.State)
	}
	if job.State == JobRunning {
		return nil
	}
	now := s.now().UTC()
	job.State = JobRunning
	job.StartedAt = &now
	job.LastHeartbeatAt = now
	return nil
}

// Heartbeat stamps LastHeartbeatAt so an external watchdog can detect stuck
// jobs.
func (s *JobStore) Heartbeat(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.LastHeartbeatAt = s.now().UTC()
	return nil
}

// MarkHostRunning transitions one pending host to running and increments its
// attempt counter.
func (s *JobStore) MarkHostRunning(id uuid.UUID, hostID string) error {
	hostID = NormalizeHostID(hostID)

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	hs, ok := job.Hosts[hostID]
	if !ok {
		return fmt.Errorf("%w: %q in job %s", ErrHostNotInJob, hostID, id)
	}
	if hs.State.Terminal() {
		return fmt.Errorf("%w: %q is %s", ErrHostTerminal, hostID, hs.State)
	}
	now := s.now().UTC()
	hs.State = HostRunning
	hs.Attempt++
	hs.StartedAt = &now
	job.Hosts[hostID] = hs
	job.LastHeartbeatAt = now
	return nil
}

// MarkHost transitions one host to a terminal state, recomputes progress, and
// finalizes the job once every host is terminal: done when at least one host
// succeeded or all were skipped, error otherwise. Marking a host of an unknown
// job or one already terminal returns a sentinel error; the store is left
// unchanged.
func (s *JobStore) MarkHost(id uuid.UUID, hostID string, state HostJobState, errMsg string) error {
	hostID = NormalizeHostID(hostID)
	if !state.Terminal() {
		return fmt.Errorf("%w: %s", ErrNonTerminalMark, state)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	hs, ok := job.Hosts[hostID]
	if !ok {
		return fmt.Errorf("%w: %q in job %s", ErrHostNotInJob, hostID, id)
	}
	if hs.State.Terminal() {
		return fmt.Errorf("%w: %q is %s", ErrHostTerminal, hostID, hs.State)
	}

	now := s.now().UTC()
	hs.State = state
	hs.FinishedAt = &now
	hs.LastError = errMsg
	job.Hosts[hostID] = hs
	job.LastHeartbeatAt = now

	job.Progress = recomputeProgress(job.Hosts)
	s.finalizeLocked(job, now)
	return nil
}

// SetHostCooldown records the cooldown deadline on a skipped host's status.
func (s *JobStore) SetHostCooldown(id uuid.UUID, hostID string, until *time.Time) error {
	hostID = NormalizeHostID(hostID)

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	hs, ok := job.Hosts[hostID]
	if !ok {
		return fmt.Errorf("%w: %q in job %s", ErrHostNotInJob, hostID, id)
	}
	hs.CooldownUntil = until
	job.Hosts[hostID] = hs
	return nil
}

// finalizeLocked moves the job to a terminal state once every host is
// terminal. Caller holds the mutex.
func (s *JobStore) finalizeLocked(job *JobStatus, now time.Time) {
	if job.State.Terminal() {
		return
	}
	okCount, skipped := 0, 0
	for _, hs := range job.Hosts {
		if !hs.State.Terminal() {
			return
		}
		switch hs.State {
		case HostOK:
			okCount++
		case HostSkippedCooldown:
			skipped++
		}
	}

	if okCount > 0 || skipped == len(job.Hosts) {
		job.State = JobDone
	} else {
		job.State = JobError
		job.Message = "all targeted hosts failed"
	}
	job.FinishedAt = &now
	delete(s.active, job.Key)
}

func recomputeProgress(hosts map[string]HostJobStatus) Progress {
	p := Progress{TotalHosts: len(hosts)}
	for _, hs := range hosts {
		switch hs.State {
		case HostOK:
			p.Done++
		case HostError, HostTimeout:
			p.Error++
		case HostSkippedCooldown:
			p.Skipped++
		default:
			p.Pending++
		}
	}
	return p
}

func cloneJob(job *JobStatus) JobStatus {
	out := *job
	out.StartedAt = cloneTime(job.StartedAt)
	out.FinishedAt = cloneTime(job.FinishedAt)
	out.Hosts = make(map[string]HostJobStatus, len(job.Hosts))
	for h, hs := range job.Hosts {
		hs.StartedAt = cloneTime(hs.StartedAt)
		hs.FinishedAt = cloneTime(hs.FinishedAt)
		hs.CooldownUntil = cloneTime(hs.CooldownUntil)
		out.Hosts[h] = hs
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
