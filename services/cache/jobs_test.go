package cache

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func mustCreateJob(t *testing.T, s *JobStore, hosts ...string) JobStatus {
	t.Helper()
	job, err := s.Create(NewScopeKey(ScopeHosts, hosts, ""))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return job
}

func assertProgressSums(t *testing.T, job JobStatus) {
	t.Helper()
	p := job.Progress
	if sum := p.Done + p.Error + p.Pending + p.Skipped; sum != p.TotalHosts {
		t.Fatalf("progress counts sum to %d, want %d (%+v)", sum, p.TotalHosts, p)
	}
}

func TestJobStoreCreateInitializesPendingHosts(t *testing.T) {
	s := NewJobStore()
	job := mustCreateJob(t, s, "b", "a")

	if job.State != JobPending {
		t.Fatalf("state = %s, want pending", job.State)
	}
	if job.Progress.TotalHosts != 2 || job.Progress.Pending != 2 {
		t.Fatalf("progress = %+v", job.Progress)
	}
	for host, hs := range job.Hosts {
		if hs.State != HostPending {
			t.Fatalf("host %s state = %s, want pending", host, hs.State)
		}
	}
	assertProgressSums(t, job)
}

func TestJobStoreRejectsSecondActiveJob(t *testing.T) {
	s := NewJobStore()
	key := NewScopeKey(ScopeHosts, []string{"a"}, "")
	if _, err := s.Create(key); err != nil {
		t.Fatalf("first Create() error = %v", err)
	}
	if _, err := s.Create(key); !errors.Is(err, ErrJobActive) {
		t.Fatalf("second Create() error = %v, want ErrJobActive", err)
	}
}

func TestJobStoreLifecycle(t *testing.T) {
	s := NewJobStore()
	job := mustCreateJob(t, s, "a", "b", "c")

	if err := s.Start(job.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	steps := []struct {
		host  string
		state HostJobState
	}{
		{"a", HostOK},
		{"b", HostTimeout},
		{"c", HostSkippedCooldown},
	}
	for _, step := range steps {
		if step.state != HostSkippedCooldown {
			if err := s.MarkHostRunning(job.ID, step.host); err != nil {
				t.Fatalf("MarkHostRunning(%s) error = %v", step.host, err)
			}
		}
		if err := s.MarkHost(job.ID, step.host, step.state, ""); err != nil {
			t.Fatalf("MarkHost(%s, %s) error = %v", step.host, step.state, err)
		}
		got, err := s.Get(job.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		assertProgressSums(t, got)
	}

	got, err := s.Get(job.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != JobDone {
		t.Fatalf("state = %s, want done (one host succeeded)", got.State)
	}
	if got.FinishedAt == nil {
		t.Fatal("FinishedAt not set on terminal job")
	}
	if got.Progress.Done != 1 || got.Progress.Error != 1 || got.Progress.Skipped != 1 {
		t.Fatalf("progress = %+v", got.Progress)
	}

	// Terminal state must not regress.
	if _, ok := s.Active(job.Key); ok {
		t.Fatal("terminal job still active")
	}
}

func TestJobStoreTerminalRules(t *testing.T) {
	tests := []struct {
		name   string
		states map[string]HostJobState
		want   JobState
	}{
		{
			name:   "all failed",
			states: map[string]HostJobState{"a": HostError, "b": HostTimeout},
			want:   JobError,
		},
		{
			name:   "all skipped",
			states: map[string]HostJobState{"a": HostSkippedCooldown, "b": HostSkippedCooldown},
			want:   JobDone,
		},
		{
			name:   "skip and error without success",
			states: map[string]HostJobState{"a": HostSkippedCooldown, "b": HostError},
			want:   JobError,
		},
		{
			name:   "partial success",
			states: map[string]HostJobState{"a": HostOK, "b": HostError},
			want:   JobDone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewJobStore()
			hosts := make([]string, 0, len(tt.states))
			for h := range tt.states {
				hosts = append(hosts, h)
			}
			job := mustCreateJob(t, s, hosts...)
			if err := s.Start(job.ID); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			for host, state := range tt.states {
				if err := s.MarkHost(job.ID, host, state, ""); err != nil {
					t.Fatalf("MarkHost(%s) error = %v", host, err)
				}
			}
			got, err := s.Get(job.ID)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got.State != tt.want {
				t.Fatalf("state = %s, want %s", got.State, tt.want)
			}
		})
	}
}

func TestJobStoreMarkErrors(t *testing.T) {
	s := NewJobStore()
	job := mustCreateJob(t, s, "a")

	if err := s.MarkHost(uuid.New(), "a", HostOK, ""); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("unknown job error = %v, want ErrJobNotFound", err)
	}
	if err := s.MarkHost(job.ID, "ghost", HostOK, ""); !errors.Is(err, ErrHostNotInJob) {
		t.Fatalf("unknown host error = %v, want ErrHostNotInJob", err)
	}
	if err := s.MarkHost(job.ID, "a", HostRunning, ""); !errors.Is(err, ErrNonTerminalMark) {
		t.Fatalf("non-terminal mark error = %v, want ErrNonTerminalMark", err)
	}

	if err := s.MarkHost(job.ID, "a", HostOK, ""); err != nil {
		t.Fatalf("MarkHost() error = %v", err)
	}
	if err := s.MarkHost(job.ID, "a", HostError, "late"); !errors.Is(err, ErrHostTerminal) {
		t.Fatalf("double mark error = %v, want ErrHostTerminal", err)
	}

	// The failed double mark must not alter the stored outcome.
	got, err := s.Get(job.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Hosts["a"].State != HostOK {
		t.Fatalf("host state = %s, want ok", got.Hosts["a"].State)
	}
	if got.State != JobDone {
		t.Fatalf("job state = %s, want done", got.State)
	}
}

func TestJobStoreHeartbeat(t *testing.T) {
	s := NewJobStore()
	job := mustCreateJob(t, s, "a")

	before := job.LastHeartbeatAt
	if err := s.Heartbeat(job.ID); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	got, err := s.Get(job.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.LastHeartbeatAt.Before(before) {
		t.Fatal("heartbeat moved backwards")
	}

	if err := s.Heartbeat(uuid.New()); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Heartbeat(unknown) error = %v, want ErrJobNotFound", err)
	}
}

func TestJobStoreClonesAreDetached(t *testing.T) {
	s := NewJobStore()
	job := mustCreateJob(t, s, "a")

	job.Hosts["a"] = HostJobStatus{State: HostOK}
	got, err := s.Get(job.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Hosts["a"].State != HostPending {
		t.Fatal("caller mutation reached the store")
	}
}
