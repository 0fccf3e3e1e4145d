package cache

import (
	"testing"
	"time"
)

func newTestHealthStore(cfg HealthConfig, now time.Time) *HealthStore {
	s := NewHealthStore(cfg)
	s.now = func() time.Time { return now }
	return s
}

func TestHealthStoreCooldownOpensAtThreshold(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestHealthStore(HealthConfig{FailureThreshold: 3, CooldownBase: 30 * time.Second}, now)

	s.RecordFailure("h1")
	s.RecordFailure("h1")
	if s.IsCoolingDown("h1", now) {
		t.Fatal("cooling down before threshold")
	}

	s.RecordFailure("h1")
	if !s.IsCoolingDown("h1", now) {
		t.Fatal("not cooling down at threshold")
	}
	if s.IsCoolingDown("h1", now.Add(31*time.Second)) {
		t.Fatal("still cooling down after window elapsed")
	}
}

func TestHealthStoreSuccessResets(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestHealthStore(HealthConfig{FailureThreshold: 2, CooldownBase: time.Minute}, now)

	s.RecordFailure("H1")
	s.RecordFailure("h1")
	if !s.IsCoolingDown("h1", now) {
		t.Fatal("expected cooldown after threshold failures")
	}

	s.RecordSuccess("h1")
	if s.IsCoolingDown("h1", now) {
		t.Fatal("cooldown survived a success")
	}
	rec, ok := s.Get("h1")
	if !ok {
		t.Fatal("record disappeared")
	}
	if rec.ConsecutiveFailures != 0 || rec.CooldownUntil != nil {
		t.Fatalf("record not reset: %+v", rec)
	}
}

func TestHealthStoreBackoffDoublesAndCaps(t *testing.T) {
	s := NewHealthStore(HealthConfig{
		FailureThreshold: 3,
		CooldownBase:     30 * time.Second,
		CooldownCeiling:  2 * time.Minute,
	})

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{3, 30 * time.Second},
		{4, time.Minute},
		{5, 2 * time.Minute},
		{6, 2 * time.Minute},
		{10, 2 * time.Minute},
	}

	for _, tt := range tests {
		if got := s.backoff(tt.failures); got != tt.want {
			t.Fatalf("backoff(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestHealthStoreIsCrossHost(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestHealthStore(HealthConfig{FailureThreshold: 1, CooldownBase: time.Minute}, now)

	s.RecordFailure("down-host")
	if !s.IsCoolingDown("DOWN-HOST", now) {
		t.Fatal("host id normalization lost the record")
	}
	if s.IsCoolingDown("other-host", now) {
		t.Fatal("cooldown leaked to an unrelated host")
	}
}
