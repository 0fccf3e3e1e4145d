package cache

import (
	"os"
	"strconv"
	"sync"
	"time"
)

const (
	defaultFailureThreshold = 3
	defaultCooldownBase     = 30 * time.Second
	defaultCooldownCeiling  = 15 * time.Minute
)

// HealthConfig tunes when repeated failures push a host into cooldown.
type HealthConfig struct {
	// FailureThreshold is the consecutive-failure count at which a cooldown
	// window opens.
	FailureThreshold int
	// CooldownBase is the window length at the threshold; it doubles per
	// additional failure.
	CooldownBase time.Duration
	// CooldownCeiling caps the window length.
	CooldownCeiling time.Duration
}

func (c HealthConfig) withDefaults() HealthConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = defaultCooldownBase
	}
	if c.CooldownCeiling <= 0 {
		c.CooldownCeiling = defaultCooldownCeiling
	}
	return c
}

// HealthConfigFromEnv reads INVD_COOLDOWN_THRESHOLD, INVD_COOLDOWN_BASE, and
// INVD_COOLDOWN_CEILING, falling back to defaults for anything unset or
// unparsable.
func HealthConfigFromEnv() HealthConfig {
	cfg := HealthConfig{}
	if v := os.Getenv("INVD_COOLDOWN_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.FailureThreshold = n
		}
	}
	if v := os.Getenv("INVD_COOLDOWN_BASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.CooldownBase = d
		}
	}
	if v := os.Getenv("INVD_COOLDOWN_CEILING"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.CooldownCeiling = d
		}
	}
	return cfg.withDefaults()
}

// HostHealth is the durable, cross-scope failure record for one host.
type HostHealth struct {
	HostID              string     `json:"host_id"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
}

// HealthStore tracks consecutive failures and cooldown windows per host. Host
// health is a cross-scope property: the same record is consulted by every job
// regardless of which ScopeKey it refreshes. Safe for concurrent use.
type HealthStore struct {
	cfg HealthConfig
	now func() time.Time

	mu      sync.Mutex
	records map[string]*HostHealth
}

// NewHealthStore creates a HealthStore with the provided configuration.
func NewHealthStore(cfg HealthConfig) *HealthStore {
	return &HealthStore{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		records: make(map[string]*HostHealth),
	}
}

// RecordFailure increments the host's consecutive-failure counter. Once the
// counter reaches the configured threshold a cooldown window opens, doubling
// per additional failure up to the ceiling.
func (s *HealthStore) RecordFailure(hostID string) {
	hostID = NormalizeHostID(hostID)
	if hostID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[hostID]
	if !ok {
		rec = &HostHealth{HostID: hostID}
		s.records[hostID] = rec
	}
	rec.ConsecutiveFailures++

	if rec.ConsecutiveFailures >= s.cfg.FailureThreshold {
		until := s.now().Add(s.backoff(rec.ConsecutiveFailures))
		rec.CooldownUntil = &until
	}
}

// RecordSuccess resets the host's failure counter and clears any cooldown.
func (s *HealthStore) RecordSuccess(hostID string) {
	hostID = NormalizeHostID(hostID)
	if hostID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[hostID]
	if !ok {
		return
	}
	rec.ConsecutiveFailures = 0
	rec.CooldownUntil = nil
}

// IsCoolingDown reports whether the host's cooldown window extends past now.
func (s *HealthStore) IsCoolingDown(hostID string, now time.Time) bool {
	hostID = NormalizeHostID(hostID)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[hostID]
	if !ok || rec.CooldownUntil == nil {
		return false
	}
	return rec.CooldownUntil.After(now)
}

// Get returns a copy of the host's health record, if one exists.
func (s *HealthStore) Get(hostID string) (HostHealth, bool) {
	hostID = NormalizeHostID(hostID)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[hostID]
	if !ok {
		return HostHealth{}, false
	}
	out := *rec
	if rec.CooldownUntil != nil {
		t := *rec.CooldownUntil
		out.CooldownUntil = &t
	}
	return out, true
}

// CooldownUntil returns the host's cooldown deadline, if any.
func (s *HealthStore) CooldownUntil(hostID string) *time.Time {
	rec, ok := s.Get(hostID)
	if !ok {
		return nil
	}
	return rec.CooldownUntil
}

// backoff computes the cooldown window for the given consecutive-failure
// count: base doubled per failure beyond the threshold, capped at the ceiling.
func (s *HealthStore) backoff(failures int) time.Duration {
	d := s.cfg.CooldownBase
	for i := s.cfg.FailureThreshold; i < failures; i++ {
		d *= 2
		if d >= s.cfg.CooldownCeiling {
			return s.cfg.CooldownCeiling
		}
	}
	if d > s.cfg.CooldownCeiling {
		return s.cfg.CooldownCeiling
	}
	return d
}
