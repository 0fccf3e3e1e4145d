package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// SnapshotHostState is the durable, cache-level view of a host's health,
// distinct from the transient per-job view.
type SnapshotHostState string

const (
	SnapshotHostOK              SnapshotHostState = "ok"
	SnapshotHostError           SnapshotHostState = "error"
	SnapshotHostTimeout         SnapshotHostState = "timeout"
	SnapshotHostPending         SnapshotHostState = "pending"
	SnapshotHostSkippedCooldown SnapshotHostState = "skipped_cooldown"
	SnapshotHostStale           SnapshotHostState = "stale"
)

// SnapshotHostStatus summarizes one host inside a cached snapshot.
type SnapshotHostStatus struct {
	State            SnapshotHostState `json:"state"`
	LastSuccessAt    *time.Time        `json:"last_success_at,omitempty"`
	LastErrorAt      *time.Time        `json:"last_error_at,omitempty"`
	CooldownUntil    *time.Time        `json:"cooldown_until,omitempty"`
	LastJobID        string            `json:"last_job_id,omitempty"`
	LastErrorType    string            `json:"last_error_type,omitempty"`
	LastErrorMessage string            `json:"last_error_message,omitempty"`
}

// Record is one dynamic inventory record as produced by a collector. Shape
// validation happens at the collector boundary, not inside the cache.
type Record map[string]any

// SnapshotPayload is the cache entry for one ScopeKey. The store hands out
// deep copies only; callers can never mutate cache-internal state.
type SnapshotPayload struct {
	Key         ScopeKey                      `json:"-"`
	Scope       Scope                         `json:"scope"`
	HostsKey    string                        `json:"hosts_key"`
	Level       string                        `json:"level"`
	GeneratedAt time.Time                     `json:"generated_at"`
	Source      string                        `json:"source,omitempty"`
	ExpiresAt   *time.Time                    `json:"expires_at,omitempty"`
	Stale       bool                          `json:"stale"`
	StaleReason string                        `json:"stale_reason,omitempty"`
	TotalHosts  int                           `json:"total_hosts"`
	HostsStatus map[string]SnapshotHostStatus `json:"hosts_status"`
	Summary     map[string]int                `json:"summary"`
	Data        map[string][]Record           `json:"data"`
}

// Records flattens the per-host data map into a single list, for VM-scope
// responses where callers expect one flat collection.
func (p SnapshotPayload) Records() []Record {
	hosts := keysOf(p.Data)
	sort.Strings(hosts)
	var out []Record
	for _, h := range hosts {
		out = append(out, p.Data[h]...)
	}
	return out
}

func keysOf(m map[string][]Record) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// ErrSnapshotNotFound is returned when a ScopeKey has never been populated.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// DurableStore is the external persistence collaborator. Persistence is
// best-effort: the in-memory copy remains authoritative for serving.
type DurableStore interface {
	Save(ctx context.Context, key ScopeKey, payload SnapshotPayload) error
	Load(ctx context.Context, key ScopeKey) (SnapshotPayload, bool, error)
}

// SnapshotStore holds the latest cached payload per ScopeKey and merges
// incremental per-host updates into it. Safe for concurrent use; the mutex is
// never held across I/O.
type SnapshotStore struct {
	durable DurableStore
	logger  *log.Logger
	now     func() time.Time

	mu    sync.Mutex
	snaps map[ScopeKey]*SnapshotPayload
}

// NewSnapshotStore creates a SnapshotStore. durable may be nil, in which case
// Persist and Hydrate become no-ops.
func NewSnapshotStore(durable DurableStore, logger *log.Logger) *SnapshotStore {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	return &SnapshotStore{
		durable: durable,
		logger:  logger,
		now:     time.Now,
		snaps:   make(map[ScopeKey]*SnapshotPayload),
	}
}

// Get returns a deep copy of the cached payload, or ErrSnapshotNotFound.
func (s *SnapshotStore) Get(key ScopeKey) (SnapshotPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snaps[key]
	if !ok {
		return SnapshotPayload{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, key)
	}
	return clonePayload(snap), nil
}

// IsFresh reports whether a snapshot exists, is not marked stale, and was
// generated within maxAge of now.
func (s *SnapshotStore) IsFresh(key ScopeKey, maxAge time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snaps[key]
	if !ok || snap.Stale {
		return false
	}
	now := s.now()
	if snap.ExpiresAt != nil && !snap.ExpiresAt.After(now) {
		return false
	}
	return now.Sub(snap.GeneratedAt) <= maxAge
}

// UpsertHost merges one host's collection outcome into the scope's payload,
// creating the payload on first use. Data is replaced wholesale for the host
// (last write wins, no partial merge); nil data preserves whatever records
// were cached before, which is how failed and skipped hosts keep their
// last-known-good state. Summary counts and TotalHosts are recomputed from
// the full status map. Idempotent in content: repeating a call with identical
// data and status only advances timestamps.
func (s *SnapshotStore) UpsertHost(key ScopeKey, hostID string, data []Record, status SnapshotHostStatus) {
	hostID = NormalizeHostID(hostID)
	if hostID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snaps[key]
	if !ok {
		snap = &SnapshotPayload{
			Key:         key,
			Scope:       key.Scope,
			HostsKey:    key.HostsKey,
			Level:       key.Level,
			HostsStatus: make(map[string]SnapshotHostStatus),
			Data:        make(map[string][]Record),
		}
		s.snaps[key] = snap
	}

	snap.HostsStatus[hostID] = status
	if data != nil {
		snap.Data[hostID] = cloneRecords(data)
	}
	snap.GeneratedAt = s.now().UTC()
	snap.TotalHosts = len(snap.HostsStatus)
	snap.Summary = summarize(snap.HostsStatus)
}

// SetSource records which provider produced the scope's data.
func (s *SnapshotStore) SetSource(key ScopeKey, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap, ok := s.snaps[key]; ok {
		snap.Source = source
	}
}

// MarkStale flags the payload without discarding data, so last-known-good
// records stay servable during an outage.
func (s *SnapshotStore) MarkStale(key ScopeKey, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snaps[key]
	if !ok {
		return
	}
	snap.Stale = true
	snap.StaleReason = reason
}

// ClearStale removes a previously set stale flag.
func (s *SnapshotStore) ClearStale(key ScopeKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snaps[key]
	if !ok {
		return
	}
	snap.Stale = false
	snap.StaleReason = ""
}

// Keys lists every ScopeKey currently cached.
func (s *SnapshotStore) Keys() []ScopeKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ScopeKey, 0, len(s.snaps))
	for k := range s.snaps {
		out = append(out, k)
	}
	return out
}

// Persist flushes the current payload to the durable store. Failures are
// logged and returned but never invalidate the in-memory copy.
func (s *SnapshotStore) Persist(ctx context.Context, key ScopeKey) error {
	if s.durable == nil {
		return nil
	}

	s.mu.Lock()
	snap, ok := s.snaps[key]
	var copied SnapshotPayload
	if ok {
		copied = clonePayload(snap)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSnapshotNotFound, key)
	}

	if err := s.durable.Save(ctx, key, copied); err != nil {
		s.logger.Printf("WARN persist snapshot %s: %v", key, err)
		return err
	}
	return nil
}

// Hydrate loads a previously persisted payload into memory if nothing is
// cached for the key yet. Used for cold starts; absence is not an error.
func (s *SnapshotStore) Hydrate(ctx context.Context, key ScopeKey) error {
	if s.durable == nil {
		return nil
	}

	payload, found, err := s.durable.Load(ctx, key)
	if err != nil {
		return fmt.Errorf("hydrate %s: %w", key, err)
	}
	if !found {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.snaps[key]; exists {
		return nil
	}
	payload.Key = key
	if payload.HostsStatus == nil {
		payload.HostsStatus = make(map[string]SnapshotHostStatus)
	}
	if payload.Data == nil {
		payload.Data = make(map[string][]Record)
	}
	snap := clonePayload(&payload)
	s.snaps[key] = &snap
	return nil
}

func summarize(statuses map[string]SnapshotHostStatus) map[string]int {
	out := make(map[string]int, len(statuses))
	for _, st := range statuses {
		out[string(st.State)]++
	}
	return out
}

func clonePayload(p *SnapshotPayload) SnapshotPayload {
	out := *p
	out.ExpiresAt = cloneTime(p.ExpiresAt)
	out.HostsStatus = make(map[string]SnapshotHostStatus, len(p.HostsStatus))
	for h, st := range p.HostsStatus {
		st.LastSuccessAt = cloneTime(st.LastSuccessAt)
		st.LastErrorAt = cloneTime(st.LastErrorAt)
		st.CooldownUntil = cloneTime(st.CooldownUntil)
		out.HostsStatus[h] = st
	}
	out.Summary = make(map[string]int, len(p.Summary))
	for k, v := range p.Summary {
		out.Summary[k] = v
	}
	out.Data = make(map[string][]Record, len(p.Data))
	for h, recs := range p.Data {
		out.Data[h] = cloneRecords(recs)
	}
	return out
}

func cloneRecords(recs []Record) []Record {
	out := make([]Record, len(recs))
	for i, r := range recs {
		c := make(Record, len(r))
		for k, v := range r {
			c[k] = v
		}
		out[i] = c
	}
	return out
}
