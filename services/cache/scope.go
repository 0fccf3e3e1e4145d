package cache

import (
	"sort"
	"strings"
)

// Scope identifies the kind of inventory data a snapshot holds.
type Scope string

const (
	// ScopeVMs requests per-VM inventory records.
	ScopeVMs Scope = "vms"
	// ScopeHosts requests per-host summary records.
	ScopeHosts Scope = "hosts"
)

// DefaultLevel is applied when a caller supplies no detail level.
const DefaultLevel = "summary"

// ParseScope normalizes a raw scope name into a Scope. Unknown names are
// returned as-is in lowercase so callers can decide how strict to be.
func ParseScope(raw string) (Scope, bool) {
	switch s := Scope(strings.ToLower(strings.TrimSpace(raw))); s {
	case ScopeVMs, ScopeHosts:
		return s, true
	default:
		return s, false
	}
}

// ScopeKey is the normalized, value-equal cache key for one logical inventory
// request. Hosts are stored as a sorted, comma-joined string so the struct
// stays comparable and usable as a map key.
type ScopeKey struct {
	Scope    Scope  `json:"scope"`
	HostsKey string `json:"hosts_key"`
	Level    string `json:"level"`
}

// NewScopeKey derives a normalized key from raw caller input. Host names are
// trimmed, lowercased, deduplicated, and sorted; an empty level defaults to
// DefaultLevel. Two calls describing the same logical request always produce
// equal keys regardless of ordering or casing. Malformed input degrades to an
// empty host set rather than an error.
func NewScopeKey(scope Scope, hosts []string, level string) ScopeKey {
	normalized := NormalizeHosts(hosts)

	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		level = DefaultLevel
	}

	return ScopeKey{
		Scope:    Scope(strings.ToLower(strings.TrimSpace(string(scope)))),
		HostsKey: strings.Join(normalized, ","),
		Level:    level,
	}
}

// NormalizeHosts trims, lowercases, deduplicates, and sorts host identifiers,
// dropping empties.
func NormalizeHosts(hosts []string) []string {
	seen := make(map[string]struct{}, len(hosts))
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = NormalizeHostID(h)
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// NormalizeHostID lowercases and trims a single host identifier.
func NormalizeHostID(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}

// Hosts returns the normalized host set encoded in the key.
func (k ScopeKey) Hosts() []string {
	if k.HostsKey == "" {
		return nil
	}
	return strings.Split(k.HostsKey, ",")
}

// HostCount reports how many hosts the key targets.
func (k ScopeKey) HostCount() int {
	if k.HostsKey == "" {
		return 0
	}
	return strings.Count(k.HostsKey, ",") + 1
}

// String renders the key in a stable pipe-delimited form suitable for logs
// and event payloads.
func (k ScopeKey) String() string {
	return string(k.Scope) + "|" + k.HostsKey + "|" + k.Level
}
