package api

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider describes one virtualization backend in the fleet file.
type Provider struct {
	Name     string   `yaml:"name"`
	Endpoint string   `yaml:"endpoint"`
	Default  bool     `yaml:"default"`
	Hosts    []string `yaml:"hosts"`
	Level    string   `yaml:"level"`
}

// Fleet is the YAML-declared set of providers the dashboard knows about,
// letting callers address a provider by name instead of listing hosts.
type Fleet struct {
	Providers []Provider `yaml:"providers"`
	// MaxAgeVMs and MaxAgeHosts override the snapshot staleness horizons,
	// expressed as Go duration strings ("5m", "1h").
	MaxAgeVMs   string `yaml:"max_age_vms"`
	MaxAgeHosts string `yaml:"max_age_hosts"`
}

// MaxAges parses the configured staleness horizons; unset or unparsable
// values come back zero so the orchestrator defaults apply.
func (f *Fleet) MaxAges() (vms, hosts time.Duration) {
	if f == nil {
		return 0, 0
	}
	if d, err := time.ParseDuration(f.MaxAgeVMs); err == nil {
		vms = d
	}
	if d, err := time.ParseDuration(f.MaxAgeHosts); err == nil {
		hosts = d
	}
	return vms, hosts
}

// LoadFleet parses the fleet file at path.
func LoadFleet(path string) (*Fleet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fleet file: %w", err)
	}

	var fleet Fleet
	if err := yaml.Unmarshal(raw, &fleet); err != nil {
		return nil, fmt.Errorf("parse fleet file: %w", err)
	}

	seen := make(map[string]struct{}, len(fleet.Providers))
	for _, p := range fleet.Providers {
		if p.Name == "" {
			return nil, fmt.Errorf("fleet file: provider with empty name")
		}
		if _, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("fleet file: duplicate provider %q", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return &fleet, nil
}

// Lookup finds a provider by name; an empty name selects the default
// provider (or the only one configured).
func (f *Fleet) Lookup(name string) (Provider, bool) {
	if f == nil {
		return Provider{}, false
	}
	if name == "" {
		if len(f.Providers) == 1 {
			return f.Providers[0], true
		}
		for _, p := range f.Providers {
			if p.Default {
				return p, true
			}
		}
		return Provider{}, false
	}
	for _, p := range f.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return Provider{}, false
}
