package api

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFleetFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write fleet file: %v", err)
	}
	return path
}

func TestLoadFleet(t *testing.T) {
	path := writeFleetFile(t, `
max_age_vms: 5m
max_age_hosts: 1h
providers:
  - name: lab
    endpoint: http://lab.internal:9000
    default: true
    hosts: [p-hyp-01, p-hyp-02]
    level: summary
  - name: edge
    endpoint: http://edge.internal:9000
    hosts: [e-hyp-01]
`)

	fleet, err := LoadFleet(path)
	if err != nil {
		t.Fatalf("LoadFleet() error = %v", err)
	}
	if len(fleet.Providers) != 2 {
		t.Fatalf("providers = %d, want 2", len(fleet.Providers))
	}

	lab, ok := fleet.Lookup("lab")
	if !ok || lab.Endpoint != "http://lab.internal:9000" || len(lab.Hosts) != 2 {
		t.Fatalf("Lookup(lab) = (%+v, %v)", lab, ok)
	}

	vms, hosts := fleet.MaxAges()
	if vms != 5*time.Minute || hosts != time.Hour {
		t.Fatalf("MaxAges() = (%v, %v)", vms, hosts)
	}
}

func TestLoadFleetRejectsDuplicates(t *testing.T) {
	path := writeFleetFile(t, `
providers:
  - name: lab
  - name: lab
`)
	if _, err := LoadFleet(path); err == nil {
		t.Fatal("duplicate provider accepted")
	}
}

func TestLoadFleetRejectsEmptyName(t *testing.T) {
	path := writeFleetFile(t, `
providers:
  - endpoint: http://nameless:9000
`)
	if _, err := LoadFleet(path); err == nil {
		t.Fatal("provider with empty name accepted")
	}
}

func TestLoadFleetMissingFile(t *testing.T) {
	if _, err := LoadFleet(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestFleetLookupDefault(t *testing.T) {
	fleet := &Fleet{Providers: []Provider{
		{Name: "a"},
		{Name: "b", Default: true},
	}}

	p, ok := fleet.Lookup("")
	if !ok || p.Name != "b" {
		t.Fatalf("Lookup(\"\") = (%+v, %v), want default provider b", p, ok)
	}

	if _, ok := fleet.Lookup("ghost"); ok {
		t.Fatal("unknown provider found")
	}
}

func TestFleetLookupSoleProvider(t *testing.T) {
	fleet := &Fleet{Providers: []Provider{{Name: "only"}}}
	p, ok := fleet.Lookup("")
	if !ok || p.Name != "only" {
		t.Fatalf("Lookup(\"\") = (%+v, %v), want sole provider", p, ok)
	}
}

func TestFleetLookupNoDefaultAmongMany(t *testing.T) {
	fleet := &Fleet{Providers: []Provider{{Name: "a"}, {Name: "b"}}}
	if _, ok := fleet.Lookup(""); ok {
		t.Fatal("ambiguous empty lookup resolved")
	}
}

func TestFleetMaxAgesUnset(t *testing.T) {
	vms, hosts := (&Fleet{}).MaxAges()
	if vms != 0 || hosts != 0 {
		t.Fatalf("MaxAges() = (%v, %v), want zeros", vms, hosts)
	}
	vms, hosts = (*Fleet)(nil).MaxAges()
	if vms != 0 || hosts != 0 {
		t.Fatalf("nil MaxAges() = (%v, %v), want zeros", vms, hosts)
	}
}
