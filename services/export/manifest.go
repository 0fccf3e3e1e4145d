package export

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest is the signed metadata describing one snapshot export archive.
type Manifest struct {
	Version          string          `yaml:"version"`
	ExportID         string          `yaml:"export_id"`
	CreatedAt        time.Time       `yaml:"created_at"`
	ArchiveKey       string          `yaml:"archive_key"`
	ArchiveSHA256    string          `yaml:"archive_sha256"`
	ArchiveSize      int64           `yaml:"archive_size"`
	SigningPublicKey string          `yaml:"signing_public_key,omitempty"`
	Signature        string          `yaml:"signature,omitempty"`
	Snapshots        []ManifestEntry `yaml:"snapshots"`
}

// ManifestEntry describes a single snapshot row inside the archive.
type ManifestEntry struct {
	ScopeKey    string    `yaml:"scope_key"`
	GeneratedAt time.Time `yaml:"generated_at"`
	Stale       bool      `yaml:"stale"`
	TotalHosts  int       `yaml:"total_hosts"`
	Records     int       `yaml:"records"`
}

// SigningBytes marshals the manifest without its signature, for signing and
// verification.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}
