// Package export builds signed, compressed archives of persisted snapshots
// and ships them to object storage, giving operators an offline copy of the
// inventory cache.
package export

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"invd/services/cache"
)

const manifestVersion = "1"

// Source yields the snapshots to archive; satisfied by cache.PGStore.
type Source interface {
	LoadAll(ctx context.Context) ([]cache.SnapshotPayload, error)
}

// Uploader stores archive objects; satisfied by the pkg/s3 client.
type Uploader interface {
	PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error
}

// Config configures one export run.
type Config struct {
	Source Source
	Upload Uploader
	Signer *Signer
	Bucket string
	// Prefix is prepended to object keys, default "exports".
	Prefix string
	Now    func() time.Time
	Stdout io.Writer
}

// Run builds a zstd-compressed JSONL archive of every persisted snapshot,
// signs its manifest, and uploads both objects. It returns the manifest.
func Run(ctx context.Context, cfg Config) (*Manifest, error) {
	if cfg.Source == nil {
		return nil, errors.New("source is required")
	}
	if cfg.Upload == nil {
		return nil, errors.New("uploader is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "exports"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	payloads, err := cfg.Source.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	if len(payloads) == 0 {
		return nil, errors.New("no snapshots to export")
	}

	archive, entries, err := buildArchive(payloads)
	if err != nil {
		return nil, err
	}

	exportID := uuid.New().String()
	createdAt := cfg.Now().UTC()
	archiveKey := fmt.Sprintf("%s/%s/snapshots.jsonl.zst", cfg.Prefix, exportID)

	sum := sha256.Sum256(archive)
	manifest := Manifest{
		Version:          manifestVersion,
		ExportID:         exportID,
		CreatedAt:        createdAt,
		ArchiveKey:       archiveKey,
		ArchiveSHA256:    hex.EncodeToString(sum[:]),
		ArchiveSize:      int64(len(archive)),
		SigningPublicKey: cfg.Signer.PublicKeyBase64(),
		Snapshots:        entries,
	}

	signingBytes, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	manifest.Signature, err = cfg.Signer.Sign(signingBytes)
	if err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal signed manifest: %w", err)
	}

	if err := cfg.Upload.PutObject(ctx, cfg.Bucket, archiveKey, archive, "application/zstd"); err != nil {
		return nil, fmt.Errorf("upload archive: %w", err)
	}
	manifestKey := fmt.Sprintf("%s/%s/manifest.yaml", cfg.Prefix, exportID)
	if err := cfg.Upload.PutObject(ctx, cfg.Bucket, manifestKey, manifestBytes, "application/yaml"); err != nil {
		return nil, fmt.Errorf("upload manifest: %w", err)
	}

	fmt.Fprintf(cfg.Stdout, "exported %d snapshots to s3://%s/%s\n", len(entries), cfg.Bucket, archiveKey)
	return &manifest, nil
}

// buildArchive encodes payloads as one JSON document per line and compresses
// the stream with zstd.
func buildArchive(payloads []cache.SnapshotPayload) ([]byte, []ManifestEntry, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, nil, fmt.Errorf("create zstd writer: %w", err)
	}

	entries := make([]ManifestEntry, 0, len(payloads))
	enc := json.NewEncoder(zw)
	for _, p := range payloads {
		if err := enc.Encode(p); err != nil {
			zw.Close()
			return nil, nil, fmt.Errorf("encode snapshot %s: %w", p.Key, err)
		}
		entries = append(entries, ManifestEntry{
			ScopeKey:    p.Key.String(),
			GeneratedAt: p.GeneratedAt,
			Stale:       p.Stale,
			TotalHosts:  p.TotalHosts,
			Records:     len(p.Records()),
		})
	}
	if err := zw.Close(); err != nil {
		return nil, nil, fmt.Errorf("finish archive: %w", err)
	}
	return buf.Bytes(), entries, nil
}

// ReadArchive decompresses an archive back into snapshot payloads, used by
// verification tooling and tests.
func ReadArchive(data []byte) ([]cache.SnapshotPayload, error) {
	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	var out []cache.SnapshotPayload
	dec := json.NewDecoder(zr)
	for {
		var p cache.SnapshotPayload
		if err := dec.Decode(&p); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("decode archive: %w", err)
		}
		p.Key = cache.ScopeKey{Scope: p.Scope, HostsKey: p.HostsKey, Level: p.Level}
		out = append(out, p)
	}
}
