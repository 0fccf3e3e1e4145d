package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// snapshotModel is the persisted form of one SnapshotPayload, keyed by the
// normalized ScopeKey fields.
type snapshotModel struct {
	Scope     string         `gorm:"type:text;primaryKey"`
	HostsKey  string         `gorm:"type:text;primaryKey"`
	Level     string         `gorm:"type:text;primaryKey"`
	Payload   datatypes.JSON `gorm:"type:jsonb;not null"`
	UpdatedAt time.Time      `gorm:"type:timestamptz;not null;autoUpdateTime"`
}

func (snapshotModel) TableName() string { return "snapshots" }

// PGStore persists snapshots to Postgres. It is a write-behind cache of the
// in-memory SnapshotStore, never a source of truth for serving.
type PGStore struct {
	orm *gorm.DB
}

// NewPGStore creates a Postgres-backed DurableStore.
func NewPGStore(orm *gorm.DB) (*PGStore, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &PGStore{orm: orm}, nil
}

// Save upserts the payload row for the key.
func (s *PGStore) Save(ctx context.Context, key ScopeKey, payload SnapshotPayload) error {
	if s == nil || s.orm == nil {
		return errors.New("nil store")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", key, err)
	}

	model := snapshotModel{
		Scope:    string(key.Scope),
		HostsKey: key.HostsKey,
		Level:    key.Level,
		Payload:  datatypes.JSON(raw),
	}

	return s.orm.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "scope"}, {Name: "hosts_key"}, {Name: "level"}},
			DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
		}).
		Create(&model).Error
}

// Load fetches the payload row for the key; found=false when none exists.
func (s *PGStore) Load(ctx context.Context, key ScopeKey) (SnapshotPayload, bool, error) {
	if s == nil || s.orm == nil {
		return SnapshotPayload{}, false, errors.New("nil store")
	}

	var model snapshotModel
	err := s.orm.WithContext(ctx).
		Where("scope = ? AND hosts_key = ? AND level = ?", string(key.Scope), key.HostsKey, key.Level).
		First(&model).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return SnapshotPayload{}, false, nil
	case err != nil:
		return SnapshotPayload{}, false, err
	}

	var payload SnapshotPayload
	if err := json.Unmarshal(model.Payload, &payload); err != nil {
		return SnapshotPayload{}, false, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	payload.Key = key
	return payload, true, nil
}

// LoadAll returns every persisted payload, used by the export tooling.
func (s *PGStore) LoadAll(ctx context.Context) ([]SnapshotPayload, error) {
	if s == nil || s.orm == nil {
		return nil, errors.New("nil store")
	}

	var models []snapshotModel
	if err := s.orm.WithContext(ctx).Order("scope, hosts_key, level").Find(&models).Error; err != nil {
		return nil, err
	}

	out := make([]SnapshotPayload, 0, len(models))
	for _, m := range models {
		var payload SnapshotPayload
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode snapshot %s|%s|%s: %w", m.Scope, m.HostsKey, m.Level, err)
		}
		payload.Key = ScopeKey{Scope: Scope(m.Scope), HostsKey: m.HostsKey, Level: m.Level}
		out = append(out, payload)
	}
	return out, nil
}
