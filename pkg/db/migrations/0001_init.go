package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

// Snapshot is the persisted cache entry for one normalized scope key. The
// payload column carries the full JSON snapshot; the key columns exist so
// rows can be addressed without decoding it.
type Snapshot struct {
	Scope     string         `gorm:"type:text;primaryKey"`
	HostsKey  string         `gorm:"type:text;primaryKey"`
	Level     string         `gorm:"type:text;primaryKey"`
	Payload   datatypes.JSON `gorm:"type:jsonb;not null"`
	UpdatedAt time.Time      `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	orm, err := gorm.Open(postgres.New(postgres.Config{Conn: tx}), &gorm.Config{
		Logger:                 logger.Discard,
		SkipDefaultTransaction: true,
		NamingStrategy:         schema.NamingStrategy{SingularTable: false},
	})
	if err != nil {
		return err
	}

	return orm.WithContext(ctx).AutoMigrate(&Snapshot{})
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS snapshots`)
	return err
}
