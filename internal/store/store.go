// Package store wraps GORM access to the Postgres-backed persistence
// layer. Each entity gets a thin, explicit set of methods rather than a
// generic repository, one file per resource

package store

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/routeros-fleet/controlplane/internal/store/model"
)

// InitDB opens a connection pool against the given DSN.
func InitDB(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

// Store is the handle every service component depends on.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an already-open *gorm.DB.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// InitialMigration runs AutoMigrate for every model. In production this
// would be replaced by versioned SQL migrations; AutoMigrate is adequate
// for the scope of this service and for
// local/dev bring-up.
func (s *Store) InitialMigration() error {
	return s.db.AutoMigrate(model.AllModels()...)
}

// DB exposes the underlying handle for components that need bespoke
// queries (audit search, device listing with filters).
func (s *Store) DB() *gorm.DB {
	return s.db
}
