package data

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/parlorhq/parlor/internal/core"
)

// Initialize opens the database selected by the config and migrates the
// schema, returning a ready-to-use store.
func Initialize(cfg *core.Config) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Database.Engine {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.Database.File)
	case "postgres":
		dialector = postgres.Open(cfg.DatabaseDSN())
	default:
		return nil, fmt.Errorf("unknown database engine %q", cfg.Database.Engine)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	if err := migrate(db); err != nil {
		return nil, err
	}
	return NewStore(db), nil
}

func migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&User{},
		&MatchResult{},
		&Game{},
		&Review{},
		&Room{},
	)
	if err != nil {
		return fmt.Errorf("error auto migrating db: %w", err)
	}
	return nil
}

// Shutdown closes the underlying database connection.
func (s *Store) Shutdown() error {
	database, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("error while getting current connection: %w", err)
	}
	if err := database.Close(); err != nil {
		return fmt.Errorf("error while closing database connection: %w", err)
	}
	return nil
}
