package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/relations/internal/activity"
	"github.com/MarcoPoloResearchLab/relations/internal/crm"
	"github.com/MarcoPoloResearchLab/relations/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects and locates the backing database.
type Options struct {
	Driver string
	Path   string
	DSN    string
}

// Open connects to the configured driver and performs schema migrations.
func Open(opts Options, logger *zap.Logger) (*gorm.DB, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case DriverSQLite, "":
		return OpenSQLite(opts.Path, logger)
	case DriverPostgres:
		return OpenPostgres(opts.DSN, logger)
	default:
		return nil, fmt.Errorf("database driver %q is not supported", opts.Driver)
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := migrate(db, logger); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("database initialized", zap.String("driver", DriverSQLite), zap.String("path", path))
	}
	return db, nil
}

// OpenPostgres establishes a Postgres connection and performs schema migrations.
func OpenPostgres(dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := migrate(db, logger); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("database initialized", zap.String("driver", DriverPostgres))
	}
	return db, nil
}

func migrate(db *gorm.DB, logger *zap.Logger) error {
	models := []interface{}{&users.User{}, &users.Identity{}, &activity.Event{}, &migrationRecord{}}
	models = append(models, crm.Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
