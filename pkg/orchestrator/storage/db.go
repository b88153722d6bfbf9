package storage

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	apperrors "github.com/sessionkit-dev/sessionkit/pkg/orchestrator/errors"
)

// Supported storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open connects to the database identified by driver and dsn and runs
// schema migration.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, apperrors.New(apperrors.ErrCodeConfigInvalid,
			fmt.Sprintf("unsupported storage driver: %s", driver), nil)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeStorageFailed, "failed to open database", err)
	}

	if err := db.AutoMigrate(&Project{}, &Session{}, &Message{}); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeStorageFailed, "failed to migrate schema", err)
	}

	return db, nil
}
