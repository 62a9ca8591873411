package repository

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/flybeeper/track-recorder/pkg/utils"
)

//go:embed migrations
var migrationsFS embed.FS

// applyMigrations применяет встроенные миграции из migrations/<dir>.
// Грязная схема или упавшая миграция возвращаются как ErrDataIntegrity.
func applyMigrations(dir, databaseName string, driver database.Driver, logger *utils.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations/"+dir)
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	// Экземпляр migrate не закрываем: это закроет соединение с базой
	m, err := migrate.NewWithInstance("iofs", source, databaseName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{logger: logger.WithField("schema", dir)}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if dirty {
		return fmt.Errorf("%w: %s schema is dirty at version %d", ErrDataIntegrity, dir, version)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%w: %s migration failed: %v", ErrDataIntegrity, dir, err)
	}

	version, _, _ = m.Version()
	logger.WithField("schema", dir).WithField("version", version).Debug("Schema is up to date")
	return nil
}

// migrateLogger реализует migrate.Logger поверх utils.Logger
type migrateLogger struct {
	logger *utils.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Infof("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return l.logger.IsDebug()
}
