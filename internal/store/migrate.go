package store

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// RunMigrations applies the PostgreSQL migrations under dir/postgres.
func RunMigrations(databaseURL, dir string) error {
	return runMigrations(filepath.Join(dir, "postgres"), databaseURL)
}

// RunSQLiteMigrations applies the SQLite migrations under dir/sqlite to the database at path.
func RunSQLiteMigrations(path, dir string) error {
	return runMigrations(filepath.Join(dir, "sqlite"), "sqlite://"+path)
}

func runMigrations(sourceDir, databaseURL string) error {
	abs, err := filepath.Abs(sourceDir)
	if err != nil {
		return fmt.Errorf("resolve migrations dir: %w", err)
	}

	m, err := migrate.New("file://"+abs, databaseURL)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
