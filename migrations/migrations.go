// Package migrations embeds the Postgres schema and applies it through golang-migrate.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*.sql
var migrationFiles embed.FS

// Status describes where a database stands relative to the embedded migrations.
type Status struct {
	Version uint
	Latest  uint
	Dirty   bool
}

func (s Status) Pending() uint {
	if s.Version >= s.Latest {
		return 0
	}
	return s.Latest - s.Version
}

// Up runs all pending migrations. A database already at the latest version is not an error.
func Up(dsn string) error {
	m, err := newMigrate(dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("migrations: up: %w", err)
	}
	return nil
}

// Down rolls back every migration. Only the CLI exposes this.
func Down(dsn string) error {
	m, err := newMigrate(dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations: down: %w", err)
	}
	return nil
}

// Current reports the applied and latest versions.
func Current(dsn string) (Status, error) {
	latest, err := LatestVersion()
	if err != nil {
		return Status{}, err
	}

	m, err := newMigrate(dsn)
	if err != nil {
		return Status{}, err
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return Status{Latest: latest}, nil
		}
		return Status{}, fmt.Errorf("migrations: version: %w", err)
	}
	return Status{Version: version, Latest: latest, Dirty: dirty}, nil
}

// Check returns an error unless the database is exactly at the latest version.
func Check(dsn string) error {
	st, err := Current(dsn)
	if err != nil {
		return err
	}
	switch {
	case st.Dirty:
		return fmt.Errorf("migrations: database is dirty at version %d", st.Version)
	case st.Version == 0:
		return fmt.Errorf("migrations: database has no schema version")
	case st.Version < st.Latest:
		return fmt.Errorf("migrations: database at version %d, latest is %d", st.Version, st.Latest)
	case st.Version > st.Latest:
		return fmt.Errorf("migrations: database version %d is ahead of binary version %d", st.Version, st.Latest)
	}
	return nil
}

// LatestVersion returns the highest version embedded in the binary.
func LatestVersion() (uint, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return 0, fmt.Errorf("migrations: read embedded files: %w", err)
	}
	defer src.Close()
	return latestVersion(src)
}

func latestVersion(src source.Driver) (uint, error) {
	version, err := src.First()
	if err != nil {
		return 0, err
	}
	for {
		next, err := src.Next(version)
		if err != nil {
			return version, nil
		}
		version = next
	}
}

func newMigrate(dsn string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return nil, fmt.Errorf("migrations: source driver: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL(dsn))
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("migrations: create instance: %w", err)
	}
	return m, nil
}

// databaseURL rewrites a libpq URL to the scheme registered by the pgx/v5 driver.
func databaseURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}
