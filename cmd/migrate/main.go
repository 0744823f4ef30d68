package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/quantumtasks/platform/migrations"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Schema management for Quantum Tasks. The migration files compiled into
// the binary are the default source, so the tool works without a checkout;
// -dir switches to an on-disk directory for developing new migrations.
func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var (
		command       string
		steps         int
		migrationsDir string
		databaseURL   string
	)

	flag.StringVar(&command, "command", "up", "Migration command: up, down, force, version, drop")
	flag.IntVar(&steps, "steps", 0, "Number of migrations to run (0 = all); version number for force")
	flag.StringVar(&migrationsDir, "dir", "", "Migrations directory (default: files embedded in the binary)")
	flag.StringVar(&databaseURL, "database", "", "Database URL (overrides DATABASE_URL env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		log.Fatal().Msg("DATABASE_URL environment variable or -database flag is required")
	}

	m, source, err := newMigrate(migrationsDir, databaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create migrate instance")
	}
	defer m.Close()

	log.Info().
		Str("source", source).
		Str("command", command).
		Int("steps", steps).
		Msg("Starting migration")

	switch command {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	case "force":
		if steps == 0 {
			log.Fatal().Msg("Force command requires -steps flag with version number")
		}
		err = m.Force(steps)
	case "version":
		reportVersion(m)
		return
	case "drop":
		err = m.Drop()
	default:
		log.Fatal().Str("command", command).Msg("Unknown command")
	}

	if err != nil {
		if err == migrate.ErrNoChange {
			log.Info().Msg("No migrations to apply")
			return
		}
		log.Fatal().Err(err).Msg("Migration failed")
	}

	log.Info().Msg("Migration completed successfully")
}

// newMigrate builds a migrate instance from the embedded set or, when dir
// is given, from the filesystem.
func newMigrate(dir, databaseURL string) (*migrate.Migrate, string, error) {
	if dir == "" {
		d, err := iofs.New(migrations.FS, ".")
		if err != nil {
			return nil, "", fmt.Errorf("failed to open embedded migrations: %w", err)
		}
		m, err := migrate.NewWithSourceInstance("iofs", d, databaseURL)
		return m, "embedded", err
	}

	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve migrations directory: %w", err)
	}
	sourceURL := fmt.Sprintf("file://%s", absPath)
	m, err := migrate.New(sourceURL, databaseURL)
	return m, sourceURL, err
}

func reportVersion(m *migrate.Migrate) {
	version, dirty, err := m.Version()
	if err != nil {
		if err == migrate.ErrNilVersion {
			log.Info().Msg("No migrations have been applied yet")
			return
		}
		log.Fatal().Err(err).Msg("Failed to get version")
	}
	log.Info().
		Uint("version", version).
		Bool("dirty", dirty).
		Msg("Current migration version")
}
