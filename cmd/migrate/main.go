package main

import (
	"errors"
	"flag"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/rs/zerolog/log"

	"tripmail/internal/pkg/logger"
	"tripmail/internal/platform/config"
	"tripmail/internal/platform/database"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up, down or version")
	steps := flag.Int("steps", 0, "Number of migrations to apply (0 = all for up, 1 for down)")
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logger.Init(cfg.Logging)

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	m, err := database.NewMigrator(db)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to init migrator")
	}

	if err := run(m, *direction, *steps); err != nil {
		log.Fatal().Err(err).Str("direction", *direction).Msg("Migration failed")
	}

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		log.Info().Msg("No migrations applied")
	case err != nil:
		log.Fatal().Err(err).Msg("Failed to read schema version")
	default:
		log.Info().Uint("version", version).Bool("dirty", dirty).Msg("Migration completed successfully")
	}
}

func run(m *migrate.Migrate, direction string, steps int) error {
	var err error
	switch direction {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps <= 0 {
			steps = 1
		}
		err = m.Steps(-steps)
	case "version":
		return nil
	default:
		return fmt.Errorf("invalid direction %q: must be up, down or version", direction)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		log.Info().Msg("Schema already up to date")
		return nil
	}
	return err
}
