package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/matt-riley/gatez/internal/config"
	"github.com/matt-riley/gatez/internal/logging"
)

// runMigrate applies migrations for the configured adapter regardless of
// MIGRATE_ON_START.
func runMigrate() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	cfg.MigrateOnStart = true
	st, err := openStore(context.Background(), cfg, log, nil)
	if err != nil {
		return err
	}
	st.close()

	log.Info("migrations complete", "adapter", cfg.Adapter)
	return nil
}
