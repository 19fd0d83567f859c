package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/tbourn/notify-gate/internal/config"
	"github.com/tbourn/notify-gate/internal/marker"
	"github.com/tbourn/notify-gate/internal/repo"
	"github.com/tbourn/notify-gate/internal/services"
	"github.com/tbourn/notify-gate/internal/sysutil"
)

func newRootCmd() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:   "notifygate",
		Short: "Safety gate for outbound customer notifications",
		Long: `notifygate decides whether an outbound customer notification may be sent,
records delivery outcomes, and lets operators halt all sends with a kill switch.

Configuration is read from the environment. A dotenv file, when present, is
loaded first without overriding variables that are already set.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadDotenv(envFile)
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load (ignored when missing)")

	root.AddCommand(
		newServeCmd(),
		newKillSwitchCmd(),
		newEventsCmd(),
		newEvaluateCmd(),
		newMarkersCmd(),
	)
	return root
}

func loadDotenv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// openStore loads configuration, configures logging, and opens the migrated
// store. Callers close the store with closeStore.
func openStore() (config.Config, *gorm.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	sysutil.ConfigureLogger(cfg.LogLevel, cfg.LogPretty, os.Stderr)

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return cfg, nil, fmt.Errorf("open store %s: %w", cfg.DBPath, err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		closeStore(db)
		return cfg, nil, fmt.Errorf("migrate: %w", err)
	}
	return cfg, db, nil
}

func closeStore(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// openMarkers opens the side-channel marker store. When MARKER_PATH is off
// it warns and returns nil, and the gate runs without its third duplicate
// layer. Badger locks its directory, so only one process may hold it.
func openMarkers(cfg config.MarkerConfig) (*marker.Store, error) {
	if cfg.Path == "" {
		log.Warn().Msg("MARKER_PATH is off: side-channel duplicate markers are disabled")
		return nil, nil
	}
	mcfg := marker.DefaultConfig(cfg.Path)
	mcfg.TTL = cfg.TTL
	ms, err := marker.Open(mcfg)
	if err != nil {
		return nil, fmt.Errorf("open marker store %s: %w", cfg.Path, err)
	}
	return ms, nil
}

// gateMarkers converts ms for services.Assemble without producing a
// non-nil interface around a nil store.
func gateMarkers(ms *marker.Store) services.MarkerStore {
	if ms == nil {
		return nil
	}
	return ms
}

// operatorName resolves the actor recorded in the audit log.
func operatorName(flag string) string {
	return sysutil.FirstNonEmpty(flag, os.Getenv("USER"), "cli")
}
