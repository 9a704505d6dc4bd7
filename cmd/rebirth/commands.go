// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"log"
	"log/slog"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/SamsaraWorks/RebirthBackend/pkg/logging"
	"github.com/SamsaraWorks/RebirthBackend/services/story"
	"github.com/SamsaraWorks/RebirthBackend/services/story/config"
	"github.com/SamsaraWorks/RebirthBackend/services/story/images"
)

// version is stamped at build time via -ldflags.
var version = "dev"

var (
	configPath  string
	logDir      string
	debugLog    bool
	cleanupDays int

	rootCmd = &cobra.Command{
		Use:     "rebirth",
		Short:   "Backend for the rebirth narrative game",
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if err := godotenv.Load(); err == nil {
				slog.Debug("Loaded environment from .env")
			}
			level := logging.LevelInfo
			if debugLog {
				level = logging.LevelDebug
			}
			logger := logging.New(logging.Config{
				Level:   level,
				LogDir:  logDir,
				Service: "rebirth",
			})
			slog.SetDefault(logger.Slog())
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Run:   runServe,
	}

	imagesCmd = &cobra.Command{
		Use:   "images",
		Short: "Manage the generated illustration store",
	}

	imagesCleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Delete generated illustrations older than --days",
		Run:   runImagesCleanup,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rebirth %s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file overriding environment values")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "directory for JSON log files")
	rootCmd.PersistentFlags().BoolVar(&debugLog, "debug", false, "enable debug logging")

	imagesCleanupCmd.Flags().IntVar(&cleanupDays, "days", 30, "age threshold in days")

	imagesCmd.AddCommand(imagesCleanupCmd)
	rootCmd.AddCommand(serveCmd, imagesCmd, versionCmd)
}

// loadConfig builds the effective configuration: environment first, YAML
// overrides on top.
func loadConfig() (config.Config, error) {
	cfg := config.FromEnv()
	if configPath != "" {
		overridden, err := applyYAML(cfg, configPath)
		if err != nil {
			return config.Config{}, fmt.Errorf("failed to apply %s: %w", configPath, err)
		}
		cfg = overridden
		slog.Info("Applied YAML config overrides", "path", configPath)
	}
	return cfg.WithDefaults(), nil
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	svc, err := story.New(cfg, nil)
	if err != nil {
		log.Fatalf("Failed to initialize story service: %v", err)
	}
	if err := svc.Run(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// runImagesCleanup opens the image store without the rest of the
// service and deletes stale generated artifacts. Generation is forced
// off so no provider credentials are needed.
func runImagesCleanup(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	cfg.EnableAIImages = false

	indexPath := filepath.Join(cfg.AssetsDir, "index")
	db, err := badger.Open(badger.DefaultOptions(indexPath).WithLogger(nil))
	if err != nil {
		log.Fatalf("Failed to open image index: %v", err)
	}
	defer db.Close()

	svc, err := images.NewService(cfg, db)
	if err != nil {
		log.Fatalf("Failed to open image store: %v", err)
	}
	defer svc.Stop()

	removed, err := svc.Storage().CleanupOldImages(cleanupDays)
	if err != nil {
		log.Fatalf("Cleanup failed: %v", err)
	}

	stats, err := svc.Storage().Stats()
	if err != nil {
		log.Fatalf("Failed to read storage stats: %v", err)
	}
	fmt.Printf("Removed %d images older than %d days; %d remain (%.1f MB)\n",
		removed, cleanupDays, stats.TotalFiles, stats.TotalSizeMB)
}
