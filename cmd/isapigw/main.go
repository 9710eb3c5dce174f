package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/wudi/isapigw/internal/config"
	"github.com/wudi/isapigw/internal/isapi"
	"github.com/wudi/isapigw/internal/logging"
	"github.com/wudi/isapigw/internal/server"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/isapigw.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s (built %s)\n", isapi.ServerSoftware, version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	lc := cfg.Logging
	logger, closer, err := logging.New(logging.Config{
		Level:      lc.Level,
		Format:     lc.Format,
		Output:     lc.Output,
		MaxSize:    lc.Rotation.MaxSize,
		MaxBackups: lc.Rotation.MaxBackups,
		MaxAge:     lc.Rotation.MaxAge,
		Compress:   lc.Rotation.Compress,
		LocalTime:  lc.Rotation.LocalTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)
	defer func() {
		logging.Sync()
		if closer != nil {
			closer.Close()
		}
	}()

	logging.Info("Starting isapigw",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("document_root", cfg.DocumentRoot),
		zap.Int("listeners", len(cfg.Listeners)),
		zap.Int("cache_files", len(cfg.ISAPI.CacheFiles)),
	)

	srv, err := server.New(context.Background(), cfg, server.WithConfigPath(*configPath))
	if err != nil {
		logging.Error("Failed to create server", zap.Error(err))
		os.Exit(1)
	}
	if err := srv.Run(context.Background()); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}
