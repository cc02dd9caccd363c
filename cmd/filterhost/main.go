package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/wudi/filterhost/internal/config"
	"github.com/wudi/filterhost/internal/filter"
	"github.com/wudi/filterhost/internal/logging"
	"github.com/wudi/filterhost/internal/plugins/hello"
	"github.com/wudi/filterhost/internal/plugins/wasm"
	"github.com/wudi/filterhost/internal/server"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/filterhost.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("filterhost %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	if err := run(cfg, *configPath); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, configPath string) error {
	rot := cfg.Logging.Rotation
	logger, closer, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		MaxSize:    rot.MaxSize,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAge,
		Compress:   rot.Compress,
		LocalTime:  rot.LocalTime,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer logger.Sync()
	if closer != nil {
		defer closer.Close()
	}
	logging.SetGlobal(logger)

	logging.Info("Starting filterhost",
		zap.String("version", version),
		zap.String("config", configPath),
		zap.Int("filters", len(cfg.Filters)),
	)

	ctx := context.Background()
	rt, err := wasm.NewRuntime(ctx, wasm.RuntimeConfig{
		Mode:           cfg.Wasm.Mode,
		MaxMemoryPages: cfg.Wasm.MaxMemoryPages,
		CacheSize:      cfg.Wasm.CacheSize,
		CacheTTL:       cfg.Wasm.CacheTTL,
	}, logger.Named("wasm"))
	if err != nil {
		return fmt.Errorf("wasm runtime: %w", err)
	}
	defer rt.Close(ctx)

	reg := filter.NewRegistry()
	reg.MustRegister(hello.New, hello.TypeName)
	reg.MustRegister(wasm.NewBuilder(rt, logging.Filter(wasm.TypeName)), wasm.TypeName)

	srv, err := server.New(cfg, server.Options{
		ConfigPath: configPath,
		Registry:   reg,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
