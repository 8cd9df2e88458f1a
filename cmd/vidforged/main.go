// Command vidforged runs the vidforge processing daemon.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"vidforge/internal/config"
	"vidforge/internal/daemon"
	"vidforge/internal/logging"
)

func main() {
	configFlag := flag.String("config", "", "configuration file path")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, configPath, _, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("create directories: %v", err)
	}

	logger, err := logging.NewForDir(cfg.Paths.LogDir, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	d, err := daemon.Build(cfg, logger)
	if err != nil {
		logger.Error("failed to build daemon", logging.Error(err))
		return
	}
	defer d.Close()

	if err := d.Start(ctx); err != nil {
		logger.Error("failed to start daemon", logging.Error(err))
		return
	}
	logger.Info("daemon ready", logging.String("config", configPath))

	<-ctx.Done()
	d.Stop()
}
