// Command seekarr runs the search scheduler: continuous per-instance loops
// by default, or a single cycle with --once.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/seekarr/seekarr/internal/config"
	"github.com/seekarr/seekarr/internal/engine"
	"github.com/seekarr/seekarr/internal/logger"
	"github.com/seekarr/seekarr/internal/scheduler"
	"github.com/seekarr/seekarr/internal/store"
)

const (
	exitOK            = 0
	exitNoInstances   = 1
	exitUpstreamError = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to config file")
	once := flag.Bool("once", false, "Run one cycle and exit")
	force := flag.Bool("force", false, "Ignore due times and quiet hours")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "seekarr: --config is required")
		return exitUpstreamError
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seekarr: %v\n", err)
		return exitUpstreamError
	}

	log := logger.New(logger.Config{
		Level:  cfg.App.LogLevel,
		Format: cfg.App.LogFormat,
		Path:   cfg.App.LogPath,
	})
	defer log.Close()

	enabled := 0
	for _, inst := range cfg.Radarr {
		if inst.Enabled {
			enabled++
		}
	}
	for _, inst := range cfg.Sonarr {
		if inst.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		log.Warn().Msg("no enabled instances configured")
		return exitNoInstances
	}

	st, err := store.Open(cfg.App.DBPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to open state database")
		return exitUpstreamError
	}
	defer st.Close()

	eng := engine.New(cfg, st, log.WithComponent("engine").Logger)
	log.Info().
		Int("instances", enabled).
		Bool("once", *once).
		Bool("force", *force).
		Msg("seekarr starting")

	if *once {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		stats, err := eng.RunCycle(ctx, *force, nil)
		log.Info().
			Int("instances_due", stats.InstancesDue).
			Int("instances_processed", stats.InstancesProcessed).
			Int("actions_triggered", stats.ActionsTriggered).
			Int("skipped_cooldown", stats.SkippedCooldown).
			Int("skipped_rate_limit", stats.SkippedRateLimit).
			Int("skipped_not_released", stats.SkippedNotReleased).
			Msg("cycle finished")
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("cycle reported errors")
			return exitUpstreamError
		}
		return exitOK
	}

	var runMu sync.Mutex
	sup, err := scheduler.New(eng, log.Logger, &runMu, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to build scheduler")
		return exitUpstreamError
	}
	sup.Start(*force)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	log.Info().Str("signal", received.String()).Msg("shutting down")
	sup.Stop()
	return exitOK
}
