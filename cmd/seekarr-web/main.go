// Command seekarr-web serves the management API and websocket progress
// stream. It binds to loopback unless --allow-public is given.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/seekarr/seekarr/internal/config"
	"github.com/seekarr/seekarr/internal/engine"
	"github.com/seekarr/seekarr/internal/logger"
	"github.com/seekarr/seekarr/internal/store"
	"github.com/seekarr/seekarr/internal/webui"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to config file")
	host := flag.String("host", "127.0.0.1", "Listen address")
	port := flag.Int("port", 8788, "Listen port")
	allowPublic := flag.Bool("allow-public", false, "Allow binding to a non-loopback address")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "seekarr-web: --config is required")
		return 1
	}
	if !*allowPublic && !isLoopback(*host) {
		fmt.Fprintf(os.Stderr, "seekarr-web: refusing to bind to %q without --allow-public\n", *host)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seekarr-web: %v\n", err)
		return 1
	}

	log := logger.New(logger.Config{
		Level:    cfg.App.LogLevel,
		Format:   cfg.App.LogFormat,
		Path:     cfg.App.LogPath,
		TailSize: 500,
	})
	defer log.Close()

	st, err := store.Open(cfg.App.DBPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to open state database")
		return 1
	}
	defer st.Close()

	eng := engine.New(cfg, st, log.WithComponent("engine").Logger)
	var runMu sync.Mutex
	srv := webui.NewServer(eng, &runMu, log.Logger)
	srv.SetLogTail(log.Tail())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(net.JoinHostPort(*host, fmt.Sprintf("%d", *port)))
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case received := <-sig:
		log.Info().Str("signal", received.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
			return 1
		}
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
		return 1
	}
	return 0
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
