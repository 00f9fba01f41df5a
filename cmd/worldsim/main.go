// Command worldsim runs a small authoritative world server for exercising
// worldlink clients locally.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/aeolun/worldlink/pkg/config"
	"github.com/aeolun/worldlink/pkg/logging"
	"github.com/aeolun/worldlink/pkg/timing"
	"github.com/aeolun/worldlink/pkg/worldsim"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worldsim: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to config file (defaults when empty)")
	tcpAddr := flag.String("tcp", "", "TCP listen address, overrides server.tcp_addr")
	httpAddr := flag.String("http", "", "HTTP listen address for /ws, /metrics and /health")
	intervals := flag.String("intervals", "", "Interval table TOML, overrides world.intervals_path")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := worldsim.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *tcpAddr != "" {
		cfg.Server.TCPAddr = *tcpAddr
	}
	if *httpAddr != "" {
		cfg.Server.HTTPAddr = *httpAddr
	}
	if *intervals != "" {
		cfg.World.IntervalsPath = *intervals
	}

	level := "info"
	if *debug {
		level = "debug"
	}
	logger, err := logging.New(logging.Options{Level: level, Console: true})
	if err != nil {
		return err
	}
	defer logger.Sync()

	table := timing.DefaultIntervalTable()
	if cfg.World.IntervalsPath != "" {
		path, err := config.ExpandPath(cfg.World.IntervalsPath)
		if err != nil {
			return err
		}
		if table, err = timing.LoadIntervalTable(path); err != nil {
			return err
		}
	}

	srv, err := worldsim.NewServer(cfg, table, logger)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	logger.Info("world ready",
		zap.Int("map", cfg.World.MapID),
		zap.Int("spawn_x", cfg.World.SpawnX),
		zap.Int("spawn_y", cfg.World.SpawnY),
		zap.Int("blocked", len(cfg.World.Blocked)),
		zap.Int("intervals", table.Len()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	return srv.Stop()
}
