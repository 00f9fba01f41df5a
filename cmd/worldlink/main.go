// Command worldlink is a headless client for the world server. It keeps a
// character connected, walks it to a target cell, and exposes transport and
// timing metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aeolun/worldlink/pkg/client"
	"github.com/aeolun/worldlink/pkg/config"
	"github.com/aeolun/worldlink/pkg/logging"
	"github.com/aeolun/worldlink/pkg/movement"
	"github.com/aeolun/worldlink/pkg/session"
	"github.com/aeolun/worldlink/pkg/state"
	"github.com/aeolun/worldlink/pkg/timing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worldlink: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.DefaultPath, "Path to config file")
	addr := flag.String("addr", "", "Server address, overrides server.address (host:port, ws://, wss://)")
	walk := flag.String("walk", "", "Walk to x,y after the server places the character")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Address = *addr
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}

	logOpts, err := logging.FromConfig(cfg.Logging)
	if err != nil {
		return err
	}
	logger, err := logging.New(logOpts)
	if err != nil {
		return err
	}
	defer logger.Sync()

	var target *movement.Point
	if *walk != "" {
		p, err := parsePoint(*walk)
		if err != nil {
			return err
		}
		target = &p
	}

	table, err := loadIntervals(cfg.Timing.IntervalsPath)
	if err != nil {
		return err
	}
	logger.Debug("interval table loaded", zap.Int("entries", table.Len()))

	weapon, err := timing.ParseWeapon(cfg.Character.Weapon)
	if err != nil {
		return err
	}

	statePath, err := config.ExpandPath(cfg.State.Path)
	if err != nil {
		return err
	}
	store, err := state.OpenState(statePath)
	if err != nil {
		return err
	}
	defer store.Close()
	if store.GetFirstRun() {
		logger.Info("first run", zap.String("state", statePath))
		_ = store.SetFirstRunComplete()
	}

	conn, err := client.NewConnection(cfg.Server.Address)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetLogger(logger.Named("transport"))
	conn.SetDialTimeout(cfg.DialTimeout())
	conn.SetClientReadyOpcode(uint8(cfg.Server.ClientReadyOpcode))
	metrics := client.NewMetrics()
	conn.SetMetrics(metrics)

	sess := session.New(conn, timing.NewState(table, nil, cfg.Margins()), session.Options{
		MeleeRange:        cfg.Character.MeleeRange,
		RangedRange:       cfg.Character.RangedRange,
		CastRange:         cfg.Character.CastRange,
		MaxUnknownPackets: cfg.Server.MaxUnknownPackets,
		Strictness:        cfg.Timing.StrictnessFactor,
		Gfx:               uint16(cfg.Character.Gfx),
		Weapon:            weapon,
	})
	sess.SetLogger(logger.Named("session"))
	sess.SetMetrics(session.NewMetrics(metrics.Registry()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.ListenAddr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           metricsMux(metrics),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	r := newRunner(conn, sess, store, logger)
	r.method = conn.GetConnectionType()
	r.walkTarget = target
	if cfg.MaxBackoff() > 0 {
		r.maxBackoff = cfg.MaxBackoff()
	}
	if cfg.Notify.OnDisconnect {
		r.notify = notifyDesktop
	}

	err = r.run(ctx)
	_ = store.UpdateLastSeenTimestamp()
	logger.Info("shutting down")
	return err
}

func metricsMux(m *client.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

func loadIntervals(path string) (*timing.IntervalTable, error) {
	if path == "" {
		return timing.DefaultIntervalTable(), nil
	}
	expanded, err := config.ExpandPath(path)
	if err != nil {
		return nil, err
	}
	return timing.LoadIntervalTable(expanded)
}

// parsePoint parses "x,y".
func parsePoint(s string) (movement.Point, error) {
	xs, ys, ok := strings.Cut(s, ",")
	if !ok {
		return movement.Point{}, fmt.Errorf("invalid point %q, want x,y", s)
	}
	x, err := strconv.ParseUint(strings.TrimSpace(xs), 10, 16)
	if err != nil {
		return movement.Point{}, fmt.Errorf("invalid x in %q: %w", s, err)
	}
	y, err := strconv.ParseUint(strings.TrimSpace(ys), 10, 16)
	if err != nil {
		return movement.Point{}, fmt.Errorf("invalid y in %q: %w", s, err)
	}
	return movement.Point{X: int32(x), Y: int32(y)}, nil
}
