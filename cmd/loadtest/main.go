// Command loadtest connects many wandering bots to a world server and
// reports how many of their steps the server accepted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/aeolun/worldlink/pkg/logging"
	"github.com/aeolun/worldlink/pkg/timing"
)

type loadConfig struct {
	server      string
	clients     int
	duration    time.Duration
	connectRate float64 // bots per second
	radius      int
	report      time.Duration
	table       *timing.IntervalTable
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "loadtest: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig{}
	flag.StringVar(&cfg.server, "server", "localhost:2000", "Server address (host:port, ws://, wss://)")
	flag.IntVar(&cfg.clients, "clients", 10, "Number of concurrent bots")
	flag.DurationVar(&cfg.duration, "duration", time.Minute, "Test duration after the last bot connected")
	flag.Float64Var(&cfg.connectRate, "rate", 20, "Bots connected per second")
	flag.IntVar(&cfg.radius, "radius", 8, "How far bots wander from their spawn cell")
	flag.DurationVar(&cfg.report, "report", 5*time.Second, "Progress report interval")
	intervals := flag.String("intervals", "", "Interval table TOML (built-in defaults when empty)")
	logFile := flag.String("log", "loadtest.log", "Log file, empty to disable")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if cfg.clients < 1 || cfg.radius < 1 || cfg.connectRate <= 0 {
		return errors.New("clients, radius and rate must be positive")
	}

	opts := logging.Options{Level: "info", Console: true}
	if *debug {
		opts.Level = "debug"
	}
	if *logFile != "" {
		opts.File = &lumberjack.Logger{Filename: *logFile, MaxSize: 50, MaxBackups: 2}
	}
	logger, err := logging.New(opts)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg.table = timing.DefaultIntervalTable()
	if *intervals != "" {
		if cfg.table, err = timing.LoadIntervalTable(*intervals); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting load test",
		zap.String("server", cfg.server),
		zap.Int("clients", cfg.clients),
		zap.Duration("duration", cfg.duration),
		zap.Float64("connect_rate", cfg.connectRate))

	stats := &Stats{}
	elapsed := runLoad(ctx, cfg, stats, logger)
	printSummary(logger, cfg, stats.snapshot(), elapsed)
	return nil
}

// runLoad ramps up the bots, lets them wander for cfg.duration and waits
// for all of them to stop. It returns the wall time spent.
func runLoad(ctx context.Context, cfg loadConfig, stats *Stats, logger *zap.Logger) time.Duration {
	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopReport := make(chan struct{})
	var reportWG sync.WaitGroup
	if cfg.report > 0 {
		reportWG.Add(1)
		go func() {
			defer reportWG.Done()
			ticker := time.NewTicker(cfg.report)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					logger.Info(stats.snapshot().line(time.Since(start)),
						zap.Float64("load", getCPULoad()),
						zap.Int("goroutines", runtime.NumGoroutine()))
				case <-stopReport:
					return
				}
			}
		}()
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.connectRate), 1)
	var wg sync.WaitGroup
	for i := range cfg.clients {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		bot, err := NewBotClient(i, cfg.server, cfg.table, cfg.radius, stats, logger)
		if err != nil {
			stats.connectErrors.Add(1)
			logger.Error("invalid server address", zap.Error(err))
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bot.Connect(ctx); err != nil {
				bot.conn.Close()
				logger.Debug("bot failed to connect", zap.Int("bot", i), zap.Error(err))
				return
			}
			if i%100 == 0 {
				logger.Info("bot placed", zap.Int("bot", i))
			}
			bot.Run(ctx)
		}()
	}

	select {
	case <-ctx.Done():
	case <-time.After(cfg.duration):
	}
	cancel()
	wg.Wait()
	close(stopReport)
	reportWG.Wait()
	return time.Since(start)
}

func printSummary(logger *zap.Logger, cfg loadConfig, snap snapshot, elapsed time.Duration) {
	logger.Info("=== final results ===")
	logger.Info(snap.line(elapsed))
	logger.Info("failures",
		zap.Int64("connect_errors", snap.connectErrors),
		zap.Int64("place_timeouts", snap.placeTimeouts),
		zap.Int64("send_failed", snap.sendFailed),
		zap.Int64("throttled", snap.throttled))
	logger.Info("server verdict",
		zap.Int("attempted", cfg.clients),
		zap.Int64("placed", snap.connected),
		zap.String("correction_rate", fmt.Sprintf("%.2f%%", snap.correctionRate())))
}
