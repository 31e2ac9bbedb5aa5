// mediadeckd is the headless media job daemon. It recovers persisted jobs,
// runs the scheduler and serves the loopback control API until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"mediadeck/internal/api"
	"mediadeck/internal/config"
	"mediadeck/internal/engine"
	"mediadeck/internal/events"
	"mediadeck/internal/history"
	"mediadeck/internal/logger"
	"mediadeck/internal/scheduler"
	"mediadeck/internal/storage"
)

const shutdownGrace = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mediadeckd:", err)
		os.Exit(1)
	}
}

func run() error {
	dataDir := flag.String("data", "", "data directory (default: user config dir)")
	port := flag.Int("port", 0, "control API port (overrides stored setting)")
	flag.Parse()

	dir := *dataDir
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("cannot determine config dir: %w", err)
		}
		dir = filepath.Join(base, "Mediadeck")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create data dir: %w", err)
	}

	log, err := logger.New(dir, os.Stdout)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	log.Info("mediadeckd starting", "data", dir)

	st, err := storage.Open(dir)
	if err != nil {
		return fmt.Errorf("storage init failed: %w", err)
	}
	defer st.Close()

	cfg := config.NewManager(st)
	bus := events.NewBus(log)
	hist := history.NewManager(log, st, cfg.GetHistoryLimit())

	deps := engine.DependencyStatus()
	if !deps.FetchFound {
		log.Warn("yt-dlp not found on PATH; downloads will fail until installed")
	}
	if !deps.TranscodeFound {
		log.Warn("ffmpeg not found on PATH; conversions will fail until installed")
	}

	sched := scheduler.New(log, st, cfg, bus, hist,
		engine.NewFetchEngine(log, cfg.GetDownloadPath()),
		engine.NewTranscodeEngine(log, cfg.GetConvertPath()),
	)
	sched.Run()

	var control *api.ControlServer
	if cfg.GetControlEnabled() {
		control = api.NewControlServer(log, sched, hist, cfg)
		p := *port
		if p == 0 {
			p = cfg.GetControlPort()
		}
		if err := control.Start(p); err != nil {
			sched.Shutdown(shutdownGrace)
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutdown signal received")
	if control != nil {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		control.Shutdown(shCtx)
		cancel()
	}
	sched.Shutdown(shutdownGrace)
	bus.Close()
	if err := st.Checkpoint(); err != nil {
		log.Warn("wal checkpoint failed", "error", err)
	}
	log.Info("mediadeckd stopped")
	return nil
}
