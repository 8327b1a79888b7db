package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tailwatch/tailwatch/pkg/config"
	"github.com/tailwatch/tailwatch/pkg/logger"
	"github.com/tailwatch/tailwatch/pkg/server"
	"github.com/tailwatch/tailwatch/pkg/server/monitor"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		println("failed to load config:", err.Error())
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Debug:  cfg.Log.Debug,
		Output: cfg.Log.Output,
	})
	log.Info().Str("port", cfg.Server.Port).Msg("Starting tailwatch server")

	store, err := server.InitializeStorage(cfg.Storage, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	defer store.Close()

	engine := server.NewEngine(cfg, store, log)

	maintenanceMon := monitor.NewTaskMonitor("maintenance", 3*cfg.Partition.MaintenanceInterval)
	rollupMon := monitor.NewTaskMonitor("rollup", 10*cfg.Rollup.Interval)
	evaluatorMon := monitor.NewTaskMonitor("evaluator", 10*cfg.Alerting.EvaluationInterval)
	engine.Monitors = []*monitor.TaskMonitor{maintenanceMon, rollupMon, evaluatorMon}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	// Live tail hub.
	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.TailHub.Run(ctx)
	}()

	// Notification delivery worker.
	engine.Dispatcher.Start()

	// Background schedulers.
	stopMaintenance := make(chan bool)
	wg.Add(1)
	go server.RunMaintenance(ctx, engine.Partitions, maintenanceMon, cfg.Partition.MaintenanceInterval, log, stopMaintenance, &wg)

	stopRollup := make(chan bool)
	wg.Add(1)
	go server.RunRollup(ctx, engine.Rollup, rollupMon, cfg.Rollup.Interval, log, stopRollup, &wg)

	stopEvaluator := make(chan bool)
	wg.Add(1)
	go server.RunEvaluator(ctx, engine.Evaluator, evaluatorMon, cfg.Alerting.EvaluationInterval, log, stopEvaluator, &wg)

	stopGC := make(chan bool)
	wg.Add(1)
	go server.RunBadgerGC(store, cfg.Storage.GCInterval, log, stopGC, &wg)

	router := server.NewRouter(engine, cfg, log)
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutdown signal received")

	// Cancel the context before waiting or the hub goroutine never exits.
	cancel()
	close(stopMaintenance)
	close(stopRollup)
	close(stopEvaluator)
	close(stopGC)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Server shutdown warning")
	}

	// Drain queued notifications before exit; delivery is at-least-once so a
	// hard kill here only risks duplicates, never silent loss of state.
	engine.Dispatcher.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("All background tasks stopped cleanly")
	case <-time.After(5 * time.Second):
		log.Warn().Msg("Some background tasks did not stop in time, forcing exit")
	}

	log.Info().Msg("Server exited")
}
