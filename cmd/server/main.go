package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gpu-render-orchestrator/api/rest/routes"
	"gpu-render-orchestrator/config"
	"gpu-render-orchestrator/core/app"
	"gpu-render-orchestrator/core/catalog"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := config.ConfigureLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orchestrator, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize orchestrator: %v", err)
	}
	defer orchestrator.Close()

	// Start scheduler
	orchestrator.Scheduler.Start(ctx)
	defer orchestrator.Scheduler.Stop()

	deps := routes.Deps{
		Dispatcher: orchestrator.Scheduler,
		Jobs:       orchestrator.Lineages,
		Catalog:    catalog.WithPreemptibleVariants(orchestrator.Catalog),
		Quota:      orchestrator.Probe,
		Costs:      orchestrator.Costs,
	}
	if orchestrator.Events != nil {
		deps.Events = orchestrator.Events
		deps.Archive = orchestrator.Archive
	}

	r := mux.NewRouter()
	routes.SetupRoutes(r, deps)

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Infof("Starting server on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}
	log.Info("Server exited")
}
