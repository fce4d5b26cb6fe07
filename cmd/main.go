package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/amirphl/simple-oms/internal/config"
	"github.com/amirphl/simple-oms/internal/service"
	"github.com/amirphl/simple-oms/internal/utils"
)

func main() {
	// Load configuration
	cfg := config.MustLoadConfig()
	if err := utils.SetLogFile(cfg.LogFile); err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	logger := utils.GetLogger()
	logger.Println("Starting Simple OMS in mode:", cfg.Mode)

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	switch cfg.Mode {
	case config.ModeMigrate:
		store, err := service.OpenStore(ctx, cfg)
		if err != nil {
			logger.Fatalf("Migration failed: %v", err)
		}
		store.GetDB().Close()
		logger.Println("Database migrations completed successfully")
	case config.ModeReconcile:
		svc, err := service.New(ctx, cfg)
		if err != nil {
			logger.Fatalf("Failed to initialize: %v", err)
		}
		report, rerr := svc.ReconcileOnce(ctx)
		shutdown(svc, cfg)
		if rerr != nil {
			logger.Fatalf("Reconciliation failed: %v", rerr)
		}
		fmt.Println(report.String())
	case config.ModeServe:
		svc, err := service.New(ctx, cfg)
		if err != nil {
			logger.Fatalf("Failed to initialize: %v", err)
		}
		if err := svc.Start(ctx); err != nil {
			logger.Fatalf("Failed to start: %v", err)
		}
		<-ctx.Done()
		shutdown(svc, cfg)
	default:
		logger.Fatalf("Unsupported mode: %s", cfg.Mode)
	}
}

func shutdown(svc *service.Service, cfg config.Config) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		utils.GetLogger().Printf("Shutdown finished with errors: %v", err)
	}
}
