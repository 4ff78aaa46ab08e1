package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"fleetcontrol/api"
	"fleetcontrol/config"
	"fleetcontrol/service"
)

// setupLogging creates a log file in the log directory with timestamp
// Returns the log file handle (caller should defer Close())
func setupLogging() (*os.File, error) {
	// Create log directory if not exists
	logDir := "log"
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Create log file with timestamp: log/2025-12-08_21-52-35.log
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logPath := filepath.Join(logDir, timestamp+".log")

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// Write to both console and file
	multiWriter := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(multiWriter)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	log.Printf("Logging to: %s", logPath)
	return logFile, nil
}

func main() {
	configPath := flag.String("config", "fleetcontrol.yaml", "path to config file")
	flag.Parse()

	// Setup file logging
	logFile, err := setupLogging()
	if err != nil {
		log.Printf("Warning: Failed to setup file logging: %v", err)
	} else {
		defer logFile.Close()
	}

	log.Println("Starting Fleet Control Backend...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := config.InitDatabase(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	// Initialize the push hub (device websocket channel)
	pushHub := api.NewPushHub()
	go pushHub.Run()

	// Initialize services
	registry := service.NewRegistry(db)
	telemetry := service.NewTelemetryStore(db, registry)
	engine := service.NewCommandEngine(db, registry, pushHub, cfg.DispatchTimeout.Std())
	gateway := service.NewGateway(registry, telemetry, engine, cfg.LivenessThreshold.Std())

	// Staleness sweep: push delivery has no guarantee, so commands
	// stuck in dispatched are failed with reason "timeout".
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval.Std())
		defer ticker.Stop()
		for range ticker.C {
			if _, err := engine.SweepStale(context.Background(), cfg.SweepAfter.Std()); err != nil {
				log.Printf("Warning: Stale command sweep failed: %v", err)
			}
		}
	}()

	// Setup HTTP server
	router := gin.Default()
	api.SetupRoutes(router, registry, telemetry, engine, gateway, pushHub)

	log.Printf("Server starting on http://localhost%s", cfg.ListenAddr)
	log.Printf("Device push channel on ws://localhost%s/push", cfg.ListenAddr)

	if err := router.Run(cfg.ListenAddr); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
