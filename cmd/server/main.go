package main

import (
	// Standard library
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	// External dependencies
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	// Internal packages
	"github.com/hurrican1/diarization-bot/internal/api"
	"github.com/hurrican1/diarization-bot/internal/app"
	"github.com/hurrican1/diarization-bot/internal/config"
	"github.com/hurrican1/diarization-bot/internal/middleware"
	"github.com/hurrican1/diarization-bot/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	lc := cfg.LoggerConfig()
	lc.WithSource = !cfg.IsProduction()
	logInstance, err := logger.Init(lc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	appLogger := logInstance.With("component", "web-server")
	appLogger.Info("configuration loaded", "env", cfg.Server.Env, "port", cfg.Server.Port)
	if !cfg.IsProduction() {
		fmt.Print(cfg.PrintConfig())
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	pipeline, err := app.New(cfg, logInstance)
	if err != nil {
		appLogger.Error("pipeline init failed", "error", err)
		os.Exit(1)
	}

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()
	pipeline.Start(rootCtx)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	api.RegisterRoutes(r, api.Deps{
		Jobs:     pipeline.Orchestrator,
		Speakers: pipeline.Speakers,
		Enroller: pipeline.Enroller,
		Toolkit:  pipeline.Toolkit,
	})

	// Create HTTP server with graceful shutdown
	serverAddr := cfg.GetServerAddr()
	srv := &http.Server{
		Addr:              serverAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.Info("server starting", "addr", serverAddr, "env", cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-quit
	appLogger.Info("shutdown signal received, shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting requests first, then drain the workers.
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("server forced to shutdown", "error", err)
	}
	if err := pipeline.Shutdown(ctx); err != nil {
		appLogger.Warn("running jobs cancelled at shutdown", "error", err)
	}
	stop()
	appLogger.Info("server shutdown complete")
}
