// Command toolkit-service runs whitelisted toolkit commands (python/WhisperX,
// ffmpeg) on behalf of the remote and fallback executors.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hurrican1/diarization-bot/internal/dependency"
	"github.com/hurrican1/diarization-bot/internal/middleware"
	"github.com/hurrican1/diarization-bot/pkg/logger"
)

func main() {
	configPath := flag.String("config", "/app/config/commands.yaml", "Path to config file")
	port := flag.Int("port", 8090, "HTTP server port")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Toolkit Service v%s\n", Version)
		os.Exit(0)
	}

	config, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Init(logger.Config{
		Level:       config.Log.Level,
		Environment: os.Getenv("ENV"),
		Format:      config.Log.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	log = log.With("component", "toolkit-service")

	auditLogger := NewAuditLogger(config.Security.AuditLogPath)
	defer auditLogger.Close()

	executor := dependency.NewLocalExecutor(dependency.ExecutorConfig{
		Mode:             dependency.ModeLocal,
		SharedVolumePath: config.Security.SharedVolumePath,
		LocalBinaryPaths: config.BinaryPaths(),
	})
	handler := NewHandler(config, NewValidator(config), executor, auditLogger, NewConcurrencyLimiter(config))

	if os.Getenv("ENV") == "prod" || os.Getenv("ENV") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handler.Register(r)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		log.Info("starting toolkit service", "port", *port, "commands", len(config.Commands))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-stopChan

	log.Info("shutting down gracefully")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("server shutdown error", "error", err)
	}

	log.Info("server stopped")
}
