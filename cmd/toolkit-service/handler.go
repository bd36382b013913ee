package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hurrican1/diarization-bot/internal/dependency"
	"github.com/hurrican1/diarization-bot/pkg/logger"
	"github.com/hurrican1/diarization-bot/pkg/metrics"
)

const Version = "1.0.0"

// metricsMode labels command metrics recorded by this service.
const metricsMode = "service"

// Handler holds dependencies for HTTP request handling.
type Handler struct {
	config      *Config
	validator   *Validator
	executor    dependency.DependencyExecutor
	auditLogger *AuditLogger
	limiter     *ConcurrencyLimiter
}

// NewHandler creates a new HTTP handler with all dependencies.
func NewHandler(config *Config, validator *Validator, executor dependency.DependencyExecutor, auditLogger *AuditLogger, limiter *ConcurrencyLimiter) *Handler {
	return &Handler{
		config:      config,
		validator:   validator,
		executor:    executor,
		auditLogger: auditLogger,
		limiter:     limiter,
	}
}

// Register mounts the execute and health routes.
func (h *Handler) Register(r gin.IRouter) {
	v1 := r.Group("/api/v1")
	v1.POST("/execute", h.HandleExecute)
	v1.GET("/health", h.HandleHealth)
}

// HandleExecute validates the request, acquires a concurrency slot, runs the
// command and audits the result.
//
// Status codes follow what the remote executor expects:
//
//	200  success
//	400  invalid_request / invalid_arguments
//	500  non-zero exit (CommandResponse body) or command_failed
//	503  service_busy
//	504  command timeout (CommandResponse body)
func (h *Handler) HandleExecute(c *gin.Context) {
	var req dependency.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "failed to decode JSON: "+err.Error())
		return
	}

	if err := h.validator.ValidateRequest(req); err != nil {
		h.auditLogger.LogRejection(req, err.Error(), c.ClientIP())
		metrics.RecordCommandExecution(req.Command, metricsMode, "rejected")
		respondError(c, http.StatusBadRequest, "invalid_arguments", err.Error())
		return
	}

	// The whitelist timeout caps whatever the caller asked for.
	cmdConfig, _ := h.config.GetCommandConfig(req.Command)
	if req.Timeout <= 0 || req.Timeout > cmdConfig.Timeout {
		req.Timeout = cmdConfig.Timeout
	}

	ctx := c.Request.Context()
	if err := h.limiter.Acquire(ctx, req.Command); err != nil {
		h.auditLogger.LogRejection(req, err.Error(), c.ClientIP())
		metrics.RecordCommandExecution(req.Command, metricsMode, "busy")
		respondError(c, http.StatusServiceUnavailable, "service_busy", "max concurrent executions reached")
		return
	}
	defer h.limiter.Release(req.Command)

	start := time.Now()
	resp, err := h.executor.ExecuteCommand(ctx, req)
	metrics.RecordCommandDuration(req.Command, metricsMode, time.Since(start).Seconds())
	h.auditLogger.LogExecution(req, resp, err, c.ClientIP())

	var exitErr *dependency.ExitError
	switch {
	case err == nil:
		metrics.RecordCommandExecution(req.Command, metricsMode, "success")
		resp.Success = true
		c.JSON(http.StatusOK, resp)
	case errors.Is(err, dependency.ErrTimeout):
		metrics.RecordCommandExecution(req.Command, metricsMode, "timeout")
		resp.Success = false
		c.JSON(http.StatusGatewayTimeout, resp)
	case errors.As(err, &exitErr):
		metrics.RecordCommandExecution(req.Command, metricsMode, "failed")
		resp.Success = false
		c.JSON(http.StatusInternalServerError, resp)
	case errors.Is(err, context.Canceled):
		metrics.RecordCommandExecution(req.Command, metricsMode, "cancelled")
		logger.L().Info("command cancelled by caller", "command", req.Command)
		respondError(c, http.StatusInternalServerError, "command_cancelled", err.Error())
	default:
		metrics.RecordCommandExecution(req.Command, metricsMode, "error")
		logger.L().Error("command failed to run", "command", req.Command, "error", err)
		respondError(c, http.StatusInternalServerError, "command_failed", err.Error())
	}
}

// HandleHealth reports liveness and whether every whitelisted binary is present.
func (h *Handler) HandleHealth(c *gin.Context) {
	if err := h.executor.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"service": "toolkit-service",
			"version": Version,
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "toolkit-service",
		"version": Version,
	})
}

// respondError writes the error envelope the remote executor decodes.
func respondError(c *gin.Context, statusCode int, errorType string, details ...string) {
	c.JSON(statusCode, gin.H{
		"error":   errorType,
		"details": details,
	})
}
