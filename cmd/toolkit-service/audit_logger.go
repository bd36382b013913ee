package main

import (
	"encoding/json"
	"io"
	"log"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hurrican1/diarization-bot/internal/dependency"
)

// AuditLogger records all command execution attempts for security auditing.
type AuditLogger struct {
	logger *log.Logger
	closer io.Closer
}

// NewAuditLogger creates a new AuditLogger with automatic log rotation.
// An empty path disables auditing.
func NewAuditLogger(logPath string) *AuditLogger {
	if logPath == "" {
		return nil
	}
	writer := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    100, // MB
		MaxBackups: 10,
		MaxAge:     30, // days
		Compress:   true,
	}
	return &AuditLogger{
		logger: log.New(writer, "", 0),
		closer: writer,
	}
}

func newWriterAuditLogger(w io.Writer) *AuditLogger {
	return &AuditLogger{logger: log.New(w, "", 0)}
}

// LogExecution records a command execution attempt (successful or failed).
func (a *AuditLogger) LogExecution(req dependency.CommandRequest, resp dependency.CommandResponse, err error, sourceIP string) {
	if a == nil {
		return
	}
	record := map[string]any{
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"command":     req.Command,
		"args":        req.Args,
		"result":      "success",
		"exit_code":   resp.ExitCode,
		"duration_ms": resp.DurationMs,
		"source_ip":   sourceIP,
	}

	if err != nil || resp.ExitCode != 0 {
		record["result"] = "failed"
		if err != nil {
			record["error_message"] = err.Error()
		}
	}

	a.write(record)
}

// LogRejection records a request that was rejected during validation or
// could not get a concurrency slot.
func (a *AuditLogger) LogRejection(req dependency.CommandRequest, reason string, sourceIP string) {
	if a == nil {
		return
	}
	a.write(map[string]any{
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"command":          req.Command,
		"args":             req.Args,
		"result":           "rejected",
		"rejection_reason": reason,
		"source_ip":        sourceIP,
	})
}

func (a *AuditLogger) write(record map[string]any) {
	data, _ := json.Marshal(record)
	a.logger.Println(string(data))
}

// Close flushes and closes the rotated file.
func (a *AuditLogger) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	return a.closer.Close()
}
