package orchestrator

import (
	"encoding/json"
	"io"
	"log"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditLogger appends one JSON line per terminal job transition.
type AuditLogger struct {
	logger *log.Logger
	closer io.Closer
}

// NewAuditLogger creates an audit log with size/age based rotation. An empty
// path disables auditing.
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
	return &AuditLogger{logger: log.New(writer, "", 0), closer: writer}
}

func newWriterAuditLogger(w io.Writer) *AuditLogger {
	return &AuditLogger{logger: log.New(w, "", 0)}
}

// LogJob records a terminal job. Safe on a nil receiver.
func (a *AuditLogger) LogJob(j Job) {
	if a == nil {
		return
	}
	record := map[string]interface{}{
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"job_id":      j.ID,
		"source":      j.SourceRef,
		"status":      j.State,
		"duration_ms": j.Duration().Milliseconds(),
	}
	if j.Reason != "" {
		record["reason"] = j.Reason
		record["error_message"] = j.Error
	}
	if j.OutputPath != "" {
		record["output"] = j.OutputPath
	}
	if len(j.PublishedKeys) > 0 {
		record["published"] = j.PublishedKeys
	}

	data, _ := json.Marshal(record)
	a.logger.Println(string(data))
}

// Close flushes the underlying file.
func (a *AuditLogger) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	return a.closer.Close()
}
