package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hurrican1/diarization-bot/internal/degradation"
	"github.com/hurrican1/diarization-bot/internal/orchestrator"
	"github.com/hurrican1/diarization-bot/internal/speaker"
	"github.com/hurrican1/diarization-bot/internal/transcript"
)

// JobService is the part of the orchestrator the HTTP API drives.
type JobService interface {
	Submit(ctx context.Context, sourceRef string, opts orchestrator.Options) (string, error)
	Status(id string) (orchestrator.Job, error)
	List() []orchestrator.Job
	Cancel(id string) error
}

// ProfileStore lists and removes enrolled speakers.
type ProfileStore interface {
	Snapshot() *speaker.Snapshot
	Delete(name string) error
}

// Enroller learns profiles from a finished transcript.
type Enroller interface {
	Enroll(ctx context.Context, audioPath string, utts []transcript.Utterance, speakerMap map[string]string) (*speaker.EnrollResult, error)
}

// ToolkitStatus reports which toolkit serves jobs and how healthy the primary is.
type ToolkitStatus interface {
	Status() degradation.Status
}

// errorResponse writes {"error": message}.
func errorResponse(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{
		"error": message,
	})
}

// errorResponseWithDetail writes {"error": message, "detail": detail}.
func errorResponseWithDetail(c *gin.Context, code int, message string, detail any) {
	c.JSON(code, gin.H{
		"error":  message,
		"detail": detail,
	})
}

func notFoundResponse(c *gin.Context, resource string) {
	errorResponse(c, http.StatusNotFound, resource+" not found")
}

func badRequestResponse(c *gin.Context, message string) {
	errorResponse(c, http.StatusBadRequest, message)
}
