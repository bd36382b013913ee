package api

import (
	"errors"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/hurrican1/diarization-bot/internal/orchestrator"
	"github.com/hurrican1/diarization-bot/pkg/logger"
)

// SubmitJobRequest is the body of POST /api/v1/jobs. Diarize and Align default
// to true when omitted.
type SubmitJobRequest struct {
	Source      string            `json:"source" binding:"required"`
	Model       string            `json:"model"`
	Language    string            `json:"language"`
	AlignModel  string            `json:"align_model"`
	Diarize     *bool             `json:"diarize"`
	Align       *bool             `json:"align"`
	NumSpeakers int               `json:"num_speakers" binding:"gte=0,lte=32"`
	SpeakerMap  map[string]string `json:"speaker_map"`
}

// Options converts the request into job options.
func (r SubmitJobRequest) Options() orchestrator.Options {
	opts := orchestrator.DefaultOptions()
	opts.Model = r.Model
	opts.Language = r.Language
	opts.AlignModel = r.AlignModel
	opts.NumSpeakers = r.NumSpeakers
	opts.SpeakerMap = r.SpeakerMap
	if r.Diarize != nil {
		opts.Diarize = *r.Diarize
	}
	if r.Align != nil {
		opts.Align = *r.Align
	}
	return opts
}

// JobResponse is a job snapshot plus the short user-facing failure message.
type JobResponse struct {
	orchestrator.Job
	Message string `json:"message,omitempty"`
}

func newJobResponse(j orchestrator.Job) JobResponse {
	resp := JobResponse{Job: j}
	if j.State == orchestrator.StateFailed {
		resp.Message = j.Reason.Message()
	}
	return resp
}

// HandleSubmitJob handles POST /api/v1/jobs.
func HandleSubmitJob(jobs JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SubmitJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			errorResponseWithDetail(c, http.StatusBadRequest, "invalid request", err.Error())
			return
		}

		id, err := jobs.Submit(c.Request.Context(), req.Source, req.Options())
		switch {
		case err == nil:
		case errors.Is(err, orchestrator.ErrBusy):
			c.Header("Retry-After", "30")
			errorResponse(c, http.StatusServiceUnavailable, "busy")
			return
		case errors.Is(err, orchestrator.ErrShuttingDown):
			errorResponse(c, http.StatusServiceUnavailable, "shutting down")
			return
		case errors.Is(err, orchestrator.ErrInvalidRequest):
			badRequestResponse(c, err.Error())
			return
		default:
			logger.L().Error("job submission failed", "error", err)
			errorResponse(c, http.StatusInternalServerError, "failed to submit job")
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"job_id":     id,
			"status_url": "/api/v1/jobs/" + id,
		})
	}
}

// HandleListJobs handles GET /api/v1/jobs with an optional ?status= filter.
func HandleListJobs(jobs JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := orchestrator.State(c.Query("status"))

		list := []JobResponse{}
		for _, j := range jobs.List() {
			if filter != "" && j.State != filter {
				continue
			}
			list = append(list, newJobResponse(j))
		}
		c.JSON(http.StatusOK, gin.H{
			"jobs":  list,
			"total": len(list),
		})
	}
}

// HandleGetJob handles GET /api/v1/jobs/:id.
func HandleGetJob(jobs JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		j, err := jobs.Status(c.Param("id"))
		if err != nil {
			notFoundResponse(c, "job")
			return
		}
		c.JSON(http.StatusOK, newJobResponse(j))
	}
}

// HandleCancelJob handles DELETE /api/v1/jobs/:id.
func HandleCancelJob(jobs JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		err := jobs.Cancel(id)
		switch {
		case errors.Is(err, orchestrator.ErrNotFound):
			notFoundResponse(c, "job")
			return
		case errors.Is(err, orchestrator.ErrAlreadyFinished):
			errorResponse(c, http.StatusConflict, "job already finished")
			return
		case err != nil:
			logger.L().Error("job cancel failed", "job_id", id, "error", err)
			errorResponse(c, http.StatusInternalServerError, "failed to cancel job")
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"job_id": id,
			"status": orchestrator.StateCancelled,
		})
	}
}

// HandleGetTranscript handles GET /api/v1/jobs/:id/transcript. The text
// artifact is served by default, ?format=json serves the JSON document.
func HandleGetTranscript(jobs JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		j, err := jobs.Status(c.Param("id"))
		if err != nil {
			notFoundResponse(c, "job")
			return
		}
		if j.State != orchestrator.StateSucceeded {
			c.JSON(http.StatusConflict, gin.H{
				"error":  "transcript not available",
				"status": j.State,
				"reason": j.Reason,
			})
			return
		}

		path, contentType := j.OutputPath, "text/plain; charset=utf-8"
		if c.Query("format") == "json" {
			path, contentType = j.JSONPath, "application/json"
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				notFoundResponse(c, "transcript")
				return
			}
			logger.L().Error("read transcript failed", "job_id", j.ID, "path", path, "error", err)
			errorResponse(c, http.StatusInternalServerError, "failed to read transcript")
			return
		}
		c.Data(http.StatusOK, contentType, data)
	}
}
