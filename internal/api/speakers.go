package api

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hurrican1/diarization-bot/internal/orchestrator"
	"github.com/hurrican1/diarization-bot/internal/output"
	"github.com/hurrican1/diarization-bot/internal/speaker"
	"github.com/hurrican1/diarization-bot/pkg/logger"
)

// SpeakerResponse describes an enrolled speaker without its centroid.
type SpeakerResponse struct {
	Name        string    `json:"name"`
	SampleCount int       `json:"sample_count"`
	Dimension   int       `json:"dimension"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// EnrollRequest is the body of POST /api/v1/speakers/enroll.
type EnrollRequest struct {
	JobID      string            `json:"job_id" binding:"required"`
	SpeakerMap map[string]string `json:"speaker_map" binding:"required,min=1"`
}

// HandleListSpeakers handles GET /api/v1/speakers.
func HandleListSpeakers(store ProfileStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		profiles := store.Snapshot().Profiles()
		list := make([]SpeakerResponse, 0, len(profiles))
		for _, p := range profiles {
			list = append(list, SpeakerResponse{
				Name:        p.Name,
				SampleCount: p.SampleCount,
				Dimension:   len(p.Centroid),
				UpdatedAt:   p.UpdatedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"speakers": list,
			"total":    len(list),
		})
	}
}

// HandleDeleteSpeaker handles DELETE /api/v1/speakers/:name.
func HandleDeleteSpeaker(store ProfileStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if err := store.Delete(name); err != nil {
			if errors.Is(err, speaker.ErrProfileNotFound) {
				notFoundResponse(c, "speaker")
				return
			}
			logger.L().Error("delete speaker failed", "speaker", name, "error", err)
			errorResponse(c, http.StatusInternalServerError, "failed to delete speaker")
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": name})
	}
}

// HandleEnrollSpeakers handles POST /api/v1/speakers/enroll. The job must
// have succeeded and its normalized audio must still be on disk.
func HandleEnrollSpeakers(jobs JobService, enroller Enroller) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req EnrollRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			errorResponseWithDetail(c, http.StatusBadRequest, "invalid request", err.Error())
			return
		}

		j, err := jobs.Status(req.JobID)
		if err != nil {
			notFoundResponse(c, "job")
			return
		}
		if j.State != orchestrator.StateSucceeded {
			errorResponseWithDetail(c, http.StatusConflict, "job has not succeeded", j.State)
			return
		}
		if _, err := os.Stat(j.AudioPath); err != nil {
			errorResponse(c, http.StatusConflict, "job audio is no longer available")
			return
		}

		doc, err := output.ReadJSONFile(j.JSONPath)
		if err != nil {
			logger.L().Error("read transcript for enrollment failed", "job_id", j.ID, "error", err)
			errorResponse(c, http.StatusConflict, "job transcript is no longer available")
			return
		}

		res, err := enroller.Enroll(c.Request.Context(), j.AudioPath, doc.Utterances, req.SpeakerMap)
		if err != nil {
			if errors.Is(err, speaker.ErrEmptySpeakerMap) {
				badRequestResponse(c, err.Error())
				return
			}
			logger.L().Error("enrollment failed", "job_id", j.ID, "error", err)
			errorResponse(c, http.StatusInternalServerError, "enrollment failed")
			return
		}
		c.JSON(http.StatusOK, res)
	}
}
