package api

import (
	"github.com/gin-gonic/gin"
)

// Deps are the services behind the HTTP API. Enroller and Toolkit may be nil.
type Deps struct {
	Jobs     JobService
	Speakers ProfileStore
	Enroller Enroller
	Toolkit  ToolkitStatus
}

// RegisterRoutes mounts the job, speaker and health endpoints on r.
func RegisterRoutes(r gin.IRouter, d Deps) {
	r.GET("/health", HandleHealth())

	v1 := r.Group("/api/v1")
	v1.GET("/health", HandleHealth())
	v1.GET("/health/toolkit", HandleToolkitHealth(d.Toolkit))

	jobs := v1.Group("/jobs")
	jobs.POST("", HandleSubmitJob(d.Jobs))
	jobs.GET("", HandleListJobs(d.Jobs))
	jobs.GET("/:id", HandleGetJob(d.Jobs))
	jobs.DELETE("/:id", HandleCancelJob(d.Jobs))
	jobs.GET("/:id/transcript", HandleGetTranscript(d.Jobs))

	speakers := v1.Group("/speakers")
	speakers.GET("", HandleListSpeakers(d.Speakers))
	speakers.DELETE("/:name", HandleDeleteSpeaker(d.Speakers))
	if d.Enroller != nil {
		speakers.POST("/enroll", HandleEnrollSpeakers(d.Jobs, d.Enroller))
	}
}
