package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HandleHealth is the liveness probe.
func HandleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// HandleToolkitHealth reports the toolkit in use, the primary's health and
// whether jobs are running on the fallback.
//
// Response:
//
//	{
//	  "status": "degraded",
//	  "toolkit": {
//	    "current": "whisperx-cpu",
//	    "primary": "whisperx-cuda",
//	    "fallback": "whisperx-cpu",
//	    "degraded": true,
//	    "health": {"toolkit": "whisperx-cuda", "is_healthy": false, ...}
//	  }
//	}
func HandleToolkitHealth(ctrl ToolkitStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ctrl == nil {
			errorResponse(c, http.StatusServiceUnavailable, "toolkit not initialized")
			return
		}

		st := ctrl.Status()
		status := "ok"
		if st.Degraded {
			status = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  status,
			"toolkit": st,
		})
	}
}
