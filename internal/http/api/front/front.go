package front

import (
	"github.com/formrelay/formrelay/internal/http/api/front/handlers"
	"github.com/formrelay/formrelay/internal/intake"
	"github.com/gin-gonic/gin"
)

// RegisterFrontRoutes registers the public submission routes.
func RegisterFrontRoutes(r *gin.Engine, svc *intake.Service) {
	if r == nil || svc == nil {
		return
	}

	v1 := r.Group("/v1")

	submissionHandler := handlers.NewSubmissionHandler(svc)
	v1.GET("/forms/:id/token", submissionHandler.Token)
	v1.POST("/submissions", submissionHandler.Submit)
}
