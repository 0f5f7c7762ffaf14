package routers

import (
	"net/http"

	"BlogToVideo-server/routers/api"

	"github.com/gin-gonic/gin"
)

func InitRouter(h *api.ConversionHandler) *gin.Engine {
	r := gin.Default()
	v1 := r.Group("/v1/api")
	{
		v1.POST("/conversions", h.CreateConversion)
		v1.GET("/conversions/:job_id", h.GetConversion)
		v1.GET("/conversions/:job_id/wss", h.ConversionProgressWebSocket)
		v1.POST("/webhooks/clips", h.ClipWebhook)

		admin := v1.Group("/admin")
		admin.POST("/conversions/:job_id/resume", h.ResumeConversion)
		admin.GET("/conversions/stale", h.ListStaleConversions)
	}
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return r
}
