// Package httpapi is the HTTP surface of the scheduling engine. Handlers
// translate between JSON and service inputs; all semantics live in the
// services.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")
	{
		api.GET("/availability", h.GetAvailability)

		api.GET("/bookings", h.ListStaffDay)
		api.POST("/bookings", h.CreateBooking)
		api.GET("/bookings/:id", h.GetBooking)
		api.POST("/bookings/:id/reschedule", h.RescheduleBooking)
		api.POST("/bookings/:id/cancel", h.CancelBooking)
		api.POST("/bookings/:id/replace", h.ReplaceBooking)

		api.POST("/recurring/preview", h.PreviewSeries)
		api.POST("/recurring", h.CreateSeries)
		api.PATCH("/recurring/:id", h.ModifySeries)

		api.GET("/schedule/:staff_id/window", h.GetWorkWindow)
		api.POST("/schedule/templates", h.CreateWorkTemplate)
		api.POST("/schedule/exceptions", h.UpsertWorkException)
	}

	return r
}
