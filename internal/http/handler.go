package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"parking-monitor/internal/broadcast"
	"parking-monitor/internal/config"
	"parking-monitor/internal/domain/parking"
	"parking-monitor/internal/service"
)

type Handler struct {
	occupancy *service.OccupancyService
	lifecycle *service.LifecycleService
	hub       *broadcast.Hub
	config    *config.Config
	log       zerolog.Logger
}

func NewHandler(
	occupancy *service.OccupancyService,
	lifecycle *service.LifecycleService,
	hub *broadcast.Hub,
	cfg *config.Config,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		occupancy: occupancy,
		lifecycle: lifecycle,
		hub:       hub,
		config:    cfg,
		log:       log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	// Public endpoints
	public := r.Group("/api/v1")
	{
		public.POST("/capacity/update", h.updateCapacity)
		public.GET("/events/stream", h.streamEvents)
		public.GET("/lots/:id/capacity", h.lotCapacity)
		public.GET("/lots/:id/alerts", h.listAlerts)
		public.GET("/lots/:id/violations", h.listViolations)
	}

	// Operator endpoints
	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.PUT("/alerts/:id/acknowledge", h.acknowledgeAlert)
		protected.PUT("/alerts/:id/resolve", h.resolveAlert)
		protected.PUT("/violations/:id/acknowledge", h.acknowledgeViolation)
		protected.PUT("/violations/:id/resolve", h.resolveViolation)
	}
}

// updateCapacity is the capacity-ingestion boundary: one detection report in,
// one reconciliation tick out.
func (h *Handler) updateCapacity(c *gin.Context) {
	var report parking.DetectionReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	if report.Timestamp.IsZero() {
		report.Timestamp = time.Now()
	}

	result, lot, err := h.occupancy.Reconcile(c.Request.Context(), report)
	if err != nil {
		h.handleError(c, err)
		return
	}

	alerts, err := h.lifecycle.Apply(c.Request.Context(), lot, result)
	if err != nil {
		h.handleError(c, err)
		return
	}
	result.Alerts = alerts

	h.hub.Broadcast("capacity_update", gin.H{
		"lot_id":         lot.ID,
		"occupied":       result.Occupied,
		"empty":          result.Empty,
		"occupancy_rate": result.OccupancyRate,
		"classification": result.Classification,
		"timestamp":      report.Timestamp,
	})

	c.JSON(http.StatusOK, result)
}

// streamEvents is the push-event boundary: a persistent text-event stream.
func (h *Handler) streamEvents(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, errorResponse("streaming unsupported"))
		return
	}

	client := broadcast.NewClient()
	h.hub.Register(client)
	defer h.hub.Unregister(client.ID)

	// Advise observers to wait one ping interval before reconnecting.
	if interval := h.config.Monitoring.PingInterval; interval > 0 {
		if _, err := fmt.Fprintf(c.Writer, "retry: %d\n\n", interval.Milliseconds()); err != nil {
			return
		}
	}

	// Initial handshake carries the assigned client id.
	if _, err := c.Writer.WriteString("event: connected\ndata: {\"client_id\":\"" + client.ID + "\"}\n\n"); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case frame, ok := <-client.Receive():
			if !ok {
				// Hub pruned us or shut down.
				return
			}
			if _, err := c.Writer.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (h *Handler) lotCapacity(c *gin.Context) {
	lotID, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid lot id"))
		return
	}

	lot, latest, err := h.occupancy.LatestCapacity(c.Request.Context(), lotID)
	if err != nil {
		h.handleError(c, err)
		return
	}

	occupied := 0
	for _, slot := range lot.Slots {
		if slot.Status == parking.SlotOccupied {
			occupied++
		}
	}

	c.JSON(http.StatusOK, successResponse(gin.H{
		"lot":            lot,
		"occupied":       occupied,
		"empty":          lot.TotalSlots - occupied,
		"latest_log":     latest,
		"observer_count": h.hub.ClientCount(),
	}))
}

func (h *Handler) listAlerts(c *gin.Context) {
	lotID, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid lot id"))
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	alerts, err := h.lifecycle.ListAlerts(c.Request.Context(), lotID, limit)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(alerts))
}

func (h *Handler) listViolations(c *gin.Context) {
	lotID, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid lot id"))
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	violations, err := h.lifecycle.ListViolations(c.Request.Context(), lotID, limit)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(violations))
}

func (h *Handler) acknowledgeAlert(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid alert id"))
		return
	}
	alert, err := h.lifecycle.AcknowledgeAlert(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(alert))
}

func (h *Handler) resolveAlert(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid alert id"))
		return
	}
	alert, err := h.lifecycle.ResolveAlert(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(alert))
}

func (h *Handler) acknowledgeViolation(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid violation id"))
		return
	}
	violation, err := h.lifecycle.AcknowledgeViolation(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(violation))
}

func (h *Handler) resolveViolation(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid violation id"))
		return
	}
	violation, err := h.lifecycle.ResolveViolation(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(violation))
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}

func parseID(c *gin.Context) (int64, error) {
	return strconv.ParseInt(c.Param("id"), 10, 64)
}
