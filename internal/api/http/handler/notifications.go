package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/EternisAI/silo-monitor/internal/api/http/dto"
	"github.com/EternisAI/silo-monitor/internal/notify"
	"github.com/gin-gonic/gin"
)

const defaultListLimit = 50

type NotificationsHandler struct {
	dispatcher *notify.Dispatcher
}

func NewNotificationsHandler(dispatcher *notify.Dispatcher) *NotificationsHandler {
	return &NotificationsHandler{dispatcher: dispatcher}
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return 0, false
	}
	return limit, true
}

// List returns recent messages with their deliveries, newest first.
// GET /notifications
func (h *NotificationsHandler) List(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	records := h.dispatcher.History(limit)
	c.JSON(http.StatusOK, dto.NotificationsResponse{
		Messages: records,
		Count:    len(records),
		Channels: h.dispatcher.Channels(),
	})
}

// GET /notifications/:id/deliveries
func (h *NotificationsHandler) Deliveries(c *gin.Context) {
	id := c.Param("id")
	deliveries, err := h.dispatcher.Deliveries(id)
	if err != nil {
		if errors.Is(err, notify.ErrMessageNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list deliveries"})
		return
	}

	c.JSON(http.StatusOK, dto.DeliveriesResponse{MessageID: id, Deliveries: deliveries})
}

// Publish schedules delivery and returns before any channel is attempted.
// POST /notifications
func (h *NotificationsHandler) Publish(c *gin.Context) {
	var req dto.PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.dispatcher.Publish(c.Request.Context(), req.ToMessage(), req.Channels)
	if err != nil {
		if errors.Is(err, notify.ErrChannelNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.Error("Failed to publish notification", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to publish notification"})
		return
	}

	c.JSON(http.StatusAccepted, dto.PublishResponse{MessageID: id, Channels: req.Channels})
}

// Replay restarts a failed delivery.
// POST /notifications/deliveries/:id/replay
func (h *NotificationsHandler) Replay(c *gin.Context) {
	id := c.Param("id")
	err := h.dispatcher.Replay(c.Request.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, notify.ErrDeliveryNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "delivery not found"})
		return
	case errors.Is(err, notify.ErrNotReplayable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	default:
		slog.Error("Failed to replay delivery", "error", err, "delivery_id", id)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to replay delivery"})
		return
	}

	c.JSON(http.StatusAccepted, dto.ReplayResponse{
		DeliveryID: id,
		Status:     string(notify.StatusPending),
		ReplayedAt: time.Now(),
	})
}
