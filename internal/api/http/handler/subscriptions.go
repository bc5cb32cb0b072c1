package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/EternisAI/silo-monitor/internal/api/http/dto"
	"github.com/EternisAI/silo-monitor/internal/logstream"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type SubscriptionsHandler struct {
	ctx      context.Context
	hub      *logstream.Hub
	upgrader websocket.Upgrader
}

func NewSubscriptionsHandler(ctx context.Context, hub *logstream.Hub, allowedOrigins []string) *SubscriptionsHandler {
	return &SubscriptionsHandler{
		ctx:      ctx,
		hub:      hub,
		upgrader: newUpgrader(allowedOrigins),
	}
}

func (h *SubscriptionsHandler) notFound(c *gin.Context, err error) bool {
	if errors.Is(err, logstream.ErrSubscriptionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return true
	}
	return false
}

// POST /subscriptions
func (h *SubscriptionsHandler) Create(c *gin.Context) {
	var req dto.CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	filter, err := req.Filter.ToFilter()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub := h.hub.Subscribe(req.AgentIDs, filter, req.MaxLogs)
	c.JSON(http.StatusCreated, dto.SubscriptionResponse{
		ID:        sub.ID,
		AgentIDs:  sub.AgentIDs,
		CreatedAt: sub.CreatedAt,
	})
}

// PUT /subscriptions/:id/filter
func (h *SubscriptionsHandler) UpdateFilter(c *gin.Context) {
	var req dto.FilterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	filter, err := req.ToFilter()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.hub.UpdateFilter(c.Param("id"), filter); err != nil {
		if !h.notFound(c, err) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update filter"})
		}
		return
	}
	c.Status(http.StatusNoContent)
}

// Logs drains the subscription buffer.
// GET /subscriptions/:id/logs
func (h *SubscriptionsHandler) Logs(c *gin.Context) {
	id := c.Param("id")
	logs, err := h.hub.Drain(id)
	if err != nil {
		if !h.notFound(c, err) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read logs"})
		}
		return
	}
	if logs == nil {
		logs = []logstream.LogEntry{}
	}

	c.JSON(http.StatusOK, dto.LogsResponse{
		SubscriptionID: id,
		Logs:           logs,
		Count:          len(logs),
	})
}

// GET /subscriptions/:id/stats
func (h *SubscriptionsHandler) Stats(c *gin.Context) {
	stats, err := h.hub.Stats(c.Param("id"))
	if err != nil {
		if !h.notFound(c, err) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read stats"})
		}
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Delete is idempotent.
// DELETE /subscriptions/:id
func (h *SubscriptionsHandler) Delete(c *gin.Context) {
	h.hub.Unsubscribe(c.Param("id"))
	c.Status(http.StatusNoContent)
}

// Stream pushes buffered entries over a websocket as they arrive. Each push
// drains the buffer, so a subscription should have one consumer at a time.
// GET /subscriptions/:id/stream
func (h *SubscriptionsHandler) Stream(c *gin.Context) {
	sub, ok := h.hub.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return
	}
	h.serve(c, sub)
}

// StreamLogs subscribes on behalf of a single websocket and removes the
// subscription when the socket closes.
// GET /logs/stream?agent_id=...
func (h *SubscriptionsHandler) StreamLogs(c *gin.Context) {
	var q dto.StreamQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	filter, err := q.Filter().ToFilter()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub := h.hub.Subscribe(q.AgentIDs, filter, q.MaxLogs)
	defer h.hub.Unsubscribe(sub.ID)
	h.serve(c, sub)
}

func (h *SubscriptionsHandler) serve(c *gin.Context, sub *logstream.Subscription) {
	id := sub.ID
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("Failed to upgrade log stream",
			"error", err,
			"subscription_id", id,
			"remote_addr", c.Request.RemoteAddr)
		return
	}
	defer conn.Close()

	slog.Info("Log stream opened", "subscription_id", id, "remote_addr", c.Request.RemoteAddr)
	start := time.Now()
	defer func() {
		slog.Info("Log stream closed", "subscription_id", id, "duration", time.Since(start))
	}()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go readUntilClosed(conn, cancel)

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	flush := func() error {
		logs, err := h.hub.Drain(id)
		if err != nil || len(logs) == 0 {
			return err
		}
		return writeJSON(conn, dto.StreamMessage{Type: "logs", Logs: logs, Timestamp: time.Now()})
	}

	if err := flush(); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			_ = writeJSON(conn, dto.StreamMessage{Type: "closed", Error: "server shutdown", Timestamp: time.Now()})
			return
		case <-sub.Done():
			_ = writeJSON(conn, dto.StreamMessage{Type: "closed", Error: "subscription removed", Timestamp: time.Now()})
			return
		case <-sub.Ready():
			if err := flush(); err != nil {
				slog.Debug("Log stream write failed", "subscription_id", id, "error", err)
				return
			}
		case <-ping.C:
			h.hub.Touch(id)
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// readUntilClosed consumes client frames so pongs and close frames are
// processed, and cancels once the peer goes away.
func readUntilClosed(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("Log stream client error", "error", err)
			}
			return
		}
	}
}
