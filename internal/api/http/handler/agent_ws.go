package handler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/EternisAI/silo-monitor/internal/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// AgentSocketHandler is the websocket agent transport. It speaks the same
// envelope protocol as the gRPC stream.
type AgentSocketHandler struct {
	ctx      context.Context
	ingestor *telemetry.Ingestor
	upgrader websocket.Upgrader
}

// NewAgentSocketHandler ties sessions to ctx so that server shutdown closes
// them with the shutdown reason.
func NewAgentSocketHandler(ctx context.Context, ingestor *telemetry.Ingestor, allowedOrigins []string) *AgentSocketHandler {
	return &AgentSocketHandler{
		ctx:      ctx,
		ingestor: ingestor,
		upgrader: newUpgrader(allowedOrigins),
	}
}

// GET /agents/connect
func (h *AgentSocketHandler) Connect(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("Failed to upgrade agent connection",
			"error", err,
			"remote_addr", c.Request.RemoteAddr)
		return
	}
	defer conn.Close()

	frames := newWSFrameConn(conn)
	err = h.ingestor.ServeConn(h.ctx, frames, c.Request.RemoteAddr)
	switch {
	case err == nil:
		frames.Close(websocket.CloseNormalClosure, "")
	case errors.Is(err, context.Canceled):
		frames.Close(websocket.CloseGoingAway, "server shutdown")
	case errors.Is(err, telemetry.ErrInvalidPayload), errors.Is(err, telemetry.ErrUnknownMessageType):
		frames.Close(websocket.ClosePolicyViolation, "register required")
	default:
		slog.Warn("Agent websocket closed with error",
			"error", err,
			"remote_addr", c.Request.RemoteAddr)
		frames.Close(websocket.CloseInternalServerErr, "")
	}
}
