package handler

import (
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-monitor/internal/api/http/dto"
	"github.com/EternisAI/silo-monitor/internal/auth"
	"github.com/gin-gonic/gin"
)

type TokenHandler struct {
	config auth.Config
}

func NewTokenHandler(config auth.Config) *TokenHandler {
	return &TokenHandler{config: config}
}

// Issue mints a dashboard token. It sits behind the admin API key.
// POST /auth/token
func (h *TokenHandler) Issue(c *gin.Context) {
	var req dto.TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Role == "" {
		req.Role = auth.RoleViewer
	}

	token, expiresAt, err := auth.GenerateToken(h.config, req.Subject, req.Role)
	if err != nil {
		slog.Error("Failed to generate token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	slog.Info("Dashboard token issued", "subject", req.Subject, "role", req.Role)
	c.JSON(http.StatusOK, dto.TokenResponse{Token: token, Role: req.Role, ExpiresAt: expiresAt})
}
