package dto

import "time"

type TokenRequest struct {
	Subject string `json:"subject" binding:"required,max=255"`
	Role    string `json:"role" binding:"omitempty,oneof=viewer admin"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}
