// Package handlers implements the HTTP API handlers.
package handlers

import (
	"context"
	"time"

	"github.com/maheux/kintree/internal/server/dto"
)

// HealthHandler handles health check requests.
type HealthHandler struct {
	version string
	now     func() time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{version: version, now: time.Now}
}

// Health handles health check requests.
func (h *HealthHandler) Health(ctx context.Context, req *dto.HealthRequest) (*dto.HealthResponse, error) {
	return &dto.HealthResponse{
		Status:    "ok",
		Message:   "Family tree server is running",
		Timestamp: h.now().UTC(),
		Version:   h.version,
	}, nil
}
