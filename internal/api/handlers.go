package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"beamer/agent/internal/worker"
)

// Version is reported by /health.
var Version = "dev"

// StatusSource is what the handlers report on.
type StatusSource interface {
	Healthy() bool
	Status() []worker.ProcessorStatus
	Address() common.Address
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	source StatusSource
	logger *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(source StatusSource, logger *zap.Logger) *Handler {
	return &Handler{source: source, logger: logger}
}

// HandleHealth answers 200 while every chain RPC is reachable and 503
// otherwise.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !h.source.Healthy() {
		respondJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Version: Version})
		return
	}
	respondJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version})
}

// HandleStatus handles GET /status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, StatusResponse{
		Agent:      h.source.Address().Hex(),
		Healthy:    h.source.Healthy(),
		Directions: h.source.Status(),
	})
}

// ==================== Helper Functions ====================

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// headers are already written
		zap.L().Warn("Failed to encode JSON response", zap.Error(err))
	}
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errorMsg := message
	if err != nil {
		errorMsg = fmt.Sprintf("%s: %v", message, err)
	}

	respondJSON(w, statusCode, ErrorResponse{
		Error:   message,
		Message: errorMsg,
	})
}
