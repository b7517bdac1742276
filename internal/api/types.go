package api

import "beamer/agent/internal/worker"

// HealthResponse is the /health body
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// StatusResponse is the /status body
type StatusResponse struct {
	Agent      string                   `json:"agent"`
	Healthy    bool                     `json:"healthy"`
	Directions []worker.ProcessorStatus `json:"directions"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
