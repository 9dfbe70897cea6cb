package api

import (
	"context"
	"net/http"
	"time"
)

const version = "0.1.0"

// Check represents the status of one dependency check.
type Check struct {
	Status  string `json:"status"`            // "pass" or "fail"
	Latency string `json:"latency,omitempty"` // e.g., "2ms"
	Message string `json:"message,omitempty"`
}

// HealthResponse is the health endpoint's body.
type HealthResponse struct {
	Status      string           `json:"status"` // "healthy" or "degraded"
	Version     string           `json:"version"`
	Connections int              `json:"connections"`
	Rooms       int              `json:"rooms"`
	Uptime      string           `json:"uptime,omitempty"`
	Checks      map[string]Check `json:"checks"`
	Timestamp   string           `json:"timestamp"`
}

// Health reports dependency status plus live connection and room counts.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	healthy := true

	start := time.Now()
	if err := h.store.Ping(ctx); err != nil {
		checks["store"] = Check{Status: "fail", Message: "connection failed"}
		healthy = false
	} else {
		checks["store"] = Check{Status: "pass", Latency: time.Since(start).String()}
	}

	if h.presence != nil {
		start = time.Now()
		if err := h.presence.Ping(ctx); err != nil {
			checks["redis"] = Check{Status: "fail", Message: "connection failed"}
			healthy = false
		} else {
			checks["redis"] = Check{Status: "pass", Latency: time.Since(start).String()}
		}
	}

	resp := HealthResponse{
		Status:    "healthy",
		Version:   version,
		Rooms:     h.rooms.Count(),
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if h.socket != nil {
		resp.Connections = h.socket.Registry().Count()
		resp.Uptime = h.socket.Uptime().Round(time.Second).String()
	}

	status := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	h.JSON(w, status, resp)
}
