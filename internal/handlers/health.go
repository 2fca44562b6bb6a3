package handlers

import (
	"context"
	"net/http"
	"time"
)

// Check is a named dependency probe
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type HealthHandler struct {
	checks  []Check
	timeout time.Duration
}

func NewHealthHandler(checks ...Check) *HealthHandler {
	return &HealthHandler{checks: checks, timeout: 2 * time.Second}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

func (h *HealthHandler) run(ctx context.Context) healthResponse {
	response := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}
	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(ctx, h.timeout)
		err := c.Ping(ctx)
		cancel()
		if err != nil {
			response.Services[c.Name] = "unhealthy"
			response.Status = "degraded"
		} else {
			response.Services[c.Name] = "healthy"
		}
	}
	return response
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := h.run(r.Context())
	status := http.StatusOK
	if response.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.run(r.Context()).Status != "healthy" {
		http.Error(w, "Service not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
