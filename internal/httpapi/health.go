package httpapi

import (
	"context"
	"net/http"
	"time"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Database    string `json:"database"`
	Connections int    `json:"connections"`
	Online      int    `json:"online"`
	Uptime      string `json:"uptime"`
	Timestamp   string `json:"timestamp"`
}

// Health reports database reachability and realtime counters.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Database:  "pass",
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if h.Store == nil || h.Store.PingContext(ctx) != nil {
		resp.Status = "degraded"
		resp.Database = "fail"
		code = http.StatusServiceUnavailable
	}
	if h.Registry != nil {
		resp.Connections = h.Registry.Count()
		resp.Online = len(h.Registry.Online())
	}
	writeJSON(w, code, resp)
}
