// Package health exposes the /health and /ready HTTP handlers of the
// operational listener.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/d9705996/gatekeep/internal/version"
)

// Pinger is implemented by anything that can check a downstream dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for the health and ready endpoints.
type Handler struct {
	db        Pinger
	startTime time.Time
}

// New creates a Handler. db may be nil during startup before the pool is
// established; in that case /ready will return 503 immediately.
func New(db Pinger) *Handler {
	return &Handler{db: db, startTime: time.Now()}
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	BuildDate     string `json:"build_date"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ServeHealth handles GET /health.
func (h *Handler) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Version:       version.Version,
		Commit:        version.Commit,
		BuildDate:     version.Date,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	})
}

// ServeReady handles GET /ready.
// Returns 200 when the database is reachable; 503 otherwise.
func (h *Handler) ServeReady(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  "database connection is not initialised",
		})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  "database is unreachable: " + err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
