package handler

import (
	"context"
	"net/http"

	"github.com/arkhaul/arkhaul/internal/api/response"
)

// Pinger checks liveness of a backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler reports overall service health plus per-dependency status.
// Redis is optional; a degraded cache does not fail the check, a dead
// database does.
func NewHealthHandler(db, redis Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{}
		healthy := true

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "down"
			healthy = false
		} else {
			checks["database"] = "up"
		}

		if redis != nil {
			if err := redis.Ping(r.Context()); err != nil {
				checks["redis"] = "down"
			} else {
				checks["redis"] = "up"
			}
		}

		status := "ok"
		code := http.StatusOK
		if !healthy {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		if code != http.StatusOK {
			response.Error(w, code, "SERVICE_UNAVAILABLE", "One or more dependencies are down", checks)
			return
		}
		response.JSON(w, map[string]any{"status": status, "checks": checks})
	}
}
