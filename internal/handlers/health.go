package handlers

import (
	"net/http"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/anchorgate/anchorgate/internal/anchor"
	"github.com/anchorgate/anchorgate/internal/database"
)

type HealthHandler struct {
	db    *gorm.DB
	rdb   *redis.Client // optional
	chain anchor.Chain
}

func NewHealthHandler(db *gorm.DB, rdb *redis.Client, chain anchor.Chain) *HealthHandler {
	return &HealthHandler{db: db, rdb: rdb, chain: chain}
}

// Health reports reachability of the gateway's collaborators. Only the
// database is load-bearing for readiness.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	report := map[string]string{"status": "ok"}

	if database.IsHealthy(h.db) {
		report["database"] = "up"
	} else {
		report["database"] = "down"
		report["status"] = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	if h.rdb != nil {
		if err := h.rdb.Ping(r.Context()).Err(); err != nil {
			report["redis"] = "down"
		} else {
			report["redis"] = "up"
		}
	}

	if h.chain != nil {
		if _, err := h.chain.TotalBatches(r.Context()); err != nil {
			report["chain"] = "down"
		} else {
			report["chain"] = "up"
		}
	}

	writeJSON(w, status, report)
}
