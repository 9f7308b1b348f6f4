package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const readinessProbeTimeout = 5 * time.Second

type readinessCheck struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Readiness reports whether the instance can do useful work. The database is
// the only hard dependency: without it every request fails, so it alone
// drives the 503. Telegram, the billing API, and redis only degrade the
// report; webhook ingestion keeps persisting events while they recover.
func (s *Server) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessProbeTimeout)
	defer cancel()

	checks := map[string]readinessCheck{}

	if err := s.pingDatabase(ctx); err != nil {
		checks["database"] = readinessCheck{Status: "down", Error: err.Error()}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "checks": checks})
		return
	}
	checks["database"] = readinessCheck{Status: "ok"}

	status := "ok"

	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			status = "degraded"
			checks["redis"] = readinessCheck{Status: "down", Error: err.Error()}
		} else {
			checks["redis"] = readinessCheck{Status: "ok"}
		}
	}

	if _, err := s.telegramSvc.GetMe(ctx); err != nil {
		status = "degraded"
		checks["telegram"] = readinessCheck{Status: "down", Error: err.Error()}
	} else {
		checks["telegram"] = readinessCheck{Status: "ok"}
	}

	if err := s.billingSvc.Ping(ctx); err != nil {
		status = "degraded"
		checks["billing"] = readinessCheck{Status: "down", Error: err.Error()}
	} else {
		checks["billing"] = readinessCheck{Status: "ok"}
	}

	c.JSON(http.StatusOK, gin.H{"status": status, "checks": checks})
}

func (s *Server) pingDatabase(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
