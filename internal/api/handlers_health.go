package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mescon/Pollarr/internal/config"
	"github.com/mescon/Pollarr/internal/logger"
)

// formatUptime returns a human-readable uptime string
func formatUptime(uptime time.Duration) string {
	days := int(uptime.Hours()) / 24
	hours := int(uptime.Hours()) % 24
	minutes := int(uptime.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

// handleHealth reports overall status for container healthchecks. It is
// "healthy" while the reactor runs, the database answers and no service is
// degraded; "degraded" otherwise; 503 once the reactor has stopped.
func (s *RESTServer) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth := gin.H{"status": "connected"}
	dbHealthy := true
	if err := s.store.Ping(ctx); err != nil {
		logger.Debugf("Health check: database ping failed: %v", err)
		dbHealthy = false
		dbHealth["status"] = "error"
	}

	list := s.registry.List()
	degraded := 0
	for _, info := range list {
		if info.Health.Degraded {
			degraded++
		}
	}

	reactorState := reactorStatus(s.registry.Reactor())
	status := "healthy"
	code := http.StatusOK
	switch {
	case reactorState == "stopped":
		status = "stopped"
		code = http.StatusServiceUnavailable
	case !dbHealthy || degraded > 0:
		status = "degraded"
	}

	health := gin.H{
		"status":            status,
		"version":           config.Version,
		"uptime":            formatUptime(time.Since(s.startTime)),
		"reactor":           reactorState,
		"database":          dbHealth,
		"services":          gin.H{"total": len(list), "degraded": degraded},
		"websocket_clients": s.hub.ClientCount(),
	}
	if s.backups != nil {
		if next := s.backups.NextRun(); !next.IsZero() {
			health["next_backup"] = next
		}
	}
	c.JSON(code, health)
}
