package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fatflowers/billing/internal/platform/db"
)

// @Summary      Health check
// @Description  Returns service status including database reachability
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /health [get]
func Health(conns *db.Conns) gin.HandlerFunc {
	return func(c *gin.Context) {
		out := gin.H{
			"status":    "ok",
			"database":  "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
		status := http.StatusOK

		sqlDB, err := conns.Primary.DB()
		if err == nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			out["status"] = "degraded"
			out["database"] = "unreachable"
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, out)
	}
}

func RegisterHealthRoutes(r gin.IRouter, conns *db.Conns) {
	r.GET("/health", Health(conns))
	r.GET("/healthz", Health(conns))
}
