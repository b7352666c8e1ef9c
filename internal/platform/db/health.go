package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// Check pings one dependency.
type Check func(ctx context.Context) error

// HealthHandler pings the pool and every named check. Any failure turns the
// response into 503 with per-dependency results.
func HealthHandler(pool *pgxpool.Pool, checks map[string]Check) echo.HandlerFunc {
	all := make(map[string]Check, len(checks)+1)
	for name, c := range checks {
		all[name] = c
	}
	all["postgres"] = pool.Ping

	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		results, healthy := runChecks(ctx, all)
		stats := GetPoolStats(pool)
		stats.Healthy = stats.Healthy && results["postgres"] == "ok"

		body := map[string]interface{}{
			"status": "healthy",
			"checks": results,
			"pool":   stats,
		}
		if !healthy {
			body["status"] = "unhealthy"
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		return c.JSON(http.StatusOK, body)
	}
}

func runChecks(ctx context.Context, checks map[string]Check) (map[string]string, bool) {
	results := make(map[string]string, len(checks))
	healthy := true
	for name, check := range checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			healthy = false
			continue
		}
		results[name] = "ok"
	}
	return results, healthy
}
