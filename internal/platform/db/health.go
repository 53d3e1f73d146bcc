package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/byluca/ct-medical-images/internal/platform/store"
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

// pooled is implemented by stores backed by a pgx pool.
type pooled interface {
	Pool() *pgxpool.Pool
}

// StoreStats returns pool statistics when st is backed by a pgx pool.
func StoreStats(st store.Store) *PoolStats {
	p, ok := st.(pooled)
	if !ok || p.Pool() == nil {
		return nil
	}
	return GetPoolStats(p.Pool())
}

// HealthHandler pings the warehouse store. Pool statistics are included for
// PostgreSQL and handed to onPool, if set, so they can be exported as gauges.
func HealthHandler(st store.Store, onPool func(*PoolStats)) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		err := st.Ping(ctx)
		body := map[string]interface{}{
			"driver": st.Driver(),
		}
		if stats := StoreStats(st); stats != nil {
			if err != nil {
				stats.Healthy = false
			}
			if onPool != nil {
				onPool(stats)
			}
			body["pool"] = stats
		}

		if err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		body["status"] = "healthy"
		return c.JSON(http.StatusOK, body)
	}
}
