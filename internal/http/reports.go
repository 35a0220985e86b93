package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/jmehdipour/webhook-gateway/internal/repository"
	echo "github.com/labstack/echo/v4"
)

type Stats interface {
	Stats(ctx context.Context, provider string, days int) ([]repository.EventStat, error)
}

// statsHandler reports daily traffic from ClickHouse and the live DLQ backlog from MySQL.
func statsHandler(chRepo Stats, dlq DeadLetters) echo.HandlerFunc {
	return func(c echo.Context) error {
		days := 7
		if v := c.QueryParam("days"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 90 {
				days = n
			}
		}
		provider := strings.ToLower(strings.TrimSpace(c.QueryParam("provider")))

		ctx := c.Request().Context()
		stats, err := chRepo.Stats(ctx, provider, days)
		if err != nil {
			c.Logger().Errorf("clickhouse stats failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		backlog, err := dlq.CountUnresolved(ctx)
		if err != nil {
			c.Logger().Errorf("dlq count failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"days":        days,
			"count":       len(stats),
			"results":     stats,
			"dlq_backlog": backlog,
		})
	}
}
