package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	echo "github.com/labstack/echo/v4"
)

const (
	ctxOperatorID   = "operator_id"
	ctxOperatorName = "operator_name"
	ctxOperatorRPS  = "operator_rps"
)

type OperatorLookup interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*model.Operator, error)
}

// OperatorFromCtx returns the id and name set by APIKeyMiddleware.
func OperatorFromCtx(c echo.Context) (int64, string, bool) {
	id, ok := c.Get(ctxOperatorID).(int64)
	if !ok {
		return 0, "", false
	}
	name, _ := c.Get(ctxOperatorName).(string)
	return id, name, true
}

// APIKeyMiddleware authenticates operators using the X-API-Key header.
// Suspended operators are rejected.
func APIKeyMiddleware(operators OperatorLookup) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get("X-API-Key"))
			if key == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing api key"})
			}
			op, err := operators.GetByAPIKey(c.Request().Context(), key)
			if err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "auth error"})
			}
			if op == nil || op.Status != "active" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			}
			c.Set(ctxOperatorID, op.ID)
			c.Set(ctxOperatorName, op.Name)
			if op.RateLimitRPS != nil {
				c.Set(ctxOperatorRPS, *op.RateLimitRPS)
			}
			return next(c)
		}
	}
}
