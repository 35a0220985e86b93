package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/http/middleware"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/pipeline"
	"github.com/labstack/echo/v4"
)

type DeadLetters interface {
	ListUnresolved(ctx context.Context, provider string, limit, offset int) ([]model.DeadLetterEntry, error)
	CountUnresolved(ctx context.Context) (map[string]int, error)
}

type Replays interface {
	Replay(ctx context.Context, id, operator string) error
	Resolve(ctx context.Context, id, operator, note string) error
}

type Events interface {
	Get(ctx context.Context, id string) (*model.WebhookEvent, error)
	List(ctx context.Context, f model.EventFilter) ([]model.WebhookEvent, error)
}

type ActionLogs interface {
	ListByEvent(ctx context.Context, eventID string) ([]model.ActionLogEntry, error)
}

func pagination(c echo.Context) (limit, offset int) {
	limit = 50
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func operatorName(c echo.Context) string {
	if _, name, ok := middleware.OperatorFromCtx(c); ok && name != "" {
		return name
	}
	return "operator"
}

func listDeadLettersHandler(dlq DeadLetters) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, offset := pagination(c)
		provider := strings.ToLower(strings.TrimSpace(c.QueryParam("provider")))

		entries, err := dlq.ListUnresolved(c.Request().Context(), provider, limit, offset)
		if err != nil {
			c.Logger().Errorf("list dead letters: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(entries),
			"results": entries,
		})
	}
}

func replayErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, pipeline.ErrAlreadyResolved):
		return http.StatusConflict, "already resolved"
	case errors.Is(err, pipeline.ErrReplayInProgress):
		return http.StatusConflict, "replay in progress"
	case errors.Is(err, pipeline.ErrReplayFailed):
		return http.StatusUnprocessableEntity, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func replayHandler(replays Replays) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		if err := replays.Replay(c.Request().Context(), id, operatorName(c)); err != nil {
			code, msg := replayErrorStatus(err)
			if code == http.StatusInternalServerError {
				c.Logger().Errorf("replay %s: %v", id, err)
			}
			return c.JSON(code, map[string]string{"error": msg})
		}
		return c.JSON(http.StatusOK, map[string]any{"id": id, "resolved": true})
	}
}

type resolveReq struct {
	Note string `json:"note"`
}

func resolveHandler(replays Replays) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req resolveReq
		if c.Request().ContentLength > 0 {
			if err := c.Bind(&req); err != nil {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
			}
		}
		id := c.Param("id")
		if err := replays.Resolve(c.Request().Context(), id, operatorName(c), strings.TrimSpace(req.Note)); err != nil {
			code, msg := replayErrorStatus(err)
			if code == http.StatusInternalServerError {
				c.Logger().Errorf("resolve %s: %v", id, err)
			}
			return c.JSON(code, map[string]string{"error": msg})
		}
		return c.JSON(http.StatusOK, map[string]any{"id": id, "resolved": true})
	}
}

func parseTime(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func listEventsHandler(events Events) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, offset := pagination(c)
		f := model.EventFilter{
			Provider:  strings.ToLower(strings.TrimSpace(c.QueryParam("provider"))),
			EventType: strings.TrimSpace(c.QueryParam("type")),
			Limit:     limit,
			Offset:    offset,
		}
		if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
			st := model.EventStatus(raw)
			if !st.Valid() {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid status"})
			}
			f.Status = st
		}
		var err error
		if f.From, err = parseTime(c.QueryParam("from")); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid from"})
		}
		if f.To, err = parseTime(c.QueryParam("to")); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid to"})
		}

		evs, err := events.List(c.Request().Context(), f)
		if err != nil {
			c.Logger().Errorf("list events: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(evs),
			"results": evs,
		})
	}
}

func getEventHandler(events Events, actions ActionLogs) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id := c.Param("id")

		ev, err := events.Get(ctx, id)
		if err != nil {
			c.Logger().Errorf("get event %s: %v", id, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		if ev == nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
		}
		logs, err := actions.ListByEvent(ctx, id)
		if err != nil {
			c.Logger().Errorf("action log %s: %v", id, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"event":   ev,
			"actions": logs,
		})
	}
}
