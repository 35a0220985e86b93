package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/jmehdipour/webhook-gateway/internal/config"
	"github.com/jmehdipour/webhook-gateway/internal/pipeline"
	"github.com/jmehdipour/webhook-gateway/internal/signature"
	"github.com/labstack/echo/v4"
)

// Receiver is the ingestion side of the pipeline.
type Receiver interface {
	Receive(ctx context.Context, req pipeline.Request) (pipeline.Receipt, error)
	Providers() []config.ProviderConfig
}

type webhookResp struct {
	Received bool                   `json:"received"`
	Provider string                 `json:"provider"`
	Events   []pipeline.ReceiptItem `json:"events"`
}

func webhookHandler(recv Receiver, maxBody int64) echo.HandlerFunc {
	byName := make(map[string]config.ProviderConfig)
	for _, p := range recv.Providers() {
		byName[strings.ToLower(p.Name)] = p
	}
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	return func(c echo.Context) error {
		name := strings.ToLower(c.Param("provider"))
		pc, ok := byName[name]
		if !ok {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown provider"})
		}

		req := c.Request()
		body, err := io.ReadAll(http.MaxBytesReader(c.Response(), req.Body, maxBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
			}
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		routing := signature.Routing{URL: requestURL(c)}
		if pc.TimestampHeader != "" {
			routing.Timestamp = req.Header.Get(pc.TimestampHeader)
		}

		receipt, err := recv.Receive(req.Context(), pipeline.Request{
			Provider:  name,
			Body:      body,
			Signature: req.Header.Get(pc.SignatureHeader),
			Routing:   routing,
		})
		switch {
		case err == nil:
		case errors.Is(err, pipeline.ErrAuthentication):
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		case errors.Is(err, pipeline.ErrUnknownProvider):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown provider"})
		case errors.Is(err, pipeline.ErrMalformedPayload):
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed payload"})
		default:
			c.Logger().Errorf("receive %s: %v", name, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}

		return c.JSON(http.StatusOK, webhookResp{
			Received: true,
			Provider: receipt.Provider,
			Events:   receipt.Events,
		})
	}
}

// requestURL rebuilds the URL the provider posted to, honouring a fronting proxy.
func requestURL(c echo.Context) string {
	req := c.Request()
	host := req.Host
	if fh := req.Header.Get("X-Forwarded-Host"); fh != "" {
		host = fh
	}
	return c.Scheme() + "://" + host + req.URL.RequestURI()
}
