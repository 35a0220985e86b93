package handlers

import (
	"fmt"

	"github.com/jmehdipour/webhook-gateway/internal/config"
	"github.com/jmehdipour/webhook-gateway/internal/pipeline"
	"github.com/jmehdipour/webhook-gateway/internal/provider"
)

// Bind registers the handler set matching each enabled provider's kind.
func Bind(reg *pipeline.Registry, providers []config.ProviderConfig, payments *Payments, email *Email) error {
	for _, p := range providers {
		if !p.Enabled {
			continue
		}
		var err error
		switch p.Kind {
		case provider.KindPayments:
			err = payments.Register(reg, p.Name)
		case provider.KindEmail:
			err = email.Register(reg, p.Name)
		default:
			err = fmt.Errorf("unknown provider kind %q", p.Kind)
		}
		if err != nil {
			return fmt.Errorf("bind %s: %w", p.Name, err)
		}
	}
	return nil
}
