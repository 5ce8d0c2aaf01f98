package provider

import (
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// NewAdapter builds the adapter for cfg.Kind. Each HTTP adapter owns its own resty client.
func NewAdapter(cfg domain.ProviderConfig) (Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Kind {
	case domain.ProviderKindSES:
		return NewSESAdapter(cfg, resty.New())
	case domain.ProviderKindSendGrid:
		return NewSendGridAdapter(cfg, resty.New())
	case domain.ProviderKindMock:
		return NewMockAdapter(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported provider kind %q", domain.ErrValidation, cfg.Kind)
	}
}
