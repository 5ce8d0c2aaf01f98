package handler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/delivery-engine/internal/provider"
)

const (
	signatureHeader        = "X-Provider-Signature"
	defaultAnalyticsWindow = 24 * time.Hour
)

type ProviderService interface {
	IngestProviderEvents(ctx context.Context, providerName string, payload []byte, signature string) (int, error)
	Analytics(ctx context.Context, providerName string, from, to time.Time) (*provider.Analytics, error)
	ProviderHealth(ctx context.Context) map[string]bool
}

type ProviderHandler struct {
	service ProviderService
	now     func() time.Time
}

func NewProviderHandler(service ProviderService) (*ProviderHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("provider service is required")
	}
	return &ProviderHandler{service: service, now: time.Now}, nil
}

func RegisterProviderRoutes(router fiber.Router, service ProviderService) error {
	h, err := NewProviderHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Get("/providers/health", h.Health)
	v1.Post("/providers/:name/events", h.IngestEvents)
	v1.Get("/providers/:name/analytics", h.Analytics)

	return nil
}

type ingestEventsResponse struct {
	Provider  string `json:"provider"`
	Published int    `json:"published"`
}

type providerHealthItem struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
}

// IngestEvents accepts a provider callback. The raw body is verified before it is parsed.
func (h *ProviderHandler) IngestEvents(c *fiber.Ctx) error {
	name := strings.TrimSpace(c.Params("name"))
	signature := strings.TrimSpace(c.Get(signatureHeader))
	if signature == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "missing "+signatureHeader+" header")
	}

	payload := append([]byte(nil), c.Body()...)
	published, err := h.service.IngestProviderEvents(c.UserContext(), name, payload, signature)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(ingestEventsResponse{
		Provider:  name,
		Published: published,
	})
}

func (h *ProviderHandler) Analytics(c *fiber.Ctx) error {
	to, err := parseTimeQuery(c.Query("to"), "to", h.now().UTC())
	if err != nil {
		return err
	}
	from, err := parseTimeQuery(c.Query("from"), "from", to.Add(-defaultAnalyticsWindow))
	if err != nil {
		return err
	}
	if from.After(to) {
		return fiber.NewError(fiber.StatusBadRequest, "from must be before to")
	}

	stats, err := h.service.Analytics(c.UserContext(), strings.TrimSpace(c.Params("name")), from, to)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(stats)
}

func (h *ProviderHandler) Health(c *fiber.Ctx) error {
	health := h.service.ProviderHealth(c.UserContext())

	items := make([]providerHealthItem, 0, len(health))
	healthy := 0
	for name, ok := range health {
		items = append(items, providerHealthItem{Name: name, Healthy: ok})
		if ok {
			healthy++
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	status := fiber.StatusOK
	if healthy == 0 {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{
		"healthy":   healthy,
		"providers": items,
	})
}

func parseTimeQuery(value string, field string, fallback time.Time) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, fiber.NewError(fiber.StatusBadRequest, field+" must be RFC3339")
	}
	return t, nil
}
