package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

const (
	defaultFailedLimit = 50
	maxFailedLimit     = 500
)

type WebhookService interface {
	GetDeliveryStatus(ctx context.Context, id string) (*domain.WebhookDelivery, error)
	RetryDelivery(ctx context.Context, id string) (*domain.WebhookDelivery, error)
	ListFailed(ctx context.Context, limit int) ([]*domain.WebhookDelivery, error)
}

type WebhookHandler struct {
	service WebhookService
}

func NewWebhookHandler(service WebhookService) (*WebhookHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("webhook service is required")
	}
	return &WebhookHandler{service: service}, nil
}

func RegisterWebhookRoutes(router fiber.Router, service WebhookService) error {
	h, err := NewWebhookHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Get("/webhook-deliveries", h.ListFailed)
	v1.Get("/webhook-deliveries/:id", h.GetDelivery)
	v1.Post("/webhook-deliveries/:id/retry", h.RetryDelivery)

	return nil
}

type deliveryResponse struct {
	ID          string                `json:"id"`
	EndpointID  string                `json:"endpointId"`
	EndpointURL string                `json:"endpointUrl"`
	EventID     string                `json:"eventId"`
	EventType   string                `json:"eventType"`
	Status      string                `json:"status"`
	Attempts    int                   `json:"attempts"`
	MaxAttempts int                   `json:"maxAttempts"`
	LastAttempt *domain.AttemptResult `json:"lastAttempt,omitempty"`
	NextRetry   *time.Time            `json:"nextRetry,omitempty"`
	CreatedAt   time.Time             `json:"createdAt"`
	UpdatedAt   time.Time             `json:"updatedAt"`
}

type listDeliveriesResponse struct {
	Data []deliveryResponse `json:"data"`
}

func (h *WebhookHandler) GetDelivery(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	d, err := h.service.GetDeliveryStatus(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toDeliveryResponse(d))
}

func (h *WebhookHandler) RetryDelivery(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	d, err := h.service.RetryDelivery(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(toDeliveryResponse(d))
}

func (h *WebhookHandler) ListFailed(c *fiber.Ctx) error {
	if status := strings.TrimSpace(c.Query("status")); status != "" && !strings.EqualFold(status, domain.DeliveryStatusFailed.String()) {
		return fiber.NewError(fiber.StatusBadRequest, "only status=failed can be listed")
	}

	limit := c.QueryInt("limit", defaultFailedLimit)
	if limit < 1 || limit > maxFailedLimit {
		return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxFailedLimit))
	}

	deliveries, err := h.service.ListFailed(c.UserContext(), limit)
	if err != nil {
		return toHTTPError(err)
	}

	out := listDeliveriesResponse{Data: make([]deliveryResponse, 0, len(deliveries))}
	for _, d := range deliveries {
		out.Data = append(out.Data, toDeliveryResponse(d))
	}
	return c.Status(fiber.StatusOK).JSON(out)
}

func toDeliveryResponse(d *domain.WebhookDelivery) deliveryResponse {
	if d == nil {
		return deliveryResponse{}
	}

	resp := deliveryResponse{
		ID:          d.ID,
		EndpointID:  d.Endpoint.ID,
		EndpointURL: d.Endpoint.URL,
		EventID:     d.Event.ID,
		EventType:   d.Event.Type,
		Status:      d.Status.String(),
		Attempts:    d.Attempts,
		MaxAttempts: d.MaxAttempts,
		LastAttempt: d.LastAttempt,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
	if d.Status == domain.DeliveryStatusPending {
		next := d.NextRetry
		resp.NextRetry = &next
	}
	return resp
}
