package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

const maxBatchMessages = domain.MaxRecipients

type MessageService interface {
	Send(ctx context.Context, msg domain.Message, preferred string) (*domain.MessageResponse, error)
	SendBatch(ctx context.Context, msgs []domain.Message, preferred string) ([]domain.MessageResponse, error)
	DispatchBatch(ctx context.Context, req domain.BatchRequest) (*domain.BatchResult, error)
}

// BatchLookup reads persisted batch verdicts. It is optional.
type BatchLookup interface {
	GetByID(ctx context.Context, id string) (*domain.BatchResult, error)
}

type MessageHandler struct {
	service MessageService
	batches BatchLookup
}

func NewMessageHandler(service MessageService, batches BatchLookup) (*MessageHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("message service is required")
	}
	return &MessageHandler{service: service, batches: batches}, nil
}

func RegisterMessageRoutes(router fiber.Router, service MessageService, batches BatchLookup) error {
	h, err := NewMessageHandler(service, batches)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/messages", h.SendMessage)
	v1.Post("/messages/batch", h.SendBatch)
	v1.Post("/batches/dispatch", h.DispatchBatch)
	v1.Get("/batches/:batchId", h.GetBatch)

	return nil
}

type sendMessageRequest struct {
	domain.Message
	PreferredProvider string `json:"preferredProvider"`
}

type sendBatchRequest struct {
	Messages          []domain.Message `json:"messages"`
	PreferredProvider string           `json:"preferredProvider"`
}

type sendBatchResponse struct {
	Total     int                      `json:"total"`
	Succeeded int                      `json:"succeeded"`
	Failed    int                      `json:"failed"`
	Responses []domain.MessageResponse `json:"responses"`
}

type dispatchBatchResponse struct {
	*domain.BatchResult
	FailedRecipients []string `json:"failedRecipients"`
}

func (h *MessageHandler) SendMessage(c *fiber.Ctx) error {
	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	msg := withCorrelation(req.Message, contextCorrelationID(c))
	resp, err := h.service.Send(c.UserContext(), msg, strings.TrimSpace(req.PreferredProvider))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(resp)
}

func (h *MessageHandler) SendBatch(c *fiber.Ctx) error {
	var req sendBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if len(req.Messages) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "messages must not be empty")
	}
	if len(req.Messages) > maxBatchMessages {
		return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("batch size exceeds %d", maxBatchMessages))
	}

	correlationID := contextCorrelationID(c)
	for i := range req.Messages {
		req.Messages[i] = withCorrelation(req.Messages[i], correlationID)
	}

	responses, err := h.service.SendBatch(c.UserContext(), req.Messages, strings.TrimSpace(req.PreferredProvider))
	if err != nil {
		return toHTTPError(err)
	}

	out := sendBatchResponse{Total: len(responses), Responses: responses}
	for _, resp := range responses {
		if resp.Succeeded() {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}

	return c.Status(fiber.StatusOK).JSON(out)
}

func (h *MessageHandler) DispatchBatch(c *fiber.Ctx) error {
	var req domain.BatchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if len(req.Recipients) > maxBatchMessages {
		return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("batch size exceeds %d", maxBatchMessages))
	}
	req.Template = withCorrelation(req.Template, contextCorrelationID(c))

	result, err := h.service.DispatchBatch(c.UserContext(), req)
	if err != nil {
		return toHTTPError(err)
	}

	status := fiber.StatusOK
	if !result.Success {
		status = fiber.StatusMultiStatus
	}
	return c.Status(status).JSON(dispatchBatchResponse{
		BatchResult:      result,
		FailedRecipients: result.FailedRecipients(),
	})
}

func (h *MessageHandler) GetBatch(c *fiber.Ctx) error {
	if h.batches == nil {
		return fiber.NewError(fiber.StatusNotFound, "batch history is not enabled")
	}

	batchID := strings.TrimSpace(c.Params("batchId"))
	result, err := h.batches.GetByID(c.UserContext(), batchID)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(result)
}

// withCorrelation tags the message so delivery events can be traced back to the request.
func withCorrelation(msg domain.Message, correlationID string) domain.Message {
	if correlationID == "" {
		return msg
	}
	if _, ok := msg.Metadata["correlation_id"]; ok {
		return msg
	}
	out := msg.Clone()
	if out.Metadata == nil {
		out.Metadata = make(map[string]string, 1)
	}
	out.Metadata["correlation_id"] = correlationID
	return out
}
