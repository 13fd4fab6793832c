package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/example/keyissuer/internal/models"
	"github.com/example/keyissuer/internal/repository"
	"github.com/example/keyissuer/internal/services"
)

const webhookProvider = "paystack"

// WebhookHandler receives gateway push notifications. The signature is checked by middleware.
type WebhookHandler struct {
	store      repository.OrderStore
	reconciler *services.Reconciler
	deadline   time.Duration
	log        *zap.Logger
}

// NewWebhookHandler constructs WebhookHandler.
func NewWebhookHandler(store repository.OrderStore, reconciler *services.Reconciler, deadline time.Duration, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{store: store, reconciler: reconciler, deadline: deadline, log: logger.Named("webhook")}
}

type gatewayEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
	} `json:"data"`
}

// Gateway handles POST /api/webhooks/gateway.
// Unknown references are acknowledged; transient failures answer 503 so the gateway re-delivers.
func (h *WebhookHandler) Gateway(c *fiber.Ctx) error {
	body := append([]byte(nil), c.Body()...)

	var evt gatewayEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), h.deadline)
	defer cancel()

	event := &models.WebhookEvent{
		Provider:  webhookProvider,
		Event:     evt.Event,
		Reference: evt.Data.Reference,
		Payload:   datatypes.JSON(body),
	}
	if err := h.store.RecordWebhookEvent(ctx, event); err != nil {
		h.log.Warn("record webhook event", zap.Error(err))
		event = nil
	}

	log := h.log.With(zap.String("event", evt.Event), zap.String("reference", evt.Data.Reference))

	if evt.Data.Reference == "" {
		h.processed(event, "no reference")
		return c.JSON(fiber.Map{"received": true})
	}

	order, err := h.store.FindByPaymentReference(ctx, evt.Data.Reference)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			log.Info("no order for reference")
			h.processed(event, "no matching order")
			return c.JSON(fiber.Map{"received": true})
		}
		h.processed(event, err.Error())
		log.Error("lookup order", zap.Error(err))
		return fiber.NewError(fiber.StatusServiceUnavailable, "try again later")
	}

	res, err := h.reconciler.Reconcile(ctx, order)
	if err != nil {
		h.processed(event, err.Error())
		log.Error("reconcile", zap.Error(err))
		return fiber.NewError(fiber.StatusServiceUnavailable, "try again later")
	}
	if res.Outcome == services.OutcomeRetryLater {
		msg := string(res.Outcome)
		if res.Cause != nil {
			msg = res.Cause.Error()
		}
		h.processed(event, msg)
		return fiber.NewError(fiber.StatusServiceUnavailable, "try again later")
	}

	h.processed(event, "")
	return c.JSON(fiber.Map{
		"received": true,
		"order_id": res.Order.ID,
		"status":   res.Order.Status,
	})
}

func (h *WebhookHandler) processed(event *models.WebhookEvent, processingError string) {
	if event == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.MarkWebhookEventProcessed(ctx, event.ID, processingError, time.Now()); err != nil {
		h.log.Warn("mark webhook event processed", zap.Error(err))
	}
}
