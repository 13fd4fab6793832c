package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/keyissuer/internal/repository"
	"github.com/example/keyissuer/internal/services"
	"github.com/example/keyissuer/internal/utils"
)

// OrderHandler serves the buyer-facing polling and claim endpoints.
type OrderHandler struct {
	reconciler *services.Reconciler
	deadline   time.Duration
	log        *zap.Logger
}

// NewOrderHandler constructs OrderHandler.
func NewOrderHandler(reconciler *services.Reconciler, deadline time.Duration, logger *zap.Logger) *OrderHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderHandler{reconciler: reconciler, deadline: deadline, log: logger.Named("orders")}
}

// Status handles GET /api/orders/status with exactly one of order_id, payment_reference or claim_code.
func (h *OrderHandler) Status(c *fiber.Ctx) error {
	lookup := services.Lookup{
		OrderID:          c.Query("order_id"),
		PaymentReference: c.Query("payment_reference"),
		ClaimCode:        c.Query("claim_code"),
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), h.deadline)
	defer cancel()

	if lookup.PaymentReference == "" && lookup.ClaimCode == "" {
		if id, err := uuid.Parse(lookup.OrderID); err == nil {
			if cached, ok := h.reconciler.Cached(ctx, id); ok {
				return c.JSON(newStatusResponse(cached, services.OutcomeOf(cached), []services.Step{{Name: "cache", Detail: "terminal snapshot", At: time.Now()}}))
			}
		}
	}

	order, err := h.reconciler.Find(ctx, lookup)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidLookup):
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		case errors.Is(err, repository.ErrOrderNotFound):
			return c.Status(fiber.StatusNotFound).JSON(notFoundResponse())
		default:
			h.log.Error("find order", zap.Error(err))
			return c.JSON(statusResponse{Retry: true, Message: "please check again shortly", Trail: []services.Step{}})
		}
	}

	res, err := h.reconciler.Reconcile(ctx, order)
	if err != nil {
		h.log.Error("reconcile", zap.String("order_id", order.ID.String()), zap.Error(err))
		return c.JSON(newStatusResponse(order, services.OutcomeRetryLater, nil))
	}
	return c.JSON(newStatusResponse(res.Order, res.Outcome, res.Trail))
}

type claimRequest struct {
	ClaimCode string `json:"claim_code"`
	Recipient string `json:"recipient"`
}

// Claim handles POST /api/orders/claim, linking a manual sale to its recipient.
func (h *OrderHandler) Claim(c *fiber.Ctx) error {
	var req claimRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.ClaimCode == "" || req.Recipient == "" {
		return fiber.NewError(fiber.StatusBadRequest, "claim_code and recipient are required")
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), h.deadline)
	defer cancel()

	res, err := h.reconciler.Claim(ctx, req.ClaimCode, req.Recipient)
	if err != nil {
		switch {
		case errors.Is(err, utils.ErrInvalidAddress):
			return fiber.NewError(fiber.StatusBadRequest, "invalid recipient address")
		case errors.Is(err, repository.ErrOrderNotFound):
			return c.Status(fiber.StatusNotFound).JSON(notFoundResponse())
		case errors.Is(err, services.ErrRecipientAlreadySet):
			return fiber.NewError(fiber.StatusConflict, "order already claimed")
		default:
			h.log.Error("claim", zap.Error(err))
			return fiber.NewError(fiber.StatusServiceUnavailable, "try again later")
		}
	}
	return c.JSON(newStatusResponse(res.Order, res.Outcome, res.Trail))
}
