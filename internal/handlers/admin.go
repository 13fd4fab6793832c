package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/keyissuer/internal/middleware"
	"github.com/example/keyissuer/internal/models"
	"github.com/example/keyissuer/internal/repository"
	"github.com/example/keyissuer/internal/services"
	"github.com/example/keyissuer/internal/utils"
)

// AdminHandler serves operator-only endpoints.
type AdminHandler struct {
	store      repository.OrderStore
	reconciler *services.Reconciler
	deadline   time.Duration
	log        *zap.Logger
}

// NewAdminHandler constructs AdminHandler.
func NewAdminHandler(store repository.OrderStore, reconciler *services.Reconciler, deadline time.Duration, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{store: store, reconciler: reconciler, deadline: deadline, log: logger.Named("ops")}
}

// opsOrder adds the lock state hidden from buyers.
type opsOrder struct {
	*models.Order
	LockHeld bool       `json:"lock_held"`
	LockedAt *time.Time `json:"locked_at,omitempty"`
}

func newOpsOrder(o *models.Order) opsOrder {
	return opsOrder{Order: o, LockHeld: o.IsLocked(), LockedAt: o.IssuanceLockedAt}
}

// ListOrders returns orders with pagination and an optional status filter.
func (h *AdminHandler) ListOrders(c *fiber.Ctx) error {
	pg := utils.ParsePagination(c)

	status := models.OrderStatus(c.Query("status"))
	switch status {
	case "", models.OrderStatusPending, models.OrderStatusPaid, models.OrderStatusFailed:
	default:
		return fiber.NewError(fiber.StatusBadRequest, "invalid status filter")
	}

	orders, total, err := h.store.List(c.UserContext(), repository.ListFilter{
		Status: status,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
	if err != nil {
		return err
	}

	data := make([]opsOrder, len(orders))
	for i, o := range orders {
		data[i] = newOpsOrder(o)
	}

	return c.JSON(fiber.Map{
		"success":    true,
		"data":       data,
		"pagination": pg.Meta(total),
	})
}

// ReconcileOrder forces a reconcile of one order and returns the full trail.
func (h *AdminHandler) ReconcileOrder(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid order id")
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), h.deadline)
	defer cancel()

	order, err := h.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "order not found")
		}
		return err
	}

	operator, _ := middleware.GetCurrentOperator(c)
	h.log.Info("manual reconcile", zap.String("order_id", id.String()), zap.String("operator", operator))

	res, err := h.reconciler.Reconcile(ctx, order)
	if err != nil {
		return err
	}

	data := fiber.Map{
		"order":   newOpsOrder(res.Order),
		"outcome": res.Outcome,
		"trail":   res.Trail,
	}
	if res.Cause != nil {
		data["cause"] = res.Cause.Error()
	}
	return c.JSON(fiber.Map{"success": true, "data": data})
}
