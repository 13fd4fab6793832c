package handlers

import (
	"github.com/example/keyissuer/internal/models"
	"github.com/example/keyissuer/internal/services"
)

// statusResponse is the public view of an order's progress.
type statusResponse struct {
	Found             bool                     `json:"found"`
	OrderID           string                   `json:"order_id,omitempty"`
	Status            models.OrderStatus       `json:"status,omitempty"`
	FulfillmentMethod models.FulfillmentMethod `json:"fulfillment_method,omitempty"`
	TxnHash           *string                  `json:"txn_hash"`
	TokenID           *string                  `json:"token_id"`
	AttestationUID    *string                  `json:"attestation_uid"`
	KeyGranted        bool                     `json:"key_granted"`
	Retry             bool                     `json:"retry"`
	Message           string                   `json:"message"`
	Trail             []services.Step          `json:"trail"`
}

func newStatusResponse(order *models.Order, outcome services.Outcome, trail []services.Step) statusResponse {
	if trail == nil {
		trail = []services.Step{}
	}
	return statusResponse{
		Found:             true,
		OrderID:           order.ID.String(),
		Status:            order.Status,
		FulfillmentMethod: order.FulfillmentMethod,
		TxnHash:           order.TxnHash,
		TokenID:           order.TokenID,
		AttestationUID:    order.AttestationUID,
		KeyGranted:        order.KeyGranted,
		Retry:             outcome.Retry(),
		Message:           buyerMessage(order, outcome),
		Trail:             trail,
	}
}

func notFoundResponse() statusResponse {
	return statusResponse{Message: "order not found", Trail: []services.Step{}}
}

// buyerMessage reads the same for a held lock and a transient error.
func buyerMessage(order *models.Order, outcome services.Outcome) string {
	switch outcome {
	case services.OutcomeIssued, services.OutcomeAlreadyIssued:
		return "your item has been issued"
	case services.OutcomeFailed:
		return "payment could not be verified; contact support"
	case services.OutcomePending:
		return "waiting for payment confirmation"
	case services.OutcomeAwaitingRecipient:
		return "payment confirmed; claim your item with a recipient address"
	case services.OutcomeNotApplicable:
		return "order is confirmed by the on-chain purchase"
	}
	if order.Status == models.OrderStatusPaid {
		return "payment confirmed, issuing your item; please check again shortly"
	}
	return "please check again shortly"
}
