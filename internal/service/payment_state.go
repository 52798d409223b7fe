package service

import (
	"fmt"

	"order-saga/internal/models"
)

func paymentStreamID(paymentID string) string {
	return "payments-" + paymentID
}

func newPayment(paymentID string, amount int64) models.Payment {
	return models.Payment{ID: paymentID, Amount: amount, Status: models.PaymentStatusPending}
}

// applyPayment folds one payment event into the payment state.
// Pending -> Charged -> Refunded only moves forward.
func applyPayment(p models.Payment, evt models.Event) (models.Payment, error) {
	switch e := evt.(type) {
	case models.PaymentChargedEvent:
		if p.Status != models.PaymentStatusPending {
			return p, fmt.Errorf("payment %s cannot be charged in status %s", p.ID, p.Status)
		}
		p.Status = models.PaymentStatusCharged
		if e.Amount > 0 {
			p.Amount = e.Amount
		}
	case models.PaymentChargeFailedEvent:
		p.FailedChargeAttempts++
	case models.PaymentRefundedEvent:
		if p.Status == models.PaymentStatusRefunded {
			return p, fmt.Errorf("payment %s already refunded", p.ID)
		}
		p.Status = models.PaymentStatusRefunded
	case models.PaymentRefundFailedEvent:
		p.FailedRefundAttempts++
	default:
		return p, fmt.Errorf("unexpected event %s on payment stream", evt.EventType())
	}
	return p, nil
}
