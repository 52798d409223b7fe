package service

import (
	"fmt"

	"order-saga/internal/models"
)

func orderStreamID(orderID string) string {
	return "orders-" + orderID
}

func newOrder(orderID string) models.Order {
	return models.Order{
		ID:       orderID,
		Status:   models.OrderStatusNew,
		Payments: map[string]models.PaymentRef{},
	}
}

// applyOrder folds one saga event into the order state.
func applyOrder(o models.Order, evt models.Event) (models.Order, error) {
	next := o.Clone()

	switch e := evt.(type) {
	case models.OrderStartedEvent:
		if err := expectStatus(o, evt, models.OrderStatusNew); err != nil {
			return o, err
		}
		next.ProductName = e.ProductName
		next.Price = e.Price
		next.Status = models.OrderStatusStarted

	case models.PaymentAddedEvent:
		if err := expectStatus(o, evt, models.OrderStatusStarted); err != nil {
			return o, err
		}
		if _, exists := o.Payments[e.PaymentID]; exists {
			return o, fmt.Errorf("payment %s already added", e.PaymentID)
		}
		if e.Amount <= 0 || e.Amount > o.Remaining() {
			return o, fmt.Errorf("payment %s amount %d exceeds remaining %d", e.PaymentID, e.Amount, o.Remaining())
		}
		next.Payments[e.PaymentID] = models.PaymentRef{
			ID:     e.PaymentID,
			Amount: e.Amount,
			Status: models.PaymentStatusPending,
		}
		next.PaymentOrder = append(next.PaymentOrder, e.PaymentID)

	case models.OrderCompletedEvent:
		if err := expectStatus(o, evt, models.OrderStatusStarted); err != nil {
			return o, err
		}
		next.Status = models.OrderStatusComplete

	case models.OrderChargingStartedEvent:
		if err := expectStatus(o, evt, models.OrderStatusComplete); err != nil {
			return o, err
		}
		next.Status = models.OrderStatusCharging

	case models.OrderPaymentChargedEvent:
		ref, err := paymentRef(o, e.PaymentID)
		if err != nil {
			return o, err
		}
		if ref.Status != models.PaymentStatusPending {
			return o, fmt.Errorf("payment %s cannot be charged in status %s", e.PaymentID, ref.Status)
		}
		ref.Status = models.PaymentStatusCharged
		next.Payments[e.PaymentID] = ref

	case models.OrderPaymentChargeFailedEvent:
		ref, err := paymentRef(o, e.PaymentID)
		if err != nil {
			return o, err
		}
		ref.FailedChargeAttempts++
		next.Payments[e.PaymentID] = ref

	case models.OrderFinishedEvent:
		if err := expectStatus(o, evt, models.OrderStatusCharging); err != nil {
			return o, err
		}
		next.Status = models.OrderStatusFinished

	case models.OrderFailedEvent:
		if err := expectStatus(o, evt, models.OrderStatusCharging); err != nil {
			return o, err
		}
		next.Status = models.OrderStatusFailed
		next.FailureReason = e.Reason

	case models.OrderCancellationStartedEvent:
		if err := expectStatus(o, evt, models.OrderStatusStarted, models.OrderStatusComplete); err != nil {
			return o, err
		}
		next.Status = models.OrderStatusCancellationStarted

	case models.OrderPaymentRefundedEvent:
		ref, err := paymentRef(o, e.PaymentID)
		if err != nil {
			return o, err
		}
		if ref.Status == models.PaymentStatusRefunded {
			return o, fmt.Errorf("payment %s already refunded", e.PaymentID)
		}
		ref.Status = models.PaymentStatusRefunded
		next.Payments[e.PaymentID] = ref

	case models.OrderPaymentRefundFailedEvent:
		ref, err := paymentRef(o, e.PaymentID)
		if err != nil {
			return o, err
		}
		ref.FailedRefundAttempts++
		next.Payments[e.PaymentID] = ref

	case models.OrderCancelledEvent:
		if err := expectStatus(o, evt, models.OrderStatusCancellationStarted); err != nil {
			return o, err
		}
		next.Status = models.OrderStatusCancelled

	case models.OrderCancellationFailedEvent:
		if err := expectStatus(o, evt, models.OrderStatusCancellationStarted); err != nil {
			return o, err
		}
		next.Status = models.OrderStatusCancellationFailed
		next.FailureReason = e.Reason

	default:
		return o, fmt.Errorf("unexpected event %s on order stream", evt.EventType())
	}

	return next, nil
}

func expectStatus(o models.Order, evt models.Event, allowed ...models.OrderStatus) error {
	for _, status := range allowed {
		if o.Status == status {
			return nil
		}
	}
	return fmt.Errorf("event %s not applicable in status %s", evt.EventType(), o.Status)
}

func paymentRef(o models.Order, paymentID string) (models.PaymentRef, error) {
	ref, ok := o.Payments[paymentID]
	if !ok {
		return models.PaymentRef{}, fmt.Errorf("unknown payment %s", paymentID)
	}
	return ref, nil
}
