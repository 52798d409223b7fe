package service

import (
	"fmt"

	"order-saga/internal/models"
)

// Validation messages returned to callers.
const (
	msgAmountExceedsRemaining = "amount exceeds remaining balance"
	msgAmountNotPositive      = "amount must be positive"
	msgPriceNotPositive       = "price must be positive"
)

// EffectKind enumerates the outbound actions of a saga.
type EffectKind int

const (
	EffectSpawnPayment EffectKind = iota
	EffectCharge
	EffectRefund
	EffectNotifyProcessCompleted
	EffectNotifyCancellationStarted
	EffectNotifyCancellationCompleted
)

// Effect is an outbound action executed only after the decision's events are durable.
type Effect struct {
	Kind      EffectKind
	PaymentID string
	Amount    int64
	Errors    []string
}

// Decision is the outcome of handling one message.
// Errors reject the message without events or effects.
type Decision struct {
	Events  []models.Event
	Effects []Effect
	Errors  []string
}

func reject(format string, args ...any) Decision {
	return Decision{Errors: []string{fmt.Sprintf(format, args...)}}
}

func notAllowed(msg orderMessage, status models.OrderStatus) Decision {
	return reject("command %s not allowed in status %s", msg.commandName(), status)
}

// decideOrder is the pure decision function of the order saga.
func decideOrder(o models.Order, msg orderMessage, maxAttempts int) Decision {
	switch m := msg.(type) {
	case StartOrder:
		return decideStart(o, m)
	case AddPayment:
		return decideAddPayment(o, m)
	case FinishOrder:
		return decideFinish(o, m)
	case StartCancellation:
		return decideCancellation(o, m)
	case Continue:
		return decideContinue(o)
	case chargeResult:
		return decideChargeResult(o, m, maxAttempts)
	case refundResult:
		return decideRefundResult(o, m, maxAttempts)
	}
	return reject("unsupported command %s", msg.commandName())
}

func decideStart(o models.Order, m StartOrder) Decision {
	if o.Status != models.OrderStatusNew {
		// Redelivered StartOrder from the coordinator.
		return Decision{}
	}
	if m.Price <= 0 {
		return reject(msgPriceNotPositive)
	}
	return Decision{Events: []models.Event{
		models.OrderStartedEvent{OrderID: o.ID, ProductName: m.ProductName, Price: m.Price},
	}}
}

func decideAddPayment(o models.Order, m AddPayment) Decision {
	if o.Status != models.OrderStatusStarted {
		return notAllowed(m, o.Status)
	}
	if m.Amount <= 0 {
		return reject(msgAmountNotPositive)
	}
	remaining := o.Remaining()
	if m.Amount > remaining {
		return reject(msgAmountExceedsRemaining)
	}

	paymentID := fmt.Sprintf("%s-%d", o.ID, len(o.Payments)+1)
	d := Decision{
		Events: []models.Event{
			models.PaymentAddedEvent{OrderID: o.ID, PaymentID: paymentID, Amount: m.Amount},
		},
		Effects: []Effect{{Kind: EffectSpawnPayment, PaymentID: paymentID, Amount: m.Amount}},
	}
	if m.Amount == remaining {
		d.Events = append(d.Events, models.OrderCompletedEvent{OrderID: o.ID})
	}
	return d
}

func decideFinish(o models.Order, m FinishOrder) Decision {
	if o.Status != models.OrderStatusComplete {
		return notAllowed(m, o.Status)
	}
	d := Decision{Events: []models.Event{models.OrderChargingStartedEvent{OrderID: o.ID}}}
	for _, id := range o.PaymentOrder {
		ref := o.Payments[id]
		if ref.Status == models.PaymentStatusPending {
			d.Effects = append(d.Effects, Effect{Kind: EffectCharge, PaymentID: id, Amount: ref.Amount})
		}
	}
	return d
}

func decideCancellation(o models.Order, m StartCancellation) Decision {
	if o.Status != models.OrderStatusStarted && o.Status != models.OrderStatusComplete {
		return notAllowed(m, o.Status)
	}
	d := Decision{
		Events:  []models.Event{models.OrderCancellationStartedEvent{OrderID: o.ID}},
		Effects: []Effect{{Kind: EffectNotifyCancellationStarted}},
	}
	refunds := refundEffects(o)
	if len(refunds) == 0 {
		d.Events = append(d.Events, models.OrderCancelledEvent{OrderID: o.ID})
		d.Effects = append(d.Effects, Effect{Kind: EffectNotifyCancellationCompleted})
		return d
	}
	d.Effects = append(d.Effects, refunds...)
	return d
}

func refundEffects(o models.Order) []Effect {
	var effects []Effect
	for _, id := range o.PaymentOrder {
		ref := o.Payments[id]
		if ref.Status != models.PaymentStatusRefunded {
			effects = append(effects, Effect{Kind: EffectRefund, PaymentID: id, Amount: ref.Amount})
		}
	}
	return effects
}

// decideContinue re-issues outstanding sub-process work after recovery.
func decideContinue(o models.Order) Decision {
	switch o.Status {
	case models.OrderStatusCharging:
		var d Decision
		for _, id := range o.PaymentOrder {
			ref := o.Payments[id]
			if ref.Status != models.PaymentStatusCharged {
				d.Effects = append(d.Effects, Effect{Kind: EffectCharge, PaymentID: id, Amount: ref.Amount})
			}
		}
		if len(d.Effects) == 0 {
			d.Events = []models.Event{models.OrderFinishedEvent{OrderID: o.ID}}
			d.Effects = []Effect{{Kind: EffectNotifyProcessCompleted}}
		}
		return d

	case models.OrderStatusCancellationStarted:
		d := Decision{Effects: []Effect{{Kind: EffectNotifyCancellationStarted}}}
		refunds := refundEffects(o)
		if len(refunds) == 0 {
			d.Events = []models.Event{models.OrderCancelledEvent{OrderID: o.ID}}
			d.Effects = append(d.Effects, Effect{Kind: EffectNotifyCancellationCompleted})
			return d
		}
		d.Effects = append(d.Effects, refunds...)
		return d

	case models.OrderStatusFinished:
		return Decision{Effects: []Effect{{Kind: EffectNotifyProcessCompleted}}}
	case models.OrderStatusFailed:
		return Decision{Effects: []Effect{{Kind: EffectNotifyProcessCompleted, Errors: []string{o.FailureReason}}}}
	case models.OrderStatusCancelled:
		return Decision{Effects: []Effect{{Kind: EffectNotifyCancellationCompleted}}}
	case models.OrderStatusCancellationFailed:
		return Decision{Effects: []Effect{{Kind: EffectNotifyCancellationCompleted, Errors: []string{o.FailureReason}}}}
	}
	// New, Started and Complete wait for the next user command.
	return Decision{}
}

func decideChargeResult(o models.Order, m chargeResult, maxAttempts int) Decision {
	if o.Status != models.OrderStatusCharging {
		return Decision{}
	}
	ref, ok := o.Payments[m.PaymentID]
	if !ok || ref.Status == models.PaymentStatusCharged {
		return Decision{}
	}

	if m.Err == "" {
		d := Decision{Events: []models.Event{
			models.OrderPaymentChargedEvent{OrderID: o.ID, PaymentID: ref.ID, Amount: ref.Amount},
		}}
		if pendingExcept(o, ref.ID, models.PaymentStatusCharged) == 0 {
			d.Events = append(d.Events, models.OrderFinishedEvent{OrderID: o.ID})
			d.Effects = append(d.Effects, Effect{Kind: EffectNotifyProcessCompleted})
		}
		return d
	}

	d := Decision{Events: []models.Event{
		models.OrderPaymentChargeFailedEvent{OrderID: o.ID, PaymentID: ref.ID, Reason: m.Err},
	}}
	if ref.FailedChargeAttempts+1 >= maxAttempts {
		reason := fmt.Sprintf("payment %s failed charging too many times", ref.ID)
		d.Events = append(d.Events, models.OrderFailedEvent{OrderID: o.ID, Reason: reason})
		d.Effects = append(d.Effects, Effect{Kind: EffectNotifyProcessCompleted, Errors: []string{reason}})
		return d
	}
	d.Effects = append(d.Effects, Effect{Kind: EffectCharge, PaymentID: ref.ID, Amount: ref.Amount})
	return d
}

func decideRefundResult(o models.Order, m refundResult, maxAttempts int) Decision {
	if o.Status != models.OrderStatusCancellationStarted {
		return Decision{}
	}
	ref, ok := o.Payments[m.PaymentID]
	if !ok || ref.Status == models.PaymentStatusRefunded {
		return Decision{}
	}

	if m.Err == "" {
		d := Decision{Events: []models.Event{
			models.OrderPaymentRefundedEvent{OrderID: o.ID, PaymentID: ref.ID, Amount: ref.Amount},
		}}
		if pendingExcept(o, ref.ID, models.PaymentStatusRefunded) == 0 {
			d.Events = append(d.Events, models.OrderCancelledEvent{OrderID: o.ID})
			d.Effects = append(d.Effects, Effect{Kind: EffectNotifyCancellationCompleted})
		}
		return d
	}

	d := Decision{Events: []models.Event{
		models.OrderPaymentRefundFailedEvent{OrderID: o.ID, PaymentID: ref.ID, Reason: m.Err},
	}}
	if ref.FailedRefundAttempts+1 >= maxAttempts {
		reason := fmt.Sprintf("payment %s failed refunding too many times", ref.ID)
		d.Events = append(d.Events, models.OrderCancellationFailedEvent{OrderID: o.ID, Reason: reason})
		d.Effects = append(d.Effects, Effect{Kind: EffectNotifyCancellationCompleted, Errors: []string{reason}})
		return d
	}
	d.Effects = append(d.Effects, Effect{Kind: EffectRefund, PaymentID: ref.ID, Amount: ref.Amount})
	return d
}

// pendingExcept counts payments other than paymentID not yet in status.
func pendingExcept(o models.Order, paymentID string, status models.PaymentStatus) int {
	n := 0
	for id, ref := range o.Payments {
		if id != paymentID && ref.Status != status {
			n++
		}
	}
	return n
}
