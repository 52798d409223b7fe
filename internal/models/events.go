package models

import (
	"encoding/json"
	"fmt"
)

// Event types
const (
	// Coordinator stream
	EventTypeOrderReserved      = "ORDER_RESERVED"
	EventTypeFulfillmentClosed  = "FULFILLMENT_CLOSED"
	EventTypeCancellationOpened = "CANCELLATION_OPENED"
	EventTypeCancellationClosed = "CANCELLATION_CLOSED"

	// Order saga stream
	EventTypeOrderStarted             = "ORDER_STARTED"
	EventTypePaymentAdded             = "PAYMENT_ADDED"
	EventTypeOrderCompleted           = "ORDER_COMPLETED"
	EventTypeOrderChargingStarted     = "ORDER_CHARGING_STARTED"
	EventTypeOrderPaymentCharged      = "ORDER_PAYMENT_CHARGED"
	EventTypeOrderPaymentChargeFailed = "ORDER_PAYMENT_CHARGE_FAILED"
	EventTypeOrderFinished            = "ORDER_FINISHED"
	EventTypeOrderFailed              = "ORDER_FAILED"
	EventTypeOrderCancellationStarted = "ORDER_CANCELLATION_STARTED"
	EventTypeOrderPaymentRefunded     = "ORDER_PAYMENT_REFUNDED"
	EventTypeOrderPaymentRefundFailed = "ORDER_PAYMENT_REFUND_FAILED"
	EventTypeOrderCancelled           = "ORDER_CANCELLED"
	EventTypeOrderCancellationFailed  = "ORDER_CANCELLATION_FAILED"

	// Payment stream
	EventTypePaymentCharged      = "PAYMENT_CHARGED"
	EventTypePaymentChargeFailed = "PAYMENT_CHARGE_FAILED"
	EventTypePaymentRefunded     = "PAYMENT_REFUNDED"
	EventTypePaymentRefundFailed = "PAYMENT_REFUND_FAILED"
)

// Event is a domain event appended to exactly one entity stream.
type Event interface {
	EventType() string
	String() string
}

// OrderReservedEvent records that the coordinator handed out an order id.
type OrderReservedEvent struct {
	OrderID string `json:"order_id"`
}

func (OrderReservedEvent) EventType() string { return EventTypeOrderReserved }
func (e OrderReservedEvent) String() string {
	return fmt.Sprintf("Order %s was reserved", e.OrderID)
}

// FulfillmentClosedEvent removes an order from the coordinator's fulfillment set.
type FulfillmentClosedEvent struct {
	OrderID string   `json:"order_id"`
	Errors  []string `json:"errors,omitempty"`
}

func (FulfillmentClosedEvent) EventType() string { return EventTypeFulfillmentClosed }
func (e FulfillmentClosedEvent) String() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("Order %s fulfillment closed with errors: %v", e.OrderID, e.Errors)
	}
	return fmt.Sprintf("Order %s finished", e.OrderID)
}

// CancellationOpenedEvent moves an order into the coordinator's cancellation set.
type CancellationOpenedEvent struct {
	OrderID string `json:"order_id"`
}

func (CancellationOpenedEvent) EventType() string { return EventTypeCancellationOpened }
func (e CancellationOpenedEvent) String() string {
	return fmt.Sprintf("Order %s cancellation started", e.OrderID)
}

// CancellationClosedEvent removes an order from the coordinator's cancellation set.
type CancellationClosedEvent struct {
	OrderID string   `json:"order_id"`
	Errors  []string `json:"errors,omitempty"`
}

func (CancellationClosedEvent) EventType() string { return EventTypeCancellationClosed }
func (e CancellationClosedEvent) String() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("Order %s cancellation closed with errors: %v", e.OrderID, e.Errors)
	}
	return fmt.Sprintf("Order %s cancelled", e.OrderID)
}

// OrderStartedEvent opens an order for payments.
type OrderStartedEvent struct {
	OrderID     string `json:"order_id"`
	ProductName string `json:"product_name"`
	Price       int64  `json:"price"`
}

func (OrderStartedEvent) EventType() string { return EventTypeOrderStarted }
func (e OrderStartedEvent) String() string {
	return fmt.Sprintf("Order %s was started. Product name: %q, Product price: %d", e.OrderID, e.ProductName, e.Price)
}

// PaymentAddedEvent accepts a payment towards the order price.
type PaymentAddedEvent struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
}

func (PaymentAddedEvent) EventType() string { return EventTypePaymentAdded }
func (e PaymentAddedEvent) String() string {
	return fmt.Sprintf("Payment %s added to order %s. Amount: %d", e.PaymentID, e.OrderID, e.Amount)
}

// OrderCompletedEvent is recorded once accepted payments cover the price.
type OrderCompletedEvent struct {
	OrderID string `json:"order_id"`
}

func (OrderCompletedEvent) EventType() string { return EventTypeOrderCompleted }
func (e OrderCompletedEvent) String() string {
	return fmt.Sprintf("Order %s was completed", e.OrderID)
}

// OrderChargingStartedEvent records acceptance of FinishOrder.
type OrderChargingStartedEvent struct {
	OrderID string `json:"order_id"`
}

func (OrderChargingStartedEvent) EventType() string { return EventTypeOrderChargingStarted }
func (e OrderChargingStartedEvent) String() string {
	return fmt.Sprintf("Order %s started charging payments", e.OrderID)
}

// OrderPaymentChargedEvent is the saga's record of a successful charge.
type OrderPaymentChargedEvent struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
}

func (OrderPaymentChargedEvent) EventType() string { return EventTypeOrderPaymentCharged }
func (e OrderPaymentChargedEvent) String() string {
	return fmt.Sprintf("Charged payment %s for order %s. Amount: %d", e.PaymentID, e.OrderID, e.Amount)
}

// OrderPaymentChargeFailedEvent increments the saga's charge failure counter.
type OrderPaymentChargeFailedEvent struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Reason    string `json:"reason"`
}

func (OrderPaymentChargeFailedEvent) EventType() string { return EventTypeOrderPaymentChargeFailed }
func (e OrderPaymentChargeFailedEvent) String() string {
	return fmt.Sprintf("Failed charging payment %s on order %s. Reason: %q", e.PaymentID, e.OrderID, e.Reason)
}

// OrderFinishedEvent closes a fully charged order.
type OrderFinishedEvent struct {
	OrderID string `json:"order_id"`
}

func (OrderFinishedEvent) EventType() string { return EventTypeOrderFinished }
func (e OrderFinishedEvent) String() string {
	return fmt.Sprintf("Order %s was finished", e.OrderID)
}

// OrderFailedEvent escalates an order whose charging exhausted the retry bound.
type OrderFailedEvent struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

func (OrderFailedEvent) EventType() string { return EventTypeOrderFailed }
func (e OrderFailedEvent) String() string {
	return fmt.Sprintf("Order process %s failed. Reason: %s", e.OrderID, e.Reason)
}

// OrderCancellationStartedEvent records acceptance of StartCancellation.
type OrderCancellationStartedEvent struct {
	OrderID string `json:"order_id"`
}

func (OrderCancellationStartedEvent) EventType() string { return EventTypeOrderCancellationStarted }
func (e OrderCancellationStartedEvent) String() string {
	return fmt.Sprintf("Started cancellation process for %s", e.OrderID)
}

// OrderPaymentRefundedEvent is the saga's record of a successful refund.
type OrderPaymentRefundedEvent struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
}

func (OrderPaymentRefundedEvent) EventType() string { return EventTypeOrderPaymentRefunded }
func (e OrderPaymentRefundedEvent) String() string {
	return fmt.Sprintf("Order %s refunded payment %s with amount %d", e.OrderID, e.PaymentID, e.Amount)
}

// OrderPaymentRefundFailedEvent increments the saga's refund failure counter.
type OrderPaymentRefundFailedEvent struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Reason    string `json:"reason"`
}

func (OrderPaymentRefundFailedEvent) EventType() string { return EventTypeOrderPaymentRefundFailed }
func (e OrderPaymentRefundFailedEvent) String() string {
	return fmt.Sprintf("Failed refunding payment %s on order %s. Reason: %q", e.PaymentID, e.OrderID, e.Reason)
}

// OrderCancelledEvent closes a fully refunded order.
type OrderCancelledEvent struct {
	OrderID string `json:"order_id"`
}

func (OrderCancelledEvent) EventType() string { return EventTypeOrderCancelled }
func (e OrderCancelledEvent) String() string {
	return fmt.Sprintf("Order %s was cancelled", e.OrderID)
}

// OrderCancellationFailedEvent escalates a cancellation whose refunds exhausted the retry bound.
type OrderCancellationFailedEvent struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

func (OrderCancellationFailedEvent) EventType() string { return EventTypeOrderCancellationFailed }
func (e OrderCancellationFailedEvent) String() string {
	return fmt.Sprintf("Order %s cancellation failed. Reason: %s", e.OrderID, e.Reason)
}

// PaymentChargedEvent is recorded on the payment stream.
type PaymentChargedEvent struct {
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
}

func (PaymentChargedEvent) EventType() string { return EventTypePaymentCharged }
func (e PaymentChargedEvent) String() string {
	return fmt.Sprintf("Payment %s charged with the amount %d", e.PaymentID, e.Amount)
}

// PaymentChargeFailedEvent increments the payment's charge failure counter.
type PaymentChargeFailedEvent struct {
	PaymentID string `json:"payment_id"`
	Reason    string `json:"reason"`
}

func (PaymentChargeFailedEvent) EventType() string { return EventTypePaymentChargeFailed }
func (e PaymentChargeFailedEvent) String() string {
	return fmt.Sprintf("Payment %s failed charging. Reason: %q", e.PaymentID, e.Reason)
}

// PaymentRefundedEvent is recorded on the payment stream.
type PaymentRefundedEvent struct {
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
}

func (PaymentRefundedEvent) EventType() string { return EventTypePaymentRefunded }
func (e PaymentRefundedEvent) String() string {
	return fmt.Sprintf("Payment %s refunded the amount %d", e.PaymentID, e.Amount)
}

// PaymentRefundFailedEvent increments the payment's refund failure counter.
type PaymentRefundFailedEvent struct {
	PaymentID string `json:"payment_id"`
	Reason    string `json:"reason"`
}

func (PaymentRefundFailedEvent) EventType() string { return EventTypePaymentRefundFailed }
func (e PaymentRefundFailedEvent) String() string {
	return fmt.Sprintf("Payment %s failed refunding. Reason: %q", e.PaymentID, e.Reason)
}

var eventFactories = map[string]func() Event{
	EventTypeOrderReserved:            func() Event { return &OrderReservedEvent{} },
	EventTypeFulfillmentClosed:        func() Event { return &FulfillmentClosedEvent{} },
	EventTypeCancellationOpened:       func() Event { return &CancellationOpenedEvent{} },
	EventTypeCancellationClosed:       func() Event { return &CancellationClosedEvent{} },
	EventTypeOrderStarted:             func() Event { return &OrderStartedEvent{} },
	EventTypePaymentAdded:             func() Event { return &PaymentAddedEvent{} },
	EventTypeOrderCompleted:           func() Event { return &OrderCompletedEvent{} },
	EventTypeOrderChargingStarted:     func() Event { return &OrderChargingStartedEvent{} },
	EventTypeOrderPaymentCharged:      func() Event { return &OrderPaymentChargedEvent{} },
	EventTypeOrderPaymentChargeFailed: func() Event { return &OrderPaymentChargeFailedEvent{} },
	EventTypeOrderFinished:            func() Event { return &OrderFinishedEvent{} },
	EventTypeOrderFailed:              func() Event { return &OrderFailedEvent{} },
	EventTypeOrderCancellationStarted: func() Event { return &OrderCancellationStartedEvent{} },
	EventTypeOrderPaymentRefunded:     func() Event { return &OrderPaymentRefundedEvent{} },
	EventTypeOrderPaymentRefundFailed: func() Event { return &OrderPaymentRefundFailedEvent{} },
	EventTypeOrderCancelled:           func() Event { return &OrderCancelledEvent{} },
	EventTypeOrderCancellationFailed:  func() Event { return &OrderCancellationFailedEvent{} },
	EventTypePaymentCharged:           func() Event { return &PaymentChargedEvent{} },
	EventTypePaymentChargeFailed:      func() Event { return &PaymentChargeFailedEvent{} },
	EventTypePaymentRefunded:          func() Event { return &PaymentRefundedEvent{} },
	EventTypePaymentRefundFailed:      func() Event { return &PaymentRefundFailedEvent{} },
}

// EncodeEvent serializes an event payload for the journal.
func EncodeEvent(evt Event) ([]byte, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", evt.EventType(), err)
	}
	return payload, nil
}

// DecodeEvent rebuilds a typed event from its journal representation.
// Decoded events are returned by value so folds can type-switch on them.
func DecodeEvent(eventType string, payload []byte) (Event, error) {
	factory, ok := eventFactories[eventType]
	if !ok {
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
	ptr := factory()
	if err := json.Unmarshal(payload, ptr); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", eventType, err)
	}
	return deref(ptr), nil
}

func deref(evt Event) Event {
	switch e := evt.(type) {
	case *OrderReservedEvent:
		return *e
	case *FulfillmentClosedEvent:
		return *e
	case *CancellationOpenedEvent:
		return *e
	case *CancellationClosedEvent:
		return *e
	case *OrderStartedEvent:
		return *e
	case *PaymentAddedEvent:
		return *e
	case *OrderCompletedEvent:
		return *e
	case *OrderChargingStartedEvent:
		return *e
	case *OrderPaymentChargedEvent:
		return *e
	case *OrderPaymentChargeFailedEvent:
		return *e
	case *OrderFinishedEvent:
		return *e
	case *OrderFailedEvent:
		return *e
	case *OrderCancellationStartedEvent:
		return *e
	case *OrderPaymentRefundedEvent:
		return *e
	case *OrderPaymentRefundFailedEvent:
		return *e
	case *OrderCancelledEvent:
		return *e
	case *OrderCancellationFailedEvent:
		return *e
	case *PaymentChargedEvent:
		return *e
	case *PaymentChargeFailedEvent:
		return *e
	case *PaymentRefundedEvent:
		return *e
	case *PaymentRefundFailedEvent:
		return *e
	}
	return evt
}
