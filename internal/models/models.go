package models

// OrderStatus is the position of an order in its lifecycle lattice.
type OrderStatus string

// Order statuses
const (
	OrderStatusNew                 OrderStatus = "New"
	OrderStatusStarted             OrderStatus = "Started"
	OrderStatusComplete            OrderStatus = "Complete"
	OrderStatusCharging            OrderStatus = "Charging"
	OrderStatusFinished            OrderStatus = "Finished"
	OrderStatusCancellationStarted OrderStatus = "CancellationStarted"
	OrderStatusCancelled           OrderStatus = "Cancelled"
	OrderStatusFailed              OrderStatus = "Failed"
	OrderStatusCancellationFailed  OrderStatus = "CancellationFailed"
)

// Terminal reports whether no further transition can leave the status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFinished, OrderStatusCancelled, OrderStatusFailed, OrderStatusCancellationFailed:
		return true
	}
	return false
}

// PaymentStatus is the one-directional progression of a payment.
type PaymentStatus string

// Payment statuses
const (
	PaymentStatusPending  PaymentStatus = "Pending"
	PaymentStatusCharged  PaymentStatus = "Charged"
	PaymentStatusRefunded PaymentStatus = "Refunded"
)

// Order is the state of an order saga, derived by folding its stream.
type Order struct {
	ID            string                `json:"id"`
	ProductName   string                `json:"product_name"`
	Price         int64                 `json:"price"`
	Status        OrderStatus           `json:"status"`
	Payments      map[string]PaymentRef `json:"payments"`
	PaymentOrder  []string              `json:"payment_order"`
	FailureReason string                `json:"failure_reason,omitempty"`
}

// PaymentRef is the saga's view of one of its payment sub-processes.
type PaymentRef struct {
	ID                   string        `json:"id"`
	Amount               int64         `json:"amount"`
	Status               PaymentStatus `json:"status"`
	FailedChargeAttempts int           `json:"failed_charge_attempts"`
	FailedRefundAttempts int           `json:"failed_refund_attempts"`
}

// Payment is the state of a payment sub-process, derived by folding its stream.
type Payment struct {
	ID                   string        `json:"id"`
	Amount               int64         `json:"amount"`
	Status               PaymentStatus `json:"status"`
	FailedChargeAttempts int           `json:"failed_charge_attempts"`
	FailedRefundAttempts int           `json:"failed_refund_attempts"`
}

// Registry is the coordinator's state.
// An order id is in at most one of Fulfilling and Cancelling.
type Registry struct {
	NextOrderSequence int64           `json:"next_order_sequence"`
	Fulfilling        map[string]bool `json:"fulfilling"`
	Cancelling        map[string]bool `json:"cancelling"`
}

// Clone returns a deep copy so folds never mutate a previous state.
func (o Order) Clone() Order {
	out := o
	out.Payments = make(map[string]PaymentRef, len(o.Payments))
	for id, ref := range o.Payments {
		out.Payments[id] = ref
	}
	out.PaymentOrder = append([]string(nil), o.PaymentOrder...)
	return out
}

// AcceptedAmount sums payments that have not been refunded.
func (o Order) AcceptedAmount() int64 {
	var total int64
	for _, ref := range o.Payments {
		if ref.Status != PaymentStatusRefunded {
			total += ref.Amount
		}
	}
	return total
}

// Remaining is the amount still open for new payments.
func (o Order) Remaining() int64 {
	return o.Price - o.AcceptedAmount()
}

// AllPayments reports whether every payment has the given status.
func (o Order) AllPayments(status PaymentStatus) bool {
	for _, ref := range o.Payments {
		if ref.Status != status {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so folds never mutate a previous state.
func (r Registry) Clone() Registry {
	out := r
	out.Fulfilling = make(map[string]bool, len(r.Fulfilling))
	for id := range r.Fulfilling {
		out.Fulfilling[id] = true
	}
	out.Cancelling = make(map[string]bool, len(r.Cancelling))
	for id := range r.Cancelling {
		out.Cancelling[id] = true
	}
	return out
}
