package service

import (
	"sort"

	"order-saga/internal/models"
)

// Reply answers an order command. An empty Errors list means success.
type Reply struct {
	OrderID string   `json:"orderId,omitempty"`
	Errors  []string `json:"errors,omitempty"`

	notFound bool
}

// Success reports whether the command was accepted.
func (r Reply) Success() bool {
	return len(r.Errors) == 0
}

// PaymentView is the queryable state of one payment.
type PaymentView struct {
	ID                   string               `json:"id"`
	Amount               int64                `json:"amount"`
	Status               models.PaymentStatus `json:"status"`
	FailedChargeAttempts int                  `json:"failedChargeAttempts"`
	FailedRefundAttempts int                  `json:"failedRefundAttempts"`
}

// OrderView is the queryable state of an order.
type OrderView struct {
	OrderID       string             `json:"orderId"`
	ProductName   string             `json:"productName"`
	Price         int64              `json:"price"`
	Status        models.OrderStatus `json:"status"`
	Payments      []PaymentView      `json:"payments"`
	FailureReason string             `json:"failureReason,omitempty"`
}

// StatusReply answers GetOrderStatus.
type StatusReply struct {
	Order  OrderView `json:"order"`
	Errors []string  `json:"errors,omitempty"`

	notFound bool
}

func newOrderView(o models.Order) OrderView {
	view := OrderView{
		OrderID:       o.ID,
		ProductName:   o.ProductName,
		Price:         o.Price,
		Status:        o.Status,
		Payments:      make([]PaymentView, 0, len(o.PaymentOrder)),
		FailureReason: o.FailureReason,
	}
	for _, id := range o.PaymentOrder {
		ref := o.Payments[id]
		view.Payments = append(view.Payments, PaymentView{
			ID:                   ref.ID,
			Amount:               ref.Amount,
			Status:               ref.Status,
			FailedChargeAttempts: ref.FailedChargeAttempts,
			FailedRefundAttempts: ref.FailedRefundAttempts,
		})
	}
	return view
}

// orderMessage is anything an order saga's mailbox accepts.
type orderMessage interface {
	commandName() string
}

// StartOrder opens a new order.
type StartOrder struct {
	ProductName string
	Price       int64
	Reply       chan<- Reply
}

// AddPayment offers a payment towards the order price.
type AddPayment struct {
	Amount int64
	Reply  chan<- Reply
}

// FinishOrder charges every accepted payment.
type FinishOrder struct {
	Reply chan<- Reply
}

// StartCancellation refunds every accepted payment.
type StartCancellation struct {
	Reply chan<- Reply
}

// GetOrderStatus queries the order state.
type GetOrderStatus struct {
	Reply chan<- StatusReply
}

// Continue asks a recovered saga to resume outstanding work.
type Continue struct{}

type chargeResult struct {
	PaymentID string
	Err       string
}

type refundResult struct {
	PaymentID string
	Err       string
}

func (StartOrder) commandName() string        { return "StartOrder" }
func (AddPayment) commandName() string        { return "AddPayment" }
func (FinishOrder) commandName() string       { return "FinishOrder" }
func (StartCancellation) commandName() string { return "StartCancellation" }
func (GetOrderStatus) commandName() string    { return "GetOrderStatus" }
func (Continue) commandName() string          { return "Continue" }
func (chargeResult) commandName() string      { return "ChargeResult" }
func (refundResult) commandName() string      { return "RefundResult" }

// paymentMessage is anything a payment process mailbox accepts.
type paymentMessage interface {
	paymentMessage()
}

// Charge asks a payment process to charge its amount.
type Charge struct{}

// Refund asks a payment process to refund its amount.
type Refund struct{}

func (Charge) paymentMessage() {}
func (Refund) paymentMessage() {}

// coordinatorMessage is anything the coordinator mailbox accepts.
type coordinatorMessage interface {
	coordinatorMessage()
}

type placeOrder struct {
	ProductName string
	Price       int64
	Reply       chan<- Reply
}

type forward struct {
	OrderID string
	Msg     orderMessage
}

type registryQuery struct {
	Reply chan<- models.Registry
}

// ProcessCompleted is sent by a saga that reached Finished or Failed.
type ProcessCompleted struct {
	OrderID string
	Errors  []string
}

// CancellationStarted is sent by a saga that accepted a cancellation.
type CancellationStarted struct {
	OrderID string
}

// CancellationCompleted is sent by a saga that reached Cancelled or CancellationFailed.
type CancellationCompleted struct {
	OrderID string
	Errors  []string
}

func (placeOrder) coordinatorMessage()            {}
func (forward) coordinatorMessage()               {}
func (registryQuery) coordinatorMessage()         {}
func (ProcessCompleted) coordinatorMessage()      {}
func (CancellationStarted) coordinatorMessage()   {}
func (CancellationCompleted) coordinatorMessage() {}

// send delivers without blocking; reply channels are buffered by the asker.
func send[T any](ch chan<- T, v T) {
	if ch == nil {
		return
	}
	select {
	case ch <- v:
	default:
	}
}

// replyTo answers msg if it carries a reply channel.
func replyTo(msg orderMessage, reply Reply) {
	switch m := msg.(type) {
	case StartOrder:
		send(m.Reply, reply)
	case AddPayment:
		send(m.Reply, reply)
	case FinishOrder:
		send(m.Reply, reply)
	case StartCancellation:
		send(m.Reply, reply)
	case GetOrderStatus:
		send(m.Reply, StatusReply{
			Order:    OrderView{OrderID: reply.OrderID, Payments: []PaymentView{}},
			Errors:   reply.Errors,
			notFound: reply.notFound,
		})
	}
}

func sortedIDs(sets ...map[string]bool) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, set := range sets {
		for id := range set {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		if len(ids[i]) != len(ids[j]) {
			return len(ids[i]) < len(ids[j])
		}
		return ids[i] < ids[j]
	})
	return ids
}
