package service

import (
	"order-saga/internal/entity"
	"order-saga/internal/models"
	"order-saga/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// orderSaga drives one order through its lifecycle. All fields are owned by
// the saga's mailbox goroutine.
type orderSaga struct {
	id       string
	sys      *system
	entity   *entity.Entity[models.Order]
	mailbox  *entity.Mailbox[orderMessage]
	payments map[string]*paymentProcess
	notify   func(coordinatorMessage)
	logger   *zap.Logger
}

func spawnOrderSaga(sys *system, id string, notify func(coordinatorMessage)) *orderSaga {
	s := &orderSaga{
		id:       id,
		sys:      sys,
		mailbox:  entity.NewMailbox[orderMessage](),
		payments: make(map[string]*paymentProcess),
		notify:   notify,
		logger:   sys.logger.With(zap.String("order_id", id)),
	}
	sys.spawn(s.run)
	return s
}

func (s *orderSaga) tell(msg orderMessage) {
	if err := s.mailbox.Post(msg); err != nil {
		replyTo(msg, Reply{OrderID: s.id, Errors: []string{"order unavailable: " + err.Error()}})
	}
}

func (s *orderSaga) run() {
	cfg := entityConfig(s.sys.deps, "order", orderStreamID(s.id), newOrder(s.id), applyOrder)
	ent, err := recoverEntity(s.sys, cfg, s.logger)
	if err != nil {
		s.mailbox.Close()
		return
	}
	s.entity = ent
	s.mailbox.Run(s.sys.ctx, s.handle)
}

func (s *orderSaga) handle(msg orderMessage) {
	if q, ok := msg.(GetOrderStatus); ok {
		send(q.Reply, StatusReply{Order: newOrderView(s.entity.State())})
		return
	}

	ctx, span := util.StartSpan(s.sys.ctx, "OrderSaga.Handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("order_id", s.id),
		attribute.String("command", msg.commandName()),
	)

	d := decideOrder(s.entity.State(), msg, s.sys.deps.MaxAttempts)
	if len(d.Errors) > 0 {
		util.CommandsRejectedTotal.WithLabelValues(msg.commandName()).Inc()
		s.logger.Warn("Command rejected",
			zap.String("command", msg.commandName()),
			zap.String("status", string(s.entity.State().Status)),
			zap.Strings("errors", d.Errors))
		replyTo(msg, Reply{OrderID: s.id, Errors: d.Errors})
		return
	}

	if len(d.Events) > 0 {
		if err := s.entity.PersistBatch(ctx, d.Events, s.applied); err != nil {
			span.RecordError(err)
			switch msg.(type) {
			case chargeResult, refundResult:
				// The payment has already recorded its outcome; nobody else
				// will deliver it again.
				s.logger.Error("Failed to record payment result, retrying",
					zap.String("command", msg.commandName()),
					zap.Duration("backoff", s.sys.deps.RetryBackoff),
					zap.Error(err))
				s.sys.after(s.sys.deps.RetryBackoff, func() { s.tell(msg) })
			default:
				replyTo(msg, Reply{OrderID: s.id, Errors: []string{"storage failure: " + err.Error()}})
			}
			return
		}
	}

	for _, eff := range d.Effects {
		s.execute(eff)
	}
	replyTo(msg, Reply{OrderID: s.id})
}

// applied logs and counts lifecycle transitions once they are durable.
func (s *orderSaga) applied(evt models.Event, _ models.Order) {
	switch e := evt.(type) {
	case models.OrderStartedEvent:
		util.OrdersStartedTotal.Inc()
		s.logger.Info(e.String())
	case models.OrderCompletedEvent:
		util.OrdersCompletedTotal.Inc()
		s.logger.Info(e.String())
	case models.OrderFinishedEvent:
		util.OrdersFinishedTotal.Inc()
		s.logger.Info(e.String())
	case models.OrderCancelledEvent:
		util.OrdersCancelledTotal.Inc()
		s.logger.Info(e.String())
	case models.OrderFailedEvent:
		util.OrdersFailedTotal.WithLabelValues("charging").Inc()
		s.logger.Error("Order failed", zap.String("reason", e.Reason))
	case models.OrderCancellationFailedEvent:
		util.OrdersFailedTotal.WithLabelValues("cancellation").Inc()
		s.logger.Error("Order cancellation failed", zap.String("reason", e.Reason))
	default:
		s.logger.Debug(evt.String())
	}
}

func (s *orderSaga) execute(eff Effect) {
	switch eff.Kind {
	case EffectSpawnPayment:
		s.payment(eff.PaymentID, eff.Amount)
	case EffectCharge:
		s.payment(eff.PaymentID, eff.Amount).tell(Charge{})
	case EffectRefund:
		s.payment(eff.PaymentID, eff.Amount).tell(Refund{})
	case EffectNotifyProcessCompleted:
		s.notify(ProcessCompleted{OrderID: s.id, Errors: eff.Errors})
	case EffectNotifyCancellationStarted:
		s.notify(CancellationStarted{OrderID: s.id})
	case EffectNotifyCancellationCompleted:
		s.notify(CancellationCompleted{OrderID: s.id, Errors: eff.Errors})
	}
}

// payment returns the sub-process for id, spawning it on first use.
func (s *orderSaga) payment(id string, amount int64) *paymentProcess {
	if p, ok := s.payments[id]; ok {
		return p
	}
	p := spawnPaymentProcess(s.sys, id, amount, s.tell)
	s.payments[id] = p
	return p
}
