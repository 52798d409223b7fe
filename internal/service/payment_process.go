package service

import (
	"context"

	"order-saga/internal/entity"
	"order-saga/internal/models"
	"order-saga/internal/util"

	"go.uber.org/zap"
)

// paymentProcess executes Charge and Refund for one payment and reports every
// outcome to its owning saga exactly once.
type paymentProcess struct {
	id      string
	amount  int64
	sys     *system
	entity  *entity.Entity[models.Payment]
	mailbox *entity.Mailbox[paymentMessage]
	report  func(orderMessage)
	logger  *zap.Logger
}

func spawnPaymentProcess(sys *system, id string, amount int64, report func(orderMessage)) *paymentProcess {
	p := &paymentProcess{
		id:      id,
		amount:  amount,
		sys:     sys,
		mailbox: entity.NewMailbox[paymentMessage](),
		report:  report,
		logger:  sys.logger.With(zap.String("payment_id", id)),
	}
	sys.spawn(p.run)
	return p
}

func (p *paymentProcess) tell(msg paymentMessage) {
	if err := p.mailbox.Post(msg); err != nil {
		p.fail(msg, "payment unavailable: "+err.Error())
	}
}

func (p *paymentProcess) run() {
	cfg := entityConfig(p.sys.deps, "payment", paymentStreamID(p.id), newPayment(p.id, p.amount), applyPayment)
	ent, err := recoverEntity(p.sys, cfg, p.logger)
	if err != nil {
		p.mailbox.Close()
		return
	}
	p.entity = ent
	p.mailbox.Run(p.sys.ctx, p.handle)
}

func (p *paymentProcess) handle(msg paymentMessage) {
	ctx, span := util.StartSpan(p.sys.ctx, "PaymentProcess.Handle")
	defer span.End()

	switch msg.(type) {
	case Charge:
		p.charge(ctx)
	case Refund:
		p.refund(ctx)
	}
}

func (p *paymentProcess) charge(ctx context.Context) {
	switch p.entity.State().Status {
	case models.PaymentStatusCharged:
		p.report(chargeResult{PaymentID: p.id})
		return
	case models.PaymentStatusRefunded:
		p.report(chargeResult{PaymentID: p.id, Err: "payment already refunded"})
		return
	}

	util.PaymentAttemptsTotal.WithLabelValues(string(OperationCharge)).Inc()
	if err := p.sys.deps.Policy.Attempt(p.id, OperationCharge); err != nil {
		util.PaymentFailedTotal.WithLabelValues(string(OperationCharge)).Inc()
		p.logger.Warn("Payment charge failed", zap.Error(err))

		evt := models.PaymentChargeFailedEvent{PaymentID: p.id, Reason: err.Error()}
		if perr := p.entity.Persist(ctx, evt, func(models.Payment) {
			p.report(chargeResult{PaymentID: p.id, Err: err.Error()})
		}); perr != nil {
			p.report(chargeResult{PaymentID: p.id, Err: "storage failure: " + perr.Error()})
		}
		return
	}

	evt := models.PaymentChargedEvent{PaymentID: p.id, Amount: p.entity.State().Amount}
	if err := p.entity.Persist(ctx, evt, func(models.Payment) {
		p.logger.Info("Payment charged", zap.Int64("amount", evt.Amount))
		p.report(chargeResult{PaymentID: p.id})
	}); err != nil {
		p.report(chargeResult{PaymentID: p.id, Err: "storage failure: " + err.Error()})
	}
}

func (p *paymentProcess) refund(ctx context.Context) {
	if p.entity.State().Status == models.PaymentStatusRefunded {
		p.report(refundResult{PaymentID: p.id})
		return
	}

	util.PaymentAttemptsTotal.WithLabelValues(string(OperationRefund)).Inc()
	if err := p.sys.deps.Policy.Attempt(p.id, OperationRefund); err != nil {
		util.PaymentFailedTotal.WithLabelValues(string(OperationRefund)).Inc()
		p.logger.Warn("Payment refund failed", zap.Error(err))

		evt := models.PaymentRefundFailedEvent{PaymentID: p.id, Reason: err.Error()}
		if perr := p.entity.Persist(ctx, evt, func(models.Payment) {
			p.report(refundResult{PaymentID: p.id, Err: err.Error()})
		}); perr != nil {
			p.report(refundResult{PaymentID: p.id, Err: "storage failure: " + perr.Error()})
		}
		return
	}

	evt := models.PaymentRefundedEvent{PaymentID: p.id, Amount: p.entity.State().Amount}
	if err := p.entity.Persist(ctx, evt, func(models.Payment) {
		p.logger.Info("Payment refunded", zap.Int64("amount", evt.Amount))
		p.report(refundResult{PaymentID: p.id})
	}); err != nil {
		p.report(refundResult{PaymentID: p.id, Err: "storage failure: " + err.Error()})
	}
}

// fail answers msg without touching the payment stream.
func (p *paymentProcess) fail(msg paymentMessage, reason string) {
	switch msg.(type) {
	case Charge:
		p.report(chargeResult{PaymentID: p.id, Err: reason})
	case Refund:
		p.report(refundResult{PaymentID: p.id, Err: reason})
	}
}
