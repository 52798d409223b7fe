package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"order-saga/internal/models"
	"order-saga/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type scriptedPolicy struct {
	mu    sync.Mutex
	calls map[string]int
	fail  func(paymentID string, op Operation, call int) bool
}

func newScriptedPolicy(fail func(paymentID string, op Operation, call int) bool) *scriptedPolicy {
	return &scriptedPolicy{calls: make(map[string]int), fail: fail}
}

func (p *scriptedPolicy) Attempt(paymentID string, op Operation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := paymentID + ":" + string(op)
	p.calls[key]++
	if p.fail != nil && p.fail(paymentID, op, p.calls[key]) {
		return ErrSimulatedFailure
	}
	return nil
}

func (p *scriptedPolicy) Calls(paymentID string, op Operation) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[paymentID+":"+string(op)]
}

type flakyLog struct {
	store.EventLog
	prefix string
	fail   atomic.Bool
}

func (f *flakyLog) Append(ctx context.Context, streamID string, expectedSeq uint64, records []store.Record) ([]store.Record, error) {
	if f.fail.Load() && strings.HasPrefix(streamID, f.prefix) {
		return nil, errors.New("connection reset")
	}
	return f.EventLog.Append(ctx, streamID, expectedSeq, records)
}

// faultyLog fails the first Append carrying appendType and the first Load of
// loadStream.
type faultyLog struct {
	store.EventLog
	appendType   string
	loadStream   string
	appendFailed atomic.Bool
	loadFailed   atomic.Bool
}

func (f *faultyLog) Append(ctx context.Context, streamID string, expectedSeq uint64, records []store.Record) ([]store.Record, error) {
	for _, rec := range records {
		if f.appendType != "" && rec.EventType == f.appendType && f.appendFailed.CompareAndSwap(false, true) {
			return nil, errors.New("connection reset")
		}
	}
	return f.EventLog.Append(ctx, streamID, expectedSeq, records)
}

func (f *faultyLog) Load(ctx context.Context, streamID string, afterSeq uint64) ([]store.Record, error) {
	if streamID == f.loadStream && f.loadFailed.CompareAndSwap(false, true) {
		return nil, errors.New("connection reset")
	}
	return f.EventLog.Load(ctx, streamID, afterSeq)
}

type blockingLog struct {
	store.EventLog
}

func (b *blockingLog) Append(ctx context.Context, _ string, _ uint64, _ []store.Record) ([]store.Record, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func startCoordinator(t *testing.T, log store.EventLog, policy FailurePolicy) *Coordinator {
	t.Helper()
	c := NewCoordinator(Dependencies{
		Log:         log,
		Policy:      policy,
		MaxAttempts: DefaultMaxAttempts,
		AskTimeout:  2 * time.Second,
	})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return c
}

func seed(t *testing.T, log store.EventLog, streamID string, evts ...models.Event) {
	t.Helper()
	ctx := context.Background()
	existing, err := log.Load(ctx, streamID, 0)
	require.NoError(t, err)

	records := make([]store.Record, 0, len(evts))
	for _, evt := range evts {
		payload, err := models.EncodeEvent(evt)
		require.NoError(t, err)
		records = append(records, store.Record{EventType: evt.EventType(), Payload: payload})
	}
	_, err = log.Append(ctx, streamID, uint64(len(existing)), records)
	require.NoError(t, err)
}

func countEvents(t *testing.T, log store.EventLog, streamID, eventType string) int {
	t.Helper()
	records, err := log.Load(context.Background(), streamID, 0)
	require.NoError(t, err)
	n := 0
	for _, rec := range records {
		if rec.EventType == eventType {
			n++
		}
	}
	return n
}

func eventuallyStatus(t *testing.T, c *Coordinator, orderID string, status models.OrderStatus) OrderView {
	t.Helper()
	var view OrderView
	require.Eventually(t, func() bool {
		v, err := c.GetOrder(context.Background(), orderID)
		if err != nil {
			return false
		}
		view = v
		return v.Status == status
	}, waitFor, tick, "order %s never reached %s", orderID, status)
	return view
}

func eventuallySettled(t *testing.T, c *Coordinator, orderID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		reg, err := c.Registry(context.Background())
		return err == nil && !reg.Fulfilling[orderID] && !reg.Cancelling[orderID]
	}, waitFor, tick)
}

func placeTestOrder(t *testing.T, c *Coordinator, price int64, amounts ...int64) string {
	t.Helper()
	ctx := context.Background()
	reply, err := c.PlaceOrder(ctx, "Widget", price)
	require.NoError(t, err)
	require.True(t, reply.Success(), "%v", reply.Errors)

	for _, amount := range amounts {
		r, err := c.AddPayment(ctx, reply.OrderID, amount)
		require.NoError(t, err)
		require.True(t, r.Success(), "%v", r.Errors)
	}
	return reply.OrderID
}

func TestCoordinator_OrderCompletesAndFinishes(t *testing.T) {
	ctx := context.Background()
	log := store.NewMemoryStore()
	c := startCoordinator(t, log, AlwaysSucceed)

	orderID := placeTestOrder(t, c, 100, 60)
	assert.Equal(t, "1", orderID)

	view, err := c.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusStarted, view.Status)

	reply, err := c.AddPayment(ctx, orderID, 40)
	require.NoError(t, err)
	require.True(t, reply.Success())

	view, err = c.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, "Widget", view.ProductName)
	assert.Equal(t, int64(100), view.Price)
	assert.Equal(t, models.OrderStatusComplete, view.Status)
	require.Len(t, view.Payments, 2)
	for _, p := range view.Payments {
		assert.Equal(t, models.PaymentStatusPending, p.Status)
	}

	reply, err = c.FinishOrder(ctx, orderID)
	require.NoError(t, err)
	require.True(t, reply.Success())

	view = eventuallyStatus(t, c, orderID, models.OrderStatusFinished)
	for _, p := range view.Payments {
		assert.Equal(t, models.PaymentStatusCharged, p.Status)
	}
	eventuallySettled(t, c, orderID)
	assert.Equal(t, 1, countEvents(t, log, "payments-1-1", models.EventTypePaymentCharged))
	assert.Equal(t, 1, countEvents(t, log, "payments-1-2", models.EventTypePaymentCharged))
}

func TestCoordinator_OverpaymentRejected(t *testing.T) {
	ctx := context.Background()
	c := startCoordinator(t, store.NewMemoryStore(), AlwaysSucceed)
	orderID := placeTestOrder(t, c, 100)

	reply, err := c.AddPayment(ctx, orderID, 150)
	require.NoError(t, err)
	assert.Equal(t, []string{"amount exceeds remaining balance"}, reply.Errors)

	view, err := c.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusStarted, view.Status)
	assert.Empty(t, view.Payments)
}

func TestCoordinator_ChargeFailuresEscalateAtBound(t *testing.T) {
	log := store.NewMemoryStore()
	policy := newScriptedPolicy(func(paymentID string, op Operation, _ int) bool {
		return paymentID == "1-1" && op == OperationCharge
	})
	c := startCoordinator(t, log, policy)

	orderID := placeTestOrder(t, c, 100, 60, 40)
	_, err := c.FinishOrder(context.Background(), orderID)
	require.NoError(t, err)

	view := eventuallyStatus(t, c, orderID, models.OrderStatusFailed)
	assert.Equal(t, "payment 1-1 failed charging too many times", view.FailureReason)
	eventuallySettled(t, c, orderID)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, DefaultMaxAttempts, policy.Calls("1-1", OperationCharge))
	assert.Equal(t, DefaultMaxAttempts, countEvents(t, log, "payments-1-1", models.EventTypePaymentChargeFailed))
	assert.Equal(t, DefaultMaxAttempts, countEvents(t, log, "orders-1", models.EventTypeOrderPaymentChargeFailed))
}

func TestCoordinator_TransientFailuresAreRetried(t *testing.T) {
	policy := newScriptedPolicy(func(paymentID string, _ Operation, call int) bool {
		return call <= 2
	})
	c := startCoordinator(t, store.NewMemoryStore(), policy)

	orderID := placeTestOrder(t, c, 100, 100)
	_, err := c.FinishOrder(context.Background(), orderID)
	require.NoError(t, err)

	view := eventuallyStatus(t, c, orderID, models.OrderStatusFinished)
	assert.Equal(t, 2, view.Payments[0].FailedChargeAttempts)
	assert.Equal(t, 3, policy.Calls("1-1", OperationCharge))
}

func TestCoordinator_Cancellation(t *testing.T) {
	ctx := context.Background()
	policy := newScriptedPolicy(nil)
	c := startCoordinator(t, store.NewMemoryStore(), policy)

	orderID := placeTestOrder(t, c, 100, 30)
	reply, err := c.CancelOrder(ctx, orderID)
	require.NoError(t, err)
	require.True(t, reply.Success())

	view := eventuallyStatus(t, c, orderID, models.OrderStatusCancelled)
	assert.Equal(t, models.PaymentStatusRefunded, view.Payments[0].Status)
	assert.Equal(t, 1, policy.Calls("1-1", OperationRefund))
	eventuallySettled(t, c, orderID)

	reply, err = c.AddPayment(ctx, orderID, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"command AddPayment not allowed in status Cancelled"}, reply.Errors)
}

func TestCoordinator_UnknownOrders(t *testing.T) {
	ctx := context.Background()
	c := startCoordinator(t, store.NewMemoryStore(), AlwaysSucceed)
	placeTestOrder(t, c, 10)

	for _, id := range []string{"0", "2", "01", "abc", ""} {
		_, err := c.GetOrder(ctx, id)
		assert.ErrorIs(t, err, ErrUnknownOrder, "id %q", id)

		reply, err := c.AddPayment(ctx, id, 5)
		assert.ErrorIs(t, err, ErrUnknownOrder, "id %q", id)
		assert.False(t, reply.Success())
	}
}

func TestCoordinator_RejectsNonPositivePrice(t *testing.T) {
	ctx := context.Background()
	c := startCoordinator(t, store.NewMemoryStore(), AlwaysSucceed)

	reply, err := c.PlaceOrder(ctx, "Widget", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"price must be positive"}, reply.Errors)

	reg, err := c.Registry(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), reg.NextOrderSequence)
}

func TestCoordinator_RestartKeepsState(t *testing.T) {
	ctx := context.Background()
	log := store.NewMemoryStore()

	first := NewCoordinator(Dependencies{Log: log, Policy: AlwaysSucceed})
	require.NoError(t, first.Start(ctx))
	orderID := placeTestOrder(t, first, 100, 50)
	first.Stop()

	_, err := first.PlaceOrder(ctx, "Widget", 1)
	assert.Error(t, err)

	second := startCoordinator(t, log, AlwaysSucceed)
	view, err := second.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusStarted, view.Status)
	require.Len(t, view.Payments, 1)

	next := placeTestOrder(t, second, 10)
	assert.Equal(t, "2", next)

	reply, err := second.AddPayment(ctx, orderID, 50)
	require.NoError(t, err)
	require.True(t, reply.Success())

	view, err = second.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusComplete, view.Status)
	assert.Equal(t, "1-2", view.Payments[1].ID)
	assert.Equal(t, 2, countEvents(t, log, "orders-1", models.EventTypePaymentAdded))
}

func TestCoordinator_ResumesChargingAfterRestart(t *testing.T) {
	log := store.NewMemoryStore()
	seed(t, log, "coordinator", models.OrderReservedEvent{OrderID: "1"})
	seed(t, log, "orders-1",
		models.OrderStartedEvent{OrderID: "1", ProductName: "Widget", Price: 100},
		models.PaymentAddedEvent{OrderID: "1", PaymentID: "1-1", Amount: 60},
		models.PaymentAddedEvent{OrderID: "1", PaymentID: "1-2", Amount: 40},
		models.OrderCompletedEvent{OrderID: "1"},
		models.OrderChargingStartedEvent{OrderID: "1"},
		models.OrderPaymentChargedEvent{OrderID: "1", PaymentID: "1-1", Amount: 60},
	)
	seed(t, log, "payments-1-1", models.PaymentChargedEvent{PaymentID: "1-1", Amount: 60})

	policy := newScriptedPolicy(nil)
	c := startCoordinator(t, log, policy)

	view := eventuallyStatus(t, c, "1", models.OrderStatusFinished)
	assert.Len(t, view.Payments, 2)
	eventuallySettled(t, c, "1")

	assert.Equal(t, 0, policy.Calls("1-1", OperationCharge))
	assert.Equal(t, 1, policy.Calls("1-2", OperationCharge))
	assert.Equal(t, 2, countEvents(t, log, "orders-1", models.EventTypePaymentAdded))
	assert.Equal(t, 1, countEvents(t, log, "payments-1-1", models.EventTypePaymentCharged))
}

func TestCoordinator_ResumedPaymentAlreadyChargedIsNotChargedTwice(t *testing.T) {
	log := store.NewMemoryStore()
	seed(t, log, "coordinator", models.OrderReservedEvent{OrderID: "1"})
	seed(t, log, "orders-1",
		models.OrderStartedEvent{OrderID: "1", ProductName: "Widget", Price: 100},
		models.PaymentAddedEvent{OrderID: "1", PaymentID: "1-1", Amount: 100},
		models.OrderCompletedEvent{OrderID: "1"},
		models.OrderChargingStartedEvent{OrderID: "1"},
	)
	// The payment persisted its charge but the saga never saw the reply.
	seed(t, log, "payments-1-1", models.PaymentChargedEvent{PaymentID: "1-1", Amount: 100})

	policy := newScriptedPolicy(nil)
	c := startCoordinator(t, log, policy)

	eventuallyStatus(t, c, "1", models.OrderStatusFinished)
	assert.Equal(t, 0, policy.Calls("1-1", OperationCharge))
	assert.Equal(t, 1, countEvents(t, log, "payments-1-1", models.EventTypePaymentCharged))
}

func TestCoordinator_TerminalSagaReconcilesRegistry(t *testing.T) {
	log := store.NewMemoryStore()
	seed(t, log, "coordinator", models.OrderReservedEvent{OrderID: "1"})
	seed(t, log, "orders-1",
		models.OrderStartedEvent{OrderID: "1", ProductName: "Widget", Price: 10},
		models.OrderCancellationStartedEvent{OrderID: "1"},
		models.OrderCancelledEvent{OrderID: "1"},
	)

	c := startCoordinator(t, log, AlwaysSucceed)
	eventuallySettled(t, c, "1")

	assert.Equal(t, 1, countEvents(t, log, "coordinator", models.EventTypeCancellationOpened))
	assert.Equal(t, 1, countEvents(t, log, "coordinator", models.EventTypeCancellationClosed))
}

func TestCoordinator_StorageFailureChangesNothing(t *testing.T) {
	ctx := context.Background()
	log := &flakyLog{EventLog: store.NewMemoryStore(), prefix: "orders-"}
	c := startCoordinator(t, log, AlwaysSucceed)
	orderID := placeTestOrder(t, c, 100)

	log.fail.Store(true)
	reply, err := c.AddPayment(ctx, orderID, 100)
	require.NoError(t, err)
	require.Len(t, reply.Errors, 1)
	assert.Contains(t, reply.Errors[0], "storage failure")

	log.fail.Store(false)
	view, err := c.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusStarted, view.Status)
	assert.Empty(t, view.Payments)

	reply, err = c.AddPayment(ctx, orderID, 100)
	require.NoError(t, err)
	assert.True(t, reply.Success())
}

func TestCoordinator_UnrecordedChargeResultIsRetried(t *testing.T) {
	ctx := context.Background()
	log := &faultyLog{EventLog: store.NewMemoryStore(), appendType: models.EventTypeOrderPaymentCharged}
	policy := newScriptedPolicy(nil)
	c := startCoordinator(t, log, policy)
	orderID := placeTestOrder(t, c, 100, 100)

	reply, err := c.FinishOrder(ctx, orderID)
	require.NoError(t, err)
	require.True(t, reply.Success(), "%v", reply.Errors)

	eventuallyStatus(t, c, orderID, models.OrderStatusFinished)
	eventuallySettled(t, c, orderID)

	assert.True(t, log.appendFailed.Load())
	assert.Equal(t, 1, policy.Calls("1-1", OperationCharge))
	assert.Equal(t, 1, countEvents(t, log, "payments-1-1", models.EventTypePaymentCharged))
	assert.Equal(t, 1, countEvents(t, log, "orders-1", models.EventTypeOrderPaymentCharged))
}

func TestCoordinator_UnrecordedRefundResultIsRetried(t *testing.T) {
	ctx := context.Background()
	log := &faultyLog{EventLog: store.NewMemoryStore(), appendType: models.EventTypeOrderPaymentRefunded}
	c := startCoordinator(t, log, AlwaysSucceed)
	orderID := placeTestOrder(t, c, 100, 40)

	reply, err := c.CancelOrder(ctx, orderID)
	require.NoError(t, err)
	require.True(t, reply.Success(), "%v", reply.Errors)

	eventuallyStatus(t, c, orderID, models.OrderStatusCancelled)
	eventuallySettled(t, c, orderID)

	assert.True(t, log.appendFailed.Load())
	assert.Equal(t, 1, countEvents(t, log, "orders-1", models.EventTypeOrderPaymentRefunded))
}

func TestCoordinator_SagaRecoveryIsRetried(t *testing.T) {
	ctx := context.Background()
	inner := store.NewMemoryStore()
	seed(t, inner, "coordinator", models.OrderReservedEvent{OrderID: "1"})
	seed(t, inner, "orders-1", models.OrderStartedEvent{OrderID: "1", ProductName: "Widget", Price: 100})

	log := &faultyLog{EventLog: inner, loadStream: "orders-1"}
	c := startCoordinator(t, log, AlwaysSucceed)

	for _, amount := range []int64{30, 30, 40} {
		reply, err := c.AddPayment(ctx, "1", amount)
		require.NoError(t, err)
		assert.True(t, reply.Success(), "%v", reply.Errors)
	}

	eventuallyStatus(t, c, "1", models.OrderStatusComplete)
	assert.True(t, log.loadFailed.Load())
}

func TestCoordinator_PaymentRecoveryIsRetried(t *testing.T) {
	ctx := context.Background()
	log := &faultyLog{EventLog: store.NewMemoryStore(), loadStream: "payments-1-1"}
	policy := newScriptedPolicy(nil)
	c := startCoordinator(t, log, policy)
	orderID := placeTestOrder(t, c, 100, 100)

	reply, err := c.FinishOrder(ctx, orderID)
	require.NoError(t, err)
	require.True(t, reply.Success(), "%v", reply.Errors)

	eventuallyStatus(t, c, orderID, models.OrderStatusFinished)

	assert.True(t, log.loadFailed.Load())
	assert.Equal(t, 1, policy.Calls("1-1", OperationCharge))
	assert.Equal(t, 0, countEvents(t, log, "orders-1", models.EventTypeOrderPaymentChargeFailed))
}

func TestCoordinator_AskTimeout(t *testing.T) {
	c := NewCoordinator(Dependencies{
		Log:        &blockingLog{EventLog: store.NewMemoryStore()},
		Policy:     AlwaysSucceed,
		AskTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)

	_, err := c.PlaceOrder(context.Background(), "Widget", 10)
	assert.ErrorIs(t, err, ErrAskTimeout)
}

func TestCoordinator_NotStarted(t *testing.T) {
	c := NewCoordinator(Dependencies{Log: store.NewMemoryStore()})
	_, err := c.PlaceOrder(context.Background(), "Widget", 10)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestRandomFailurePolicy(t *testing.T) {
	never := NewRandomFailurePolicy(0, 1)
	always := NewRandomFailurePolicy(1, 1)
	for i := 0; i < 20; i++ {
		assert.NoError(t, never.Attempt("1-1", OperationCharge))
		assert.ErrorIs(t, always.Attempt("1-1", OperationRefund), ErrSimulatedFailure)
	}
}

func TestApplyPayment_OneDirectional(t *testing.T) {
	p := newPayment("1-1", 10)

	p, err := applyPayment(p, models.PaymentChargeFailedEvent{PaymentID: "1-1"})
	require.NoError(t, err)
	p, err = applyPayment(p, models.PaymentChargedEvent{PaymentID: "1-1", Amount: 10})
	require.NoError(t, err)
	p, err = applyPayment(p, models.PaymentRefundedEvent{PaymentID: "1-1", Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, p.Status)
	assert.Equal(t, 1, p.FailedChargeAttempts)

	_, err = applyPayment(p, models.PaymentChargedEvent{PaymentID: "1-1"})
	assert.Error(t, err)
	_, err = applyPayment(p, models.PaymentRefundedEvent{PaymentID: "1-1"})
	assert.Error(t, err)
}

func TestApplyRegistry(t *testing.T) {
	r, err := applyRegistry(models.Registry{}, models.OrderReservedEvent{OrderID: "1"})
	require.NoError(t, err)
	assert.True(t, r.Fulfilling["1"])

	_, err = applyRegistry(r, models.OrderReservedEvent{OrderID: "3"})
	assert.Error(t, err)

	r, err = applyRegistry(r, models.CancellationOpenedEvent{OrderID: "1"})
	require.NoError(t, err)
	assert.False(t, r.Fulfilling["1"])
	assert.True(t, r.Cancelling["1"])

	assert.True(t, knownOrder(r, "1"))
	assert.False(t, knownOrder(r, "2"))
	assert.False(t, knownOrder(r, "-1"))
}
