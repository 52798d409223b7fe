package service

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"order-saga/internal/entity"
	"order-saga/internal/models"
	"order-saga/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Coordinator assigns order ids, routes commands to order sagas and resumes
// in-flight sagas after a restart.
type Coordinator struct {
	sys     *system
	entity  *entity.Entity[models.Registry]
	mailbox *entity.Mailbox[coordinatorMessage]
	sagas   map[string]*orderSaga
	logger  *zap.Logger
	started atomic.Bool
}

// NewCoordinator creates a coordinator; call Start before use
func NewCoordinator(deps Dependencies) *Coordinator {
	deps = deps.withDefaults()
	return &Coordinator{
		sys:     newSystem(deps),
		mailbox: entity.NewMailbox[coordinatorMessage](),
		sagas:   make(map[string]*orderSaga),
		logger:  deps.Logger.With(zap.String("entity", coordinatorStreamID)),
	}
}

// Start recovers the registry, sends Continue to every in-flight saga and
// begins processing messages.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.sys.deps.Log == nil {
		return entity.ErrEventLogRequired
	}

	ctx, span := util.StartSpan(ctx, "Coordinator.Start")
	defer span.End()

	cfg := entityConfig(c.sys.deps, "coordinator", coordinatorStreamID, models.Registry{}, applyRegistry)
	ent, err := entity.Recover(ctx, cfg)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to recover coordinator: %w", err)
	}
	c.entity = ent

	reg := ent.State()
	resumed := sortedIDs(reg.Fulfilling, reg.Cancelling)
	for _, id := range resumed {
		c.saga(id).tell(Continue{})
	}
	span.SetAttributes(attribute.Int("resumed", len(resumed)))

	c.logger.Info("Coordinator recovered",
		zap.Int64("next_order_sequence", reg.NextOrderSequence),
		zap.Int("fulfilling", len(reg.Fulfilling)),
		zap.Int("cancelling", len(reg.Cancelling)))

	c.started.Store(true)
	c.sys.spawn(func() {
		c.mailbox.Run(c.sys.ctx, c.handle)
	})
	return nil
}

// Stop halts every entity and waits for their goroutines to exit.
func (c *Coordinator) Stop() {
	c.mailbox.Close()
	c.sys.stop()
}

// PlaceOrder reserves a new order id and starts its saga.
func (c *Coordinator) PlaceOrder(ctx context.Context, productName string, price int64) (Reply, error) {
	return ask(ctx, c.sys.deps.AskTimeout, func(replies chan<- Reply) error {
		return c.post(placeOrder{ProductName: productName, Price: price, Reply: replies})
	})
}

// AddPayment offers a payment to an order.
func (c *Coordinator) AddPayment(ctx context.Context, orderID string, amount int64) (Reply, error) {
	return c.command(ctx, orderID, func(replies chan<- Reply) orderMessage {
		return AddPayment{Amount: amount, Reply: replies}
	})
}

// FinishOrder charges every payment of a complete order.
func (c *Coordinator) FinishOrder(ctx context.Context, orderID string) (Reply, error) {
	return c.command(ctx, orderID, func(replies chan<- Reply) orderMessage {
		return FinishOrder{Reply: replies}
	})
}

// CancelOrder refunds every payment of an order not yet charging.
func (c *Coordinator) CancelOrder(ctx context.Context, orderID string) (Reply, error) {
	return c.command(ctx, orderID, func(replies chan<- Reply) orderMessage {
		return StartCancellation{Reply: replies}
	})
}

// GetOrder returns the current state of an order.
func (c *Coordinator) GetOrder(ctx context.Context, orderID string) (OrderView, error) {
	reply, err := ask(ctx, c.sys.deps.AskTimeout, func(replies chan<- StatusReply) error {
		return c.post(forward{OrderID: orderID, Msg: GetOrderStatus{Reply: replies}})
	})
	if err != nil {
		return OrderView{}, err
	}
	if reply.notFound {
		return OrderView{}, fmt.Errorf("%w %s", ErrUnknownOrder, orderID)
	}
	if len(reply.Errors) > 0 {
		return OrderView{}, fmt.Errorf("failed to query order %s: %v", orderID, reply.Errors)
	}
	return reply.Order, nil
}

// Registry returns a copy of the coordinator's bookkeeping.
func (c *Coordinator) Registry(ctx context.Context) (models.Registry, error) {
	return ask(ctx, c.sys.deps.AskTimeout, func(replies chan<- models.Registry) error {
		return c.post(registryQuery{Reply: replies})
	})
}

func (c *Coordinator) command(ctx context.Context, orderID string, build func(chan<- Reply) orderMessage) (Reply, error) {
	reply, err := ask(ctx, c.sys.deps.AskTimeout, func(replies chan<- Reply) error {
		return c.post(forward{OrderID: orderID, Msg: build(replies)})
	})
	if err != nil {
		return reply, err
	}
	if reply.notFound {
		return reply, fmt.Errorf("%w %s", ErrUnknownOrder, orderID)
	}
	return reply, nil
}

func (c *Coordinator) post(msg coordinatorMessage) error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	return c.mailbox.Post(msg)
}

func (c *Coordinator) notify(msg coordinatorMessage) {
	if err := c.mailbox.Post(msg); err != nil {
		c.logger.Warn("Dropping saga notification", zap.Error(err))
	}
}

func (c *Coordinator) handle(msg coordinatorMessage) {
	ctx, span := util.StartSpan(c.sys.ctx, "Coordinator.Handle")
	defer span.End()

	reg := c.entity.State()

	switch m := msg.(type) {
	case placeOrder:
		c.placeOrder(ctx, m)

	case forward:
		if !knownOrder(reg, m.OrderID) {
			replyTo(m.Msg, Reply{
				OrderID:  m.OrderID,
				Errors:   []string{fmt.Sprintf("%s %s", ErrUnknownOrder, m.OrderID)},
				notFound: true,
			})
			return
		}
		c.saga(m.OrderID).tell(m.Msg)

	case registryQuery:
		send(m.Reply, reg.Clone())

	case ProcessCompleted:
		if !reg.Fulfilling[m.OrderID] {
			return
		}
		c.persist(ctx, models.FulfillmentClosedEvent{OrderID: m.OrderID, Errors: m.Errors})

	case CancellationStarted:
		if reg.Cancelling[m.OrderID] || !knownOrder(reg, m.OrderID) {
			return
		}
		c.persist(ctx, models.CancellationOpenedEvent{OrderID: m.OrderID})

	case CancellationCompleted:
		switch {
		case reg.Cancelling[m.OrderID]:
			c.persist(ctx, models.CancellationClosedEvent{OrderID: m.OrderID, Errors: m.Errors})
		case reg.Fulfilling[m.OrderID]:
			// The opening notification was lost in a crash.
			c.persist(ctx,
				models.CancellationOpenedEvent{OrderID: m.OrderID},
				models.CancellationClosedEvent{OrderID: m.OrderID, Errors: m.Errors})
		}
	}
}

func (c *Coordinator) placeOrder(ctx context.Context, m placeOrder) {
	if m.Price <= 0 {
		send(m.Reply, Reply{Errors: []string{msgPriceNotPositive}})
		return
	}

	orderID := strconv.FormatInt(c.entity.State().NextOrderSequence+1, 10)
	err := c.entity.Persist(ctx, models.OrderReservedEvent{OrderID: orderID}, func(models.Registry) {
		c.logger.Info("Order id reserved", zap.String("order_id", orderID))
		c.saga(orderID).tell(StartOrder{ProductName: m.ProductName, Price: m.Price, Reply: m.Reply})
	})
	if err != nil {
		send(m.Reply, Reply{Errors: []string{"storage failure: " + err.Error()}})
	}
}

func (c *Coordinator) persist(ctx context.Context, evts ...models.Event) {
	err := c.entity.PersistBatch(ctx, evts, func(evt models.Event, _ models.Registry) {
		c.logger.Info(evt.String())
	})
	if err != nil {
		// The saga re-notifies on the next Continue.
		c.logger.Error("Failed to record saga notification", zap.Error(err))
	}
}

// saga returns the saga for id, spawning it on first reference.
func (c *Coordinator) saga(id string) *orderSaga {
	if s, ok := c.sagas[id]; ok {
		return s
	}
	s := spawnOrderSaga(c.sys, id, c.notify)
	c.sagas[id] = s
	return s
}
