package worker

import (
	"context"
	"sync"

	"order-saga/internal/broker"
	"order-saga/internal/models"
	"order-saga/internal/util"

	"go.uber.org/zap"
)

// EventPrinter receives every decoded journal event.
type EventPrinter func(msg broker.FeedMessage, evt models.Event)

// FeedWorker tails the journal feed and prints each event once. It sits
// outside the transactional path: the journal is authoritative.
type FeedWorker struct {
	consumer *broker.Consumer
	printer  EventPrinter
	logger   *zap.Logger

	mu       sync.Mutex
	lastSeen map[string]uint64
}

// NewFeedWorker creates a feed worker; a nil printer logs events
func NewFeedWorker(consumer *broker.Consumer, printer EventPrinter) *FeedWorker {
	w := &FeedWorker{
		consumer: consumer,
		printer:  printer,
		logger:   util.GetLogger(),
		lastSeen: make(map[string]uint64),
	}
	if w.printer == nil {
		w.printer = w.logEvent
	}
	return w
}

// Start starts the worker
func (w *FeedWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting journal feed worker")
	return w.consumer.StartConsuming(ctx, broker.HandleFeed(w.Handle))
}

// Stop stops the worker
func (w *FeedWorker) Stop() error {
	w.logger.Info("Stopping journal feed worker")
	return w.consumer.Close()
}

// Handle decodes one feed message and prints it unless it was already seen.
// The feed is at-least-once, so redelivered sequences are skipped.
func (w *FeedWorker) Handle(_ context.Context, msg broker.FeedMessage) error {
	evt, err := models.DecodeEvent(msg.EventType, msg.Payload)
	if err != nil {
		return err
	}

	w.mu.Lock()
	last := w.lastSeen[msg.StreamID]
	if msg.Seq <= last {
		w.mu.Unlock()
		return nil
	}
	if msg.Seq != last+1 && last != 0 {
		w.logger.Warn("Journal feed gap",
			zap.String("stream_id", msg.StreamID),
			zap.Uint64("expected_seq", last+1),
			zap.Uint64("seq", msg.Seq))
	}
	w.lastSeen[msg.StreamID] = msg.Seq
	w.mu.Unlock()

	w.printer(msg, evt)
	return nil
}

func (w *FeedWorker) logEvent(msg broker.FeedMessage, evt models.Event) {
	w.logger.Info(evt.String(),
		zap.String("stream_id", msg.StreamID),
		zap.Uint64("seq", msg.Seq),
		zap.String("event_type", msg.EventType))
}
