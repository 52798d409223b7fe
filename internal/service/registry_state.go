package service

import (
	"fmt"
	"strconv"

	"order-saga/internal/models"
)

const coordinatorStreamID = "coordinator"

// applyRegistry folds one coordinator event into the registry.
func applyRegistry(r models.Registry, evt models.Event) (models.Registry, error) {
	next := r.Clone()

	switch e := evt.(type) {
	case models.OrderReservedEvent:
		seq, err := strconv.ParseInt(e.OrderID, 10, 64)
		if err != nil {
			return r, fmt.Errorf("invalid order id %q: %w", e.OrderID, err)
		}
		if seq != r.NextOrderSequence+1 {
			return r, fmt.Errorf("order id %d out of sequence, expected %d", seq, r.NextOrderSequence+1)
		}
		next.NextOrderSequence = seq
		next.Fulfilling[e.OrderID] = true
	case models.FulfillmentClosedEvent:
		delete(next.Fulfilling, e.OrderID)
	case models.CancellationOpenedEvent:
		delete(next.Fulfilling, e.OrderID)
		next.Cancelling[e.OrderID] = true
	case models.CancellationClosedEvent:
		delete(next.Cancelling, e.OrderID)
	default:
		return r, fmt.Errorf("unexpected event %s on coordinator stream", evt.EventType())
	}

	return next, nil
}

// knownOrder reports whether id was handed out by the registry.
func knownOrder(r models.Registry, id string) bool {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || strconv.FormatInt(n, 10) != id {
		return false
	}
	return n >= 1 && n <= r.NextOrderSequence
}
