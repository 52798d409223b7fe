package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"order-saga/internal/store"

	"github.com/segmentio/kafka-go"
)

const headerEventType = "event_type"

// FeedMessage is the wire form of a journal record on the feed topic.
type FeedMessage struct {
	EventID    string          `json:"event_id"`
	StreamID   string          `json:"stream_id"`
	Seq        uint64          `json:"seq"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// JournalPublisher publishes durable journal records to Kafka.
type JournalPublisher struct {
	producer *Producer
}

// NewJournalPublisher creates a journal publisher
func NewJournalPublisher(producer *Producer) *JournalPublisher {
	return &JournalPublisher{producer: producer}
}

// PublishRecord implements store.Feed. Records are keyed by stream id so a
// stream's events stay ordered.
func (jp *JournalPublisher) PublishRecord(ctx context.Context, rec store.Record) error {
	value, err := json.Marshal(FeedMessage{
		EventID:    rec.EventID,
		StreamID:   rec.StreamID,
		Seq:        rec.Seq,
		EventType:  rec.EventType,
		Payload:    json.RawMessage(rec.Payload),
		RecordedAt: rec.RecordedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal journal record: %w", err)
	}

	return jp.producer.Publish(ctx, rec.StreamID, value,
		kafka.Header{Key: headerEventType, Value: []byte(rec.EventType)})
}

// FeedHandler handles one decoded feed message
type FeedHandler func(ctx context.Context, msg FeedMessage) error

// HandleFeed adapts a FeedHandler to a MessageHandler.
func HandleFeed(handler FeedHandler) MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		var feed FeedMessage
		if err := json.Unmarshal(msg.Value, &feed); err != nil {
			return fmt.Errorf("failed to unmarshal feed message: %w", err)
		}
		return handler(ctx, feed)
	}
}
