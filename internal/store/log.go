package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSequenceConflict is returned when an append does not start at the stream's next sequence.
	ErrSequenceConflict = errors.New("sequence conflict")
	// ErrEmptyBatch is returned when an append carries no records.
	ErrEmptyBatch = errors.New("empty batch")
	// ErrStreamIDRequired is returned when a stream id is blank.
	ErrStreamIDRequired = errors.New("stream id is required")
)

// Record is one persisted event in a stream.
type Record struct {
	StreamID   string    `json:"stream_id"`
	Seq        uint64    `json:"seq"`
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Payload    []byte    `json:"payload"`
	RecordedAt time.Time `json:"recorded_at"`
}

// EventLog is a durable, append-only store keyed by stream id.
type EventLog interface {
	// Append writes records atomically. The first record receives expectedSeq+1;
	// if the stream's last sequence is not expectedSeq nothing is written and
	// ErrSequenceConflict is returned.
	Append(ctx context.Context, streamID string, expectedSeq uint64, records []Record) ([]Record, error)
	// Load returns all records with a sequence greater than afterSeq, in order.
	Load(ctx context.Context, streamID string, afterSeq uint64) ([]Record, error)
}

// Feed receives records after they have been durably appended.
type Feed interface {
	PublishRecord(ctx context.Context, record Record) error
}
