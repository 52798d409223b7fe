package store

import (
	"context"
	"time"

	"order-saga/internal/util"

	"go.uber.org/zap"
)

const defaultFeedBuffer = 1024

// PublishingLog forwards appended records to a Feed.
// Publishing happens on its own goroutine and never fails an append.
type PublishingLog struct {
	EventLog
	feed    Feed
	records chan Record
	logger  *zap.Logger
}

// NewPublishingLog wraps an event log with a feed publisher
func NewPublishingLog(inner EventLog, feed Feed, buffer int) *PublishingLog {
	if buffer <= 0 {
		buffer = defaultFeedBuffer
	}
	return &PublishingLog{
		EventLog: inner,
		feed:     feed,
		records:  make(chan Record, buffer),
		logger:   util.GetLogger(),
	}
}

// Append appends to the wrapped log, then queues the stored records for the feed.
func (p *PublishingLog) Append(ctx context.Context, streamID string, expectedSeq uint64, records []Record) ([]Record, error) {
	stored, err := p.EventLog.Append(ctx, streamID, expectedSeq, records)
	if err != nil {
		return nil, err
	}
	for _, rec := range stored {
		select {
		case p.records <- rec:
		default:
			util.JournalFeedDroppedTotal.Inc()
			p.logger.Warn("Journal feed buffer full, dropping record",
				zap.String("stream_id", rec.StreamID),
				zap.Uint64("seq", rec.Seq))
		}
	}
	return stored, nil
}

// Run publishes queued records until ctx is cancelled.
func (p *PublishingLog) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec := <-p.records:
			pubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := p.feed.PublishRecord(pubCtx, rec); err != nil {
				util.JournalFeedDroppedTotal.Inc()
				p.logger.Error("Failed to publish journal record",
					zap.String("stream_id", rec.StreamID),
					zap.Uint64("seq", rec.Seq),
					zap.Error(err))
			}
			cancel()
		}
	}
}
