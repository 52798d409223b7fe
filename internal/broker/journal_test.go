package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"order-saga/internal/store"
	"order-saga/internal/util"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	messages []kafka.Message
	err      error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

type scriptedReader struct {
	messages  []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *scriptedReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.messages) == 0 {
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.messages[0]
	r.messages = r.messages[1:]
	return msg, nil
}

func (r *scriptedReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, msg := range msgs {
		r.committed = append(r.committed, msg.Offset)
	}
	return nil
}

func (r *scriptedReader) Close() error { return nil }

func TestJournalPublisher_PublishRecord(t *testing.T) {
	writer := &recordingWriter{}
	publisher := NewJournalPublisher(&Producer{writer: writer, logger: util.GetLogger()})

	rec := store.Record{
		StreamID:   "orders-1",
		Seq:        3,
		EventID:    "e-1",
		EventType:  "ORDER_COMPLETED",
		Payload:    []byte(`{"order_id":"1"}`),
		RecordedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, publisher.PublishRecord(context.Background(), rec))
	require.Len(t, writer.messages, 1)

	msg := writer.messages[0]
	assert.Equal(t, "orders-1", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "ORDER_COMPLETED", string(msg.Headers[0].Value))

	var feed FeedMessage
	require.NoError(t, json.Unmarshal(msg.Value, &feed))
	assert.Equal(t, uint64(3), feed.Seq)
	assert.Equal(t, "e-1", feed.EventID)
	assert.JSONEq(t, `{"order_id":"1"}`, string(feed.Payload))
	assert.True(t, rec.RecordedAt.Equal(feed.RecordedAt))
}

func TestJournalPublisher_WriteError(t *testing.T) {
	writer := &recordingWriter{err: errors.New("broker down")}
	publisher := NewJournalPublisher(&Producer{writer: writer, logger: util.GetLogger()})

	err := publisher.PublishRecord(context.Background(), store.Record{StreamID: "x", Payload: []byte(`{}`)})
	assert.ErrorContains(t, err, "broker down")
}

func TestConsumer_CommitsOnlyHandledMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	good, err := json.Marshal(FeedMessage{StreamID: "orders-1", Seq: 1, EventType: "ORDER_STARTED", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	reader := &scriptedReader{
		messages: []kafka.Message{
			{Offset: 1, Value: good},
			{Offset: 2, Value: []byte("not json")},
		},
		cancel: cancel,
	}
	consumer := &Consumer{reader: reader, topic: "journal", logger: util.GetLogger()}

	var handled []FeedMessage
	err = consumer.StartConsuming(ctx, HandleFeed(func(_ context.Context, msg FeedMessage) error {
		handled = append(handled, msg)
		return nil
	}))

	require.NoError(t, err)
	require.Len(t, handled, 1)
	assert.Equal(t, "orders-1", handled[0].StreamID)
	assert.Equal(t, []int64{1}, reader.committed)
}
