package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process event log used by tests and the memory driver.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string][]Record
}

// NewMemoryStore creates an empty in-memory event log
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[string][]Record)}
}

// Append appends records if the stream is at expectedSeq.
func (m *MemoryStore) Append(ctx context.Context, streamID string, expectedSeq uint64, records []Record) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(streamID) == "" {
		return nil, ErrStreamIDRequired
	}
	if len(records) == 0 {
		return nil, ErrEmptyBatch
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := uint64(len(m.streams[streamID]))
	if current != expectedSeq {
		return nil, fmt.Errorf("%w: stream %s is at %d, expected %d", ErrSequenceConflict, streamID, current, expectedSeq)
	}

	stored := stamp(streamID, expectedSeq, records, time.Now().UTC())
	for _, rec := range stored {
		rec.Payload = append([]byte(nil), rec.Payload...)
		m.streams[streamID] = append(m.streams[streamID], rec)
	}
	return stored, nil
}

// Load returns copies of the records after afterSeq.
func (m *MemoryStore) Load(ctx context.Context, streamID string, afterSeq uint64) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(streamID) == "" {
		return nil, ErrStreamIDRequired
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	stream := m.streams[streamID]
	if afterSeq >= uint64(len(stream)) {
		return []Record{}, nil
	}
	out := make([]Record, 0, uint64(len(stream))-afterSeq)
	for _, rec := range stream[afterSeq:] {
		rec.Payload = append([]byte(nil), rec.Payload...)
		out = append(out, rec)
	}
	return out, nil
}

// Streams lists every stream id present in the log
func (m *MemoryStore) Streams(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
