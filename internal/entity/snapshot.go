package entity

import (
	"context"
	"time"
)

// Snapshot is a serialized entity state as of a stream sequence.
type Snapshot struct {
	StreamID  string    `json:"stream_id"`
	Seq       uint64    `json:"seq"`
	State     []byte    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SnapshotStore caches entity state so recovery can skip a prefix of the stream.
// Snapshots are an optimization only: any failure falls back to a full replay.
type SnapshotStore interface {
	Load(ctx context.Context, streamID string) (Snapshot, bool, error)
	Save(ctx context.Context, snapshot Snapshot) error
}
