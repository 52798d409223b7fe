package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"order-saga/internal/models"
	"order-saga/internal/store"
	"order-saga/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var (
	// ErrEventLogRequired indicates a missing event log.
	ErrEventLogRequired = errors.New("event log is required")
	// ErrTransitionRequired indicates a missing transition function.
	ErrTransitionRequired = errors.New("transition function is required")
)

// Transition folds one event into a state. It must be pure: the input state
// is never mutated and no side effects are performed.
type Transition[S any] func(state S, evt models.Event) (S, error)

// Config describes one event-sourced entity.
type Config[S any] struct {
	StreamID      string
	Kind          string
	Initial       S
	Apply         Transition[S]
	Log           store.EventLog
	Snapshots     SnapshotStore
	SnapshotEvery int
}

// Entity owns the in-memory state of one stream. It is not safe for
// concurrent use; each entity is driven by a single mailbox goroutine.
type Entity[S any] struct {
	cfg           Config[S]
	state         S
	seq           uint64
	sinceSnapshot int
	logger        *zap.Logger
}

// Recover rebuilds an entity from its snapshot (if usable) and its stream.
func Recover[S any](ctx context.Context, cfg Config[S]) (*Entity[S], error) {
	if cfg.Log == nil {
		return nil, ErrEventLogRequired
	}
	if cfg.Apply == nil {
		return nil, ErrTransitionRequired
	}
	cfg.StreamID = strings.TrimSpace(cfg.StreamID)
	if cfg.StreamID == "" {
		return nil, store.ErrStreamIDRequired
	}

	ctx, span := util.StartSpan(ctx, "Entity.Recover")
	defer span.End()
	span.SetAttributes(attribute.String("stream_id", cfg.StreamID))

	e := &Entity[S]{
		cfg:    cfg,
		state:  cfg.Initial,
		logger: util.GetLogger(),
	}

	if ok := e.recoverFromSnapshot(ctx); ok {
		util.EntitiesRecoveredTotal.WithLabelValues("snapshot").Inc()
		return e, nil
	}

	records, err := cfg.Log.Load(ctx, cfg.StreamID, 0)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load stream %s: %w", cfg.StreamID, err)
	}
	state, seq, err := fold(cfg.Apply, cfg.Initial, 0, records)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to replay stream %s: %w", cfg.StreamID, err)
	}
	e.state = state
	e.seq = seq

	util.EntitiesRecoveredTotal.WithLabelValues("journal").Inc()
	if seq > 0 {
		e.logger.Debug("Entity recovered",
			zap.String("kind", cfg.Kind),
			zap.String("stream_id", cfg.StreamID),
			zap.Uint64("seq", seq))
	}
	return e, nil
}

// recoverFromSnapshot applies a cached snapshot and the records after it.
// The snapshot is trusted only when the record at its sequence still exists.
func (e *Entity[S]) recoverFromSnapshot(ctx context.Context) bool {
	if e.cfg.Snapshots == nil {
		return false
	}

	snap, ok, err := e.cfg.Snapshots.Load(ctx, e.cfg.StreamID)
	if err != nil {
		e.logger.Warn("Failed to load snapshot, replaying stream",
			zap.String("stream_id", e.cfg.StreamID),
			zap.Error(err))
		return false
	}
	if !ok || snap.Seq == 0 {
		return false
	}

	var state S
	if err := json.Unmarshal(snap.State, &state); err != nil {
		e.logger.Warn("Discarding undecodable snapshot",
			zap.String("stream_id", e.cfg.StreamID),
			zap.Error(err))
		return false
	}

	records, err := e.cfg.Log.Load(ctx, e.cfg.StreamID, snap.Seq-1)
	if err != nil || len(records) == 0 || records[0].Seq != snap.Seq {
		e.logger.Warn("Snapshot does not match stream, replaying stream",
			zap.String("stream_id", e.cfg.StreamID),
			zap.Uint64("snapshot_seq", snap.Seq))
		return false
	}

	state, seq, err := fold(e.cfg.Apply, state, snap.Seq, records[1:])
	if err != nil {
		e.logger.Warn("Replay after snapshot failed, replaying stream",
			zap.String("stream_id", e.cfg.StreamID),
			zap.Error(err))
		return false
	}

	e.state = state
	e.seq = seq
	return true
}

func fold[S any](apply Transition[S], state S, lastSeq uint64, records []store.Record) (S, uint64, error) {
	for _, rec := range records {
		expectedSeq := lastSeq + 1
		if rec.Seq != expectedSeq {
			return state, lastSeq, fmt.Errorf("event sequence gap: expected %d got %d", expectedSeq, rec.Seq)
		}
		evt, err := models.DecodeEvent(rec.EventType, rec.Payload)
		if err != nil {
			return state, lastSeq, err
		}
		next, err := apply(state, evt)
		if err != nil {
			return state, lastSeq, fmt.Errorf("failed to apply %s at seq %d: %w", rec.EventType, rec.Seq, err)
		}
		state = next
		lastSeq = rec.Seq
	}
	return state, lastSeq, nil
}

// State returns the current state.
func (e *Entity[S]) State() S {
	return e.state
}

// Seq returns the sequence of the last applied event.
func (e *Entity[S]) Seq() uint64 {
	return e.seq
}

// StreamID returns the entity's stream id.
func (e *Entity[S]) StreamID() string {
	return e.cfg.StreamID
}

// Persist durably appends evt, applies it, then calls onApplied exactly once.
// On failure the state is unchanged and onApplied is not called.
func (e *Entity[S]) Persist(ctx context.Context, evt models.Event, onApplied func(S)) error {
	return e.PersistBatch(ctx, []models.Event{evt}, func(_ models.Event, state S) {
		if onApplied != nil {
			onApplied(state)
		}
	})
}

// PersistBatch appends evts as one atomic write. onEachApplied fires once per
// event, in order, after the whole batch is durable.
func (e *Entity[S]) PersistBatch(ctx context.Context, evts []models.Event, onEachApplied func(models.Event, S)) error {
	if len(evts) == 0 {
		return store.ErrEmptyBatch
	}

	ctx, span := util.StartSpan(ctx, "Entity.PersistBatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("stream_id", e.cfg.StreamID),
		attribute.Int("events", len(evts)),
	)

	// Fold first so an invalid event never reaches the log.
	states := make([]S, len(evts))
	records := make([]store.Record, len(evts))
	state := e.state
	for i, evt := range evts {
		payload, err := models.EncodeEvent(evt)
		if err != nil {
			return err
		}
		next, err := e.cfg.Apply(state, evt)
		if err != nil {
			return fmt.Errorf("failed to apply %s: %w", evt.EventType(), err)
		}
		state = next
		states[i] = next
		records[i] = store.Record{EventType: evt.EventType(), Payload: payload}
	}

	start := time.Now()
	stored, err := e.cfg.Log.Append(ctx, e.cfg.StreamID, e.seq, records)
	util.JournalAppendLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		util.JournalAppendFailedTotal.Inc()
		span.RecordError(err)
		e.logger.Error("Failed to persist events",
			zap.String("stream_id", e.cfg.StreamID),
			zap.Uint64("expected_seq", e.seq),
			zap.Error(err))
		return fmt.Errorf("failed to persist events to %s: %w", e.cfg.StreamID, err)
	}

	e.state = state
	e.seq = stored[len(stored)-1].Seq
	e.sinceSnapshot += len(stored)

	if onEachApplied != nil {
		for i, evt := range evts {
			onEachApplied(evt, states[i])
		}
	}

	e.maybeSnapshot(ctx)
	return nil
}

func (e *Entity[S]) maybeSnapshot(ctx context.Context) {
	if e.cfg.Snapshots == nil || e.cfg.SnapshotEvery <= 0 || e.sinceSnapshot < e.cfg.SnapshotEvery {
		return
	}
	e.sinceSnapshot = 0

	state, err := json.Marshal(e.state)
	if err != nil {
		e.logger.Warn("Failed to encode snapshot",
			zap.String("stream_id", e.cfg.StreamID),
			zap.Error(err))
		return
	}
	snap := Snapshot{StreamID: e.cfg.StreamID, Seq: e.seq, State: state, UpdatedAt: time.Now().UTC()}
	if err := e.cfg.Snapshots.Save(ctx, snap); err != nil {
		e.logger.Warn("Failed to save snapshot",
			zap.String("stream_id", e.cfg.StreamID),
			zap.Uint64("seq", e.seq),
			zap.Error(err))
	}
}
