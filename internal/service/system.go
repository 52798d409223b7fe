package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"order-saga/internal/entity"
	"order-saga/internal/store"
	"order-saga/internal/util"

	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts = 5
	DefaultAskTimeout  = 5 * time.Second

	// DefaultRetryBackoff is the first delay before retrying a failed
	// recovery or a payment result that could not be recorded.
	DefaultRetryBackoff = 100 * time.Millisecond

	maxRetryBackoff = 5 * time.Second
)

var (
	// ErrAskTimeout is returned when a reply does not arrive in time.
	// The command may still complete; the journal stays authoritative.
	ErrAskTimeout = errors.New("timed out waiting for reply")
	// ErrUnknownOrder is returned for order ids never handed out.
	ErrUnknownOrder = errors.New("unknown order")
	// ErrNotStarted is returned when the coordinator is used before Start.
	ErrNotStarted = errors.New("coordinator not started")
)

// Dependencies configures the coordinator and every entity it spawns.
type Dependencies struct {
	Log           store.EventLog
	Snapshots     entity.SnapshotStore
	SnapshotEvery int
	Policy        FailurePolicy
	MaxAttempts   int
	AskTimeout    time.Duration
	RetryBackoff  time.Duration
	Logger        *zap.Logger
}

func (d Dependencies) withDefaults() Dependencies {
	if d.Policy == nil {
		d.Policy = NewRandomFailurePolicy(DefaultFailureRate, time.Now().UnixNano())
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = DefaultMaxAttempts
	}
	if d.AskTimeout <= 0 {
		d.AskTimeout = DefaultAskTimeout
	}
	if d.RetryBackoff <= 0 {
		d.RetryBackoff = DefaultRetryBackoff
	}
	if d.Logger == nil {
		d.Logger = util.GetLogger()
	}
	return d
}

// system is shared by all entities of one coordinator.
type system struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	deps   Dependencies
	logger *zap.Logger
}

func newSystem(deps Dependencies) *system {
	ctx, cancel := context.WithCancel(context.Background())
	return &system{ctx: ctx, cancel: cancel, deps: deps, logger: deps.Logger}
}

// spawn runs fn on a goroutine tracked by the system.
func (s *system) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *system) stop() {
	s.cancel()
	s.wg.Wait()
}

// after runs fn once d has elapsed, unless the system stops first.
func (s *system) after(d time.Duration, fn func()) {
	s.spawn(func() {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-s.ctx.Done():
		case <-t.C:
			fn()
		}
	})
}

// recoverEntity retries recovery with capped exponential backoff until it
// succeeds or the system stops. Messages posted meanwhile stay queued.
func recoverEntity[S any](sys *system, cfg entity.Config[S], logger *zap.Logger) (*entity.Entity[S], error) {
	backoff := sys.deps.RetryBackoff
	for {
		ent, err := entity.Recover(sys.ctx, cfg)
		if err == nil {
			return ent, nil
		}
		logger.Error("Failed to recover entity, retrying",
			zap.String("stream_id", cfg.StreamID),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		t := time.NewTimer(backoff)
		select {
		case <-sys.ctx.Done():
			t.Stop()
			return nil, err
		case <-t.C:
		}
		backoff = min(backoff*2, maxRetryBackoff)
	}
}

func entityConfig[S any](deps Dependencies, kind, streamID string, initial S, apply entity.Transition[S]) entity.Config[S] {
	return entity.Config[S]{
		StreamID:      streamID,
		Kind:          kind,
		Initial:       initial,
		Apply:         apply,
		Log:           deps.Log,
		Snapshots:     deps.Snapshots,
		SnapshotEvery: deps.SnapshotEvery,
	}
}

// ask posts a request carrying a buffered reply channel and waits for the answer.
func ask[R any](ctx context.Context, timeout time.Duration, post func(chan<- R) error) (R, error) {
	var zero R
	replies := make(chan R, 1)
	if err := post(replies); err != nil {
		return zero, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: %v", ErrAskTimeout, ctx.Err())
	}
}
