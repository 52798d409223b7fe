package entity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailbox_DeliversInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mb := NewMailbox[int]()
	var (
		mu  sync.Mutex
		got []int
	)
	go mb.Run(ctx, func(n int) {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	})

	for i := 0; i < 100; i++ {
		require.NoError(t, mb.Post(i))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 100
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, n := range got {
		assert.Equal(t, i, n)
	}
}

func TestMailbox_PostFromHandlerDoesNotBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mb := NewMailbox[int]()
	done := make(chan struct{})
	go mb.Run(ctx, func(n int) {
		if n < 1000 {
			_ = mb.Post(n + 1)
			return
		}
		close(done)
	})
	require.NoError(t, mb.Post(0))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("self-posting handler did not finish")
	}
}

func TestMailbox_Close(t *testing.T) {
	mb := NewMailbox[string]()
	finished := make(chan struct{})
	go func() {
		mb.Run(context.Background(), func(string) {})
		close(finished)
	}()

	mb.Close()
	mb.Close()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.ErrorIs(t, mb.Post("late"), ErrMailboxClosed)
	assert.Equal(t, 0, mb.Len())
}

func TestMailbox_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mb := NewMailbox[int]()
	finished := make(chan struct{})
	go func() {
		mb.Run(ctx, func(int) {})
		close(finished)
	}()

	cancel()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
