package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conceptforge/conceptforge/internal/domain"
)

// fakeWatcher hands out scripted feed channels, one per WatchTasks call.
type fakeWatcher struct {
	feeds chan chan domain.TaskChange
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{feeds: make(chan chan domain.TaskChange, 4)}
}

func (f *fakeWatcher) WatchTasks(ctx context.Context) (<-chan domain.TaskChange, error) {
	select {
	case feed := <-f.feeds:
		return feed, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func recvChange(t *testing.T, ch <-chan domain.TaskChange) (domain.TaskChange, bool) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		return ev, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task change")
		return domain.TaskChange{}, false
	}
}

func TestStatusChannel_DeliversAndClosesOnTerminal(t *testing.T) {
	t.Parallel()
	w := newFakeWatcher()
	feed := make(chan domain.TaskChange)
	w.feeds <- feed

	sc := NewStatusChannel(w)
	sub, cancel := sc.Subscribe("t1")
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go sc.Run(ctx)

	feed <- domain.TaskChange{TaskID: "t1", OldStatus: domain.TaskPending, NewStatus: domain.TaskProcessing}
	ev, ok := recvChange(t, sub)
	require.True(t, ok)
	assert.Equal(t, domain.TaskProcessing, ev.NewStatus)

	feed <- domain.TaskChange{TaskID: "t1", OldStatus: domain.TaskProcessing, NewStatus: domain.TaskCompleted, ResultID: "c1"}
	ev, ok = recvChange(t, sub)
	require.True(t, ok)
	assert.Equal(t, domain.TaskCompleted, ev.NewStatus)
	assert.Equal(t, "c1", ev.ResultID)

	// Terminal events close the subscription.
	_, ok = recvChange(t, sub)
	assert.False(t, ok)
}

func TestStatusChannel_SubscribersAreKeyedByTask(t *testing.T) {
	t.Parallel()
	w := newFakeWatcher()
	feed := make(chan domain.TaskChange)
	w.feeds <- feed

	sc := NewStatusChannel(w)
	sub1, cancel1 := sc.Subscribe("t1")
	defer cancel1()
	sub2, cancel2 := sc.Subscribe("t2")
	defer cancel2()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go sc.Run(ctx)

	feed <- domain.TaskChange{TaskID: "t1", NewStatus: domain.TaskProcessing}
	ev, ok := recvChange(t, sub1)
	require.True(t, ok)
	assert.Equal(t, "t1", ev.TaskID)

	select {
	case ev := <-sub2:
		t.Fatalf("subscriber for t2 got event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStatusChannel_FeedDropClosesSubscribersAndReconnects(t *testing.T) {
	t.Parallel()
	w := newFakeWatcher()
	feed1 := make(chan domain.TaskChange)
	w.feeds <- feed1

	sc := NewStatusChannel(w)
	sub, cancel := sc.Subscribe("t1")
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go sc.Run(ctx)

	// The feed dying closes every subscriber so SSE handlers fall back
	// to polling.
	close(feed1)
	_, ok := recvChange(t, sub)
	assert.False(t, ok)

	// A fresh feed serves new subscribers after the reconnect.
	feed2 := make(chan domain.TaskChange)
	w.feeds <- feed2
	sub2, cancel2 := sc.Subscribe("t9")
	defer cancel2()

	select {
	case feed2 <- domain.TaskChange{TaskID: "t9", NewStatus: domain.TaskProcessing}:
	case <-time.After(2 * time.Second):
		t.Fatal("run loop never picked up the new feed")
	}
	ev, ok := recvChange(t, sub2)
	require.True(t, ok)
	assert.Equal(t, "t9", ev.TaskID)
}

func TestStatusChannel_CancelIsIdempotent(t *testing.T) {
	t.Parallel()
	sc := NewStatusChannel(newFakeWatcher())
	sub, cancel := sc.Subscribe("t1")
	cancel()
	cancel()
	_, ok := <-sub
	assert.False(t, ok)

	// Cancelling after a terminal close must not double-close.
	sub2, cancel2 := sc.Subscribe("t2")
	sc.publish(domain.TaskChange{TaskID: "t2", NewStatus: domain.TaskFailed})
	_, ok = <-sub2
	assert.False(t, ok)
	cancel2()
}
