// Package app wires the long-running pieces of both processes: the HTTP
// router, the in-process task status channel and the reaper.
package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/conceptforge/conceptforge/internal/domain"
)

// StatusChannel fans task change events out to in-process subscribers,
// keyed by task id. It feeds the SSE endpoint. Subscribers of a task that
// reaches a terminal status are closed automatically.
type StatusChannel struct {
	watcher domain.TaskWatcher

	mu   sync.Mutex
	subs map[string]map[chan domain.TaskChange]struct{}
}

// NewStatusChannel constructs a StatusChannel over the store's change feed.
func NewStatusChannel(watcher domain.TaskWatcher) *StatusChannel {
	return &StatusChannel{
		watcher: watcher,
		subs:    map[string]map[chan domain.TaskChange]struct{}{},
	}
}

// Subscribe registers for one task's changes. The cancel func must be
// called when the subscriber goes away; the channel also closes on its own
// after a terminal event or when the feed dies.
func (s *StatusChannel) Subscribe(taskID string) (<-chan domain.TaskChange, func()) {
	ch := make(chan domain.TaskChange, 8)
	s.mu.Lock()
	if s.subs[taskID] == nil {
		s.subs[taskID] = map[chan domain.TaskChange]struct{}{}
	}
	s.subs[taskID][ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			if set, ok := s.subs[taskID]; ok {
				if _, live := set[ch]; live {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(s.subs, taskID)
				}
			}
			s.mu.Unlock()
		})
	}
	return ch, cancel
}

// Run consumes the change feed until ctx is done, reconnecting with backoff
// when the feed drops. On each drop all current subscribers are closed so
// their SSE handlers fall back to polling.
func (s *StatusChannel) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	for ctx.Err() == nil {
		ch, err := s.watcher.WatchTasks(ctx)
		if err != nil {
			wait := bo.NextBackOff()
			slog.Warn("task feed unavailable", slog.Any("error", err), slog.Duration("retry_in", wait))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		for ev := range ch {
			s.publish(ev)
		}
		s.closeAll()
	}
}

func (s *StatusChannel) publish(ev domain.TaskChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subs[ev.TaskID]
	if !ok {
		return
	}
	for ch := range set {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; it catches up via its own polling fallback.
		}
		if ev.NewStatus.Terminal() {
			delete(set, ch)
			close(ch)
		}
	}
	if len(set) == 0 {
		delete(s.subs, ev.TaskID)
	}
}

func (s *StatusChannel) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for taskID, set := range s.subs {
		for ch := range set {
			close(ch)
		}
		delete(s.subs, taskID)
	}
}
