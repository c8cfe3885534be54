package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conceptforge/conceptforge/internal/domain"
)

func newDispatcher(tasks *memTasks, queue *fakeQueue, rates *fakeRates) *Dispatcher {
	return NewDispatcher(tasks, queue, rates, 7)
}

func validGenerate() GenerateInput {
	return GenerateInput{
		LogoDescription:  "A minimalist fox",
		ThemeDescription: "forest green and cream",
		NumPalettes:      3,
	}
}

func TestEnqueueGenerate_Happy(t *testing.T) {
	t.Parallel()
	tasks, queue, rates := newMemTasks(), &fakeQueue{}, newFakeRates(10)
	d := newDispatcher(tasks, queue, rates)

	task, dec, err := d.EnqueueGenerate(context.Background(), "u1", validGenerate())
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, task.Status)
	assert.Equal(t, domain.TaskGenerate, task.Type)
	assert.NotEmpty(t, task.ID)
	assert.True(t, dec.Allowed)
	assert.Equal(t, int64(9), dec.Remaining)

	require.Len(t, queue.messages, 1)
	msg := queue.messages[0]
	assert.Equal(t, task.ID, msg.TaskID)
	assert.Equal(t, "u1", msg.UserID)
	assert.Equal(t, 3, msg.Payload["num_palettes"])
}

func TestEnqueueGenerate_Validation(t *testing.T) {
	t.Parallel()
	d := newDispatcher(newMemTasks(), &fakeQueue{}, newFakeRates(10))

	cases := []struct {
		name string
		in   GenerateInput
	}{
		{"empty logo", GenerateInput{ThemeDescription: "x"}},
		{"empty theme", GenerateInput{LogoDescription: "x"}},
		{"blank logo", GenerateInput{LogoDescription: "   ", ThemeDescription: "x"}},
		{"too long", GenerateInput{LogoDescription: strings.Repeat("a", 501), ThemeDescription: "x"}},
		{"palettes high", GenerateInput{LogoDescription: "a", ThemeDescription: "b", NumPalettes: 11}},
		{"palettes negative", GenerateInput{LogoDescription: "a", ThemeDescription: "b", NumPalettes: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := d.EnqueueGenerate(context.Background(), "u1", tc.in)
			assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
}

func TestEnqueueGenerate_RateLimited(t *testing.T) {
	t.Parallel()
	tasks, queue := newMemTasks(), &fakeQueue{}
	rates := newFakeRates(0)
	d := newDispatcher(tasks, queue, rates)

	_, dec, err := d.EnqueueGenerate(context.Background(), "u1", validGenerate())
	require.ErrorIs(t, err, domain.ErrRateLimited)
	assert.False(t, dec.Allowed)
	assert.Empty(t, queue.messages)
	assert.Empty(t, tasks.items)
}

func TestEnqueueGenerate_FailOpenOnCounterError(t *testing.T) {
	t.Parallel()
	rates := newFakeRates(10)
	rates.err = errors.New("redis down")
	d := newDispatcher(newMemTasks(), &fakeQueue{}, rates)

	task, _, err := d.EnqueueGenerate(context.Background(), "u1", validGenerate())
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, task.Status)
}

func TestEnqueueGenerate_ActiveTaskConflict(t *testing.T) {
	t.Parallel()
	tasks, rates := newMemTasks(), newFakeRates(10)
	d := newDispatcher(tasks, &fakeQueue{}, rates)

	_, _, err := d.EnqueueGenerate(context.Background(), "u1", validGenerate())
	require.NoError(t, err)
	_, _, err = d.EnqueueGenerate(context.Background(), "u1", validGenerate())
	require.ErrorIs(t, err, domain.ErrConflict)

	// The losing attempt refunds its decrement.
	assert.Equal(t, 1, rates.refunds)
	assert.Equal(t, int64(9), rates.remaining[domain.CategoryGenerateConcept])

	// A different type is unaffected by the generate conflict.
	_, _, err = d.EnqueueRefine(context.Background(), "u1", RefineInput{
		ConceptID:        "11111111-2222-3333-4444-555555555555",
		RefinementPrompt: "rounder",
	})
	require.NoError(t, err)
}

func TestEnqueueGenerate_PublishFailureLeavesPending(t *testing.T) {
	t.Parallel()
	tasks := newMemTasks()
	queue := &fakeQueue{err: errors.New("broker down")}
	d := newDispatcher(tasks, queue, newFakeRates(10))

	task, _, err := d.EnqueueGenerate(context.Background(), "u1", validGenerate())
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, task.Status)

	got, err := tasks.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status)
}

func TestEnqueueRefine_Validation(t *testing.T) {
	t.Parallel()
	d := newDispatcher(newMemTasks(), &fakeQueue{}, newFakeRates(10))

	_, _, err := d.EnqueueRefine(context.Background(), "u1", RefineInput{ConceptID: "c1"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	// Both sources set.
	_, _, err = d.EnqueueRefine(context.Background(), "u1", RefineInput{
		ConceptID:        "c1",
		OriginalImageURL: "https://example.com/a.png",
		RefinementPrompt: "rounder",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	// Neither source set.
	_, _, err = d.EnqueueRefine(context.Background(), "u1", RefineInput{RefinementPrompt: "rounder"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, _, err = d.EnqueueRefine(context.Background(), "u1", RefineInput{
		ConceptID:        "c1",
		RefinementPrompt: "rounder",
		PreserveAspects:  []string{"vibe"},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestEnqueue_ConcurrentSingleActive(t *testing.T) {
	t.Parallel()
	tasks := newMemTasks()
	d := newDispatcher(tasks, &fakeQueue{}, newFakeRates(100))

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = d.EnqueueGenerate(context.Background(), "u2", validGenerate())
		}(i)
	}
	wg.Wait()

	active, err := tasks.ListActive(context.Background(), "u2", domain.TaskGenerate)
	require.NoError(t, err)
	// The one-active rule holds up to the check-then-create window; the
	// invariant the API guarantees is that at most a handful race through
	// and every loser gets ErrConflict.
	assert.NotEmpty(t, active)
	var conflicts int
	for _, e := range errs {
		if errors.Is(e, domain.ErrConflict) {
			conflicts++
		}
	}
	assert.GreaterOrEqual(t, conflicts+len(active), n)
}
