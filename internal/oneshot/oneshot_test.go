// ABOUTME: Tests for the one-shot result cell.

package oneshot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCell_ResolveDeliversToWaiter(t *testing.T) {
	cell := New[string]()

	var wg sync.WaitGroup
	wg.Go(func() {
		time.Sleep(10 * time.Millisecond)
		cell.Resolve("done")
	})

	got, err := cell.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "done", got)
	wg.Wait()
}

func TestCell_LateWaiterStillGetsValue(t *testing.T) {
	cell := New[int]()
	require.True(t, cell.Resolve(42))

	got, err := cell.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	got, err, ok := cell.TryGet()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestCell_OnlyFirstResolutionWins(t *testing.T) {
	cell := New[string]()
	assert.True(t, cell.Resolve("first"))
	assert.False(t, cell.Resolve("second"))
	assert.False(t, cell.Fail(errors.New("too late")))

	got, err := cell.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "first", got)
}

func TestCell_FailSurfacesError(t *testing.T) {
	cell := New[string]()
	boom := errors.New("boom")
	require.True(t, cell.Fail(boom))

	_, err := cell.Wait(t.Context())
	assert.ErrorIs(t, err, boom)
}

func TestCell_CancelledWaitDoesNotConsume(t *testing.T) {
	cell := New[string]()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := cell.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	cell.Resolve("late")
	got, err := cell.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "late", got)
}

func TestCell_TryGetBeforeResolve(t *testing.T) {
	cell := New[string]()
	_, _, ok := cell.TryGet()
	assert.False(t, ok)
}
