package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"qcoord/internal/domain"
)

func TestSlotProvider_RequireAndRelease(t *testing.T) {
	p := NewSlotProvider(2, nil)
	slot := NewLogicalSlot(domain.NewUniqueID(), "default", 1)

	require.NoError(t, p.RequireSlot(context.Background(), slot))
	assert.Equal(t, SlotAllocated, p.State(slot))
	assert.Equal(t, int64(1), p.InUse())
	require.Len(t, p.Slots(), 1)

	p.ReleaseSlot(slot)
	p.ReleaseSlot(slot)
	assert.Equal(t, SlotReleased, p.State(slot))
	assert.Equal(t, int64(0), p.InUse())
	assert.Empty(t, p.Slots())
}

func TestSlotProvider_TooLarge(t *testing.T) {
	p := NewSlotProvider(1, nil)
	err := p.RequireSlot(context.Background(), NewLogicalSlot(domain.NewUniqueID(), "", 2))
	require.Error(t, err)
	assert.Equal(t, domain.KindUser, domain.KindOf(err))
}

func TestSlotProvider_CancelWhileWaiting(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := NewSlotProvider(1, nil)
	holder := NewLogicalSlot(domain.NewUniqueID(), "", 1)
	require.NoError(t, p.RequireSlot(context.Background(), holder))

	waiter := NewLogicalSlot(domain.NewUniqueID(), "", 1)
	errCh := make(chan error, 1)
	go func() { errCh <- p.RequireSlot(context.Background(), waiter) }()

	require.Eventually(t, func() bool { return p.State(waiter) == SlotRequiring }, time.Second, 5*time.Millisecond)
	p.CancelSlotRequirement(waiter)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSlotCancelled)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
	assert.Equal(t, SlotCancelled, p.State(waiter))

	// releasing a slot that never got allocated returns nothing
	p.ReleaseSlot(waiter)
	assert.Equal(t, int64(1), p.InUse())
	p.ReleaseSlot(holder)
}

func TestSlotProvider_CancelBeforeRequire(t *testing.T) {
	p := NewSlotProvider(1, nil)
	slot := NewLogicalSlot(domain.NewUniqueID(), "", 1)
	p.CancelSlotRequirement(slot)
	assert.ErrorIs(t, p.RequireSlot(context.Background(), slot), ErrSlotCancelled)
}

func TestQueryQueueManager_MaybeWait(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		m := NewQueryQueueManager(NewSlotProvider(1, nil), time.Second)
		slot := NewLogicalSlot(domain.NewUniqueID(), "", 1)
		require.NoError(t, m.MaybeWait(context.Background(), false, slot))
		assert.Equal(t, SlotCreated, m.Provider().State(slot))
	})

	t.Run("timeout", func(t *testing.T) {
		p := NewSlotProvider(1, nil)
		m := NewQueryQueueManager(p, 30*time.Millisecond)
		holder := NewLogicalSlot(domain.NewUniqueID(), "", 1)
		require.NoError(t, m.MaybeWait(context.Background(), true, holder))

		err := m.MaybeWait(context.Background(), true, NewLogicalSlot(domain.NewUniqueID(), "", 1))
		require.Error(t, err)
		assert.True(t, domain.IsTimeout(err))
		assert.Contains(t, err.Error(), "pending timeout")
		p.ReleaseSlot(holder)
	})

	t.Run("caller cancelled", func(t *testing.T) {
		p := NewSlotProvider(1, nil)
		m := NewQueryQueueManager(p, time.Minute)
		holder := NewLogicalSlot(domain.NewUniqueID(), "", 1)
		require.NoError(t, m.MaybeWait(context.Background(), true, holder))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := m.MaybeWait(ctx, true, NewLogicalSlot(domain.NewUniqueID(), "", 1))
		assert.True(t, errors.Is(err, context.Canceled))
		p.ReleaseSlot(holder)
	})
}
