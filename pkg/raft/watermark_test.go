package raft

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermarkImmediate(t *testing.T) {
	w := newWatermark()
	w.SetDoneUntil(5)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, w.WaitForMark(ctx, 5))
	assert.NoError(t, w.WaitForMark(ctx, 3))
	assert.Equal(t, uint64(5), w.DoneUntil())
}

func TestWatermarkWakesWaiter(t *testing.T) {
	w := newWatermark()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- w.WaitForMark(ctx, 10)
	}()

	// Partial progress must not wake the waiter
	w.SetDoneUntil(9)
	select {
	case <-done:
		t.Fatal("waiter woke before target index")
	case <-time.After(50 * time.Millisecond):
	}

	w.SetDoneUntil(10)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestWatermarkDeadline(t *testing.T) {
	w := newWatermark()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := w.WaitForMark(ctx, 100)
	assert.Error(t, err)
}

func TestWatermarkNeverRegresses(t *testing.T) {
	w := newWatermark()
	w.SetDoneUntil(8)
	w.SetDoneUntil(3)
	assert.Equal(t, uint64(8), w.DoneUntil())
}

func TestPendingTableRegisterTake(t *testing.T) {
	table := newPendingTable()
	pctx := &proposalCtx{done: make(chan applyResult, 1)}

	key := table.Register(pctx)
	require.NotZero(t, key)
	assert.Equal(t, 1, table.Len())

	got, ok := table.Take(key)
	require.True(t, ok)
	assert.Same(t, pctx, got)
	assert.Equal(t, 0, table.Len())

	// A taken key is gone
	_, ok = table.Take(key)
	assert.False(t, ok)
}

func TestPendingTableDrop(t *testing.T) {
	table := newPendingTable()
	key := table.Register(&proposalCtx{done: make(chan applyResult, 1)})

	table.Drop(key)
	_, ok := table.Take(key)
	assert.False(t, ok)
}

func TestPendingTableDistinctKeys(t *testing.T) {
	table := newPendingTable()
	seen := make(map[uint64]bool)
	for i := 0; i < 1000; i++ {
		key := table.Register(&proposalCtx{done: make(chan applyResult, 1)})
		assert.False(t, seen[key])
		seen[key] = true
	}
}
