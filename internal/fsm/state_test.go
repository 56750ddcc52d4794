package fsm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gestured/internal/pointer"
	"gestured/internal/posture"
)

func TestSharedState_TransactRunsInSequenceOrder(t *testing.T) {
	s := newSharedState()

	var (
		mu    sync.Mutex
		order []uint64
		wg    sync.WaitGroup
	)
	for _, seq := range []uint64{4, 2, 3, 1} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok := s.transact(seq, func() {
				mu.Lock()
				order = append(order, seq)
				mu.Unlock()
			})
			assert.True(t, ok)
		}()
	}
	wg.Wait()

	assert.Equal(t, []uint64{1, 2, 3, 4}, order)
	assert.Equal(t, uint64(4), s.Snapshot().Applied)
}

func TestSharedState_CloseReleasesWaiters(t *testing.T) {
	s := newSharedState()

	result := make(chan bool, 1)
	go func() {
		result <- s.transact(2, func() { t.Error("must not run out of turn") })
	}()

	time.Sleep(10 * time.Millisecond)
	s.close()

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by close")
	}
	assert.False(t, s.transact(1, func() {}))
	assert.Equal(t, Final.String(), s.Snapshot().Classification)
}

func TestSharedState_PanicAdvancesTurn(t *testing.T) {
	s := newSharedState()

	func() {
		defer func() { _ = recover() }()
		s.transact(1, func() { panic("boom") })
	}()

	assert.True(t, s.transact(2, func() {}), "a panicking transition must not wedge the next one")
}

func TestSharedState_PendingIsBounded(t *testing.T) {
	s := newSharedState()
	s.setPending(pointer.DoubleClick(pointer.ButtonLeft))
	assert.Len(t, s.takePending(), 4)
	assert.Empty(t, s.takePending())

	assert.Panics(t, func() {
		s.setPending(append(pointer.DoubleClick(pointer.ButtonLeft), pointer.DoubleClick(pointer.ButtonRight)...))
	})
}

func TestSharedState_InitialSnapshot(t *testing.T) {
	snap := newSharedState().Snapshot()
	assert.Equal(t, posture.Track, snap.Previous)
	assert.Equal(t, posture.Nop, snap.Current)
	assert.Equal(t, Initial.String(), snap.Classification)
	assert.False(t, snap.Draggable)
}

func TestOutbound_ServesTicketsInOrder(t *testing.T) {
	o := newOutbound()
	tickets := []uint64{o.ticket(), o.ticket(), o.ticket()}
	require.Equal(t, []uint64{0, 1, 2}, tickets)

	var (
		mu    sync.Mutex
		order []uint64
		wg    sync.WaitGroup
	)
	for i := len(tickets) - 1; i >= 0; i-- {
		wg.Add(1)
		go func(ticket uint64) {
			defer wg.Done()
			assert.True(t, o.wait(ticket))
			mu.Lock()
			order = append(order, ticket)
			mu.Unlock()
			o.done()
		}(tickets[i])
	}
	wg.Wait()
	assert.Equal(t, tickets, order)

	o.close()
	assert.False(t, o.wait(o.ticket()))
}
