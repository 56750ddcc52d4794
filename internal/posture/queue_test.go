package posture

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_PreservesOrder(t *testing.T) {
	q := NewQueue(8)
	in := []Gesture{Track, Left, Track, Right, Zoom, Drag, Track}
	for _, g := range in {
		require.True(t, q.Submit(g))
	}

	var out []Gesture
	for g := q.Take(); g != Nop; g = q.Take() {
		out = append(out, g)
	}
	assert.Equal(t, in, out)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_EmptyTakeReturnsNop(t *testing.T) {
	q := NewQueue(4)
	assert.Equal(t, Nop, q.Take())
	require.True(t, q.Submit(Left))
	assert.Equal(t, Left, q.Take())
	assert.Equal(t, Nop, q.Take())
}

func TestQueue_DropsNewestWhenFull(t *testing.T) {
	q := NewQueue(3)
	require.True(t, q.Submit(Track))
	require.True(t, q.Submit(Left))
	require.True(t, q.Submit(Right))

	assert.False(t, q.Submit(Zoom), "fourth submit must be rejected")
	assert.Equal(t, uint64(1), q.Drops())
	assert.Equal(t, 3, q.Len())

	// The rejected gesture must not have corrupted the buffer.
	assert.Equal(t, Track, q.Take())
	assert.Equal(t, Left, q.Take())
	assert.Equal(t, Right, q.Take())
	assert.Equal(t, Nop, q.Take())

	// Space is available again after draining.
	assert.True(t, q.Submit(Zoom))
	assert.Equal(t, Zoom, q.Take())
}

func TestQueue_DefaultCapacity(t *testing.T) {
	q := NewQueue(0)
	assert.Equal(t, DefaultCapacity, q.Cap())

	for i := 0; i < DefaultCapacity; i++ {
		require.True(t, q.Submit(Track), "submit %d", i)
	}
	assert.False(t, q.Submit(Track))
}

func TestQueue_WrapsAround(t *testing.T) {
	q := NewQueue(4)
	// Interleave submits and takes so the ring head moves without
	// the queue ever draining completely.
	require.True(t, q.Submit(Track))
	require.True(t, q.Submit(Left))
	require.True(t, q.Submit(Track))
	assert.Equal(t, Track, q.Take())
	assert.Equal(t, Left, q.Take())
	require.True(t, q.Submit(Right))
	require.True(t, q.Submit(Zoom))
	require.True(t, q.Submit(Drag))
	assert.False(t, q.Submit(Quit))

	assert.Equal(t, []Gesture{Track, Right, Zoom, Drag}, drain(q))
}

func TestQueue_RejectsInvalidGestures(t *testing.T) {
	q := NewQueue(4)
	assert.False(t, q.Submit(Nop))
	assert.False(t, q.Submit(Gesture(42)))
	assert.Equal(t, 0, q.Len())
}

func TestQueue_ReadySignalsAfterSubmit(t *testing.T) {
	q := NewQueue(4)
	select {
	case <-q.Ready():
		t.Fatal("ready signalled on empty queue")
	default:
	}

	require.True(t, q.Submit(Left))
	require.True(t, q.Submit(Track))

	select {
	case <-q.Ready():
	default:
		t.Fatal("ready not signalled after submit")
	}
	assert.Equal(t, []Gesture{Left, Track}, drain(q))
}

func TestQueue_Close(t *testing.T) {
	q := NewQueue(4)
	require.True(t, q.Submit(Left))
	q.Close()
	q.Close()

	assert.True(t, q.Closed())
	assert.Equal(t, Nop, q.Take())
	assert.False(t, q.Submit(Track))
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 100

	q := NewQueue(producers * perProducer)
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Submit(Track)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, producers*perProducer, len(drain(q)))
	assert.Equal(t, uint64(0), q.Drops())
}

func TestParseGesture(t *testing.T) {
	tests := []struct {
		in      string
		want    Gesture
		wantErr bool
	}{
		{"left", Left, false},
		{"RIGHT", Right, false},
		{" track ", Track, false},
		{"drag", Drag, false},
		{"quit", Quit, false},
		{"nop", Nop, true},
		{"wave", Nop, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseGesture(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func drain(q *Queue) []Gesture {
	var out []Gesture
	for g := q.Take(); g != Nop; g = q.Take() {
		out = append(out, g)
	}
	return out
}
