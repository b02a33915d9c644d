package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_FIFO(t *testing.T) {
	b := New[int](4)

	for i := 1; i <= 3; i++ {
		require.NoError(t, b.Write(i))
	}
	assert.Equal(t, 3, b.Size())

	got, err := b.ReadBatch(10)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.True(t, b.IsEmpty())
}

func TestBuffer_DropOldest(t *testing.T) {
	var dropped []string
	b := New[string](2,
		WithOverflowPolicy[string](DropOldest),
		WithDropCallback[string](func(s string) { dropped = append(dropped, s) }),
	)

	require.NoError(t, b.Write("a"))
	require.NoError(t, b.Write("b"))
	require.NoError(t, b.Write("c"))

	got, err := b.ReadBatch(2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, got)
	assert.Equal(t, []string{"a"}, dropped)
	assert.Equal(t, uint64(1), b.Stats().Dropped)
}

func TestBuffer_DropNewest(t *testing.T) {
	b := New[int](2, WithOverflowPolicy[int](DropNewest))

	require.NoError(t, b.Write(1))
	require.NoError(t, b.Write(2))
	assert.ErrorIs(t, b.Write(3), ErrFull)

	got, err := b.ReadBatch(2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, got)
}

func TestBuffer_ReadEmpty(t *testing.T) {
	b := New[int](2)

	_, err := b.Read()
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = b.ReadBatch(5)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestBuffer_ReadBatchBounded(t *testing.T) {
	b := New[int](8)
	for i := 0; i < 6; i++ {
		require.NoError(t, b.Write(i))
	}

	got, err := b.ReadBatch(4)
	require.NoError(t, err)
	assert.Len(t, got, 4)
	assert.Equal(t, 2, b.Size())
}

func TestBuffer_WrapAround(t *testing.T) {
	b := New[int](3)

	for round := 0; round < 5; round++ {
		require.NoError(t, b.Write(round*2))
		require.NoError(t, b.Write(round*2+1))

		got, err := b.ReadBatch(2)
		require.NoError(t, err)
		assert.Equal(t, []int{round * 2, round*2 + 1}, got)
	}
}

func TestBuffer_Clear(t *testing.T) {
	b := New[int](4)
	require.NoError(t, b.Write(1))
	require.NoError(t, b.Write(2))

	b.Clear()
	assert.True(t, b.IsEmpty())
	assert.Equal(t, 0, b.Stats().Size)
}

func TestBuffer_Close(t *testing.T) {
	b := New[int](4)
	require.NoError(t, b.Write(1))
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Write(2), ErrClosed)

	// Buffered items stay readable after close.
	got, err := b.Read()
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func TestBuffer_ConcurrentWriters(t *testing.T) {
	b := New[int](1000)

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = b.Write(base + i)
			}
		}(w * 100)
	}
	wg.Wait()

	assert.Equal(t, 1000, b.Size())
	assert.Equal(t, uint64(1000), b.Stats().Written)
}
