package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassFor(t *testing.T) {
	cases := map[int]int{
		0:       0,
		1:       0,
		64:      0,
		65:      1,
		128:     1,
		129:     2,
		4096:    6,
		1 << 16: 10,
	}
	for n, want := range cases {
		got, err := ClassFor(n)
		require.NoError(t, err, "n=%d", n)
		assert.Equal(t, want, got, "n=%d", n)
	}

	_, err := ClassFor(1<<16 + 1)
	require.ErrorIs(t, err, ErrNoSizeClass)
}

func TestBufferPoolGetPut(t *testing.T) {
	bp := NewBufferPool(Config{Initial: 1, Max: 2})

	b, err := bp.Get(100)
	require.NoError(t, err)
	assert.Equal(t, 0, len(b.B))
	assert.Equal(t, 128, cap(b.B))

	b.B = append(b.B, "payload"...)
	bp.Put(b)

	again, err := bp.Get(100)
	require.NoError(t, err)
	assert.Same(t, b, again)
	assert.Empty(t, again.B)
}

func TestBufferPoolClassExhaustion(t *testing.T) {
	bp := NewBufferPool(Config{Initial: 0, Max: 1})

	b, err := bp.Get(64)
	require.NoError(t, err)

	_, err = bp.Get(10)
	require.ErrorIs(t, err, ErrPoolExhausted)

	// Other classes are independent.
	other, err := bp.Get(1000)
	require.NoError(t, err)

	bp.Put(b)
	bp.Put(other)
	assert.Equal(t, 0, bp.Stats().InUse)
}

func TestBufferPoolDropsOutgrownArray(t *testing.T) {
	bp := NewBufferPool(Config{Initial: 1, Max: 1})
	b, err := bp.Get(64)
	require.NoError(t, err)

	b.B = append(b.B, make([]byte, 500)...)
	bp.Put(b)

	again, err := bp.Get(64)
	require.NoError(t, err)
	assert.Equal(t, 64, cap(again.B))
}
