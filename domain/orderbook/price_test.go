package orderbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrice(t *testing.T) {
	p, err := ParsePrice("1.01")
	require.NoError(t, err)
	assert.Equal(t, int64(10100), p)
	assert.Equal(t, "1.01", PriceToDecimal(p).String())

	_, err = ParsePrice("1.00001")
	assert.Error(t, err)
	_, err = ParsePrice("abc")
	assert.Error(t, err)
}

func TestKindVariants(t *testing.T) {
	_, ok := MarketKind().Price()
	assert.False(t, ok)
	assert.False(t, MarketKind().Rests())

	p, ok := ImmediateAt(5).Price()
	assert.True(t, ok)
	assert.Equal(t, int64(5), p)
	assert.False(t, ImmediateAt(5).Rests())
	assert.True(t, LimitAt(5).Rests())
	assert.Equal(t, "invalid", Kind{}.String())
}
