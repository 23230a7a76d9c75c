package currency

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	calls int
	err   error
}

func (s *countingSource) Fetch(base string) (Rates, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return Rates{"EUR": decimal.RequireFromString("0.5")}, nil
}

func TestConvert(t *testing.T) {
	c := NewConverter(nil)

	// Same currency passes through untouched.
	got, err := c.Convert(decimal.RequireFromString("123.456"), "USD", "USD")
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.RequireFromString("123.456")))

	// Static table, rounded to cents.
	got, err = c.Convert(decimal.NewFromInt(100), "USD", "EUR")
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.RequireFromString("85")))

	_, err = c.Convert(decimal.NewFromInt(100), "USD", "XXX")
	assert.Error(t, err)
}

func TestRates_CachePerBase(t *testing.T) {
	src := &countingSource{}
	c := NewConverter(src)
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_, err := c.Rates("USD")
	require.NoError(t, err)
	_, err = c.Rates("USD")
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls, "second lookup served from cache")

	// Past the TTL the source is consulted again.
	now = now.Add(cacheTTL + time.Minute)
	_, err = c.Rates("USD")
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestRates_SourceFailureSurfaces(t *testing.T) {
	src := &countingSource{err: errors.New("feed down")}
	c := NewConverter(src)

	_, err := c.Rates("USD")
	assert.ErrorContains(t, err, "feed down")
}

func TestMetadata(t *testing.T) {
	assert.True(t, IsValid("USD"))
	assert.False(t, IsValid("DOGE"))
	assert.Equal(t, "€", Symbol("EUR"))
	assert.Equal(t, "XYZ", Symbol("XYZ"))
	assert.Equal(t, "$12.50", Format(decimal.RequireFromString("12.5"), "USD"))
}
