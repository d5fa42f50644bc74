package marketstate

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/hlgrid/internal/domain"
)

func tick(seq uint64, bid, ask string) domain.MarketTick {
	return domain.MarketTick{
		Symbol:  "BTC",
		Seq:     seq,
		BestBid: decimal.RequireFromString(bid),
		BestAsk: decimal.RequireFromString(ask),
		Time:    time.Unix(int64(seq), 0),
	}
}

func TestBookCache_SequentialTicks(t *testing.T) {
	c := NewBookCache("BTC")
	_, ok := c.Snapshot()
	assert.False(t, ok)

	require.NoError(t, c.Apply(tick(10, "99", "101")))
	require.NoError(t, c.Apply(tick(11, "99.5", "100.5")))

	s, ok := c.Snapshot()
	require.True(t, ok)
	assert.Equal(t, uint64(11), s.Seq)
	assert.True(t, s.Mid().Equal(decimal.NewFromInt(100)))
}

func TestBookCache_DuplicateIgnored(t *testing.T) {
	c := NewBookCache("BTC")
	require.NoError(t, c.Apply(tick(1, "99", "101")))
	require.NoError(t, c.Apply(tick(2, "98", "102")))
	require.NoError(t, c.Apply(tick(2, "50", "60")))

	s, _ := c.Snapshot()
	assert.True(t, s.BestBid.Equal(decimal.NewFromInt(98)))
}

func TestBookCache_GapSignalsStaleUntilReset(t *testing.T) {
	c := NewBookCache("BTC")
	require.NoError(t, c.Apply(tick(1, "99", "101")))

	err := c.Apply(tick(3, "99", "101"))
	var stale *domain.StaleDataError
	require.True(t, errors.As(err, &stale))
	assert.Equal(t, uint64(2), stale.Expected)
	assert.Equal(t, uint64(3), stale.Got)
	assert.True(t, c.IsStale())
	assert.Equal(t, uint64(1), c.Gaps())

	// stale 期间即便序号正确也被拒绝
	require.Error(t, c.Apply(tick(2, "99", "101")))
	_, ok := c.Snapshot()
	assert.False(t, ok)

	c.Reset(tick(40, "109", "111"))
	require.NoError(t, c.Apply(tick(41, "109.5", "110.5")))
	s, ok := c.Snapshot()
	require.True(t, ok)
	assert.True(t, s.Mid().Equal(decimal.NewFromInt(110)))
}

func TestBookCache_Fresh(t *testing.T) {
	c := NewBookCache("BTC")
	require.NoError(t, c.Apply(tick(1, "99", "101")))
	at := time.Unix(1, 0)
	assert.True(t, c.Fresh(at.Add(time.Second), 5*time.Second))
	assert.False(t, c.Fresh(at.Add(10*time.Second), 5*time.Second))
}
