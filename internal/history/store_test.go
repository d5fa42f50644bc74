package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/hlgrid/internal/domain"
)

func order(cloid string, status domain.OrderStatus, closed time.Time) *domain.ManagedOrder {
	return &domain.ManagedOrder{
		ClientOrderID: cloid,
		LevelIndex:    2,
		Epoch:         1,
		Side:          domain.SideBuy,
		Price:         decimal.RequireFromString("99.5"),
		Size:          decimal.RequireFromString("1"),
		FilledSize:    decimal.RequireFromString("1"),
		AvgFillPrice:  decimal.RequireFromString("99.5"),
		Status:        status,
		CreatedAt:     closed.Add(-time.Minute),
		UpdatedAt:     closed,
	}
}

func TestRecordAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "history.db")
	s, err := Open(path, "BTC")
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Record(order("a", domain.OrderStatusFilled, base))
	rejected := order("b", domain.OrderStatusRejected, base.Add(time.Second))
	rejected.LastError = "post only"
	rejected.ExchangeOrderID = "77"
	s.Record(rejected)
	require.NoError(t, s.Close())

	// 重新打开：数据已落盘，迁移可重复执行
	s, err = Open(path, "BTC")
	require.NoError(t, err)
	defer s.Close()

	rows, err := s.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "b", rows[0].ClientOrderID)
	assert.Equal(t, "77", rows[0].ExchangeOrderID)
	assert.Equal(t, "post only", rows[0].LastError)
	assert.Equal(t, "a", rows[1].ClientOrderID)
	assert.Equal(t, "99.5", rows[1].Price)
	assert.Equal(t, uint64(1), rows[1].Epoch)
	assert.True(t, rows[1].ClosedAt.Equal(base))

	other, err := Open(path+"-other", "ETH")
	require.NoError(t, err)
	defer other.Close()
	rows, err = other.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRecordAfterCloseIsIgnored(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "h.db"), "BTC")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	s.Record(order("late", domain.OrderStatusFilled, time.Now()))
	require.NoError(t, s.Close())
	written, dropped := s.Stats()
	assert.Zero(t, written)
	assert.Zero(t, dropped)
}
