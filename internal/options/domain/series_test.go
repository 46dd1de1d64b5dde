package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestIntrinsicPerUnit(t *testing.T) {
	call := &OptionSeries{Type: TypeCall, Strike: dec(10000), ContractSize: dec(100)}
	put := &OptionSeries{Type: TypePut, Strike: dec(10000), ContractSize: dec(100)}

	assert.True(t, call.IntrinsicPerUnit(dec(11000)).Equal(dec(1000)))
	assert.True(t, call.IntrinsicPerUnit(dec(9000)).IsZero())
	assert.True(t, put.IntrinsicPerUnit(dec(9000)).Equal(dec(1000)))
	assert.True(t, put.IntrinsicPerUnit(dec(11000)).IsZero())

	// Payoff = 内在价值 × 数量 × 合约规模
	assert.True(t, call.Payoff(dec(11000), dec(2)).Equal(dec(200_000)))
	assert.True(t, call.Payoff(dec(9000), dec(2)).IsZero())
}

func TestSeriesExpiryGating(t *testing.T) {
	expiry := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := &OptionSeries{Expiry: expiry, IsActive: true}

	assert.False(t, s.IsExpired(expiry.Add(-time.Second)))
	assert.True(t, s.IsExpired(expiry))
	assert.True(t, s.Tradeable(expiry.Add(-time.Second)))
	assert.False(t, s.Tradeable(expiry))

	s.IsActive = false
	assert.False(t, s.Tradeable(expiry.Add(-time.Second)))
}

func TestApplyTradeAveragesSameDirection(t *testing.T) {
	p := &Position{Quantity: decimal.Zero}

	p.ApplyTrade(dec(2), dec(100))
	assert.True(t, p.Quantity.Equal(dec(2)))
	assert.True(t, p.AvgEntryPrice.Equal(dec(100)))

	// 同向加仓：(2×100 + 2×200) / 4 = 150
	p.ApplyTrade(dec(2), dec(200))
	assert.True(t, p.Quantity.Equal(dec(4)))
	assert.True(t, p.AvgEntryPrice.Equal(dec(150)))

	// 减仓不改均价
	p.ApplyTrade(dec(-1), dec(300))
	assert.True(t, p.Quantity.Equal(dec(3)))
	assert.True(t, p.AvgEntryPrice.Equal(dec(150)))
}

func TestApplyTradeFlipResetsAverage(t *testing.T) {
	p := &Position{Quantity: decimal.Zero}
	p.ApplyTrade(dec(2), dec(100))

	// 翻转到空头：均价以成交价重置
	p.ApplyTrade(dec(-5), dec(120))
	assert.True(t, p.Quantity.Equal(dec(-3)))
	assert.True(t, p.AvgEntryPrice.Equal(dec(120)))
	assert.True(t, p.ShortQuantity().Equal(dec(3)))

	// 清零销毁均价
	p.ApplyTrade(dec(3), dec(90))
	assert.True(t, p.Quantity.IsZero())
	assert.True(t, p.AvgEntryPrice.IsZero())
	assert.True(t, p.ShortQuantity().IsZero())
}
