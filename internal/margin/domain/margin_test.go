package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testRates = Rates{
		Initial:           decimal.NewFromFloat(1.5),
		Maintenance:       decimal.NewFromFloat(1.2),
		LiquidationBuffer: decimal.NewFromFloat(1.1),
	}
	now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func shortExposure(id string, qty, contractSize int64) Exposure {
	return Exposure{
		PositionID:   id,
		Account:      "alice",
		SeriesID:     "series-1",
		Underlying:   "BTC",
		ContractSize: dec(contractSize),
		Quantity:     dec(-qty),
	}
}

func TestLongExposureHasNoRequirement(t *testing.T) {
	e := Exposure{PositionID: "p1", Underlying: "BTC", ContractSize: dec(100), Quantity: dec(3)}
	req, err := e.MaintenanceRequirement(dec(10000), testRates)
	require.NoError(t, err)
	assert.True(t, req.IsZero())
}

func TestRequirementIsMonotonicInPrice(t *testing.T) {
	e := shortExposure("p1", 2, 100)
	lo, err := e.MaintenanceRequirement(dec(10000), testRates)
	require.NoError(t, err)
	hi, err := e.MaintenanceRequirement(dec(10001), testRates)
	require.NoError(t, err)
	assert.True(t, hi.GreaterThan(lo))

	// -2 × 10000 × 100 × 1.2 = 2,400,000
	assert.True(t, lo.Equal(dec(2_400_000)), "got %s", lo)
}

func TestComputeRiskLevels(t *testing.T) {
	exposures := []Exposure{shortExposure("p1", 1, 100)}
	prices := map[string]decimal.Decimal{"BTC": dec(10000)}
	// 名义 1,000,000：初始要求 1.5M，维持 1.2M，强平阈值 1.32M

	cases := []struct {
		name   string
		locked decimal.Decimal
		want   RiskLevel
	}{
		{"at initial", dec(1_500_000), RiskNormal},
		{"above initial", dec(2_000_000), RiskNormal},
		{"below initial above buffer", dec(1_400_000), RiskWarning},
		{"at buffer threshold", dec(1_320_000), RiskWarning},
		{"below buffer", dec(1_319_999), RiskLiquidatable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			am, err := Compute("alice", exposures, prices, tc.locked, testRates, now)
			require.NoError(t, err)
			assert.Equal(t, tc.want, am.RiskLevel)
			assert.True(t, am.MaintenanceRequirement.Equal(dec(1_200_000)))
			assert.True(t, am.InitialRequirement.Equal(dec(1_500_000)))
			assert.True(t, am.AvailableMargin.Equal(tc.locked.Sub(dec(1_200_000))))
		})
	}
}

func TestComputeMissingPrice(t *testing.T) {
	_, err := Compute("alice", []Exposure{shortExposure("p1", 1, 100)}, map[string]decimal.Decimal{}, dec(0), testRates, now)
	assert.ErrorIs(t, err, ErrMissingPrice)
}

func TestComputeOverflow(t *testing.T) {
	e := shortExposure("p1", 1, 1)
	e.Quantity = decimal.New(-1, 20)
	_, err := Compute("alice", []Exposure{e}, map[string]decimal.Decimal{"BTC": decimal.New(1, 10)}, dec(0), testRates, now)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestLiquidationOrderRanksByRequirement(t *testing.T) {
	exposures := []Exposure{
		shortExposure("p-small", 1, 100),
		shortExposure("p-big", 5, 100),
		{PositionID: "p-long", Underlying: "BTC", ContractSize: dec(100), Quantity: dec(2)},
	}
	prices := map[string]decimal.Decimal{"BTC": dec(10000)}

	order, err := LiquidationOrder(exposures, prices, testRates)
	require.NoError(t, err)
	require.Len(t, order, 2)
	assert.Equal(t, "p-big", order[0].PositionID)
	assert.Equal(t, "p-small", order[1].PositionID)
}

func TestLiquidationOrderTieBreaksByPositionID(t *testing.T) {
	exposures := []Exposure{
		shortExposure("p-b", 1, 100),
		shortExposure("p-a", 1, 100),
	}
	prices := map[string]decimal.Decimal{"BTC": dec(10000)}

	order, err := LiquidationOrder(exposures, prices, testRates)
	require.NoError(t, err)
	require.Len(t, order, 2)
	assert.Equal(t, "p-a", order[0].PositionID)
	assert.Equal(t, "p-b", order[1].PositionID)

	// 重复计算得到同一顺序
	again, err := LiquidationOrder(exposures, prices, testRates)
	require.NoError(t, err)
	assert.Equal(t, order, again)
}
