package application

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	marginapp "github.com/quantclear/optionscore/internal/margin/application"
	margindomain "github.com/quantclear/optionscore/internal/margin/domain"
	oracleapp "github.com/quantclear/optionscore/internal/oracle/application"
	oraclemem "github.com/quantclear/optionscore/internal/oracle/infrastructure/persistence/memory"
	obapp "github.com/quantclear/optionscore/internal/orderbook/application"
	obdomain "github.com/quantclear/optionscore/internal/orderbook/domain"
	obmem "github.com/quantclear/optionscore/internal/orderbook/infrastructure/persistence/memory"
	"github.com/quantclear/optionscore/internal/options/domain"
	optmem "github.com/quantclear/optionscore/internal/options/infrastructure/persistence/memory"
	"github.com/quantclear/optionscore/internal/protocol"
	vaultapp "github.com/quantclear/optionscore/internal/vault/application"
	vaultmem "github.com/quantclear/optionscore/internal/vault/infrastructure/persistence/memory"
)

const (
	admin  = "governance"
	writer = "writer"
	buyer  = "buyer"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type fixture struct {
	now    time.Time
	params *protocol.Params
	svc    *OptionsService
	vault  *vaultapp.VaultService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	params := protocol.Default()
	params.Admins = []string{admin}
	require.NoError(t, params.AddOracleSource("src-1", protocol.SourceCustom))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	oracleSvc := oracleapp.NewOracleService(params,
		oraclemem.NewSettlementPriceRepository(), oraclemem.NewObservationRepository(), nil, nil, logger)
	vaultSvc := vaultapp.NewVaultService("USDC",
		vaultmem.NewVaultRepository(), vaultmem.NewLockRepository(), nil, logger)
	marginSvc := marginapp.NewMarginService(params, oracleSvc, vaultSvc, nil, logger)
	bookSvc := obapp.NewOrderBookService(obmem.NewOrderRepository(), obmem.NewFillRepository(), nil, logger)
	svc := NewOptionsService(params, oracleSvc, vaultSvc, marginSvc, bookSvc,
		optmem.NewSeriesRepository(), optmem.NewPositionRepository(), nil, logger)

	f := &fixture{now: t0, params: params, svc: svc, vault: vaultSvc}
	svc.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) submitPrice(t *testing.T, price int64, ts time.Time) {
	t.Helper()
	require.NoError(t, f.svc.SubmitPrice(context.Background(), oracleapp.SubmitPriceCommand{
		Asset: "BTC", Price: dec(price), Timestamp: ts, SourceID: "src-1",
	}))
}

func (f *fixture) createCallSeries(t *testing.T) *domain.OptionSeries {
	t.Helper()
	series, err := f.svc.CreateSeries(context.Background(), admin, CreateSeriesCommand{
		Underlying:   "BTC",
		Type:         domain.TypeCall,
		Strike:       dec(10000),
		Expiry:       t0.Add(24 * time.Hour),
		ContractSize: dec(100),
		Settlement:   domain.SettleCash,
		Style:        domain.StyleEuropean,
	})
	require.NoError(t, err)
	return series
}

// writeAndBuy 写方挂卖单、买方吃单，建立 1 手多空对。
func (f *fixture) writeAndBuy(t *testing.T, seriesID string, premium, qty int64) {
	t.Helper()
	ctx := context.Background()
	_, fills, err := f.svc.WriteOption(ctx, writer, seriesID, dec(premium), dec(qty))
	require.NoError(t, err)
	require.Empty(t, fills)

	_, fills, err = f.svc.BuyOption(ctx, buyer, seriesID, dec(premium), dec(qty))
	require.NoError(t, err)
	require.Len(t, fills, 1)
}

func TestCreateSeriesAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateSeries(ctx, "mallory", CreateSeriesCommand{
		Underlying: "BTC", Type: domain.TypeCall, Strike: dec(10000),
		Expiry: t0.Add(time.Hour), ContractSize: dec(100), Settlement: domain.SettleCash,
	})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	// 非法参数逐项拒绝
	for _, cmd := range []CreateSeriesCommand{
		{Underlying: "", Type: domain.TypeCall, Strike: dec(1), Expiry: t0.Add(time.Hour), ContractSize: dec(100), Settlement: domain.SettleCash},
		{Underlying: "BTC", Type: "STRADDLE", Strike: dec(1), Expiry: t0.Add(time.Hour), ContractSize: dec(100), Settlement: domain.SettleCash},
		{Underlying: "BTC", Type: domain.TypeCall, Strike: dec(0), Expiry: t0.Add(time.Hour), ContractSize: dec(100), Settlement: domain.SettleCash},
		{Underlying: "BTC", Type: domain.TypeCall, Strike: dec(1), Expiry: t0.Add(-time.Hour), ContractSize: dec(100), Settlement: domain.SettleCash},
		{Underlying: "BTC", Type: domain.TypeCall, Strike: dec(1), Expiry: t0.Add(time.Hour), ContractSize: dec(0), Settlement: domain.SettleCash},
		{Underlying: "BTC", Type: domain.TypeCall, Strike: dec(1), Expiry: t0.Add(time.Hour), ContractSize: dec(100), Settlement: "BARTER"},
	} {
		_, err := f.svc.CreateSeries(ctx, admin, cmd)
		assert.ErrorIs(t, err, domain.ErrInvalidSeriesParameters)
	}
}

func TestWriteRequiresMargin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitPrice(t, 10000, t0.Add(-time.Second))
	series := f.createCallSeries(t)

	// 开 1 手空头需要 10000×100×1.5 = 1,500,000
	require.NoError(t, f.svc.Deposit(ctx, writer, dec(1_499_999)))
	_, _, err := f.svc.WriteOption(ctx, writer, series.SeriesID, dec(500), dec(1))
	assert.ErrorIs(t, err, margindomain.ErrInsufficientMargin)

	require.NoError(t, f.svc.Deposit(ctx, writer, dec(1)))
	_, _, err = f.svc.WriteOption(ctx, writer, series.SeriesID, dec(500), dec(1))
	require.NoError(t, err)
}

func TestPremiumFlowAndMarginLockOnFill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitPrice(t, 10000, t0.Add(-time.Second))
	series := f.createCallSeries(t)

	require.NoError(t, f.svc.Deposit(ctx, writer, dec(1_600_000)))
	require.NoError(t, f.svc.Deposit(ctx, buyer, dec(1_000)))
	f.writeAndBuy(t, series.SeriesID, 500, 1)

	// 买方支付权利金 500，预留精确耗尽
	bv, err := f.svc.GetVault(ctx, buyer)
	require.NoError(t, err)
	assert.True(t, bv.Deposited.Equal(dec(500)))
	assert.True(t, bv.Locked.IsZero())

	// 卖方收到权利金并锁定开仓保证金 1,500,000
	wv, err := f.svc.GetVault(ctx, writer)
	require.NoError(t, err)
	assert.True(t, wv.Deposited.Equal(dec(1_600_500)))
	assert.True(t, wv.Locked.Equal(dec(1_500_000)))

	require.NoError(t, f.vault.CheckInvariants(writer))
	require.NoError(t, f.vault.CheckInvariants(buyer))

	// 头寸账本：买方 +1，卖方 −1
	long, err := f.svc.GetPosition(buyer, series.SeriesID)
	require.NoError(t, err)
	assert.True(t, long.Quantity.Equal(dec(1)))
	assert.True(t, long.PremiumPaid.Equal(dec(500)))

	short, err := f.svc.GetPosition(writer, series.SeriesID)
	require.NoError(t, err)
	assert.True(t, short.Quantity.Equal(dec(-1)))
	assert.True(t, short.PremiumReceived.Equal(dec(500)))
	assert.NotEmpty(t, short.LockID)

	// 卖方保证金快照：锁定恰为初始要求
	am, err := f.svc.AccountMargin(ctx, writer)
	require.NoError(t, err)
	assert.Equal(t, margindomain.RiskNormal, am.RiskLevel)
	assert.True(t, am.InitialRequirement.Equal(dec(1_500_000)))
}

func TestCancelReleasesReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitPrice(t, 10000, t0.Add(-time.Second))
	series := f.createCallSeries(t)

	require.NoError(t, f.svc.Deposit(ctx, buyer, dec(5_000)))
	order, fills, err := f.svc.BuyOption(ctx, buyer, series.SeriesID, dec(500), dec(4))
	require.NoError(t, err)
	assert.Empty(t, fills)

	// 挂单预留权利金 500×4
	assert.True(t, f.vault.Available(buyer).Equal(dec(3_000)))

	_, err = f.svc.CancelOrder(ctx, buyer, order.OrderID)
	require.NoError(t, err)
	assert.True(t, f.vault.Available(buyer).Equal(dec(5_000)))
	require.NoError(t, f.vault.CheckInvariants(buyer))
}

func TestEuropeanExerciseLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitPrice(t, 10000, t0.Add(-time.Second))
	series := f.createCallSeries(t)

	require.NoError(t, f.svc.Deposit(ctx, writer, dec(1_600_000)))
	require.NoError(t, f.svc.Deposit(ctx, buyer, dec(1_000)))
	f.writeAndBuy(t, series.SeriesID, 500, 1)

	// 到期前欧式行权被拒
	_, err := f.svc.Exercise(ctx, buyer, series.SeriesID, dec(1))
	assert.ErrorIs(t, err, domain.ErrNotExpired)

	// 越过到期，喂入结算区间内的观测并敲定交割价 11000
	f.now = t0.Add(24*time.Hour + time.Minute)
	f.submitPrice(t, 11000, t0.Add(24*time.Hour))
	f.submitPrice(t, 11000, t0.Add(24*time.Hour+30*time.Second))

	// 交割价敲定前行权被拒
	_, err = f.svc.Exercise(ctx, buyer, series.SeriesID, dec(1))
	assert.ErrorIs(t, err, domain.ErrSettlementNotFinalized)

	// 敲定交割价是管理员操作
	_, err = f.svc.FinalizeSettlement(ctx, "mallory", series.SeriesID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	sp, err := f.svc.FinalizeSettlement(ctx, admin, series.SeriesID)
	require.NoError(t, err)
	assert.True(t, sp.Price.Equal(dec(11000)))

	// 行权：每单位内在价值 1000 × 合约规模 100 = 100,000
	res, err := f.svc.Exercise(ctx, buyer, series.SeriesID, dec(1))
	require.NoError(t, err)
	assert.True(t, res.Payout.Equal(dec(100_000)))
	assert.True(t, res.SettlementPrice.Equal(dec(11000)))

	// 支付从卖方头寸锁划扣，剩余锁全额释放
	wv, err := f.svc.GetVault(ctx, writer)
	require.NoError(t, err)
	assert.True(t, wv.Deposited.Equal(dec(1_500_500)), "got %s", wv.Deposited)
	assert.True(t, wv.Locked.IsZero())

	bv, err := f.svc.GetVault(ctx, buyer)
	require.NoError(t, err)
	assert.True(t, bv.Deposited.Equal(dec(100_500)))

	require.NoError(t, f.vault.CheckInvariants(writer))
	require.NoError(t, f.vault.CheckInvariants(buyer))

	// 双边头寸清零后系列可结算下架
	_, err = f.svc.GetPosition(buyer, series.SeriesID)
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
	_, err = f.svc.GetPosition(writer, series.SeriesID)
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)

	require.NoError(t, f.svc.SettleExpiredSeries(ctx, admin, series.SeriesID))
	got, err := f.svc.GetSeries(series.SeriesID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

func TestSettleExpiredSeriesRejectsOpenPositions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitPrice(t, 10000, t0.Add(-time.Second))
	series := f.createCallSeries(t)

	require.NoError(t, f.svc.Deposit(ctx, writer, dec(1_600_000)))
	require.NoError(t, f.svc.Deposit(ctx, buyer, dec(1_000)))
	f.writeAndBuy(t, series.SeriesID, 500, 1)

	// 未到期
	assert.ErrorIs(t, f.svc.SettleExpiredSeries(ctx, admin, series.SeriesID), domain.ErrNotExpired)

	f.now = t0.Add(25 * time.Hour)
	assert.ErrorIs(t, f.svc.SettleExpiredSeries(ctx, admin, series.SeriesID), domain.ErrOpenPositionsRemain)
	assert.ErrorIs(t, f.svc.SettleExpiredSeries(ctx, "mallory", series.SeriesID), domain.ErrUnauthorized)
}

func TestExpiredSeriesRejectsNewOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitPrice(t, 10000, t0.Add(-time.Second))
	series := f.createCallSeries(t)

	f.now = t0.Add(25 * time.Hour)
	require.NoError(t, f.svc.Deposit(ctx, buyer, dec(1_000)))
	_, _, err := f.svc.BuyOption(ctx, buyer, series.SeriesID, dec(500), dec(1))
	assert.ErrorIs(t, err, domain.ErrSeriesInactive)
}

func TestPriceRiseTriggersLiquidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitPrice(t, 10000, t0.Add(-time.Second))
	series := f.createCallSeries(t)

	require.NoError(t, f.svc.Deposit(ctx, writer, dec(1_600_000)))
	require.NoError(t, f.svc.Deposit(ctx, buyer, dec(1_000)))
	f.writeAndBuy(t, series.SeriesID, 500, 1)

	// 价格升至 12000：维持要求 1,440,000，触发阈值 1,584,000 > 锁定 1,500,000
	f.now = t0.Add(time.Minute)
	f.submitPrice(t, 12000, t0.Add(30*time.Second))

	// 头寸已被强平
	_, err := f.svc.GetPosition(writer, series.SeriesID)
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)

	// 罚没额 = 维持要求，进入清算基金；锁定余额退回卖方
	fund, err := f.svc.GetVault(ctx, f.params.LiquidationFund)
	require.NoError(t, err)
	assert.True(t, fund.Deposited.Equal(dec(1_440_000)), "got %s", fund.Deposited)

	wv, err := f.svc.GetVault(ctx, writer)
	require.NoError(t, err)
	assert.True(t, wv.Locked.IsZero())
	assert.True(t, wv.Deposited.Equal(dec(160_500)), "got %s", wv.Deposited)

	// 强平后账户不再处于可强平档位
	am, err := f.svc.AccountMargin(ctx, writer)
	require.NoError(t, err)
	assert.Equal(t, margindomain.RiskNormal, am.RiskLevel)

	require.NoError(t, f.vault.CheckInvariants(writer))
	require.NoError(t, f.vault.CheckInvariants(f.params.LiquidationFund))
}

func TestAmericanEarlyExercise(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitPrice(t, 10000, t0.Add(-time.Second))

	series, err := f.svc.CreateSeries(ctx, admin, CreateSeriesCommand{
		Underlying:   "BTC",
		Type:         domain.TypeCall,
		Strike:       dec(10000),
		Expiry:       t0.Add(24 * time.Hour),
		ContractSize: dec(100),
		Settlement:   domain.SettleCash,
		Style:        domain.StyleAmerican,
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.Deposit(ctx, writer, dec(1_700_000)))
	require.NoError(t, f.svc.Deposit(ctx, buyer, dec(1_000)))
	f.writeAndBuy(t, series.SeriesID, 500, 1)

	// 现价升至 11000 后提前行权，按新鲜现价结算
	f.now = t0.Add(time.Minute)
	f.submitPrice(t, 11000, t0.Add(30*time.Second))

	res, err := f.svc.Exercise(ctx, buyer, series.SeriesID, dec(1))
	require.NoError(t, err)
	assert.True(t, res.Payout.Equal(dec(100_000)))
	assert.True(t, res.SettlementPrice.Equal(dec(11000)))

	wv, err := f.svc.GetVault(ctx, writer)
	require.NoError(t, err)
	assert.True(t, wv.Locked.IsZero())
	require.NoError(t, f.vault.CheckInvariants(writer))
}

func TestExerciseValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitPrice(t, 10000, t0.Add(-time.Second))
	series := f.createCallSeries(t)

	// 无多头头寸
	_, err := f.svc.Exercise(ctx, buyer, series.SeriesID, dec(1))
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)

	require.NoError(t, f.svc.Deposit(ctx, writer, dec(1_600_000)))
	require.NoError(t, f.svc.Deposit(ctx, buyer, dec(1_000)))
	f.writeAndBuy(t, series.SeriesID, 500, 1)

	// 数量越界
	f.now = t0.Add(24*time.Hour + time.Minute)
	_, err = f.svc.Exercise(ctx, buyer, series.SeriesID, dec(2))
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
	_, err = f.svc.Exercise(ctx, buyer, series.SeriesID, dec(0))
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	// 空头方不能行权
	_, err = f.svc.Exercise(ctx, writer, series.SeriesID, dec(1))
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
}

func TestUpdateRiskParameters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.UpdateRiskParameters(ctx, "mallory", UpdateRiskParametersCommand{})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	// 倒挂的乘数被拒绝，共享参数保持不变
	err = f.svc.UpdateRiskParameters(ctx, admin, UpdateRiskParametersCommand{
		InitialMarginRate: decimal.NewFromFloat(1.1),
	})
	assert.ErrorIs(t, err, protocol.ErrInvalidParams)
	assert.True(t, f.params.InitialMarginRate.Equal(decimal.NewFromFloat(1.5)))

	require.NoError(t, f.svc.UpdateRiskParameters(ctx, admin, UpdateRiskParametersCommand{
		InitialMarginRate:     decimal.NewFromFloat(2.0),
		MaintenanceMarginRate: decimal.NewFromFloat(1.5),
		MaxStaleness:          time.Minute,
	}))
	assert.True(t, f.params.InitialMarginRate.Equal(decimal.NewFromFloat(2.0)))
	assert.Equal(t, time.Minute, f.params.MaxStaleness)
}

func TestOutOfTheMoneyExercisePaysNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitPrice(t, 10000, t0.Add(-time.Second))
	series := f.createCallSeries(t)

	require.NoError(t, f.svc.Deposit(ctx, writer, dec(1_600_000)))
	require.NoError(t, f.svc.Deposit(ctx, buyer, dec(1_000)))
	f.writeAndBuy(t, series.SeriesID, 500, 1)

	// 价外到期：交割价 9000
	f.now = t0.Add(24*time.Hour + time.Minute)
	f.submitPrice(t, 9000, t0.Add(24*time.Hour))
	f.submitPrice(t, 9000, t0.Add(24*time.Hour+30*time.Second))
	_, err := f.svc.FinalizeSettlement(ctx, admin, series.SeriesID)
	require.NoError(t, err)

	res, err := f.svc.Exercise(ctx, buyer, series.SeriesID, dec(1))
	require.NoError(t, err)
	assert.True(t, res.Payout.IsZero())

	// 卖方抵押分文未动（价外行权只消灭头寸），空头照常指派平仓、整锁释放
	wv, err := f.svc.GetVault(ctx, writer)
	require.NoError(t, err)
	assert.True(t, wv.Deposited.Equal(dec(1_600_500)))
	assert.True(t, wv.Locked.IsZero(), "got %s", wv.Locked)
	_, err = f.svc.GetPosition(writer, series.SeriesID)
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
	require.NoError(t, f.vault.CheckInvariants(writer))

	// 双边清零后系列可交割下架
	require.NoError(t, f.svc.SettleExpiredSeries(ctx, admin, series.SeriesID))
}

func TestInterruptedBidReleasesReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submitPrice(t, 10000, t0.Add(-time.Second))
	series := f.createCallSeries(t)

	// 两个卖方各挂 1 手，第二个随后被冻结
	writer2 := "writer-2"
	require.NoError(t, f.svc.Deposit(ctx, writer, dec(1_600_000)))
	require.NoError(t, f.svc.Deposit(ctx, writer2, dec(1_600_000)))
	_, _, err := f.svc.WriteOption(ctx, writer, series.SeriesID, dec(500), dec(1))
	require.NoError(t, err)
	_, _, err = f.svc.WriteOption(ctx, writer2, series.SeriesID, dec(500), dec(1))
	require.NoError(t, err)
	require.NoError(t, f.svc.FreezeVault(ctx, admin, writer2))

	// 买方吃 2 手：第一笔成交生效，第二笔因卖方冻结中断
	require.NoError(t, f.svc.Deposit(ctx, buyer, dec(2_000)))
	order, fills, err := f.svc.BuyOption(ctx, buyer, series.SeriesID, dec(500), dec(2))
	require.NoError(t, err)
	require.Len(t, fills, 1)

	// 中断的剩余不挂簿且进入终态，剩余预留立即退回
	assert.Equal(t, obdomain.StatusCancelled, order.Status)
	assert.True(t, order.FilledQuantity.Equal(dec(1)))
	assert.True(t, f.vault.Available(buyer).Equal(dec(1_500)), "got %s", f.vault.Available(buyer))

	bv, err := f.svc.GetVault(ctx, buyer)
	require.NoError(t, err)
	assert.True(t, bv.Locked.IsZero())
	require.NoError(t, f.vault.CheckInvariants(buyer))

	// 终态订单：重复撤单被拒而非悬置
	_, err = f.svc.CancelOrder(ctx, buyer, order.OrderID)
	assert.ErrorIs(t, err, obdomain.ErrAlreadyTerminal)
}
