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

	"github.com/quantclear/optionscore/internal/orderbook/domain"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newTestService() *OrderBookService {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewOrderBookService(nil, nil, nil, logger)
	svc.SetClock(func() time.Time { return t0 })
	return svc
}

func limit(owner string, side domain.OrderSide, price, qty int64) PlaceOrderCommand {
	return PlaceOrderCommand{
		Owner: owner, SeriesID: "series-1",
		Side: side, Type: domain.TypeLimit,
		Price: dec(price), Quantity: dec(qty),
	}
}

func market(owner string, side domain.OrderSide, qty int64) PlaceOrderCommand {
	return PlaceOrderCommand{
		Owner: owner, SeriesID: "series-1",
		Side: side, Type: domain.TypeMarket, Quantity: dec(qty),
	}
}

func TestPartialFillLeavesRemainder(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	ask, fills, err := svc.PlaceOrder(ctx, limit("maker", domain.SideAsk, 105, 10))
	require.NoError(t, err)
	assert.Empty(t, fills)
	assert.Equal(t, domain.StatusOpen, ask.Status)

	bid, fills, err := svc.PlaceOrder(ctx, limit("taker", domain.SideBid, 105, 4))
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Price.Equal(dec(105)))
	assert.True(t, fills[0].Quantity.Equal(dec(4)))
	assert.Equal(t, "taker", fills[0].Buyer)
	assert.Equal(t, "maker", fills[0].Seller)

	assert.Equal(t, domain.StatusFilled, bid.Status)
	assert.True(t, bid.AverageFillPrice.Equal(dec(105)))

	assert.Equal(t, domain.StatusPartial, ask.Status)
	assert.True(t, ask.FilledQuantity.Equal(dec(4)))
	assert.True(t, ask.Remaining().Equal(dec(6)))
	assert.True(t, ask.FilledQuantity.Add(ask.Remaining()).Equal(ask.OriginalQuantity))
}

func TestTradesAtRestingPrice(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, _, err := svc.PlaceOrder(ctx, limit("maker", domain.SideAsk, 100, 5))
	require.NoError(t, err)

	// 激进买单按被动方价格成交
	bid, fills, err := svc.PlaceOrder(ctx, limit("taker", domain.SideBid, 110, 5))
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Price.Equal(dec(100)))
	assert.True(t, bid.AverageFillPrice.Equal(dec(100)))
}

func TestPriceTimePriority(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	first, _, err := svc.PlaceOrder(ctx, limit("a", domain.SideAsk, 100, 3))
	require.NoError(t, err)
	second, _, err := svc.PlaceOrder(ctx, limit("b", domain.SideAsk, 100, 3))
	require.NoError(t, err)
	cheaper, _, err := svc.PlaceOrder(ctx, limit("c", domain.SideAsk, 99, 3))
	require.NoError(t, err)

	_, fills, err := svc.PlaceOrder(ctx, market("taker", domain.SideBid, 7))
	require.NoError(t, err)
	require.Len(t, fills, 3)
	// 价格优先：99 先成交；同价按时间先后
	assert.Equal(t, cheaper.OrderID, fills[0].SellOrderID)
	assert.Equal(t, first.OrderID, fills[1].SellOrderID)
	assert.Equal(t, second.OrderID, fills[2].SellOrderID)
	assert.True(t, fills[2].Quantity.Equal(dec(1)))
}

func TestMarketOrderWithoutLiquidity(t *testing.T) {
	svc := newTestService()
	_, _, err := svc.PlaceOrder(context.Background(), market("taker", domain.SideBid, 1))
	assert.ErrorIs(t, err, domain.ErrNoLiquidity)
}

func TestMarketRemainderIsCancelled(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, _, err := svc.PlaceOrder(ctx, limit("maker", domain.SideAsk, 100, 2))
	require.NoError(t, err)

	order, fills, err := svc.PlaceOrder(ctx, market("taker", domain.SideBid, 5))
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.True(t, order.FilledQuantity.Equal(dec(2)))
	assert.Equal(t, domain.StatusCancelled, order.Status)

	// 市价剩余不挂簿
	_, _, hasBid, hasAsk := svc.BestQuotes("series-1")
	assert.False(t, hasBid)
	assert.False(t, hasAsk)
}

func TestCancelOrder(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	order, _, err := svc.PlaceOrder(ctx, limit("alice", domain.SideBid, 95, 5))
	require.NoError(t, err)

	_, err = svc.CancelOrder(ctx, "mallory", order.OrderID)
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	cancelled, err := svc.CancelOrder(ctx, "alice", order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)

	_, err = svc.CancelOrder(ctx, "alice", order.OrderID)
	assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)

	_, err = svc.CancelOrder(ctx, "alice", "no-such-order")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestRejectsInvalidOrders(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, _, err := svc.PlaceOrder(ctx, limit("alice", domain.SideBid, 100, 0))
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, _, err = svc.PlaceOrder(ctx, limit("alice", domain.SideBid, 0, 1))
	assert.ErrorIs(t, err, domain.ErrInvalidPrice)
}

func TestSettlerFailureStopsMatching(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	m1, _, err := svc.PlaceOrder(ctx, limit("m1", domain.SideAsk, 100, 2))
	require.NoError(t, err)
	m2, _, err := svc.PlaceOrder(ctx, limit("m2", domain.SideAsk, 101, 2))
	require.NoError(t, err)

	calls := 0
	svc.SetSettler(domain.FillSettlerFunc(func(ctx context.Context, fill *domain.Fill, taker, maker *domain.Order) error {
		calls++
		if calls == 2 {
			return assert.AnError
		}
		return nil
	}))

	order, fills, err := svc.PlaceOrder(ctx, limit("taker", domain.SideBid, 101, 4))
	require.NoError(t, err)
	// 第一笔成交生效，第二笔被结算拒绝后撮合停止
	require.Len(t, fills, 1)
	assert.True(t, order.FilledQuantity.Equal(dec(2)))

	assert.Equal(t, m1.OrderID, fills[0].SellOrderID)
	assert.True(t, m1.FilledQuantity.Equal(dec(2)))

	// 结算中断的限价剩余不挂簿，订单进入终态
	_, resting := svc.book("series-1").Resting(order.OrderID)
	assert.False(t, resting)
	assert.Equal(t, domain.StatusCancelled, order.Status)
	assert.True(t, order.FilledQuantity.Add(order.Remaining()).Equal(order.OriginalQuantity))
	// 被拒绝的被动单保持原量
	assert.True(t, m2.FilledQuantity.IsZero())

	// 终态订单可预期地拒绝撤单，而非卡在不可撤状态
	_, err = svc.CancelOrder(ctx, "taker", order.OrderID)
	assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)
}

func TestMatchingIsDeterministic(t *testing.T) {
	run := func() ([]*domain.Fill, *domain.Snapshot) {
		svc := newTestService()
		ctx := context.Background()
		var all []*domain.Fill
		cmds := []PlaceOrderCommand{
			limit("a", domain.SideAsk, 102, 5),
			limit("b", domain.SideAsk, 101, 3),
			limit("c", domain.SideBid, 99, 4),
			limit("d", domain.SideBid, 101, 6),
			limit("e", domain.SideAsk, 99, 8),
		}
		for _, cmd := range cmds {
			_, fills, err := svc.PlaceOrder(ctx, cmd)
			require.NoError(t, err)
			all = append(all, fills...)
		}
		return all, svc.Snapshot("series-1", 10)
	}

	fills1, snap1 := run()
	fills2, snap2 := run()

	require.Equal(t, len(fills1), len(fills2))
	for i := range fills1 {
		assert.True(t, fills1[i].Price.Equal(fills2[i].Price))
		assert.True(t, fills1[i].Quantity.Equal(fills2[i].Quantity))
		assert.Equal(t, fills1[i].Buyer, fills2[i].Buyer)
		assert.Equal(t, fills1[i].Seller, fills2[i].Seller)
	}
	assert.Equal(t, snap1.Bids, snap2.Bids)
	assert.Equal(t, snap1.Asks, snap2.Asks)
}

func TestSnapshotAggregatesLevels(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, _, err := svc.PlaceOrder(ctx, limit("a", domain.SideBid, 100, 2))
	require.NoError(t, err)
	_, _, err = svc.PlaceOrder(ctx, limit("b", domain.SideBid, 100, 3))
	require.NoError(t, err)
	_, _, err = svc.PlaceOrder(ctx, limit("c", domain.SideBid, 99, 1))
	require.NoError(t, err)

	snap := svc.Snapshot("series-1", 10)
	require.Len(t, snap.Bids, 2)
	assert.True(t, snap.Bids[0].Price.Equal(dec(100)))
	assert.True(t, snap.Bids[0].Quantity.Equal(dec(5)))
	assert.True(t, snap.Bids[1].Price.Equal(dec(99)))
	assert.Empty(t, snap.Asks)
}
