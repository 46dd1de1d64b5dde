package domain

import (
	"container/list"
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/algos/structures"
)

// PriceLevel 同一价格档位下的订单队列，保证时间优先 (FIFO)。
type PriceLevel struct {
	Price  decimal.Decimal
	Orders *list.List // 存储 *Order
}

func NewPriceLevel(price decimal.Decimal) *PriceLevel {
	return &PriceLevel{Price: price, Orders: list.New()}
}

// restingRef 挂单在簿中的位置索引，支撑 O(logN) 撤单。
type restingRef struct {
	order   *Order
	side    OrderSide
	key     float64
	level   *PriceLevel
	element *list.Element
}

// Book 单个系列的内存订单簿。无内部锁，由宿主保证单写者访问。
type Book struct {
	SeriesID string

	// Bids 买盘：Key 为 -Price (降序遍历)；Asks 卖盘：Key 为 Price (升序遍历)
	Bids *structures.SkipList[float64, *PriceLevel]
	Asks *structures.SkipList[float64, *PriceLevel]

	resting map[string]*restingRef // order_id → 位置

	newFillID func() string
	now       func() time.Time
}

func NewBook(seriesID string, newFillID func() string, now func() time.Time) *Book {
	return &Book{
		SeriesID:  seriesID,
		Bids:      structures.NewSkipList[float64, *PriceLevel](),
		Asks:      structures.NewSkipList[float64, *PriceLevel](),
		resting:   make(map[string]*restingRef),
		newFillID: newFillID,
		now:       now,
	}
}

// Match 撮合进入的订单。
// 价格-时间优先，成交价取被动方限价。每笔候选成交先经结算回调，
// 回调失败则该笔成交不发生、撮合立即停止，剩余按订单类型处理
// （限价挂簿，市价剩余作废）。
func (b *Book) Match(ctx context.Context, taker *Order, settler FillSettler) ([]*Fill, error) {
	opposite := b.Asks
	if taker.Side == SideAsk {
		opposite = b.Bids
	}

	if taker.Type == TypeMarket {
		if _, _, ok := opposite.Iterator().Next(); !ok {
			return nil, ErrNoLiquidity
		}
	}

	fills, settleFailed := b.matchAgainst(ctx, taker, opposite, settler)

	if taker.Remaining().IsPositive() {
		switch {
		case taker.Type == TypeLimit && !settleFailed:
			b.rest(taker)
		default:
			// 市价剩余或结算中断的限价剩余：不挂簿，直接进入终态，
			// 宿主据此释放随单预留。
			taker.Status = StatusCancelled
		}
	}
	if taker.Type == TypeMarket && len(fills) == 0 {
		taker.Status = StatusCancelled
		return nil, ErrNoLiquidity
	}
	return fills, nil
}

func (b *Book) matchAgainst(ctx context.Context, taker *Order, opposite *structures.SkipList[float64, *PriceLevel], settler FillSettler) ([]*Fill, bool) {
	var fills []*Fill

	it := opposite.Iterator()
	for {
		key, level, ok := it.Next()
		if !ok {
			break
		}
		if taker.Type == TypeLimit && !b.priceCrosses(taker, level.Price) {
			break
		}

		var next *list.Element
		for el := level.Orders.Front(); el != nil; el = next {
			next = el.Next()
			maker := el.Value.(*Order)

			qty := decimal.Min(taker.Remaining(), maker.Remaining())
			fill := &Fill{
				FillID:       b.newFillID(),
				SeriesID:     b.SeriesID,
				Price:        level.Price,
				Quantity:     qty,
				TakerOrderID: taker.OrderID,
				ExecutedAt:   b.now(),
			}
			if taker.Side == SideBid {
				fill.BuyOrderID, fill.Buyer = taker.OrderID, taker.Owner
				fill.SellOrderID, fill.Seller = maker.OrderID, maker.Owner
			} else {
				fill.BuyOrderID, fill.Buyer = maker.OrderID, maker.Owner
				fill.SellOrderID, fill.Seller = taker.OrderID, taker.Owner
			}

			if settler != nil {
				if err := settler.SettleFill(ctx, fill, taker, maker); err != nil {
					// 结算失败：成交不发生，撮合停止，已有成交保持生效。
					if level.Orders.Len() == 0 {
						opposite.Delete(key)
					}
					return fills, true
				}
			}

			taker.applyFill(level.Price, qty)
			maker.applyFill(level.Price, qty)
			fills = append(fills, fill)

			if maker.Remaining().IsZero() {
				level.Orders.Remove(el)
				delete(b.resting, maker.OrderID)
			}
			if taker.Remaining().IsZero() {
				break
			}
		}

		if level.Orders.Len() == 0 {
			opposite.Delete(key)
		}
		if taker.Remaining().IsZero() {
			break
		}
	}
	return fills, false
}

func (b *Book) priceCrosses(taker *Order, restingPrice decimal.Decimal) bool {
	if taker.Side == SideBid {
		return taker.Price.GreaterThanOrEqual(restingPrice)
	}
	return taker.Price.LessThanOrEqual(restingPrice)
}

// rest 将限价剩余挂入簿中。
func (b *Book) rest(o *Order) {
	book := b.Asks
	key := o.Price.InexactFloat64()
	if o.Side == SideBid {
		book = b.Bids
		key = -key
	}
	level, ok := book.Search(key)
	if !ok {
		level = NewPriceLevel(o.Price)
		book.Insert(key, level)
	}
	el := level.Orders.PushBack(o)
	b.resting[o.OrderID] = &restingRef{order: o, side: o.Side, key: key, level: level, element: el}
}

// Cancel 撤销挂单，返回被撤订单。重复撤销或已成交返回 ErrAlreadyTerminal。
func (b *Book) Cancel(orderID, owner string) (*Order, error) {
	ref, ok := b.resting[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if ref.order.Owner != owner {
		return nil, ErrNotOwner
	}
	ref.level.Orders.Remove(ref.element)
	delete(b.resting, orderID)

	side := b.Asks
	if ref.side == SideBid {
		side = b.Bids
	}
	if ref.level.Orders.Len() == 0 {
		side.Delete(ref.key)
	}
	ref.order.Status = StatusCancelled
	return ref.order, nil
}

// Resting 返回仍在簿中的订单。
func (b *Book) Resting(orderID string) (*Order, bool) {
	ref, ok := b.resting[orderID]
	if !ok {
		return nil, false
	}
	return ref.order, true
}

// BestBid / BestAsk 盘口最优价。
func (b *Book) BestBid() (decimal.Decimal, bool) { return b.best(b.Bids) }
func (b *Book) BestAsk() (decimal.Decimal, bool) { return b.best(b.Asks) }

func (b *Book) best(side *structures.SkipList[float64, *PriceLevel]) (decimal.Decimal, bool) {
	_, level, ok := side.Iterator().Next()
	if !ok {
		return decimal.Zero, false
	}
	return level.Price, true
}

// BookLevel 快照档位
type BookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Snapshot 按深度聚合的簿快照
type Snapshot struct {
	SeriesID  string       `json:"series_id"`
	Bids      []*BookLevel `json:"bids"`
	Asks      []*BookLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"`
}

// Snapshot 聚合前 depth 档的价量。
func (b *Book) Snapshot(depth int) *Snapshot {
	return &Snapshot{
		SeriesID:  b.SeriesID,
		Bids:      b.collect(b.Bids, depth),
		Asks:      b.collect(b.Asks, depth),
		Timestamp: b.now().Unix(),
	}
}

func (b *Book) collect(side *structures.SkipList[float64, *PriceLevel], depth int) []*BookLevel {
	levels := make([]*BookLevel, 0, depth)
	it := side.Iterator()
	for i := 0; i < depth; i++ {
		_, level, ok := it.Next()
		if !ok {
			break
		}
		total := decimal.Zero
		for el := level.Orders.Front(); el != nil; el = el.Next() {
			total = total.Add(el.Value.(*Order).Remaining())
		}
		levels = append(levels, &BookLevel{Price: level.Price, Quantity: total})
	}
	return levels
}
