// Package domain 期权订单簿领域模型：限价/市价订单与价格-时间优先撮合。
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrInvalidPrice    = errors.New("limit price must be positive")
	ErrNoLiquidity     = errors.New("no liquidity on opposite side")
	ErrOrderNotFound   = errors.New("order not found")
	ErrNotOwner        = errors.New("caller does not own order")
	ErrAlreadyTerminal = errors.New("order already in terminal state")
)

type OrderSide string

const (
	SideBid OrderSide = "BID"
	SideAsk OrderSide = "ASK"
)

type OrderType string

const (
	TypeLimit  OrderType = "LIMIT"
	TypeMarket OrderType = "MARKET"
)

type OrderStatus string

const (
	StatusOpen      OrderStatus = "OPEN"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// Order 订单聚合根。
// 不变量：FilledQuantity + Remaining() == OriginalQuantity，
// 终态 (FILLED / CANCELLED) 的订单不再参与撮合。
type Order struct {
	gorm.Model
	OrderID  string    `gorm:"column:order_id;type:varchar(64);uniqueIndex;not null" json:"order_id"`
	SeriesID string    `gorm:"column:series_id;type:varchar(64);index;not null" json:"series_id"`
	Owner    string    `gorm:"column:owner;type:varchar(64);index;not null" json:"owner"`
	Side     OrderSide `gorm:"column:side;type:varchar(8);not null" json:"side"`
	Type     OrderType `gorm:"column:type;type:varchar(8);not null" json:"type"`
	// Price 限价；市价单为零且不参与价格比较。
	Price            decimal.Decimal `gorm:"column:price;type:decimal(32,18);not null" json:"price"`
	OriginalQuantity decimal.Decimal `gorm:"column:original_quantity;type:decimal(32,18);not null" json:"original_quantity"`
	FilledQuantity   decimal.Decimal `gorm:"column:filled_quantity;type:decimal(32,18);not null" json:"filled_quantity"`
	// AverageFillPrice 已成交部分的数量加权均价
	AverageFillPrice decimal.Decimal `gorm:"column:average_fill_price;type:decimal(32,18);not null" json:"average_fill_price"`
	Status           OrderStatus     `gorm:"column:status;type:varchar(16);not null" json:"status"`
	// LockID 挂单时预留的抵押锁（限价买单的权利金预留），随订单生命周期释放
	LockID   string    `gorm:"column:lock_id;type:varchar(64)" json:"lock_id,omitempty"`
	PlacedAt time.Time `gorm:"column:placed_at;not null" json:"placed_at"`
}

func (Order) TableName() string { return "option_orders" }

// Remaining 未成交数量。
func (o *Order) Remaining() decimal.Decimal {
	return o.OriginalQuantity.Sub(o.FilledQuantity)
}

func (o *Order) IsTerminal() bool {
	return o.Status == StatusFilled || o.Status == StatusCancelled
}

// applyFill 记账一笔成交：累计成交量并维护加权均价。
func (o *Order) applyFill(price, quantity decimal.Decimal) {
	prevNotional := o.AverageFillPrice.Mul(o.FilledQuantity)
	o.FilledQuantity = o.FilledQuantity.Add(quantity)
	o.AverageFillPrice = prevNotional.Add(price.Mul(quantity)).Div(o.FilledQuantity)
	if o.Remaining().IsZero() {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartial
	}
}

// Fill 一笔成交记录。价格始终取被动方（挂单方）的限价。
type Fill struct {
	gorm.Model
	FillID       string          `gorm:"column:fill_id;type:varchar(64);uniqueIndex;not null" json:"fill_id"`
	SeriesID     string          `gorm:"column:series_id;type:varchar(64);index;not null" json:"series_id"`
	BuyOrderID   string          `gorm:"column:buy_order_id;type:varchar(64);index;not null" json:"buy_order_id"`
	SellOrderID  string          `gorm:"column:sell_order_id;type:varchar(64);index;not null" json:"sell_order_id"`
	Buyer        string          `gorm:"column:buyer;type:varchar(64);not null" json:"buyer"`
	Seller       string          `gorm:"column:seller;type:varchar(64);not null" json:"seller"`
	Price        decimal.Decimal `gorm:"column:price;type:decimal(32,18);not null" json:"price"`
	Quantity     decimal.Decimal `gorm:"column:quantity;type:decimal(32,18);not null" json:"quantity"`
	TakerOrderID string          `gorm:"column:taker_order_id;type:varchar(64);not null" json:"taker_order_id"`
	ExecutedAt   time.Time       `gorm:"column:executed_at;not null" json:"executed_at"`
}

func (Fill) TableName() string { return "option_fills" }

// FillSettler 成交结算回调。撮合循环对每笔候选成交先调用结算，
// 结算整体成功才记账；失败则该笔成交不发生且撮合停止。
type FillSettler interface {
	SettleFill(ctx context.Context, fill *Fill, taker, maker *Order) error
}

// FillSettlerFunc 函数适配器
type FillSettlerFunc func(ctx context.Context, fill *Fill, taker, maker *Order) error

func (f FillSettlerFunc) SettleFill(ctx context.Context, fill *Fill, taker, maker *Order) error {
	return f(ctx, fill, taker, maker)
}

// OrderRepository 订单仓储接口
type OrderRepository interface {
	Save(ctx context.Context, order *Order) error
	GetByOrderID(ctx context.Context, orderID string) (*Order, error)
	ListBySeries(ctx context.Context, seriesID string, limit int) ([]*Order, error)
}

// FillRepository 成交仓储接口
type FillRepository interface {
	Save(ctx context.Context, fill *Fill) error
	ListBySeries(ctx context.Context, seriesID string, limit int) ([]*Fill, error)
}
