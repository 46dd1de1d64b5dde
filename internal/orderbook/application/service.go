// Package application 订单簿应用服务：下单、撤单与簿快照。
package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/idgen"
	"github.com/wyfcoding/pkg/messagequeue"

	"github.com/quantclear/optionscore/internal/orderbook/domain"
)

// PlaceOrderCommand 下单命令。市价单 Price 为零。
type PlaceOrderCommand struct {
	Owner    string
	SeriesID string
	Side     domain.OrderSide
	Type     domain.OrderType
	Price    decimal.Decimal
	Quantity decimal.Decimal
	// LockID 宿主预留的抵押锁，随订单生命周期管理。
	LockID string
}

// OrderBookService 管理每个系列一个簿。无内部锁，
// 由宿主（期权门面）保证单写者访问。
type OrderBookService struct {
	books  map[string]*domain.Book  // series_id → book
	orders map[string]*domain.Order // order_id → order（含终态）

	settler   domain.FillSettler
	orderRepo domain.OrderRepository
	fillRepo  domain.FillRepository
	publisher messagequeue.EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewOrderBookService(
	orderRepo domain.OrderRepository,
	fillRepo domain.FillRepository,
	publisher messagequeue.EventPublisher,
	logger *slog.Logger,
) *OrderBookService {
	return &OrderBookService{
		books:     make(map[string]*domain.Book),
		orders:    make(map[string]*domain.Order),
		orderRepo: orderRepo,
		fillRepo:  fillRepo,
		publisher: publisher,
		logger:    logger.With("module", "orderbook_service"),
		now:       time.Now,
	}
}

// SetSettler 注入成交结算回调（期权核心）。
func (s *OrderBookService) SetSettler(settler domain.FillSettler) { s.settler = settler }

// SetClock 测试用时钟注入。
func (s *OrderBookService) SetClock(now func() time.Time) { s.now = now }

func (s *OrderBookService) book(seriesID string) *domain.Book {
	b, ok := s.books[seriesID]
	if !ok {
		b = domain.NewBook(seriesID, idgen.GenIDString, func() time.Time { return s.now() })
		s.books[seriesID] = b
	}
	return b
}

// PlaceOrder 校验并撮合新订单，返回订单终态与成交列表。
func (s *OrderBookService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (*domain.Order, []*domain.Fill, error) {
	if cmd.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil, nil, domain.ErrInvalidQuantity
	}
	if cmd.Type == domain.TypeLimit && cmd.Price.LessThanOrEqual(decimal.Zero) {
		return nil, nil, domain.ErrInvalidPrice
	}

	order := &domain.Order{
		OrderID:          idgen.GenIDString(),
		SeriesID:         cmd.SeriesID,
		Owner:            cmd.Owner,
		Side:             cmd.Side,
		Type:             cmd.Type,
		Price:            cmd.Price,
		OriginalQuantity: cmd.Quantity,
		FilledQuantity:   decimal.Zero,
		AverageFillPrice: decimal.Zero,
		Status:           domain.StatusOpen,
		LockID:           cmd.LockID,
		PlacedAt:         s.now(),
	}

	fills, err := s.book(cmd.SeriesID).Match(ctx, order, s.settler)
	if err != nil {
		return nil, nil, err
	}

	s.orders[order.OrderID] = order
	s.persistOrder(ctx, order)
	s.publish(ctx, domain.OrderPlacedEventType, order.OrderID, map[string]any{
		"order_id": order.OrderID, "series_id": order.SeriesID, "owner": order.Owner,
		"side": string(order.Side), "type": string(order.Type),
		"price": order.Price.String(), "quantity": order.OriginalQuantity.String(),
		"status": string(order.Status),
	})

	for _, fill := range fills {
		s.persistFill(ctx, fill)
		if maker, ok := s.orders[s.makerOrderID(fill)]; ok {
			s.persistOrder(ctx, maker)
			s.publish(ctx, domain.OrderFilledEventType, maker.OrderID, map[string]any{
				"order_id": maker.OrderID, "fill_id": fill.FillID,
				"filled": maker.FilledQuantity.String(), "status": string(maker.Status),
			})
		}
		s.publish(ctx, domain.TradeExecutedEventType, fill.FillID, map[string]any{
			"fill_id": fill.FillID, "series_id": fill.SeriesID,
			"price": fill.Price.String(), "quantity": fill.Quantity.String(),
			"buyer": fill.Buyer, "seller": fill.Seller,
		})
	}
	if len(fills) > 0 {
		s.publish(ctx, domain.OrderFilledEventType, order.OrderID, map[string]any{
			"order_id": order.OrderID, "filled": order.FilledQuantity.String(),
			"status": string(order.Status),
		})
	}
	return order, fills, nil
}

func (s *OrderBookService) makerOrderID(fill *domain.Fill) string {
	if fill.BuyOrderID == fill.TakerOrderID {
		return fill.SellOrderID
	}
	return fill.BuyOrderID
}

// CancelOrder 撤销挂单。只有所有者可撤，终态订单返回 ErrAlreadyTerminal。
func (s *OrderBookService) CancelOrder(ctx context.Context, owner, orderID string) (*domain.Order, error) {
	order, ok := s.orders[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	if order.Owner != owner {
		return nil, domain.ErrNotOwner
	}
	if order.IsTerminal() {
		return nil, domain.ErrAlreadyTerminal
	}

	cancelled, err := s.book(order.SeriesID).Cancel(orderID, owner)
	if err != nil {
		return nil, err
	}
	s.persistOrder(ctx, cancelled)
	s.publish(ctx, domain.OrderCancelledEventType, orderID, map[string]any{
		"order_id": orderID, "owner": owner, "remaining": cancelled.Remaining().String(),
	})
	return cancelled, nil
}

// GetOrder 订单快照。
func (s *OrderBookService) GetOrder(orderID string) (*domain.Order, error) {
	order, ok := s.orders[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	cp := *order
	return &cp, nil
}

// Snapshot 簿深度快照。
func (s *OrderBookService) Snapshot(seriesID string, depth int) *domain.Snapshot {
	return s.book(seriesID).Snapshot(depth)
}

// BestQuotes 返回盘口最优买卖价。
func (s *OrderBookService) BestQuotes(seriesID string) (bid, ask decimal.Decimal, hasBid, hasAsk bool) {
	b := s.book(seriesID)
	bid, hasBid = b.BestBid()
	ask, hasAsk = b.BestAsk()
	return bid, ask, hasBid, hasAsk
}

func (s *OrderBookService) persistOrder(ctx context.Context, order *domain.Order) {
	if s.orderRepo == nil {
		return
	}
	if err := s.orderRepo.Save(ctx, order); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist order", "order_id", order.OrderID, "error", err)
	}
}

func (s *OrderBookService) persistFill(ctx context.Context, fill *domain.Fill) {
	if s.fillRepo == nil {
		return
	}
	if err := s.fillRepo.Save(ctx, fill); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist fill", "fill_id", fill.FillID, "error", err)
	}
}

func (s *OrderBookService) publish(ctx context.Context, topic, key string, event map[string]any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, topic, key, event); err != nil {
		s.logger.WarnContext(ctx, "failed to publish event", "topic", topic, "error", err)
	}
}
