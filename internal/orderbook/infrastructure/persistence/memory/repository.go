// Package memory 订单簿仓储的内存实现，用于测试与本地开发。
package memory

import (
	"context"

	"github.com/quantclear/optionscore/internal/orderbook/domain"
)

type OrderRepository struct {
	byID map[string]*domain.Order
}

func NewOrderRepository() *OrderRepository {
	return &OrderRepository{byID: make(map[string]*domain.Order)}
}

func (r *OrderRepository) Save(ctx context.Context, order *domain.Order) error {
	cp := *order
	r.byID[order.OrderID] = &cp
	return nil
}

func (r *OrderRepository) GetByOrderID(ctx context.Context, orderID string) (*domain.Order, error) {
	order, ok := r.byID[orderID]
	if !ok {
		return nil, nil
	}
	cp := *order
	return &cp, nil
}

func (r *OrderRepository) ListBySeries(ctx context.Context, seriesID string, limit int) ([]*domain.Order, error) {
	var orders []*domain.Order
	for _, order := range r.byID {
		if order.SeriesID == seriesID {
			cp := *order
			orders = append(orders, &cp)
			if limit > 0 && len(orders) >= limit {
				break
			}
		}
	}
	return orders, nil
}

type FillRepository struct {
	fills []*domain.Fill
}

func NewFillRepository() *FillRepository {
	return &FillRepository{}
}

func (r *FillRepository) Save(ctx context.Context, fill *domain.Fill) error {
	cp := *fill
	r.fills = append(r.fills, &cp)
	return nil
}

func (r *FillRepository) ListBySeries(ctx context.Context, seriesID string, limit int) ([]*domain.Fill, error) {
	var fills []*domain.Fill
	for _, fill := range r.fills {
		if fill.SeriesID == seriesID {
			cp := *fill
			fills = append(fills, &cp)
			if limit > 0 && len(fills) >= limit {
				break
			}
		}
	}
	return fills, nil
}
