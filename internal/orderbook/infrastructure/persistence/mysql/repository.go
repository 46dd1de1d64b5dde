package mysql

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/quantclear/optionscore/internal/orderbook/domain"
)

// OrderRepository 订单 MySQL 仓储（写穿投影）
type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Save(ctx context.Context, order *domain.Order) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}},
			UpdateAll: true,
		}).
		Create(order).Error
}

func (r *OrderRepository) GetByOrderID(ctx context.Context, orderID string) (*domain.Order, error) {
	var order domain.Order
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (r *OrderRepository) ListBySeries(ctx context.Context, seriesID string, limit int) ([]*domain.Order, error) {
	var orders []*domain.Order
	err := r.db.WithContext(ctx).
		Where("series_id = ?", seriesID).
		Order("placed_at DESC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

// FillRepository 成交 MySQL 仓储
type FillRepository struct {
	db *gorm.DB
}

func NewFillRepository(db *gorm.DB) *FillRepository {
	return &FillRepository{db: db}
}

func (r *FillRepository) Save(ctx context.Context, fill *domain.Fill) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "fill_id"}},
			DoNothing: true,
		}).
		Create(fill).Error
}

func (r *FillRepository) ListBySeries(ctx context.Context, seriesID string, limit int) ([]*domain.Fill, error) {
	var fills []*domain.Fill
	err := r.db.WithContext(ctx).
		Where("series_id = ?", seriesID).
		Order("executed_at DESC").
		Limit(limit).
		Find(&fills).Error
	return fills, err
}
