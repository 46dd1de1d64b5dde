package mysql

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/quantclear/optionscore/internal/oracle/domain"
)

// SettlementPriceRepository 结算价 MySQL 仓储
type SettlementPriceRepository struct {
	db *gorm.DB
}

func NewSettlementPriceRepository(db *gorm.DB) *SettlementPriceRepository {
	return &SettlementPriceRepository{db: db}
}

func (r *SettlementPriceRepository) Save(ctx context.Context, sp *domain.SettlementPrice) error {
	return r.db.WithContext(ctx).Create(sp).Error
}

func (r *SettlementPriceRepository) GetBySeriesID(ctx context.Context, seriesID string) (*domain.SettlementPrice, error) {
	var sp domain.SettlementPrice
	err := r.db.WithContext(ctx).Where("series_id = ?", seriesID).First(&sp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sp, nil
}

// ObservationRepository 观测审计 MySQL 仓储
type ObservationRepository struct {
	db *gorm.DB
}

func NewObservationRepository(db *gorm.DB) *ObservationRepository {
	return &ObservationRepository{db: db}
}

func (r *ObservationRepository) Save(ctx context.Context, rec *domain.ObservationRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *ObservationRepository) ListByAsset(ctx context.Context, asset string, limit int) ([]*domain.ObservationRecord, error) {
	var recs []*domain.ObservationRecord
	err := r.db.WithContext(ctx).
		Where("asset = ?", asset).
		Order("timestamp DESC").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}
