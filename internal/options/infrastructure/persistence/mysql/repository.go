package mysql

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/quantclear/optionscore/internal/options/domain"
)

// SeriesRepository 期权系列 MySQL 仓储（写穿投影）
type SeriesRepository struct {
	db *gorm.DB
}

func NewSeriesRepository(db *gorm.DB) *SeriesRepository {
	return &SeriesRepository{db: db}
}

func (r *SeriesRepository) Save(ctx context.Context, series *domain.OptionSeries) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "series_id"}},
			UpdateAll: true,
		}).
		Create(series).Error
}

func (r *SeriesRepository) GetBySeriesID(ctx context.Context, seriesID string) (*domain.OptionSeries, error) {
	var series domain.OptionSeries
	err := r.db.WithContext(ctx).Where("series_id = ?", seriesID).First(&series).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &series, nil
}

func (r *SeriesRepository) ListActive(ctx context.Context) ([]*domain.OptionSeries, error) {
	var list []*domain.OptionSeries
	err := r.db.WithContext(ctx).Where("is_active = ?", true).Find(&list).Error
	return list, err
}

// PositionRepository 头寸 MySQL 仓储
type PositionRepository struct {
	db *gorm.DB
}

func NewPositionRepository(db *gorm.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

func (r *PositionRepository) Save(ctx context.Context, position *domain.Position) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "position_id"}},
			UpdateAll: true,
		}).
		Create(position).Error
}

func (r *PositionRepository) Delete(ctx context.Context, positionID string) error {
	return r.db.WithContext(ctx).
		Where("position_id = ?", positionID).
		Delete(&domain.Position{}).Error
}

func (r *PositionRepository) ListByAccount(ctx context.Context, account string) ([]*domain.Position, error) {
	var list []*domain.Position
	err := r.db.WithContext(ctx).Where("account = ?", account).Find(&list).Error
	return list, err
}

func (r *PositionRepository) ListBySeries(ctx context.Context, seriesID string) ([]*domain.Position, error) {
	var list []*domain.Position
	err := r.db.WithContext(ctx).Where("series_id = ?", seriesID).Find(&list).Error
	return list, err
}
