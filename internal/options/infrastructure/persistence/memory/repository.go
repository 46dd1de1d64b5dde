// Package memory 期权核心仓储的内存实现，用于测试与本地开发。
package memory

import (
	"context"

	"github.com/quantclear/optionscore/internal/options/domain"
)

type SeriesRepository struct {
	byID map[string]*domain.OptionSeries
}

func NewSeriesRepository() *SeriesRepository {
	return &SeriesRepository{byID: make(map[string]*domain.OptionSeries)}
}

func (r *SeriesRepository) Save(ctx context.Context, series *domain.OptionSeries) error {
	cp := *series
	r.byID[series.SeriesID] = &cp
	return nil
}

func (r *SeriesRepository) GetBySeriesID(ctx context.Context, seriesID string) (*domain.OptionSeries, error) {
	series, ok := r.byID[seriesID]
	if !ok {
		return nil, nil
	}
	cp := *series
	return &cp, nil
}

func (r *SeriesRepository) ListActive(ctx context.Context) ([]*domain.OptionSeries, error) {
	var list []*domain.OptionSeries
	for _, series := range r.byID {
		if series.IsActive {
			cp := *series
			list = append(list, &cp)
		}
	}
	return list, nil
}

type PositionRepository struct {
	byID map[string]*domain.Position
}

func NewPositionRepository() *PositionRepository {
	return &PositionRepository{byID: make(map[string]*domain.Position)}
}

func (r *PositionRepository) Save(ctx context.Context, position *domain.Position) error {
	cp := *position
	r.byID[position.PositionID] = &cp
	return nil
}

func (r *PositionRepository) Delete(ctx context.Context, positionID string) error {
	delete(r.byID, positionID)
	return nil
}

func (r *PositionRepository) ListByAccount(ctx context.Context, account string) ([]*domain.Position, error) {
	var list []*domain.Position
	for _, position := range r.byID {
		if position.Account == account {
			cp := *position
			list = append(list, &cp)
		}
	}
	return list, nil
}

func (r *PositionRepository) ListBySeries(ctx context.Context, seriesID string) ([]*domain.Position, error) {
	var list []*domain.Position
	for _, position := range r.byID {
		if position.SeriesID == seriesID {
			cp := *position
			list = append(list, &cp)
		}
	}
	return list, nil
}
