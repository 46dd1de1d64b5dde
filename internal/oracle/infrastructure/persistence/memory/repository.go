// Package memory 预言机仓储的内存实现，用于测试与本地开发。
package memory

import (
	"context"

	"github.com/quantclear/optionscore/internal/oracle/domain"
)

type SettlementPriceRepository struct {
	bySeries map[string]*domain.SettlementPrice
}

func NewSettlementPriceRepository() *SettlementPriceRepository {
	return &SettlementPriceRepository{bySeries: make(map[string]*domain.SettlementPrice)}
}

func (r *SettlementPriceRepository) Save(ctx context.Context, sp *domain.SettlementPrice) error {
	cp := *sp
	r.bySeries[sp.SeriesID] = &cp
	return nil
}

func (r *SettlementPriceRepository) GetBySeriesID(ctx context.Context, seriesID string) (*domain.SettlementPrice, error) {
	sp, ok := r.bySeries[seriesID]
	if !ok {
		return nil, nil
	}
	cp := *sp
	return &cp, nil
}

type ObservationRepository struct {
	byAsset map[string][]*domain.ObservationRecord
}

func NewObservationRepository() *ObservationRepository {
	return &ObservationRepository{byAsset: make(map[string][]*domain.ObservationRecord)}
}

func (r *ObservationRepository) Save(ctx context.Context, rec *domain.ObservationRecord) error {
	cp := *rec
	r.byAsset[rec.Asset] = append(r.byAsset[rec.Asset], &cp)
	return nil
}

func (r *ObservationRepository) ListByAsset(ctx context.Context, asset string, limit int) ([]*domain.ObservationRecord, error) {
	recs := r.byAsset[asset]
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	out := make([]*domain.ObservationRecord, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		cp := *recs[i]
		out = append(out, &cp)
	}
	return out, nil
}
