// Package domain 价格预言机适配器的领域模型：价格观测、TWAP、结算价。
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrUnauthorizedSource    = errors.New("price source is not whitelisted")
	ErrNonMonotonicTimestamp = errors.New("observation timestamp is not newer than the last stored one")
	ErrStalePrice            = errors.New("latest observation is stale")
	ErrInsufficientHistory   = errors.New("not enough observations inside the TWAP window")
	ErrAlreadySettled        = errors.New("settlement price already finalized for series")
	ErrNotYetExpired         = errors.New("series has not reached expiry")
	ErrNoObservation         = errors.New("no observation stored for asset")
	ErrInvalidObservation    = errors.New("invalid price observation")
)

// DefaultHistoryDepth 每个资产保留的观测环形缓冲大小。
const DefaultHistoryDepth = 1024

// Observation 单次价格观测
type Observation struct {
	Asset      string          `json:"asset"`
	Price      decimal.Decimal `json:"price"`
	Timestamp  time.Time       `json:"timestamp"`
	SourceID   string          `json:"source_id"`
	SourceKind string          `json:"source_kind"`
	// Confidence 数据源报告的置信区间（绝对价差，可为零）
	Confidence decimal.Decimal `json:"confidence"`
}

// Feed 单个资产的价格流聚合根。观测按时间严格递增，保存在有界环中。
type Feed struct {
	Asset string

	history []Observation // 时间升序
	depth   int
}

func NewFeed(asset string, depth int) *Feed {
	if depth <= 0 {
		depth = DefaultHistoryDepth
	}
	return &Feed{Asset: asset, depth: depth}
}

// Append 追加一次观测。时间戳必须严格晚于已有的最新观测。
func (f *Feed) Append(obs Observation) error {
	if obs.Price.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidObservation
	}
	if last, ok := f.Latest(); ok && !obs.Timestamp.After(last.Timestamp) {
		return ErrNonMonotonicTimestamp
	}
	f.history = append(f.history, obs)
	if len(f.history) > f.depth {
		f.history = f.history[len(f.history)-f.depth:]
	}
	return nil
}

// Latest 返回最新观测。
func (f *Feed) Latest() (Observation, bool) {
	if len(f.history) == 0 {
		return Observation{}, false
	}
	return f.history[len(f.history)-1], true
}

// Current 返回未过期的最新价格；age > maxStaleness 视为 STALE。
func (f *Feed) Current(now time.Time, maxStaleness time.Duration) (Observation, error) {
	obs, ok := f.Latest()
	if !ok {
		return Observation{}, ErrNoObservation
	}
	if now.Sub(obs.Timestamp) > maxStaleness {
		return Observation{}, ErrStalePrice
	}
	return obs, nil
}

// IsStale 陈旧性是派生判断，不落库。
func (f *Feed) IsStale(now time.Time, maxStaleness time.Duration) bool {
	obs, ok := f.Latest()
	return !ok || now.Sub(obs.Timestamp) > maxStaleness
}

// TWAP 计算 [now-window, now] 区间内的时间加权平均价。
// 每个观测的权重是它到下一个观测（或 now）之间的持续时长；
// 区间内不足两个观测时返回 ErrInsufficientHistory。
func (f *Feed) TWAP(now time.Time, window time.Duration) (decimal.Decimal, error) {
	cutoff := now.Add(-window)

	var inWindow []Observation
	for _, obs := range f.history {
		if !obs.Timestamp.Before(cutoff) && !obs.Timestamp.After(now) {
			inWindow = append(inWindow, obs)
		}
	}
	if len(inWindow) < 2 {
		return decimal.Zero, ErrInsufficientHistory
	}

	weighted := decimal.Zero
	var total decimal.Decimal
	for i, obs := range inWindow {
		var span time.Duration
		if i+1 < len(inWindow) {
			span = inWindow[i+1].Timestamp.Sub(obs.Timestamp)
		} else {
			span = now.Sub(obs.Timestamp)
		}
		if span <= 0 {
			continue
		}
		w := decimal.NewFromInt(int64(span / time.Millisecond))
		weighted = weighted.Add(obs.Price.Mul(w))
		total = total.Add(w)
	}
	if total.IsZero() {
		return decimal.Zero, ErrInsufficientHistory
	}
	return weighted.Div(total), nil
}

// SettlementPrice 结算价实体。每个系列恰好写入一次。
type SettlementPrice struct {
	gorm.Model
	SeriesID    string          `gorm:"column:series_id;type:varchar(64);uniqueIndex;not null" json:"series_id"`
	Asset       string          `gorm:"column:asset;type:varchar(32);index;not null" json:"asset"`
	Price       decimal.Decimal `gorm:"column:price;type:decimal(32,18);not null" json:"price"`
	TWAPPrice   decimal.Decimal `gorm:"column:twap_price;type:decimal(32,18);not null" json:"twap_price"`
	TWAPWindow  int64           `gorm:"column:twap_window_seconds;not null" json:"twap_window_seconds"`
	SettledAt   time.Time       `gorm:"column:settled_at;not null" json:"settled_at"`
	SourceCount int             `gorm:"column:source_count" json:"source_count"`
}

func (SettlementPrice) TableName() string { return "oracle_settlement_prices" }

// ObservationRecord 观测的持久化映射（审计投影，引擎状态在内存 Feed 中）。
type ObservationRecord struct {
	gorm.Model
	Asset      string          `gorm:"column:asset;type:varchar(32);index;not null"`
	Price      decimal.Decimal `gorm:"column:price;type:decimal(32,18);not null"`
	Timestamp  time.Time       `gorm:"column:timestamp;index;not null"`
	SourceID   string          `gorm:"column:source_id;type:varchar(64);not null"`
	SourceKind string          `gorm:"column:source_kind;type:varchar(16);not null"`
	Confidence decimal.Decimal `gorm:"column:confidence;type:decimal(32,18)"`
}

func (ObservationRecord) TableName() string { return "oracle_observations" }

// SettlementPriceRepository 结算价仓储接口
type SettlementPriceRepository interface {
	Save(ctx context.Context, sp *SettlementPrice) error
	GetBySeriesID(ctx context.Context, seriesID string) (*SettlementPrice, error)
}

// ObservationRepository 观测审计仓储接口
type ObservationRepository interface {
	Save(ctx context.Context, rec *ObservationRecord) error
	ListByAsset(ctx context.Context, asset string, limit int) ([]*ObservationRecord, error)
}

// QuoteCache 最新价读模型（Redis 投影），读路径加速，非权威状态。
type QuoteCache interface {
	SaveLatest(ctx context.Context, obs *Observation) error
	GetLatest(ctx context.Context, asset string) (*Observation, error)
}
