// Package domain 期权核心领域模型：系列定义与净头寸账本。
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrUnauthorized                       = errors.New("caller is not authorized")
	ErrInvalidSeriesParameters            = errors.New("invalid series parameters")
	ErrSeriesNotFound                     = errors.New("option series not found")
	ErrSeriesInactive                     = errors.New("option series is inactive or expired")
	ErrNotExpired                         = errors.New("series has not reached expiry")
	ErrOpenPositionsRemain                = errors.New("open positions remain in series")
	ErrSettlementNotFinalized             = errors.New("settlement price not finalized")
	ErrInvalidQuantity                    = errors.New("quantity must be positive and within held amount")
	ErrPositionNotFound                   = errors.New("position not found")
	ErrInsufficientCounterpartyCollateral = errors.New("insufficient counterparty collateral")
)

type OptionType string

const (
	TypeCall OptionType = "CALL"
	TypePut  OptionType = "PUT"
)

type SettlementKind string

const (
	SettleCash     SettlementKind = "CASH"
	SettlePhysical SettlementKind = "PHYSICAL"
)

// ExerciseStyle 行权风格。欧式只能在到期后行权；
// 美式允许到期前按现价提前行权。按系列配置，不做全局假设。
type ExerciseStyle string

const (
	StyleEuropean ExerciseStyle = "EUROPEAN"
	StyleAmerican ExerciseStyle = "AMERICAN"
)

// OptionSeries 期权系列聚合根。经济条款创建后不可变，只有 IsActive 可翻转。
type OptionSeries struct {
	gorm.Model
	SeriesID     string          `gorm:"column:series_id;type:varchar(64);uniqueIndex;not null" json:"series_id"`
	Underlying   string          `gorm:"column:underlying;type:varchar(32);index;not null" json:"underlying"`
	Type         OptionType      `gorm:"column:type;type:varchar(8);not null" json:"type"`
	Strike       decimal.Decimal `gorm:"column:strike;type:decimal(32,18);not null" json:"strike"`
	Expiry       time.Time       `gorm:"column:expiry;not null" json:"expiry"`
	ContractSize decimal.Decimal `gorm:"column:contract_size;type:decimal(32,18);not null" json:"contract_size"`
	Settlement   SettlementKind  `gorm:"column:settlement;type:varchar(16);not null" json:"settlement"`
	Style        ExerciseStyle   `gorm:"column:style;type:varchar(16);not null" json:"style"`
	Creator      string          `gorm:"column:creator;type:varchar(64);not null" json:"creator"`
	IsActive     bool            `gorm:"column:is_active;not null" json:"is_active"`
}

func (OptionSeries) TableName() string { return "option_series" }

// IsExpired 判断系列是否已到期。
func (s *OptionSeries) IsExpired(now time.Time) bool {
	return !now.Before(s.Expiry)
}

// Tradeable 系列可交易：激活且未到期。
func (s *OptionSeries) Tradeable(now time.Time) bool {
	return s.IsActive && !s.IsExpired(now)
}

// IntrinsicPerUnit 单位内在价值：CALL 为 max(0, S−K)，PUT 为 max(0, K−S)。
func (s *OptionSeries) IntrinsicPerUnit(price decimal.Decimal) decimal.Decimal {
	var v decimal.Decimal
	if s.Type == TypeCall {
		v = price.Sub(s.Strike)
	} else {
		v = s.Strike.Sub(price)
	}
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

// Payoff 行权支付：内在价值 × 数量 × 合约规模。
func (s *OptionSeries) Payoff(price, quantity decimal.Decimal) decimal.Decimal {
	return s.IntrinsicPerUnit(price).Mul(quantity).Mul(s.ContractSize)
}

// Position 账户在单个系列上的净头寸。数量带符号：多头为正，空头为负。
// 数量归零即销毁，不保留空壳。
type Position struct {
	gorm.Model
	PositionID string `gorm:"column:position_id;type:varchar(64);uniqueIndex;not null" json:"position_id"`
	Account    string `gorm:"column:account;type:varchar(64);index;not null" json:"account"`
	SeriesID   string `gorm:"column:series_id;type:varchar(64);index;not null" json:"series_id"`
	// Quantity 带符号净数量
	Quantity decimal.Decimal `gorm:"column:quantity;type:decimal(32,18);not null" json:"quantity"`
	// AvgEntryPrice 当前方向的数量加权开仓均价
	AvgEntryPrice decimal.Decimal `gorm:"column:avg_entry_price;type:decimal(32,18);not null" json:"avg_entry_price"`
	// PremiumPaid / PremiumReceived 累计权利金流水
	PremiumPaid     decimal.Decimal `gorm:"column:premium_paid;type:decimal(32,18);not null" json:"premium_paid"`
	PremiumReceived decimal.Decimal `gorm:"column:premium_received;type:decimal(32,18);not null" json:"premium_received"`
	// LockID 空头方向的保证金抵押锁，多头为空串
	LockID string `gorm:"column:lock_id;type:varchar(64)" json:"lock_id,omitempty"`
}

func (Position) TableName() string { return "option_positions" }

// ShortQuantity 空头数量的绝对值，多头返回零。
func (p *Position) ShortQuantity() decimal.Decimal {
	if p.Quantity.IsNegative() {
		return p.Quantity.Neg()
	}
	return decimal.Zero
}

// ApplyTrade 按带符号增量与成交价更新头寸。
// 同向加仓维护加权均价，方向翻转时以成交价重置。
func (p *Position) ApplyTrade(delta, price decimal.Decimal) {
	prev := p.Quantity
	next := prev.Add(delta)

	switch {
	case prev.IsZero() || prev.Sign() != next.Sign() && !next.IsZero():
		p.AvgEntryPrice = price
	case prev.Sign() == delta.Sign():
		// 同向加仓：加权均价
		total := p.AvgEntryPrice.Mul(prev.Abs()).Add(price.Mul(delta.Abs()))
		p.AvgEntryPrice = total.Div(next.Abs())
	}
	p.Quantity = next
	if next.IsZero() {
		p.AvgEntryPrice = decimal.Zero
	}
}

// SeriesRepository 系列仓储接口
type SeriesRepository interface {
	Save(ctx context.Context, series *OptionSeries) error
	GetBySeriesID(ctx context.Context, seriesID string) (*OptionSeries, error)
	ListActive(ctx context.Context) ([]*OptionSeries, error)
}

// PositionRepository 头寸仓储接口
type PositionRepository interface {
	Save(ctx context.Context, position *Position) error
	Delete(ctx context.Context, positionID string) error
	ListByAccount(ctx context.Context, account string) ([]*Position, error)
	ListBySeries(ctx context.Context, seriesID string) ([]*Position, error)
}
