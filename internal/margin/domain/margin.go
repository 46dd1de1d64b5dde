// Package domain 保证金引擎领域模型。
// 账户保证金永远是头寸 + 价格的派生缓存，可随时重算，绝不作为独立真相源持久化。
package domain

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientMargin = errors.New("insufficient margin")
	ErrMissingPrice       = errors.New("missing price for underlying")
	ErrOverflow           = errors.New("margin amount outside numeric domain")
)

var maxAmount = decimal.New(1, 24)

// RiskLevel 账户风险档位
type RiskLevel int8

const (
	RiskNormal RiskLevel = iota + 1
	RiskWarning
	RiskLiquidatable
)

func (r RiskLevel) String() string {
	switch r {
	case RiskNormal:
		return "NORMAL"
	case RiskWarning:
		return "WARNING"
	case RiskLiquidatable:
		return "LIQUIDATABLE"
	}
	return "UNKNOWN"
}

// Rates 保证金乘数，取自协议参数对象。
type Rates struct {
	// Initial 开仓保证金率（如 1.5）
	Initial decimal.Decimal
	// Maintenance 维持保证金率（如 1.2）
	Maintenance decimal.Decimal
	// LiquidationBuffer 强平触发缓冲，维持要求的倍数（如 1.1）
	LiquidationBuffer decimal.Decimal
}

// Exposure 保证金视角下的一个头寸切片。
// 引擎只读派生，经济条款归期权核心所有。
type Exposure struct {
	PositionID   string
	Account      string
	SeriesID     string
	Underlying   string
	ContractSize decimal.Decimal
	// Quantity 带符号数量：多头为正，空头为负。
	Quantity decimal.Decimal
	// LockID / LockedAmount 支撑该头寸的抵押锁
	LockID       string
	LockedAmount decimal.Decimal
}

// IsShort 空头承担持续保证金要求；多头权利金已全额支付，要求为零。
func (e Exposure) IsShort() bool { return e.Quantity.IsNegative() }

// Notional |qty| × price × contractSize。
func (e Exposure) Notional(price decimal.Decimal) (decimal.Decimal, error) {
	n := e.Quantity.Abs().Mul(price).Mul(e.ContractSize)
	if n.GreaterThanOrEqual(maxAmount) {
		return decimal.Zero, ErrOverflow
	}
	return n, nil
}

// InitialRequirement 空头头寸的开仓保证金要求。
func (e Exposure) InitialRequirement(price decimal.Decimal, rates Rates) (decimal.Decimal, error) {
	return e.requirement(price, rates.Initial)
}

// MaintenanceRequirement 空头头寸的维持保证金要求。
func (e Exposure) MaintenanceRequirement(price decimal.Decimal, rates Rates) (decimal.Decimal, error) {
	return e.requirement(price, rates.Maintenance)
}

func (e Exposure) requirement(price, rate decimal.Decimal) (decimal.Decimal, error) {
	if !e.IsShort() {
		return decimal.Zero, nil
	}
	n, err := e.Notional(price)
	if err != nil {
		return decimal.Zero, err
	}
	req := n.Mul(rate)
	if req.GreaterThanOrEqual(maxAmount) {
		return decimal.Zero, ErrOverflow
	}
	return req, nil
}

// AccountMargin 账户保证金快照。
// 保证金要求随标的价格单调：价格上升时空头要求只增不减。
type AccountMargin struct {
	Account string `json:"account"`
	// TotalLocked 账户锁定的抵押总额
	TotalLocked decimal.Decimal `json:"total_locked"`
	// UsedMargin 全部空头头寸的维持要求之和
	UsedMargin decimal.Decimal `json:"used_margin"`
	// AvailableMargin TotalLocked − UsedMargin
	AvailableMargin decimal.Decimal `json:"available_margin"`
	// InitialRequirement / MaintenanceRequirement 两档要求合计
	InitialRequirement     decimal.Decimal `json:"initial_requirement"`
	MaintenanceRequirement decimal.Decimal `json:"maintenance_requirement"`
	// Excess 带符号盈余：TotalLocked − 强平阈值
	Excess    decimal.Decimal `json:"excess"`
	RiskLevel RiskLevel       `json:"risk_level"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Compute 纯函数：由头寸、价格与锁定抵押推导账户保证金。无副作用。
func Compute(account string, exposures []Exposure, prices map[string]decimal.Decimal, totalLocked decimal.Decimal, rates Rates, now time.Time) (*AccountMargin, error) {
	initial := decimal.Zero
	maintenance := decimal.Zero

	for _, e := range exposures {
		if !e.IsShort() {
			continue
		}
		price, ok := prices[e.Underlying]
		if !ok {
			return nil, ErrMissingPrice
		}
		ir, err := e.InitialRequirement(price, rates)
		if err != nil {
			return nil, err
		}
		mr, err := e.MaintenanceRequirement(price, rates)
		if err != nil {
			return nil, err
		}
		initial = initial.Add(ir)
		maintenance = maintenance.Add(mr)
		if initial.GreaterThanOrEqual(maxAmount) || maintenance.GreaterThanOrEqual(maxAmount) {
			return nil, ErrOverflow
		}
	}

	threshold := maintenance.Mul(rates.LiquidationBuffer)
	am := &AccountMargin{
		Account:                account,
		TotalLocked:            totalLocked,
		UsedMargin:             maintenance,
		AvailableMargin:        totalLocked.Sub(maintenance),
		InitialRequirement:     initial,
		MaintenanceRequirement: maintenance,
		Excess:                 totalLocked.Sub(threshold),
		UpdatedAt:              now,
	}

	switch {
	case totalLocked.GreaterThanOrEqual(initial):
		am.RiskLevel = RiskNormal
	case totalLocked.GreaterThanOrEqual(threshold):
		am.RiskLevel = RiskWarning
	default:
		am.RiskLevel = RiskLiquidatable
	}
	return am, nil
}

// LiquidationOrder 强平顺序：维持要求最大的头寸优先，并列时按头寸 ID 升序。
// 先平大额敞口以最快收敛缺口，排序完全确定。
func LiquidationOrder(exposures []Exposure, prices map[string]decimal.Decimal, rates Rates) ([]Exposure, error) {
	type ranked struct {
		exp Exposure
		req decimal.Decimal
	}
	shorts := make([]ranked, 0, len(exposures))
	for _, e := range exposures {
		if !e.IsShort() {
			continue
		}
		price, ok := prices[e.Underlying]
		if !ok {
			return nil, ErrMissingPrice
		}
		req, err := e.MaintenanceRequirement(price, rates)
		if err != nil {
			return nil, err
		}
		shorts = append(shorts, ranked{exp: e, req: req})
	}
	sort.Slice(shorts, func(i, j int) bool {
		if !shorts[i].req.Equal(shorts[j].req) {
			return shorts[i].req.GreaterThan(shorts[j].req)
		}
		return shorts[i].exp.PositionID < shorts[j].exp.PositionID
	})
	out := make([]Exposure, len(shorts))
	for i, r := range shorts {
		out[i] = r.exp
	}
	return out, nil
}
