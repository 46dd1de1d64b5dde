// Package protocol 协议级参数对象：管理员白名单、预言机数据源、保证金乘数等
// 可调参数。作为显式依赖注入到各个组件，而不是环境全局变量。
package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
)

var ErrInvalidParams = errors.New("invalid protocol parameters")

// SourceKind 预言机数据源类型
type SourceKind string

const (
	SourceChainlink SourceKind = "CHAINLINK"
	SourcePyth      SourceKind = "PYTH"
	SourceCustom    SourceKind = "CUSTOM"
)

// OracleSource 白名单中的一个数据源
type OracleSource struct {
	ID   string     `toml:"id"`
	Kind SourceKind `toml:"kind"`
}

// Params 协议参数聚合。字段一旦加载即只读。
type Params struct {
	// Admins 允许创建系列、结算系列与提交治理调用的账户
	Admins []string `toml:"admins"`
	// OracleSources 允许提交价格观测的数据源
	OracleSources []OracleSource `toml:"oracle_sources"`
	// LiquidationFund 强平受益账户（保险基金）
	LiquidationFund string `toml:"liquidation_fund"`

	// InitialMarginRate 开仓保证金率（名义价值的倍数）
	InitialMarginRate decimal.Decimal `toml:"-"`
	// MaintenanceMarginRate 维持保证金率
	MaintenanceMarginRate decimal.Decimal `toml:"-"`
	// LiquidationBuffer 强平触发缓冲（维持保证金的倍数）
	LiquidationBuffer decimal.Decimal `toml:"-"`

	// MaxStaleness 价格观测的最大可用年龄
	MaxStaleness time.Duration `toml:"-"`
	// TWAPWindow 结算价 TWAP 回看窗口
	TWAPWindow time.Duration `toml:"-"`

	// MinContractSize / MaxContractSize 系列合约规模边界
	MinContractSize decimal.Decimal `toml:"-"`
	MaxContractSize decimal.Decimal `toml:"-"`

	// DefaultExerciseStyle 创建系列时未指定行权风格的缺省值
	DefaultExerciseStyle string `toml:"default_exercise_style"`

	// TOML 标量表示，Load 后换算为上面的精确类型。
	InitialMarginPct     float64 `toml:"initial_margin_pct"`
	MaintenanceMarginPct float64 `toml:"maintenance_margin_pct"`
	LiquidationBufferPct float64 `toml:"liquidation_buffer_pct"`
	MaxStalenessSeconds  int64   `toml:"max_staleness_seconds"`
	TWAPWindowSeconds    int64   `toml:"twap_window_seconds"`
	MinContractSizeUnits float64 `toml:"min_contract_size"`
	MaxContractSizeUnits float64 `toml:"max_contract_size"`
}

// Default 返回规范缺省参数（150%/120%/110%，300 秒陈旧窗口，3600 秒 TWAP）。
func Default() *Params {
	p := &Params{
		InitialMarginRate:     decimal.NewFromFloat(1.5),
		MaintenanceMarginRate: decimal.NewFromFloat(1.2),
		LiquidationBuffer:     decimal.NewFromFloat(1.1),
		MaxStaleness:          300 * time.Second,
		TWAPWindow:            time.Hour,
		MinContractSize:       decimal.NewFromInt(1),
		MaxContractSize:       decimal.NewFromInt(1_000_000),
		DefaultExerciseStyle:  "EUROPEAN",
		LiquidationFund:       "liquidation-fund",
	}
	return p
}

// Load 从 TOML 文件加载并校验协议参数。
func Load(path string) (*Params, error) {
	p := Default()
	if _, err := toml.DecodeFile(path, p); err != nil {
		return nil, fmt.Errorf("failed to decode params file: %w", err)
	}

	if p.InitialMarginPct > 0 {
		p.InitialMarginRate = decimal.NewFromFloat(p.InitialMarginPct).Div(decimal.NewFromInt(100))
	}
	if p.MaintenanceMarginPct > 0 {
		p.MaintenanceMarginRate = decimal.NewFromFloat(p.MaintenanceMarginPct).Div(decimal.NewFromInt(100))
	}
	if p.LiquidationBufferPct > 0 {
		p.LiquidationBuffer = decimal.NewFromFloat(p.LiquidationBufferPct).Div(decimal.NewFromInt(100))
	}
	if p.MaxStalenessSeconds > 0 {
		p.MaxStaleness = time.Duration(p.MaxStalenessSeconds) * time.Second
	}
	if p.TWAPWindowSeconds > 0 {
		p.TWAPWindow = time.Duration(p.TWAPWindowSeconds) * time.Second
	}
	if p.MinContractSizeUnits > 0 {
		p.MinContractSize = decimal.NewFromFloat(p.MinContractSizeUnits)
	}
	if p.MaxContractSizeUnits > 0 {
		p.MaxContractSize = decimal.NewFromFloat(p.MaxContractSizeUnits)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate 校验参数之间的序关系。
func (p *Params) Validate() error {
	one := decimal.NewFromInt(1)
	if !p.InitialMarginRate.GreaterThan(p.MaintenanceMarginRate) {
		return fmt.Errorf("%w: initial margin rate must exceed maintenance rate", ErrInvalidParams)
	}
	if !p.MaintenanceMarginRate.GreaterThan(one) {
		return fmt.Errorf("%w: maintenance margin rate must exceed 100%%", ErrInvalidParams)
	}
	if !p.LiquidationBuffer.GreaterThanOrEqual(one) {
		return fmt.Errorf("%w: liquidation buffer must be at least 100%%", ErrInvalidParams)
	}
	if p.MaxStaleness <= 0 || p.TWAPWindow <= 0 {
		return fmt.Errorf("%w: staleness and TWAP windows must be positive", ErrInvalidParams)
	}
	if p.MinContractSize.LessThanOrEqual(decimal.Zero) || p.MaxContractSize.LessThan(p.MinContractSize) {
		return fmt.Errorf("%w: contract size bounds are inverted", ErrInvalidParams)
	}
	if p.DefaultExerciseStyle != "EUROPEAN" && p.DefaultExerciseStyle != "AMERICAN" {
		return fmt.Errorf("%w: unknown exercise style %q", ErrInvalidParams, p.DefaultExerciseStyle)
	}
	return nil
}

// IsAdmin 判断账户是否在管理员白名单内。
func (p *Params) IsAdmin(account string) bool {
	for _, a := range p.Admins {
		if a == account {
			return true
		}
	}
	return false
}

// SourceByID 返回白名单内的数据源，未命中返回 false。
func (p *Params) SourceByID(id string) (OracleSource, bool) {
	for _, s := range p.OracleSources {
		if s.ID == id {
			return s, true
		}
	}
	return OracleSource{}, false
}

// AddOracleSource 追加数据源白名单。重复 ID 只更新类型。
func (p *Params) AddOracleSource(id string, kind SourceKind) error {
	if id == "" {
		return fmt.Errorf("%w: empty source id", ErrInvalidParams)
	}
	switch kind {
	case SourceChainlink, SourcePyth, SourceCustom:
	default:
		return fmt.Errorf("%w: unknown source kind %q", ErrInvalidParams, kind)
	}
	for i, s := range p.OracleSources {
		if s.ID == id {
			p.OracleSources[i].Kind = kind
			return nil
		}
	}
	p.OracleSources = append(p.OracleSources, OracleSource{ID: id, Kind: kind})
	return nil
}
