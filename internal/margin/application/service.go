// Package application 保证金引擎应用服务：
// 开仓前置校验、账户风险评估与价格驱动的强平。
package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/messagequeue"

	"github.com/quantclear/optionscore/internal/margin/domain"
	"github.com/quantclear/optionscore/internal/protocol"
)

// PriceSource 标的现价来源（预言机适配器）。
type PriceSource interface {
	CurrentPrice(ctx context.Context, asset string) (decimal.Decimal, error)
}

// PositionSource 头寸敞口来源（期权核心）。
type PositionSource interface {
	Exposures(account string) []domain.Exposure
	AccountsExposedTo(underlying string) []string
}

// CollateralGateway 抵押覆盖来源（金库）。
type CollateralGateway interface {
	TotalLocked(owner string) decimal.Decimal
	Available(owner string) decimal.Decimal
	ForceLiquidate(ctx context.Context, owner, lockID string, seizedAmount decimal.Decimal, beneficiary string) (decimal.Decimal, error)
}

// PositionCloser 强平后的头寸清理（期权核心）。
type PositionCloser interface {
	CloseLiquidatedPosition(ctx context.Context, positionID string) error
}

// MarginService 保证金引擎。自身无持久状态，所有评估按需重算。
type MarginService struct {
	params     *protocol.Params
	prices     PriceSource
	positions  PositionSource
	collateral CollateralGateway
	closer     PositionCloser
	publisher  messagequeue.EventPublisher
	logger     *slog.Logger
	now        func() time.Time
}

func NewMarginService(
	params *protocol.Params,
	prices PriceSource,
	collateral CollateralGateway,
	publisher messagequeue.EventPublisher,
	logger *slog.Logger,
) *MarginService {
	return &MarginService{
		params:     params,
		prices:     prices,
		collateral: collateral,
		publisher:  publisher,
		logger:     logger.With("module", "margin_service"),
		now:        time.Now,
	}
}

// SetPositionSource / SetPositionCloser 注入头寸敞口与清理回调。
// 期权核心依赖保证金引擎做开仓校验，反向依赖通过 setter 接入以避免构造环。
func (s *MarginService) SetPositionSource(positions PositionSource) { s.positions = positions }
func (s *MarginService) SetPositionCloser(closer PositionCloser)    { s.closer = closer }

// SetClock 测试用时钟注入。
func (s *MarginService) SetClock(now func() time.Time) { s.now = now }

func (s *MarginService) rates() domain.Rates {
	return domain.Rates{
		Initial:           s.params.InitialMarginRate,
		Maintenance:       s.params.MaintenanceMarginRate,
		LiquidationBuffer: s.params.LiquidationBuffer,
	}
}

func (s *MarginService) priceTable(ctx context.Context, exposures []domain.Exposure) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal)
	for _, e := range exposures {
		if !e.IsShort() {
			continue
		}
		if _, ok := prices[e.Underlying]; ok {
			continue
		}
		p, err := s.prices.CurrentPrice(ctx, e.Underlying)
		if err != nil {
			return nil, err
		}
		prices[e.Underlying] = p
	}
	return prices, nil
}

// ComputeAccountMargin 重算账户保证金快照。
func (s *MarginService) ComputeAccountMargin(ctx context.Context, account string) (*domain.AccountMargin, error) {
	exposures := s.positions.Exposures(account)
	prices, err := s.priceTable(ctx, exposures)
	if err != nil {
		return nil, err
	}
	return domain.Compute(account, exposures, prices, s.collateral.TotalLocked(account), s.rates(), s.now())
}

// InitialRequirementFor 给定新空头敞口的开仓保证金要求。
func (s *MarginService) InitialRequirementFor(ctx context.Context, underlying string, quantity, contractSize decimal.Decimal) (decimal.Decimal, error) {
	price, err := s.prices.CurrentPrice(ctx, underlying)
	if err != nil {
		return decimal.Zero, err
	}
	e := domain.Exposure{Underlying: underlying, Quantity: quantity.Abs().Neg(), ContractSize: contractSize}
	return e.InitialRequirement(price, s.rates())
}

// RequireSufficientMargin 开仓前置校验：可用余额必须覆盖新敞口的开仓要求。
// 返回需锁定的保证金额。
func (s *MarginService) RequireSufficientMargin(ctx context.Context, account, underlying string, quantity, contractSize decimal.Decimal) (decimal.Decimal, error) {
	required, err := s.InitialRequirementFor(ctx, underlying, quantity, contractSize)
	if err != nil {
		return decimal.Zero, err
	}
	if s.collateral.Available(account).LessThan(required) {
		return decimal.Zero, domain.ErrInsufficientMargin
	}
	return required, nil
}

// CheckAndTriggerLiquidation 评估账户，若抵押覆盖跌破强平阈值则按确定顺序
// 逐仓强平，每平一仓重新评估，恢复到阈值之上即停止。
// 返回被强平的头寸 ID 列表。
func (s *MarginService) CheckAndTriggerLiquidation(ctx context.Context, account string) ([]string, error) {
	var liquidated []string

	for {
		exposures := s.positions.Exposures(account)
		prices, err := s.priceTable(ctx, exposures)
		if err != nil {
			return liquidated, err
		}
		am, err := domain.Compute(account, exposures, prices, s.collateral.TotalLocked(account), s.rates(), s.now())
		if err != nil {
			return liquidated, err
		}
		if am.RiskLevel == domain.RiskWarning && len(liquidated) == 0 {
			s.publish(ctx, domain.MarginWarningEventType, account, map[string]any{
				"account": account, "excess": am.Excess.String(),
			})
		}
		if am.RiskLevel != domain.RiskLiquidatable {
			return liquidated, nil
		}

		order, err := domain.LiquidationOrder(exposures, prices, s.rates())
		if err != nil {
			return liquidated, err
		}
		if len(order) == 0 {
			// 无空头可平但覆盖不足：账目异常，记录后退出。
			s.logger.ErrorContext(ctx, "liquidatable account has no short exposure", "account", account)
			return liquidated, nil
		}

		victim := order[0]
		if len(liquidated) == 0 {
			s.publish(ctx, domain.LiquidationTriggeredEventType, account, map[string]any{
				"account": account, "shortfall": am.Excess.Neg().String(),
			})
		}
		if err := s.liquidateOne(ctx, account, victim, prices[victim.Underlying]); err != nil {
			return liquidated, err
		}
		liquidated = append(liquidated, victim.PositionID)
	}
}

// liquidateOne 强平单个头寸：按维持要求没收抵押进清算基金，
// 剩余锁定额退回账户，再关闭头寸。
func (s *MarginService) liquidateOne(ctx context.Context, account string, e domain.Exposure, price decimal.Decimal) error {
	penalty, err := e.MaintenanceRequirement(price, s.rates())
	if err != nil {
		return err
	}
	seized := decimal.Zero
	if penalty.IsPositive() && e.LockID != "" {
		seized, err = s.collateral.ForceLiquidate(ctx, account, e.LockID, penalty, s.params.LiquidationFund)
		if err != nil {
			return err
		}
	}
	if s.closer != nil {
		if err := s.closer.CloseLiquidatedPosition(ctx, e.PositionID); err != nil {
			return err
		}
	}
	s.publish(ctx, domain.PositionLiquidatedEventType, account, map[string]any{
		"account": account, "position_id": e.PositionID, "series_id": e.SeriesID,
		"seized": seized.String(), "mark_price": price.String(),
	})
	s.logger.InfoContext(ctx, "position liquidated",
		"account", account, "position_id", e.PositionID, "seized", seized.String())
	return nil
}

// OnPriceUpdate 价格更新钩子：重检所有暴露于该标的的账户。
func (s *MarginService) OnPriceUpdate(ctx context.Context, underlying string) {
	for _, account := range s.positions.AccountsExposedTo(underlying) {
		if _, err := s.CheckAndTriggerLiquidation(ctx, account); err != nil {
			s.logger.ErrorContext(ctx, "liquidation check failed",
				"account", account, "underlying", underlying, "error", err)
		}
	}
}

func (s *MarginService) publish(ctx context.Context, topic, key string, event map[string]any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, topic, key, event); err != nil {
		s.logger.WarnContext(ctx, "failed to publish event", "topic", topic, "error", err)
	}
}
