// Package application 期权核心应用服务。
// 门面持有唯一的写锁：所有变更操作（下单、行权、价格摄入、清算）
// 串行进入，保证核心是顺序一致的状态机。
package application

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/idgen"
	"github.com/wyfcoding/pkg/messagequeue"

	marginapp "github.com/quantclear/optionscore/internal/margin/application"
	margindomain "github.com/quantclear/optionscore/internal/margin/domain"
	oracleapp "github.com/quantclear/optionscore/internal/oracle/application"
	oracledomain "github.com/quantclear/optionscore/internal/oracle/domain"
	obapp "github.com/quantclear/optionscore/internal/orderbook/application"
	obdomain "github.com/quantclear/optionscore/internal/orderbook/domain"
	"github.com/quantclear/optionscore/internal/options/domain"
	"github.com/quantclear/optionscore/internal/protocol"
	vaultapp "github.com/quantclear/optionscore/internal/vault/application"
	vaultdomain "github.com/quantclear/optionscore/internal/vault/domain"
)

// CreateSeriesCommand 创建系列命令。Style 为空时取协议缺省。
type CreateSeriesCommand struct {
	Underlying   string
	Type         domain.OptionType
	Strike       decimal.Decimal
	Expiry       time.Time
	ContractSize decimal.Decimal
	Settlement   domain.SettlementKind
	Style        domain.ExerciseStyle
}

// PlaceOrderCommand 下单命令
type PlaceOrderCommand struct {
	SeriesID string
	Side     obdomain.OrderSide
	Type     obdomain.OrderType
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// UpdateRiskParametersCommand 风险参数热更新命令。零值字段保持不变。
type UpdateRiskParametersCommand struct {
	InitialMarginRate     decimal.Decimal
	MaintenanceMarginRate decimal.Decimal
	LiquidationBuffer     decimal.Decimal
	MaxStaleness          time.Duration
	TWAPWindow            time.Duration
}

// ExerciseResult 行权结果
type ExerciseResult struct {
	SeriesID        string          `json:"series_id"`
	Quantity        decimal.Decimal `json:"quantity"`
	SettlementPrice decimal.Decimal `json:"settlement_price"`
	Payout          decimal.Decimal `json:"payout"`
}

// OptionsService 期权核心门面。聚合预言机、金库、保证金引擎与订单簿，
// 并以单一互斥锁串行所有写操作。
type OptionsService struct {
	mu sync.Mutex

	params *protocol.Params
	oracle *oracleapp.OracleService
	vault  *vaultapp.VaultService
	margin *marginapp.MarginService
	books  *obapp.OrderBookService

	series    map[string]*domain.OptionSeries        // series_id →
	positions map[string]*domain.Position            // position_id →
	byHolder  map[string]map[string]*domain.Position // account → series_id →

	seriesRepo   domain.SeriesRepository
	positionRepo domain.PositionRepository
	publisher    messagequeue.EventPublisher
	logger       *slog.Logger
	now          func() time.Time
}

func NewOptionsService(
	params *protocol.Params,
	oracle *oracleapp.OracleService,
	vault *vaultapp.VaultService,
	margin *marginapp.MarginService,
	books *obapp.OrderBookService,
	seriesRepo domain.SeriesRepository,
	positionRepo domain.PositionRepository,
	publisher messagequeue.EventPublisher,
	logger *slog.Logger,
) *OptionsService {
	s := &OptionsService{
		params:       params,
		oracle:       oracle,
		vault:        vault,
		margin:       margin,
		books:        books,
		series:       make(map[string]*domain.OptionSeries),
		positions:    make(map[string]*domain.Position),
		byHolder:     make(map[string]map[string]*domain.Position),
		seriesRepo:   seriesRepo,
		positionRepo: positionRepo,
		publisher:    publisher,
		logger:       logger.With("module", "options_service"),
		now:          time.Now,
	}
	books.SetSettler(obdomain.FillSettlerFunc(s.settleFill))
	margin.SetPositionSource(s)
	margin.SetPositionCloser(s)
	return s
}

// SetClock 测试用时钟注入，同时下发到订单簿。
func (s *OptionsService) SetClock(now func() time.Time) {
	s.now = now
	s.books.SetClock(now)
	s.oracle.SetClock(now)
	s.margin.SetClock(now)
}

// ----------------------------------------------------------------------------
// 系列生命周期
// ----------------------------------------------------------------------------

// CreateSeries 管理员创建期权系列。
func (s *OptionsService) CreateSeries(ctx context.Context, caller string, cmd CreateSeriesCommand) (*domain.OptionSeries, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.params.IsAdmin(caller) {
		return nil, domain.ErrUnauthorized
	}
	style := cmd.Style
	if style == "" {
		style = domain.ExerciseStyle(s.params.DefaultExerciseStyle)
	}
	if err := s.validateSeries(cmd, style); err != nil {
		return nil, err
	}

	series := &domain.OptionSeries{
		SeriesID:     idgen.GenIDString(),
		Underlying:   cmd.Underlying,
		Type:         cmd.Type,
		Strike:       cmd.Strike,
		Expiry:       cmd.Expiry,
		ContractSize: cmd.ContractSize,
		Settlement:   cmd.Settlement,
		Style:        style,
		Creator:      caller,
		IsActive:     true,
	}
	s.series[series.SeriesID] = series
	s.persistSeries(ctx, series)
	s.publish(ctx, domain.SeriesCreatedEventType, series.SeriesID, map[string]any{
		"series_id": series.SeriesID, "underlying": series.Underlying,
		"type": string(series.Type), "strike": series.Strike.String(),
		"expiry": series.Expiry.Unix(), "contract_size": series.ContractSize.String(),
		"style": string(series.Style), "creator": caller,
	})
	return series, nil
}

func (s *OptionsService) validateSeries(cmd CreateSeriesCommand, style domain.ExerciseStyle) error {
	if cmd.Underlying == "" {
		return fmt.Errorf("%w: empty underlying", domain.ErrInvalidSeriesParameters)
	}
	if cmd.Type != domain.TypeCall && cmd.Type != domain.TypePut {
		return fmt.Errorf("%w: unknown option type %q", domain.ErrInvalidSeriesParameters, cmd.Type)
	}
	if cmd.Strike.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: strike must be positive", domain.ErrInvalidSeriesParameters)
	}
	if !cmd.Expiry.After(s.now()) {
		return fmt.Errorf("%w: expiry must be in the future", domain.ErrInvalidSeriesParameters)
	}
	if cmd.ContractSize.LessThan(s.params.MinContractSize) || cmd.ContractSize.GreaterThan(s.params.MaxContractSize) {
		return fmt.Errorf("%w: contract size outside bounds", domain.ErrInvalidSeriesParameters)
	}
	if cmd.Settlement != domain.SettleCash && cmd.Settlement != domain.SettlePhysical {
		return fmt.Errorf("%w: unknown settlement kind %q", domain.ErrInvalidSeriesParameters, cmd.Settlement)
	}
	if style != domain.StyleEuropean && style != domain.StyleAmerican {
		return fmt.Errorf("%w: unknown exercise style %q", domain.ErrInvalidSeriesParameters, style)
	}
	return nil
}

// SettleExpiredSeries 管理员在所有头寸清零后将系列置为非激活。
func (s *OptionsService) SettleExpiredSeries(ctx context.Context, caller, seriesID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.params.IsAdmin(caller) {
		return domain.ErrUnauthorized
	}
	series, ok := s.series[seriesID]
	if !ok {
		return domain.ErrSeriesNotFound
	}
	if !series.IsExpired(s.now()) {
		return domain.ErrNotExpired
	}
	for _, pos := range s.positions {
		if pos.SeriesID == seriesID && !pos.Quantity.IsZero() {
			return domain.ErrOpenPositionsRemain
		}
	}
	series.IsActive = false
	s.persistSeries(ctx, series)
	s.publish(ctx, domain.SeriesSettledEventType, seriesID, map[string]any{
		"series_id": seriesID, "settled_by": caller,
	})
	return nil
}

// ----------------------------------------------------------------------------
// 治理入口
// ----------------------------------------------------------------------------

// UpdateRiskParameters 管理员热更新风险参数。
func (s *OptionsService) UpdateRiskParameters(ctx context.Context, caller string, cmd UpdateRiskParametersCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.params.IsAdmin(caller) {
		return domain.ErrUnauthorized
	}
	// 先在副本上套用并校验，失败时共享参数保持不变。
	next := *s.params
	if cmd.InitialMarginRate.IsPositive() {
		next.InitialMarginRate = cmd.InitialMarginRate
	}
	if cmd.MaintenanceMarginRate.IsPositive() {
		next.MaintenanceMarginRate = cmd.MaintenanceMarginRate
	}
	if cmd.LiquidationBuffer.IsPositive() {
		next.LiquidationBuffer = cmd.LiquidationBuffer
	}
	if cmd.MaxStaleness > 0 {
		next.MaxStaleness = cmd.MaxStaleness
	}
	if cmd.TWAPWindow > 0 {
		next.TWAPWindow = cmd.TWAPWindow
	}
	if err := next.Validate(); err != nil {
		return err
	}
	s.params.InitialMarginRate = next.InitialMarginRate
	s.params.MaintenanceMarginRate = next.MaintenanceMarginRate
	s.params.LiquidationBuffer = next.LiquidationBuffer
	s.params.MaxStaleness = next.MaxStaleness
	s.params.TWAPWindow = next.TWAPWindow
	s.publish(ctx, domain.ParametersUpdatedEventType, caller, map[string]any{
		"initial_margin_rate":     s.params.InitialMarginRate.String(),
		"maintenance_margin_rate": s.params.MaintenanceMarginRate.String(),
		"liquidation_buffer":      s.params.LiquidationBuffer.String(),
		"max_staleness_seconds":   int64(s.params.MaxStaleness.Seconds()),
		"twap_window_seconds":     int64(s.params.TWAPWindow.Seconds()),
		"updated_by":              caller,
	})
	return nil
}

// AddOracleSource 管理员追加预言机数据源白名单。
func (s *OptionsService) AddOracleSource(ctx context.Context, caller, id string, kind protocol.SourceKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.params.IsAdmin(caller) {
		return domain.ErrUnauthorized
	}
	if err := s.params.AddOracleSource(id, kind); err != nil {
		return err
	}
	s.publish(ctx, domain.OracleSourceAddedEventType, id, map[string]any{
		"source_id": id, "kind": string(kind), "added_by": caller,
	})
	return nil
}

// ----------------------------------------------------------------------------
// 金库入口（串行包装）
// ----------------------------------------------------------------------------

func (s *OptionsService) Deposit(ctx context.Context, owner string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vault.Deposit(ctx, owner, amount)
}

func (s *OptionsService) Withdraw(ctx context.Context, owner string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vault.Withdraw(ctx, owner, amount)
}

func (s *OptionsService) FreezeVault(ctx context.Context, caller, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.params.IsAdmin(caller) {
		return domain.ErrUnauthorized
	}
	return s.vault.Freeze(ctx, owner)
}

func (s *OptionsService) UnfreezeVault(ctx context.Context, caller, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.params.IsAdmin(caller) {
		return domain.ErrUnauthorized
	}
	return s.vault.Unfreeze(ctx, owner)
}

func (s *OptionsService) GetVault(ctx context.Context, owner string) (*vaultdomain.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vault.GetVault(ctx, owner)
}

// ----------------------------------------------------------------------------
// 交易入口
// ----------------------------------------------------------------------------

// PlaceOrder 下单。限价买单在挂单时预留权利金（限价 × 数量），
// 卖单只做快速失败的保证金预检，真正的锁定发生在每笔成交结算时。
func (s *OptionsService) PlaceOrder(ctx context.Context, owner string, cmd PlaceOrderCommand) (*obdomain.Order, []*obdomain.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placeOrderLocked(ctx, owner, cmd)
}

func (s *OptionsService) placeOrderLocked(ctx context.Context, owner string, cmd PlaceOrderCommand) (*obdomain.Order, []*obdomain.Fill, error) {
	series, ok := s.series[cmd.SeriesID]
	if !ok {
		return nil, nil, domain.ErrSeriesNotFound
	}
	if !series.Tradeable(s.now()) {
		return nil, nil, domain.ErrSeriesInactive
	}
	if cmd.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil, nil, obdomain.ErrInvalidQuantity
	}
	if cmd.Type == obdomain.TypeLimit && cmd.Price.LessThanOrEqual(decimal.Zero) {
		return nil, nil, obdomain.ErrInvalidPrice
	}

	lockID := ""
	if cmd.Type == obdomain.TypeLimit && cmd.Side == obdomain.SideBid {
		premium := cmd.Price.Mul(cmd.Quantity)
		id, err := s.vault.Lock(ctx, owner, cmd.SeriesID, premium, vaultdomain.LockTypeMargin)
		if err != nil {
			return nil, nil, err
		}
		lockID = id
	}
	if cmd.Side == obdomain.SideAsk {
		if err := s.precheckShortMargin(ctx, owner, series, cmd.Quantity); err != nil {
			return nil, nil, err
		}
	}

	order, fills, err := s.books.PlaceOrder(ctx, obapp.PlaceOrderCommand{
		Owner:    owner,
		SeriesID: cmd.SeriesID,
		Side:     cmd.Side,
		Type:     cmd.Type,
		Price:    cmd.Price,
		Quantity: cmd.Quantity,
		LockID:   lockID,
	})
	if err != nil {
		if lockID != "" {
			s.releaseOrderLock(ctx, owner, lockID)
		}
		return nil, nil, err
	}
	if order.IsTerminal() {
		s.releaseOrderLock(ctx, owner, order.LockID)
	}
	return order, fills, nil
}

// precheckShortMargin 卖单挂单前的保证金快速失败检查：
// 只校验会扩大空头的增量部分。
func (s *OptionsService) precheckShortMargin(ctx context.Context, owner string, series *domain.OptionSeries, quantity decimal.Decimal) error {
	pos := s.positionOf(owner, series.SeriesID)
	held := decimal.Zero
	if pos != nil && pos.Quantity.IsPositive() {
		held = pos.Quantity
	}
	increase := quantity.Sub(held)
	if increase.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	_, err := s.margin.RequireSufficientMargin(ctx, owner, series.Underlying, increase, series.ContractSize)
	return err
}

// WriteOption 一级发行：卖方直接挂限价卖单。
func (s *OptionsService) WriteOption(ctx context.Context, writer, seriesID string, premium, quantity decimal.Decimal) (*obdomain.Order, []*obdomain.Fill, error) {
	return s.PlaceOrder(ctx, writer, PlaceOrderCommand{
		SeriesID: seriesID,
		Side:     obdomain.SideAsk,
		Type:     obdomain.TypeLimit,
		Price:    premium,
		Quantity: quantity,
	})
}

// BuyOption 一级认购：买方直接挂限价买单。
func (s *OptionsService) BuyOption(ctx context.Context, buyer, seriesID string, premium, quantity decimal.Decimal) (*obdomain.Order, []*obdomain.Fill, error) {
	return s.PlaceOrder(ctx, buyer, PlaceOrderCommand{
		SeriesID: seriesID,
		Side:     obdomain.SideBid,
		Type:     obdomain.TypeLimit,
		Price:    premium,
		Quantity: quantity,
	})
}

// CancelOrder 撤单并释放仅为未成交部分预留的抵押。
func (s *OptionsService) CancelOrder(ctx context.Context, owner, orderID string) (*obdomain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, err := s.books.CancelOrder(ctx, owner, orderID)
	if err != nil {
		return nil, err
	}
	s.releaseOrderLock(ctx, owner, order.LockID)
	return order, nil
}

func (s *OptionsService) releaseOrderLock(ctx context.Context, owner, lockID string) {
	if lockID == "" {
		return
	}
	if _, ok := s.vault.GetLock(owner, lockID); !ok {
		return // 成交已精确耗尽预留
	}
	if err := s.vault.Release(ctx, owner, lockID); err != nil {
		s.logger.ErrorContext(ctx, "failed to release order reservation", "lock_id", lockID, "error", err)
	}
}

// ----------------------------------------------------------------------------
// 成交结算（订单簿回调，已持有门面锁）
// ----------------------------------------------------------------------------

// settleFill 单笔成交的原子结算：权利金转移 + 卖方保证金锁定 + 双边头寸更新。
// 任一前置校验失败则整笔成交不发生，已有成交保持生效。
func (s *OptionsService) settleFill(ctx context.Context, fill *obdomain.Fill, taker, maker *obdomain.Order) error {
	series, ok := s.series[fill.SeriesID]
	if !ok {
		return domain.ErrSeriesNotFound
	}
	premium := fill.Price.Mul(fill.Quantity)

	// 卖方空头增量与保证金要求（纯计算）
	sellerPos := s.positionOf(fill.Seller, fill.SeriesID)
	oldShort := decimal.Zero
	oldQty := decimal.Zero
	if sellerPos != nil {
		oldShort = sellerPos.ShortQuantity()
		oldQty = sellerPos.Quantity
	}
	newQty := oldQty.Sub(fill.Quantity)
	newShort := decimal.Zero
	if newQty.IsNegative() {
		newShort = newQty.Neg()
	}
	shortIncrease := newShort.Sub(oldShort)

	required := decimal.Zero
	if shortIncrease.IsPositive() {
		req, err := s.margin.InitialRequirementFor(ctx, series.Underlying, shortIncrease, series.ContractSize)
		if err != nil {
			return err
		}
		// 本笔权利金收入计入可用后校验
		if s.vault.Available(fill.Seller).Add(premium).LessThan(req) {
			return margindomain.ErrInsufficientMargin
		}
		if v, err := s.vault.GetVault(ctx, fill.Seller); err == nil && v.Status == vaultdomain.VaultStatusFrozen {
			return vaultdomain.ErrVaultFrozen
		}
		required = req
	}

	// 买方权利金支付能力预检
	buyOrder := taker
	if maker.OrderID == fill.BuyOrderID {
		buyOrder = maker
	}
	reserved := decimal.Zero
	if buyOrder.LockID != "" {
		if lock, ok := s.vault.GetLock(fill.Buyer, buyOrder.LockID); ok {
			reserved = lock.Amount
		}
	}
	shortfall := premium.Sub(reserved)
	if shortfall.IsPositive() && s.vault.Available(fill.Buyer).LessThan(shortfall) {
		return vaultdomain.ErrInsufficientAvailableCollateral
	}

	// 权利金转移：先耗预留，不足部分走可用余额
	if reserved.IsPositive() {
		fromLock := decimal.Min(premium, reserved)
		if _, err := s.vault.SeizeFromLock(ctx, fill.Buyer, buyOrder.LockID, fromLock, fill.Seller); err != nil {
			return err
		}
	}
	if shortfall.IsPositive() {
		if err := s.vault.Transfer(ctx, fill.Buyer, fill.Seller, shortfall); err != nil {
			return err
		}
	}

	// 卖方保证金锁定
	if required.IsPositive() {
		if sellerPos != nil && sellerPos.LockID != "" {
			if err := s.vault.GrowLock(ctx, fill.Seller, sellerPos.LockID, required); err != nil {
				return err
			}
		} else {
			lockID, err := s.vault.Lock(ctx, fill.Seller, fill.SeriesID, required, vaultdomain.LockTypePosition)
			if err != nil {
				return err
			}
			sellerPos = s.ensurePosition(ctx, fill.Seller, fill.SeriesID)
			sellerPos.LockID = lockID
		}
	}

	// 双边头寸更新
	s.applyTrade(ctx, fill.Buyer, series, fill.Quantity, fill.Price, premium, decimal.Zero)
	s.applyTrade(ctx, fill.Seller, series, fill.Quantity.Neg(), fill.Price, decimal.Zero, premium)
	return nil
}

// applyTrade 将带符号成交增量落到净头寸，并维护空头保证金锁的伸缩。
func (s *OptionsService) applyTrade(ctx context.Context, account string, series *domain.OptionSeries, delta, price, paid, received decimal.Decimal) {
	pos := s.ensurePosition(ctx, account, series.SeriesID)
	opened := pos.Quantity.IsZero()
	oldShort := pos.ShortQuantity()

	pos.ApplyTrade(delta, price)
	pos.PremiumPaid = pos.PremiumPaid.Add(paid)
	pos.PremiumReceived = pos.PremiumReceived.Add(received)

	newShort := pos.ShortQuantity()
	if newShort.LessThan(oldShort) && pos.LockID != "" {
		s.scaleDownShortLock(ctx, pos, oldShort, newShort)
	}

	switch {
	case pos.Quantity.IsZero():
		s.removePosition(ctx, pos)
		s.publish(ctx, domain.PositionClosedEventType, pos.PositionID, map[string]any{
			"position_id": pos.PositionID, "account": account, "series_id": series.SeriesID,
		})
	case opened:
		s.persistPosition(ctx, pos)
		s.publish(ctx, domain.PositionOpenedEventType, pos.PositionID, map[string]any{
			"position_id": pos.PositionID, "account": account, "series_id": series.SeriesID,
			"quantity": pos.Quantity.String(), "avg_entry_price": pos.AvgEntryPrice.String(),
		})
	default:
		s.persistPosition(ctx, pos)
		s.publish(ctx, domain.PositionChangedEventType, pos.PositionID, map[string]any{
			"position_id": pos.PositionID, "account": account, "series_id": series.SeriesID,
			"quantity": pos.Quantity.String(),
		})
	}
}

// scaleDownShortLock 空头缩量时按比例释放保证金锁；清零则整锁释放。
func (s *OptionsService) scaleDownShortLock(ctx context.Context, pos *domain.Position, oldShort, newShort decimal.Decimal) {
	lock, ok := s.vault.GetLock(pos.Account, pos.LockID)
	if !ok {
		pos.LockID = ""
		return
	}
	if newShort.IsZero() {
		if err := s.vault.Release(ctx, pos.Account, pos.LockID); err != nil {
			s.logger.ErrorContext(ctx, "failed to release margin lock", "lock_id", pos.LockID, "error", err)
		}
		pos.LockID = ""
		return
	}
	shrink := lock.Amount.Mul(oldShort.Sub(newShort)).Div(oldShort)
	if !shrink.IsPositive() {
		return
	}
	if err := s.vault.ShrinkLock(ctx, pos.Account, pos.LockID, shrink); err != nil {
		s.logger.ErrorContext(ctx, "failed to shrink margin lock", "lock_id", pos.LockID, "error", err)
	}
}

// ----------------------------------------------------------------------------
// 行权与交割
// ----------------------------------------------------------------------------

// Exercise 持有人行权。欧式要求已到期并使用敲定的交割价；
// 美式允许提前行权，到期前使用新鲜现价。
// 支付从空头方的头寸保证金锁中划扣，按确定顺序（头寸 ID 升序）指派。
func (s *OptionsService) Exercise(ctx context.Context, holder, seriesID string, quantity decimal.Decimal) (*ExerciseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	series, ok := s.series[seriesID]
	if !ok {
		return nil, domain.ErrSeriesNotFound
	}
	pos := s.positionOf(holder, seriesID)
	if pos == nil || !pos.Quantity.IsPositive() {
		return nil, domain.ErrPositionNotFound
	}
	if quantity.LessThanOrEqual(decimal.Zero) || quantity.GreaterThan(pos.Quantity) {
		return nil, domain.ErrInvalidQuantity
	}

	expired := series.IsExpired(s.now())
	if series.Style == domain.StyleEuropean && !expired {
		return nil, domain.ErrNotExpired
	}

	var price decimal.Decimal
	if expired {
		sp, err := s.oracle.SettlementPrice(ctx, seriesID)
		if err != nil {
			return nil, err
		}
		if sp == nil {
			return nil, domain.ErrSettlementNotFinalized
		}
		price = sp.Price
	} else {
		// 美式提前行权：按新鲜现价结算
		p, err := s.oracle.CurrentPrice(ctx, series.Underlying)
		if err != nil {
			return nil, err
		}
		price = p
	}

	// 价外行权支付为零，但空头指派与锁释放照常进行，
	// 否则空头头寸与其保证金锁将悬置，系列无法交割。
	payout := series.Payoff(price, quantity)
	if err := s.assignWriters(ctx, holder, series, quantity, payout); err != nil {
		return nil, err
	}

	s.applyExercise(ctx, pos, quantity)
	s.publish(ctx, domain.PositionExercisedEventType, pos.PositionID, map[string]any{
		"position_id": pos.PositionID, "account": holder, "series_id": seriesID,
		"quantity": quantity.String(), "settlement_price": price.String(),
		"payout": payout.String(),
	})
	return &ExerciseResult{
		SeriesID:        seriesID,
		Quantity:        quantity,
		SettlementPrice: price,
		Payout:          payout,
	}, nil
}

// assignWriters 将行权数量按头寸 ID 升序指派给空头方，
// 逐个从其头寸锁中划扣对应支付。划扣不足意味着此前的保证金记账被破坏，
// 视为致命一致性失败。
func (s *OptionsService) assignWriters(ctx context.Context, holder string, series *domain.OptionSeries, quantity, payout decimal.Decimal) error {
	writers := s.shortPositionsOf(series.SeriesID)
	remaining := quantity
	for _, w := range writers {
		if remaining.IsZero() {
			break
		}
		assign := decimal.Min(remaining, w.ShortQuantity())
		if !assign.IsPositive() {
			continue
		}
		due := decimal.Zero
		if payout.IsPositive() {
			due = payout.Mul(assign).Div(quantity)
		}
		if due.IsPositive() {
			if w.LockID == "" {
				s.logger.ErrorContext(ctx, "assigned writer has no margin lock",
					"position_id", w.PositionID, "series_id", series.SeriesID)
				return domain.ErrInsufficientCounterpartyCollateral
			}
			seized, err := s.vault.SeizeFromLock(ctx, w.Account, w.LockID, due, holder)
			if err != nil {
				return err
			}
			if seized.LessThan(due) {
				// 不可达：保证金引擎保证锁定 ≥ 维持要求 ≥ 内在价值。
				s.logger.ErrorContext(ctx, "writer collateral short of exercise payout",
					"position_id", w.PositionID, "due", due.String(), "seized", seized.String())
				return domain.ErrInsufficientCounterpartyCollateral
			}
		}

		oldShort := w.ShortQuantity()
		w.Quantity = w.Quantity.Add(assign)
		newShort := w.ShortQuantity()
		if w.LockID != "" {
			s.scaleDownShortLock(ctx, w, oldShort, newShort)
		}
		if w.Quantity.IsZero() {
			s.removePosition(ctx, w)
			s.publish(ctx, domain.PositionClosedEventType, w.PositionID, map[string]any{
				"position_id": w.PositionID, "account": w.Account, "series_id": series.SeriesID,
				"reason": "assigned",
			})
		} else {
			s.persistPosition(ctx, w)
		}
		remaining = remaining.Sub(assign)
	}

	if remaining.IsPositive() {
		// 不可达：多头总量恒等于空头总量。
		s.logger.ErrorContext(ctx, "exercise assignment exhausted writers",
			"series_id", series.SeriesID, "unassigned", remaining.String())
		return domain.ErrInsufficientCounterpartyCollateral
	}
	return nil
}

func (s *OptionsService) applyExercise(ctx context.Context, pos *domain.Position, quantity decimal.Decimal) {
	pos.Quantity = pos.Quantity.Sub(quantity)
	if pos.Quantity.IsZero() {
		s.removePosition(ctx, pos)
		return
	}
	s.persistPosition(ctx, pos)
}

// FinalizeSettlement 管理员敲定系列交割价（现价 + TWAP 合成，见预言机适配器）。
func (s *OptionsService) FinalizeSettlement(ctx context.Context, caller, seriesID string) (*oracledomain.SettlementPrice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.params.IsAdmin(caller) {
		return nil, domain.ErrUnauthorized
	}
	series, ok := s.series[seriesID]
	if !ok {
		return nil, domain.ErrSeriesNotFound
	}
	return s.oracle.FinalizeSettlementPrice(ctx, seriesID, series.Underlying, series.Expiry)
}

// ----------------------------------------------------------------------------
// 价格摄入（实现 consumer.PriceIngestor）
// ----------------------------------------------------------------------------

// SubmitPrice 接收价格观测并在成功后触发受影响账户的保证金重检。
func (s *OptionsService) SubmitPrice(ctx context.Context, cmd oracleapp.SubmitPriceCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.oracle.SubmitPrice(ctx, cmd); err != nil {
		return err
	}
	s.margin.OnPriceUpdate(ctx, cmd.Asset)
	return nil
}

// ----------------------------------------------------------------------------
// 保证金引擎回调（调用方已持有门面锁，此处不得再加锁）
// ----------------------------------------------------------------------------

// Exposures 实现 margin application.PositionSource。
func (s *OptionsService) Exposures(account string) []margindomain.Exposure {
	holdings, ok := s.byHolder[account]
	if !ok {
		return nil
	}
	exposures := make([]margindomain.Exposure, 0, len(holdings))
	for _, pos := range holdings {
		series, ok := s.series[pos.SeriesID]
		if !ok {
			continue
		}
		locked := decimal.Zero
		if pos.LockID != "" {
			if lock, ok := s.vault.GetLock(account, pos.LockID); ok {
				locked = lock.Amount
			}
		}
		exposures = append(exposures, margindomain.Exposure{
			PositionID:   pos.PositionID,
			Account:      account,
			SeriesID:     pos.SeriesID,
			Underlying:   series.Underlying,
			ContractSize: series.ContractSize,
			Quantity:     pos.Quantity,
			LockID:       pos.LockID,
			LockedAmount: locked,
		})
	}
	return exposures
}

// AccountsExposedTo 实现 margin application.PositionSource。
func (s *OptionsService) AccountsExposedTo(underlying string) []string {
	seen := make(map[string]struct{})
	var accounts []string
	for _, pos := range s.positions {
		series, ok := s.series[pos.SeriesID]
		if !ok || series.Underlying != underlying {
			continue
		}
		if _, dup := seen[pos.Account]; dup {
			continue
		}
		seen[pos.Account] = struct{}{}
		accounts = append(accounts, pos.Account)
	}
	return accounts
}

// CloseLiquidatedPosition 实现 margin application.PositionCloser。
// 抵押划扣由保证金引擎经金库完成，这里只清理头寸账本。
func (s *OptionsService) CloseLiquidatedPosition(ctx context.Context, positionID string) error {
	pos, ok := s.positions[positionID]
	if !ok {
		return domain.ErrPositionNotFound
	}
	pos.Quantity = decimal.Zero
	pos.LockID = ""
	s.removePosition(ctx, pos)
	s.publish(ctx, domain.PositionClosedEventType, positionID, map[string]any{
		"position_id": positionID, "account": pos.Account, "series_id": pos.SeriesID,
		"reason": "liquidated",
	})
	return nil
}

// ----------------------------------------------------------------------------
// 查询
// ----------------------------------------------------------------------------

func (s *OptionsService) GetSeries(seriesID string) (*domain.OptionSeries, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	series, ok := s.series[seriesID]
	if !ok {
		return nil, domain.ErrSeriesNotFound
	}
	cp := *series
	return &cp, nil
}

func (s *OptionsService) ListActiveSeries() []*domain.OptionSeries {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.OptionSeries
	for _, series := range s.series {
		if series.IsActive {
			cp := *series
			out = append(out, &cp)
		}
	}
	return out
}

func (s *OptionsService) GetPosition(account, seriesID string) (*domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := s.positionOf(account, seriesID)
	if pos == nil {
		return nil, domain.ErrPositionNotFound
	}
	cp := *pos
	return &cp, nil
}

func (s *OptionsService) ListPositions(account string) []*domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Position
	for _, pos := range s.byHolder[account] {
		cp := *pos
		out = append(out, &cp)
	}
	return out
}

func (s *OptionsService) AccountMargin(ctx context.Context, account string) (*margindomain.AccountMargin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.margin.ComputeAccountMargin(ctx, account)
}

func (s *OptionsService) BookSnapshot(seriesID string, depth int) *obdomain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.books.Snapshot(seriesID, depth)
}

func (s *OptionsService) GetOrder(orderID string) (*obdomain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.books.GetOrder(orderID)
}

func (s *OptionsService) CurrentPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.oracle.CurrentPrice(ctx, asset)
}

func (s *OptionsService) TWAP(ctx context.Context, asset string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.oracle.TWAP(ctx, asset, s.params.TWAPWindow)
}

func (s *OptionsService) SettlementPriceOf(ctx context.Context, seriesID string) (*oracledomain.SettlementPrice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.oracle.SettlementPrice(ctx, seriesID)
}

// ----------------------------------------------------------------------------
// 头寸账本内部工具
// ----------------------------------------------------------------------------

func (s *OptionsService) positionOf(account, seriesID string) *domain.Position {
	holdings, ok := s.byHolder[account]
	if !ok {
		return nil
	}
	return holdings[seriesID]
}

func (s *OptionsService) ensurePosition(ctx context.Context, account, seriesID string) *domain.Position {
	if pos := s.positionOf(account, seriesID); pos != nil {
		return pos
	}
	pos := &domain.Position{
		PositionID:      idgen.GenIDString(),
		Account:         account,
		SeriesID:        seriesID,
		Quantity:        decimal.Zero,
		AvgEntryPrice:   decimal.Zero,
		PremiumPaid:     decimal.Zero,
		PremiumReceived: decimal.Zero,
	}
	s.positions[pos.PositionID] = pos
	if s.byHolder[account] == nil {
		s.byHolder[account] = make(map[string]*domain.Position)
	}
	s.byHolder[account][seriesID] = pos
	return pos
}

func (s *OptionsService) removePosition(ctx context.Context, pos *domain.Position) {
	delete(s.positions, pos.PositionID)
	if holdings, ok := s.byHolder[pos.Account]; ok {
		delete(holdings, pos.SeriesID)
		if len(holdings) == 0 {
			delete(s.byHolder, pos.Account)
		}
	}
	if s.positionRepo != nil {
		if err := s.positionRepo.Delete(ctx, pos.PositionID); err != nil {
			s.logger.ErrorContext(ctx, "failed to delete position", "position_id", pos.PositionID, "error", err)
		}
	}
}

// shortPositionsOf 系列内的空头头寸，按头寸 ID 升序。
func (s *OptionsService) shortPositionsOf(seriesID string) []*domain.Position {
	var shorts []*domain.Position
	for _, pos := range s.positions {
		if pos.SeriesID == seriesID && pos.Quantity.IsNegative() {
			shorts = append(shorts, pos)
		}
	}
	sort.Slice(shorts, func(i, j int) bool {
		return shorts[i].PositionID < shorts[j].PositionID
	})
	return shorts
}

func (s *OptionsService) persistSeries(ctx context.Context, series *domain.OptionSeries) {
	if s.seriesRepo == nil {
		return
	}
	if err := s.seriesRepo.Save(ctx, series); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist series", "series_id", series.SeriesID, "error", err)
	}
}

func (s *OptionsService) persistPosition(ctx context.Context, pos *domain.Position) {
	if s.positionRepo == nil {
		return
	}
	if err := s.positionRepo.Save(ctx, pos); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist position", "position_id", pos.PositionID, "error", err)
	}
}

func (s *OptionsService) publish(ctx context.Context, topic, key string, event map[string]any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, topic, key, event); err != nil {
		s.logger.WarnContext(ctx, "failed to publish event", "topic", topic, "error", err)
	}
}
