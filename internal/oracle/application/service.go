// Package application 预言机适配器的应用服务。
package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/messagequeue"

	"github.com/quantclear/optionscore/internal/oracle/domain"
	"github.com/quantclear/optionscore/internal/protocol"
)

// OracleService 维护每个资产的内存价格流，并将观测与结算价写穿到仓储。
// 宿主保证操作串行（见 options 应用层的单写者互斥），服务内部不加锁。
type OracleService struct {
	params *protocol.Params

	feeds map[string]*domain.Feed

	settlementRepo domain.SettlementPriceRepository
	obsRepo        domain.ObservationRepository
	quoteCache     domain.QuoteCache
	publisher      messagequeue.EventPublisher
	logger         *slog.Logger

	now func() time.Time
}

func NewOracleService(
	params *protocol.Params,
	settlementRepo domain.SettlementPriceRepository,
	obsRepo domain.ObservationRepository,
	quoteCache domain.QuoteCache,
	publisher messagequeue.EventPublisher,
	logger *slog.Logger,
) *OracleService {
	return &OracleService{
		params:         params,
		feeds:          make(map[string]*domain.Feed),
		settlementRepo: settlementRepo,
		obsRepo:        obsRepo,
		quoteCache:     quoteCache,
		publisher:      publisher,
		logger:         logger.With("module", "oracle_service"),
		now:            time.Now,
	}
}

// SetClock 替换时钟，仅用于测试。
func (s *OracleService) SetClock(now func() time.Time) { s.now = now }

// SubmitPriceCommand 价格提交命令
type SubmitPriceCommand struct {
	Asset      string          `json:"asset"`
	Price      decimal.Decimal `json:"price"`
	Timestamp  time.Time       `json:"timestamp"`
	SourceID   string          `json:"source_id"`
	Confidence decimal.Decimal `json:"confidence"`
}

// SubmitPrice 接收一次白名单数据源的价格观测。
// 时间戳必须严格递增；失败时价格流保持不变。
func (s *OracleService) SubmitPrice(ctx context.Context, cmd SubmitPriceCommand) error {
	source, ok := s.params.SourceByID(cmd.SourceID)
	if !ok {
		return fmt.Errorf("source %q: %w", cmd.SourceID, domain.ErrUnauthorizedSource)
	}

	feed, ok := s.feeds[cmd.Asset]
	if !ok {
		feed = domain.NewFeed(cmd.Asset, domain.DefaultHistoryDepth)
		s.feeds[cmd.Asset] = feed
	}

	obs := domain.Observation{
		Asset:      cmd.Asset,
		Price:      cmd.Price,
		Timestamp:  cmd.Timestamp,
		SourceID:   cmd.SourceID,
		SourceKind: string(source.Kind),
		Confidence: cmd.Confidence,
	}
	if err := feed.Append(obs); err != nil {
		return err
	}

	// 审计投影与读模型都是尽力而为，不回滚已接受的观测。
	if s.obsRepo != nil {
		rec := &domain.ObservationRecord{
			Asset:      obs.Asset,
			Price:      obs.Price,
			Timestamp:  obs.Timestamp,
			SourceID:   obs.SourceID,
			SourceKind: obs.SourceKind,
			Confidence: obs.Confidence,
		}
		if err := s.obsRepo.Save(ctx, rec); err != nil {
			s.logger.WarnContext(ctx, "failed to persist observation", "asset", obs.Asset, "error", err)
		}
	}
	if s.quoteCache != nil {
		if err := s.quoteCache.SaveLatest(ctx, &obs); err != nil {
			s.logger.WarnContext(ctx, "failed to cache latest price", "asset", obs.Asset, "error", err)
		}
	}
	s.publish(ctx, domain.PriceUpdatedEventType, obs.Asset, map[string]any{
		"asset":     obs.Asset,
		"price":     obs.Price.String(),
		"timestamp": obs.Timestamp.UnixMilli(),
		"source_id": obs.SourceID,
	})
	return nil
}

// CurrentPrice 返回资产的最新未过期价格。
func (s *OracleService) CurrentPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	feed, ok := s.feeds[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("asset %q: %w", asset, domain.ErrNoObservation)
	}
	obs, err := feed.Current(s.now(), s.params.MaxStaleness)
	if err != nil {
		return decimal.Zero, err
	}
	return obs.Price, nil
}

// TWAP 返回资产在回看窗口内的时间加权平均价。
func (s *OracleService) TWAP(ctx context.Context, asset string, window time.Duration) (decimal.Decimal, error) {
	feed, ok := s.feeds[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("asset %q: %w", asset, domain.ErrInsufficientHistory)
	}
	return feed.TWAP(s.now(), window)
}

// FinalizeSettlementPrice 在系列到期后写入一次性结算价（瞬时价 + TWAP）。
func (s *OracleService) FinalizeSettlementPrice(ctx context.Context, seriesID, asset string, expiry time.Time) (*domain.SettlementPrice, error) {
	now := s.now()
	if now.Before(expiry) {
		return nil, domain.ErrNotYetExpired
	}
	if existing, err := s.settlementRepo.GetBySeriesID(ctx, seriesID); err == nil && existing != nil {
		return nil, domain.ErrAlreadySettled
	}

	feed, ok := s.feeds[asset]
	if !ok {
		return nil, fmt.Errorf("asset %q: %w", asset, domain.ErrNoObservation)
	}
	obs, err := feed.Current(now, s.params.MaxStaleness)
	if err != nil {
		return nil, err
	}
	twap, err := feed.TWAP(now, s.params.TWAPWindow)
	if err != nil {
		return nil, err
	}

	sp := &domain.SettlementPrice{
		SeriesID:   seriesID,
		Asset:      asset,
		Price:      obs.Price,
		TWAPPrice:  twap,
		TWAPWindow: int64(s.params.TWAPWindow / time.Second),
		SettledAt:  now,
	}
	if err := s.settlementRepo.Save(ctx, sp); err != nil {
		return nil, fmt.Errorf("failed to save settlement price: %w", err)
	}

	s.publish(ctx, domain.SettlementFinalizedEventType, seriesID, map[string]any{
		"series_id":  seriesID,
		"asset":      asset,
		"price":      sp.Price.String(),
		"twap_price": sp.TWAPPrice.String(),
		"settled_at": sp.SettledAt.UnixMilli(),
	})
	s.logger.InfoContext(ctx, "settlement price finalized",
		"series_id", seriesID, "asset", asset, "price", sp.Price.String(), "twap", sp.TWAPPrice.String())
	return sp, nil
}

// SettlementPrice 返回已定稿的结算价。
func (s *OracleService) SettlementPrice(ctx context.Context, seriesID string) (*domain.SettlementPrice, error) {
	return s.settlementRepo.GetBySeriesID(ctx, seriesID)
}

func (s *OracleService) publish(ctx context.Context, topic, key string, event map[string]any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, topic, key, event); err != nil {
		// 事件投递失败不回滚状态变更。
		s.logger.WarnContext(ctx, "failed to publish event", "topic", topic, "key", key, "error", err)
	}
}
