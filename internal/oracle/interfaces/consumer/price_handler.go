// Package consumer 预言机价格流的 Kafka 接入。
package consumer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/messagequeue/kafka"

	"github.com/quantclear/optionscore/internal/oracle/application"
)

// PriceIngestor 价格提交入口。由 options 核心门面实现，以保证
// 价格更新与交易操作共享同一个串行化边界。
type PriceIngestor interface {
	SubmitPrice(ctx context.Context, cmd application.SubmitPriceCommand) error
}

type PriceFeedHandler struct {
	ingestor PriceIngestor
}

func NewPriceFeedHandler(ingestor PriceIngestor) *PriceFeedHandler {
	return &PriceFeedHandler{ingestor: ingestor}
}

// HandlePriceMessage 消费 oracle.price 主题上的一次观测。
func (h *PriceFeedHandler) HandlePriceMessage(ctx context.Context, msg kafkago.Message) error {
	var event struct {
		Asset      string `json:"asset"`
		Price      string `json:"price"`
		Timestamp  int64  `json:"timestamp"`
		SourceID   string `json:"source_id"`
		Confidence string `json:"confidence"`
	}
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return err
	}

	price, err := decimal.NewFromString(event.Price)
	if err != nil {
		slog.Warn("dropping price message with unparseable price", "asset", event.Asset, "price", event.Price)
		return nil
	}
	confidence := decimal.Zero
	if event.Confidence != "" {
		confidence, _ = decimal.NewFromString(event.Confidence)
	}

	return h.ingestor.SubmitPrice(ctx, application.SubmitPriceCommand{
		Asset:      event.Asset,
		Price:      price,
		Timestamp:  time.UnixMilli(event.Timestamp),
		SourceID:   event.SourceID,
		Confidence: confidence,
	})
}

// Subscribe 绑定到消费者并开始拉取。
func (h *PriceFeedHandler) Subscribe(ctx context.Context, consumer *kafka.Consumer) {
	consumer.Start(ctx, 1, h.HandlePriceMessage)
}
