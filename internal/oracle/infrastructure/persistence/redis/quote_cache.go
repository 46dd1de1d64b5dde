package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantclear/optionscore/internal/oracle/domain"
)

// QuoteCache 基于 Redis 的最新价读模型。
type QuoteCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewQuoteCache(client redis.UniversalClient) *QuoteCache {
	return &QuoteCache{
		client: client,
		prefix: "oracle:quote:",
		ttl:    24 * time.Hour,
	}
}

func (c *QuoteCache) SaveLatest(ctx context.Context, obs *domain.Observation) error {
	if obs == nil {
		return nil
	}
	data, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("failed to marshal observation: %w", err)
	}
	return c.client.Set(ctx, c.prefix+obs.Asset, data, c.ttl).Err()
}

func (c *QuoteCache) GetLatest(ctx context.Context, asset string) (*domain.Observation, error) {
	data, err := c.client.Get(ctx, c.prefix+asset).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest quote from redis: %w", err)
	}
	var obs domain.Observation
	if err := json.Unmarshal(data, &obs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal observation: %w", err)
	}
	return &obs, nil
}
