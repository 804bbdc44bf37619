// Package idempotency 记录"操作已完成"的幂等标记。
// MySQL 为准，Redis 只做加速，Redis 故障不影响正确性。
package idempotency

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DurableStore 持久化的幂等记录
type DurableStore interface {
	IsProcessed(ctx context.Context, key, kind string) (bool, error)
	MarkAsProcessed(ctx context.Context, key, kind string, processedAt time.Time) error
}

// Cache 幂等标记缓存
type Cache interface {
	HasIdempotencyMarker(ctx context.Context, key, kind string) (bool, error)
	SetIdempotencyMarker(ctx context.Context, key, kind string, processedAt time.Time, ttl time.Duration) error
}

type Service struct {
	durable DurableStore
	cache   Cache
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// NewService cache 可以为 nil
func NewService(durable DurableStore, cache Cache, ttl time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		durable: durable,
		cache:   cache,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
	}
}

// IsProcessed 先查缓存，未命中再查数据库并回填缓存
func (s *Service) IsProcessed(ctx context.Context, key, kind string) (bool, error) {
	if s.cache != nil {
		hit, err := s.cache.HasIdempotencyMarker(ctx, key, kind)
		if err != nil {
			s.logger.Warn("查询幂等缓存失败，回退到数据库", zap.String("key", key), zap.Error(err))
		} else if hit {
			return true, nil
		}
	}

	processed, err := s.durable.IsProcessed(ctx, key, kind)
	if err != nil {
		return false, fmt.Errorf("查询幂等记录失败: %w", err)
	}

	if processed {
		s.fillCache(ctx, key, kind, s.now())
	}
	return processed, nil
}

// MarkAsProcessed 写入幂等记录，重复调用无副作用
func (s *Service) MarkAsProcessed(ctx context.Context, key, kind string) error {
	at := s.now()
	if err := s.durable.MarkAsProcessed(ctx, key, kind, at); err != nil {
		return fmt.Errorf("标记幂等记录失败: %w", err)
	}
	s.fillCache(ctx, key, kind, at)
	return nil
}

func (s *Service) fillCache(ctx context.Context, key, kind string, at time.Time) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetIdempotencyMarker(ctx, key, kind, at, s.ttl); err != nil {
		s.logger.Warn("写入幂等缓存失败", zap.String("key", key), zap.Error(err))
	}
}
