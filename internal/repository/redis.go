package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/lvdashuaibi/votesaga/config"
)

const (
	// Redis键前缀
	IdempotencyKeyPrefix = "idempotency:"
)

type RedisRepository struct {
	client *redis.Client
}

func NewRedisRepository(cfg config.RedisConfig) (*RedisRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.DataAddress,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redis数据节点连接测试失败: %w", err)
	}

	return NewRedisRepositoryFromClient(client), nil
}

// NewRedisRepositoryFromClient 使用已有客户端创建仓库
func NewRedisRepositoryFromClient(client *redis.Client) *RedisRepository {
	return &RedisRepository{client: client}
}

// idempotencyKey 例如 idempotency:VoteSagaCreate:vote-saga-create:<sagaId>
func idempotencyKey(key, kind string) string {
	return IdempotencyKeyPrefix + kind + ":" + key
}

// HasIdempotencyMarker 缓存中是否存在幂等标记
func (r *RedisRepository) HasIdempotencyMarker(ctx context.Context, key, kind string) (bool, error) {
	n, err := r.client.Exists(ctx, idempotencyKey(key, kind)).Result()
	if err != nil {
		return false, fmt.Errorf("查询幂等标记缓存失败: %w", err)
	}
	return n > 0, nil
}

// SetIdempotencyMarker 写入幂等标记缓存，已存在时保留首次写入的值
func (r *RedisRepository) SetIdempotencyMarker(ctx context.Context, key, kind string, processedAt time.Time, ttl time.Duration) error {
	value := processedAt.UTC().Format(time.RFC3339Nano)
	if err := r.client.SetNX(ctx, idempotencyKey(key, kind), value, ttl).Err(); err != nil {
		return fmt.Errorf("写入幂等标记缓存失败: %w", err)
	}
	return nil
}

// Ping 健康检查
func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close 关闭Redis连接
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
