package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/votesaga/config"
)

const (
	redLockPrefix = "lock:"

	// 只释放/刷新自己持有的锁
	unlockScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	refreshScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
)

var (
	unlockLua  = redis.NewScript(unlockScript)
	refreshLua = redis.NewScript(refreshScript)
)

// RedLock 在多个独立Redis节点上实现的Redlock
type RedLock struct {
	clients    []*redis.Client
	retries    int
	retryDelay time.Duration
	logger     *zap.Logger

	mu    sync.Mutex
	locks map[string]string // key是锁名，value是token值
}

// NewRedLock 连接 redis.lock_addresses 中的所有节点
func NewRedLock(cfg config.RedisConfig, retries int, logger *zap.Logger) (*RedLock, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var clients []*redis.Client
	for _, addr := range cfg.LockAddresses {
		client := redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.Timeout,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		})

		if err := client.Ping(ctx).Err(); err != nil {
			for _, c := range clients {
				c.Close()
			}
			client.Close()
			return nil, fmt.Errorf("Redis锁节点 %s 连接测试失败: %w", addr, err)
		}
		clients = append(clients, client)
	}

	return NewRedLockFromClients(clients, retries, logger), nil
}

// NewRedLockFromClients 使用已有客户端创建
func NewRedLockFromClients(clients []*redis.Client, retries int, logger *zap.Logger) *RedLock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedLock{
		clients:    clients,
		retries:    max(retries, 1),
		retryDelay: 100 * time.Millisecond,
		logger:     logger,
		locks:      make(map[string]string),
	}
}

func (r *RedLock) quorum() int {
	return len(r.clients)/2 + 1
}

// AcquireLock 在多数节点上SETNX成功且仍在有效期内才算获取成功
func (r *RedLock) AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	_, held := r.locks[lockName]
	r.mu.Unlock()
	if held {
		return false, nil
	}

	key := redLockPrefix + lockName
	token := uuid.NewString()

	for attempt := 0; attempt < r.retries; attempt++ {
		start := time.Now()
		success := 0
		for _, client := range r.clients {
			ok, err := client.SetNX(ctx, key, token, ttl).Result()
			if err != nil {
				r.logger.Warn("在节点获取锁失败",
					zap.String("node", client.Options().Addr), zap.String("lock", lockName), zap.Error(err))
				continue
			}
			if ok {
				success++
			}
		}

		if success >= r.quorum() && ttl-time.Since(start) > 0 {
			r.mu.Lock()
			r.locks[lockName] = token
			r.mu.Unlock()
			return true, nil
		}

		// 获取失败，释放已获取的节点
		r.unlockAll(ctx, key, token)

		if attempt+1 < r.retries {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(r.retryDelay):
			}
		}
	}

	return false, nil
}

// RefreshLock 刷新锁的过期时间
func (r *RedLock) RefreshLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	token, ok := r.locks[lockName]
	r.mu.Unlock()
	if !ok {
		return false, ErrLockNotHeld
	}

	key := redLockPrefix + lockName
	success := 0
	for _, client := range r.clients {
		n, err := refreshLua.Run(ctx, client, []string{key}, token, ttl.Milliseconds()).Int64()
		if err != nil {
			r.logger.Warn("在节点刷新锁失败",
				zap.String("node", client.Options().Addr), zap.String("lock", lockName), zap.Error(err))
			continue
		}
		if n == 1 {
			success++
		}
	}

	if success >= r.quorum() {
		return true, nil
	}

	r.mu.Lock()
	delete(r.locks, lockName)
	r.mu.Unlock()
	return false, nil
}

// ReleaseLock 释放分布式锁
func (r *RedLock) ReleaseLock(ctx context.Context, lockName string) error {
	r.mu.Lock()
	token, ok := r.locks[lockName]
	delete(r.locks, lockName)
	r.mu.Unlock()
	if !ok {
		return ErrLockNotHeld
	}

	r.unlockAll(ctx, redLockPrefix+lockName, token)
	return nil
}

// unlockAll 在所有节点上释放锁
func (r *RedLock) unlockAll(ctx context.Context, key, token string) {
	for _, client := range r.clients {
		err := unlockLua.Run(ctx, client, []string{key}, token).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			r.logger.Warn("在节点释放锁失败",
				zap.String("node", client.Options().Addr), zap.String("key", key), zap.Error(err))
		}
	}
}

// ReleaseAllLocks 释放所有持有的锁
func (r *RedLock) ReleaseAllLocks(ctx context.Context) {
	r.mu.Lock()
	locks := r.locks
	r.locks = make(map[string]string)
	r.mu.Unlock()

	for name, token := range locks {
		r.unlockAll(ctx, redLockPrefix+name, token)
	}
}

// Close 关闭分布式锁客户端
func (r *RedLock) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.ReleaseAllLocks(ctx)

	var errs []error
	for _, client := range r.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
