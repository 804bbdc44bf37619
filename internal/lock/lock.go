package lock

import (
	"context"
	"errors"
	"time"
)

// ErrLockNotHeld 当前实例未持有该锁
var ErrLockNotHeld = errors.New("lock not held")

// Lock 分布式锁接口
type Lock interface {
	// AcquireLock 获取分布式锁
	// 返回值：bool表示是否成功获取锁，error表示获取过程中的错误
	AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error)

	// RefreshLock 刷新锁的过期时间
	// 返回值：bool表示锁是否仍被当前实例持有
	RefreshLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error)

	// ReleaseLock 释放分布式锁，未持有时返回 ErrLockNotHeld
	ReleaseLock(ctx context.Context, lockName string) error

	// ReleaseAllLocks 释放所有持有的锁
	ReleaseAllLocks(ctx context.Context)

	// Close 关闭分布式锁客户端
	Close() error
}

// Noop 不做任何互斥，lock.backend=none 时使用
type Noop struct{}

func (Noop) AcquireLock(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (Noop) RefreshLock(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (Noop) ReleaseLock(context.Context, string) error                       { return nil }
func (Noop) ReleaseAllLocks(context.Context)                                 {}
func (Noop) Close() error                                                    { return nil }
