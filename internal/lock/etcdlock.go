package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/votesaga/config"
)

const etcdLockPrefix = "/locks/"

// EtcdLock 基于租约和事务的分布式锁
type EtcdLock struct {
	client *clientv3.Client
	logger *zap.Logger
	mu     sync.Mutex            // 保护locks的互斥锁
	locks  map[string]*lockEntry // 当前持有的锁
}

type lockEntry struct {
	leaseID clientv3.LeaseID
	key     string
	cancel  context.CancelFunc // 用于停止自动续约
}

func NewEtcdLock(cfg config.ETCDConfig, logger *zap.Logger) (*EtcdLock, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("创建etcd客户端失败: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if len(cfg.Endpoints) > 0 {
		if _, err := cli.Status(ctx, cfg.Endpoints[0]); err != nil {
			cli.Close()
			return nil, fmt.Errorf("etcd连接测试失败: %w", err)
		}
	}

	return &EtcdLock{
		client: cli,
		logger: logger,
		locks:  make(map[string]*lockEntry),
	}, nil
}

func ttlSeconds(ttl time.Duration) int64 {
	return max(int64(ttl/time.Second), 1)
}

func (el *EtcdLock) AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	el.mu.Lock()
	_, held := el.locks[lockName]
	el.mu.Unlock()
	if held {
		return false, nil
	}

	key := etcdLockPrefix + lockName

	// 创建租约
	grantResp, err := el.client.Grant(ctx, ttlSeconds(ttl))
	if err != nil {
		return false, fmt.Errorf("创建租约失败: %w", err)
	}

	// 键不存在时才写入
	txnResp, err := el.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, "", clientv3.WithLease(grantResp.ID))).
		Commit()
	if err != nil || !txnResp.Succeeded {
		el.revoke(grantResp.ID)
		if err != nil {
			return false, fmt.Errorf("事务执行失败: %w", err)
		}
		return false, nil
	}

	// 启动自动续约
	keepAliveCtx, keepAliveCancel := context.WithCancel(context.Background())
	go el.keepAlive(keepAliveCtx, grantResp.ID, ttl)

	el.mu.Lock()
	el.locks[lockName] = &lockEntry{
		leaseID: grantResp.ID,
		key:     key,
		cancel:  keepAliveCancel,
	}
	el.mu.Unlock()

	return true, nil
}

func (el *EtcdLock) RefreshLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	el.mu.Lock()
	entry, ok := el.locks[lockName]
	el.mu.Unlock()
	if !ok {
		return false, ErrLockNotHeld
	}

	// 续租约
	_, err := el.client.KeepAliveOnce(ctx, entry.leaseID)
	if err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			el.mu.Lock()
			delete(el.locks, lockName)
			el.mu.Unlock()
			entry.cancel()
			return false, nil
		}
		return false, fmt.Errorf("续约失败: %w", err)
	}

	return true, nil
}

func (el *EtcdLock) ReleaseLock(ctx context.Context, lockName string) error {
	el.mu.Lock()
	entry, ok := el.locks[lockName]
	delete(el.locks, lockName)
	el.mu.Unlock()
	if !ok {
		return ErrLockNotHeld
	}

	return el.release(ctx, entry)
}

func (el *EtcdLock) ReleaseAllLocks(ctx context.Context) {
	el.mu.Lock()
	entries := el.locks
	el.locks = make(map[string]*lockEntry)
	el.mu.Unlock()

	for name, entry := range entries {
		if err := el.release(ctx, entry); err != nil {
			el.logger.Warn("释放锁失败", zap.String("lock", name), zap.Error(err))
		}
	}
}

func (el *EtcdLock) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	el.ReleaseAllLocks(ctx)
	return el.client.Close()
}

// keepAlive 在持有期间按TTL的一半续约
func (el *EtcdLock) keepAlive(ctx context.Context, leaseID clientv3.LeaseID, ttl time.Duration) {
	ticker := time.NewTicker(time.Duration(ttlSeconds(ttl)) * time.Second / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := el.client.KeepAliveOnce(ctx, leaseID); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// release 删除键并撤销租约
func (el *EtcdLock) release(ctx context.Context, entry *lockEntry) error {
	entry.cancel()

	if _, err := el.client.Delete(ctx, entry.key); err != nil {
		return fmt.Errorf("删除键失败: %w", err)
	}

	if _, err := el.client.Revoke(ctx, entry.leaseID); err != nil {
		return fmt.Errorf("释放租约失败: %w", err)
	}
	return nil
}

func (el *EtcdLock) revoke(leaseID clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := el.client.Revoke(ctx, leaseID); err != nil {
		el.logger.Warn("撤销租约失败", zap.Int64("lease", int64(leaseID)), zap.Error(err))
	}
}
