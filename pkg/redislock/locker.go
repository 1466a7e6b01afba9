package redislock

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaoxuxiansheng/redis_lock"

	"github.com/xiaoxuxiansheng/goxa"
)

func NewRedisClient(network, address, password string) *redis_lock.Client {
	return redis_lock.NewClient(network, address, password)
}

// BuildRecoveryLockKey 共享同一份日志的节点使用同一个 group
func BuildRecoveryLockKey(group string) string {
	return fmt.Sprintf("goxa:recovery:lock:%s", group)
}

// Locker 基于 redis 分布式锁的恢复锁
type Locker struct {
	key    string
	client *redis_lock.Client
}

func NewLocker(client *redis_lock.Client, group string) *Locker {
	return &Locker{
		key:    BuildRecoveryLockKey(group),
		client: client,
	}
}

func (l *Locker) Lock(ctx context.Context, expireDuration time.Duration) error {
	lock := redis_lock.NewRedisLock(l.key, l.client, redis_lock.WithExpireSeconds(expireSeconds(expireDuration)))
	return lock.Lock(ctx)
}

func (l *Locker) Unlock(ctx context.Context) error {
	lock := redis_lock.NewRedisLock(l.key, l.client)
	return lock.Unlock(ctx)
}

// 过期时间至少 1 秒
func expireSeconds(d time.Duration) int64 {
	seconds := int64(d / time.Second)
	if d%time.Second != 0 {
		seconds++
	}
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

var _ goxa.RecoveryLocker = (*Locker)(nil)
