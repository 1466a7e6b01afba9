package redislock

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/agiledragon/gomonkey/v2"
	"github.com/stretchr/testify/assert"
	"github.com/xiaoxuxiansheng/redis_lock"
)

func Test_BuildRecoveryLockKey(t *testing.T) {
	assert.Equal(t, "goxa:recovery:lock:orders", BuildRecoveryLockKey("orders"))
	locker := NewLocker(NewRedisClient("tcp", "127.0.0.1:6379", ""), "orders")
	assert.Equal(t, "goxa:recovery:lock:orders", locker.key)
}

func Test_expireSeconds(t *testing.T) {
	tests := []struct {
		name   string
		expire time.Duration
		want   int64
	}{
		{name: "zero", expire: 0, want: 1},
		{name: "sub second", expire: 200 * time.Millisecond, want: 1},
		{name: "exact", expire: 30 * time.Second, want: 30},
		{name: "round up", expire: 1500 * time.Millisecond, want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, expireSeconds(tt.expire))
		})
	}
}

func Test_Locker(t *testing.T) {
	lockErr := "lockErr"
	lockErrCtxKey := &lockErr
	patch := gomonkey.ApplyMethod(reflect.TypeOf(&redis_lock.RedisLock{}), "Lock", func(_ *redis_lock.RedisLock, ctx context.Context) error {
		lockErr, _ := ctx.Value(lockErrCtxKey).(bool)
		if lockErr {
			return errors.New("lock err")
		}
		return nil
	})
	patch = patch.ApplyMethod(reflect.TypeOf(&redis_lock.RedisLock{}), "Unlock", func(_ *redis_lock.RedisLock, ctx context.Context) error {
		return nil
	})
	defer patch.Reset()

	ctx := context.Background()
	locker := NewLocker(&redis_lock.Client{}, "orders")
	err := locker.Lock(ctx, time.Second)
	assert.Equal(t, nil, err)
	err = locker.Unlock(ctx)
	assert.Equal(t, nil, err)

	err = locker.Lock(context.WithValue(ctx, lockErrCtxKey, true), time.Second)
	assert.Error(t, err)
}
