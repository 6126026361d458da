package util

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld 锁已被其他持有者占用
var ErrLockHeld = errors.New("lock held by another owner")

// 仅当 value 仍是自己的 token 时才删除
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// KeyedLock 基于 Redis 的按 key 互斥锁，带 TTL 防止持有者崩溃后死锁
type KeyedLock struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewKeyedLock(rdb *redis.Client, prefix string, ttl time.Duration) *KeyedLock {
	return &KeyedLock{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Acquire 尝试获取锁；成功时返回释放函数
func (l *KeyedLock) Acquire(ctx context.Context, id int64) (func(), error) {
	key := fmt.Sprintf("lock:%s:%d", l.prefix, id)
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	return func() {
		// 使用独立 context，调用方 ctx 可能已取消
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.rdb, []string{key}, token).Err()
	}, nil
}
