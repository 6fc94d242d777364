package locks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// 只有持有者（value 匹配）才能释放，避免 TTL 过期后误删他人的锁。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// NewRedis 解析 redis:// 连接串并探活；ttl 为锁的最长持有时间。
func NewRedis(ctx context.Context, url string, prefix string, ttl time.Duration) (*Redis, error) {
	opt, err := redis.ParseURL(strings.TrimSpace(url))
	if err != nil {
		return nil, fmt.Errorf("解析 Redis 连接字符串失败: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Redis 连接测试失败: %w", err)
	}
	return NewRedisWithClient(client, prefix, ttl), nil
}

func NewRedisWithClient(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		retry:  50 * time.Millisecond,
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(key string) string {
	return r.prefix + key
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	full := r.key(key)
	token := uuid.NewString()
	backoff := r.retry
	for {
		ok, err := r.client.SetNX(ctx, full, token, r.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, errors.Join(ErrNotAcquired, ctx.Err())
			}
			return nil, fmt.Errorf("redis SETNX %s: %w", full, err)
		}
		if ok {
			break
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		case <-t.C:
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// 释放不继承调用方 ctx：调用方超时后仍需尽力解锁。
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(rctx, r.client, []string{full}, token).Err()
		})
	}, nil
}
