package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

// luaReleaseIfMatch 仅当锁值匹配持有者 token 时才删除，避免释放他人续期后的锁。
const luaReleaseIfMatch = `
local lockKey = KEYS[1]
local token = ARGV[1]
if redis.call('GET', lockKey) == token then
  return redis.call('DEL', lockKey)
end
return 0
`

// Lock 基于 SET NX PX 的分布式锁，带租期与有界等待。
// 等待超时不是异常：调用方应把它当作一次普通的获取失败处理。
type Lock struct {
	rdb *rd.Client
}

func NewLock(rdb *rd.Client) *Lock {
	return &Lock{rdb: rdb}
}

// TryAcquire 在 wait 窗口内轮询抢锁，成功返回持有者 token。
// ok=false 表示窗口内始终未抢到（无错误）。
func (l *Lock) TryAcquire(ctx context.Context, key string, lease, wait time.Duration) (token string, ok bool, err error) {
	token = uuid.New().String()
	deadline := time.Now().Add(wait)
	for {
		got, err := l.rdb.SetNX(ctx, key, token, lease).Result()
		if err != nil {
			return "", false, err
		}
		if got {
			return token, true, nil
		}
		if time.Now().After(deadline) {
			return "", false, nil
		}
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Release 安全释放：比对 token 后删除。
func (l *Lock) Release(ctx context.Context, key, token string) error {
	_, err := l.rdb.Eval(ctx, luaReleaseIfMatch, []string{key}, token).Int()
	return err
}
