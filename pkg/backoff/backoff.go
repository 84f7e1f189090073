package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Retry 以指数退避 + 抖动重试 fn，最多 attempts 次。
// 仅当 retryable(err) 为真才继续；其余错误（业务错误等）立刻透传。
// 用于乐观锁版本冲突这类瞬时冲突，attempts 耗尽后返回最后一次错误。
func Retry(ctx context.Context, attempts int, base time.Duration, retryable func(error) bool, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	wait := base
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) || i == attempts-1 {
			return err
		}
		// 抖动取 [wait, 2*wait)，错开并发重试的节奏
		d := wait + time.Duration(rand.Int63n(int64(wait)+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
		wait *= 2
	}
	return err
}
