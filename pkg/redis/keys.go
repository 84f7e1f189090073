package redis

import "fmt"

// CheckoutLockKey 串行化同一用户的并发下单请求。
func CheckoutLockKey(userID int64) string {
	return fmt.Sprintf("checkout:lock:user:%d", userID)
}

// RequestStatusKey 存储 request_id 的异步/终态结果（pending/success/failed）。
func RequestStatusKey(requestID string) string {
	return fmt.Sprintf("checkout:request:status:%s", requestID)
}

// RateLimitKey 下单接口限流键（按用户或 IP）。
func RateLimitKey(scope, id string) string {
	return fmt.Sprintf("rate_limit:checkout:%s:%s", scope, id)
}
