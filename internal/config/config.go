package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr string
	DBPath   string

	RedisAddr string
	RedisDB   int

	// Kafka 集群地址（逗号分隔）、Topic、消费者组
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// Outbox poller：扫描间隔、批大小、PUBLISHING 判僵时限
	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxStaleAfter   time.Duration

	// 乐观锁冲突的有界重试
	RetryAttempts int
	RetryBackoff  time.Duration

	// 用户下单互斥锁：租期与最长等待
	CheckoutLockLease time.Duration
	CheckoutLockWait  time.Duration

	// 幂等记录停留 PENDING 超过该时限视为持有者崩溃，可被接管重试
	IdempotencyPendingTTL time.Duration

	// 下单接口限流与 request 状态缓存
	CheckoutRateLimit  int
	CheckoutRateWindow time.Duration
	RequestStateTTL    time.Duration

	// 管理接口（DLQ / outbox 重试）的简单管理员令牌
	AdminToken string
}

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddr:              getEnv("HTTP_ADDR", ":8080"),
		DBPath:                getEnv("DB_PATH", "checkout.db"),
		RedisAddr:             getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:               0,
		KafkaBrokers:          splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:            getEnv("KAFKA_TOPIC", "checkout-order-events"),
		KafkaGroupID:          getEnv("KAFKA_GROUP_ID", "checkout-order-consumer"),
		OutboxPollInterval:    2 * time.Second,
		OutboxBatchSize:       16,
		OutboxStaleAfter:      5 * time.Minute,
		RetryAttempts:         3,
		RetryBackoff:          20 * time.Millisecond,
		CheckoutLockLease:     10 * time.Second,
		CheckoutLockWait:      2 * time.Second,
		IdempotencyPendingTTL: 30 * time.Second,
		CheckoutRateLimit:     1000,
		CheckoutRateWindow:    time.Second,
		RequestStateTTL:       24 * time.Hour,
		AdminToken:            getEnv("ADMIN_TOKEN", "dev-admin-token"),
	}

	redisDB, err := getEnvInt("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.RedisDB = redisDB

	pollMs, err := getEnvInt("OUTBOX_POLL_INTERVAL_MS", int(cfg.OutboxPollInterval.Milliseconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid OUTBOX_POLL_INTERVAL_MS: %w", err)
	}
	if pollMs <= 0 {
		return AppConfig{}, fmt.Errorf("OUTBOX_POLL_INTERVAL_MS must be > 0")
	}
	cfg.OutboxPollInterval = time.Duration(pollMs) * time.Millisecond

	batch, err := getEnvInt("OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid OUTBOX_BATCH_SIZE: %w", err)
	}
	if batch <= 0 {
		return AppConfig{}, fmt.Errorf("OUTBOX_BATCH_SIZE must be > 0")
	}
	cfg.OutboxBatchSize = batch

	staleSec, err := getEnvInt("OUTBOX_STALE_AFTER_SEC", int(cfg.OutboxStaleAfter.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid OUTBOX_STALE_AFTER_SEC: %w", err)
	}
	if staleSec <= 0 {
		return AppConfig{}, fmt.Errorf("OUTBOX_STALE_AFTER_SEC must be > 0")
	}
	cfg.OutboxStaleAfter = time.Duration(staleSec) * time.Second

	attempts, err := getEnvInt("RETRY_ATTEMPTS", cfg.RetryAttempts)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid RETRY_ATTEMPTS: %w", err)
	}
	if attempts <= 0 {
		return AppConfig{}, fmt.Errorf("RETRY_ATTEMPTS must be > 0")
	}
	cfg.RetryAttempts = attempts

	pendingSec, err := getEnvInt("IDEMPOTENCY_PENDING_TTL_SEC", int(cfg.IdempotencyPendingTTL.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid IDEMPOTENCY_PENDING_TTL_SEC: %w", err)
	}
	if pendingSec <= 0 {
		return AppConfig{}, fmt.Errorf("IDEMPOTENCY_PENDING_TTL_SEC must be > 0")
	}
	cfg.IdempotencyPendingTTL = time.Duration(pendingSec) * time.Second

	rateLimit, err := getEnvInt("CHECKOUT_RATE_LIMIT", cfg.CheckoutRateLimit)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid CHECKOUT_RATE_LIMIT: %w", err)
	}
	if rateLimit <= 0 {
		return AppConfig{}, fmt.Errorf("CHECKOUT_RATE_LIMIT must be > 0")
	}
	cfg.CheckoutRateLimit = rateLimit

	rateWindowSec, err := getEnvInt("CHECKOUT_RATE_WINDOW_SEC", int(cfg.CheckoutRateWindow.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid CHECKOUT_RATE_WINDOW_SEC: %w", err)
	}
	if rateWindowSec <= 0 {
		return AppConfig{}, fmt.Errorf("CHECKOUT_RATE_WINDOW_SEC must be > 0")
	}
	cfg.CheckoutRateWindow = time.Duration(rateWindowSec) * time.Second

	stateTTLHour, err := getEnvInt("REQUEST_STATE_TTL_HOUR", int(cfg.RequestStateTTL.Hours()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid REQUEST_STATE_TTL_HOUR: %w", err)
	}
	if stateTTLHour <= 0 {
		return AppConfig{}, fmt.Errorf("REQUEST_STATE_TTL_HOUR must be > 0")
	}
	cfg.RequestStateTTL = time.Duration(stateTTLHour) * time.Hour

	if len(cfg.KafkaBrokers) == 0 {
		return AppConfig{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if cfg.KafkaTopic == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_TOPIC must not be empty")
	}
	if cfg.KafkaGroupID == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_GROUP_ID must not be empty")
	}

	return cfg, nil
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
