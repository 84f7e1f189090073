package main

import (
	"context"
	"os/signal"
	"syscall"

	"checkout/internal/alert"
	"checkout/internal/config"
	"checkout/internal/dlq"
	"checkout/internal/idempotency"
	"checkout/internal/logger"
	"checkout/internal/model"
	"checkout/internal/outbox"
	"checkout/internal/queue"
	"checkout/internal/router"
	"checkout/internal/saga"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func main() {
	logger.Init()
	defer func() { _ = logger.Log.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal("config load", zap.Error(err))
	}

	// 1. 连接 SQLite，自动建表
	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{})
	if err != nil {
		logger.Log.Fatal("db open", zap.Error(err))
	}
	if err := db.AutoMigrate(model.All()...); err != nil {
		logger.Log.Fatal("db migrate", zap.Error(err))
	}

	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})

	producer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer producer.Close()

	// saga 组件：幂等闸门、死信、告警、标准步骤流水线
	guard := idempotency.NewGuard(db, cfg.IdempotencyPendingTTL)
	dlqStore := dlq.New(db)
	alerts := alert.LogAlert{}
	orch := saga.New(db, dlqStore, alerts,
		saga.DefaultSteps(db, guard, cfg.RetryAttempts, cfg.RetryBackoff))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// outbox poller：后台把 PENDING 消息推向 Kafka，并回收僵死的 PUBLISHING
	poller := outbox.NewPoller(db, producer, cfg.OutboxBatchSize, cfg.OutboxPollInterval, cfg.OutboxStaleAfter)
	go poller.Run(ctx)

	// 下游消费者：演示至少一次投递 + 去重消费
	consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, db)
	defer consumer.Close()
	go consumer.Run(ctx)

	r := gin.Default()
	router.Setup(r, db, rdb, orch, poller, dlqStore, cfg)

	if err := r.Run(cfg.HTTPAddr); err != nil {
		logger.Log.Fatal("http server", zap.Error(err))
	}
}
