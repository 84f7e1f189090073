package queue

import (
	"context"
	"encoding/json"

	"checkout/internal/logger"
	"checkout/internal/model"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Consumer 下游订单事件消费者。
// outbox 只承诺至少一次投递，这里用 (order_no, event_type) 唯一键把
// 重复投递去重成一次处理。
type Consumer struct {
	r  *kafka.Reader
	db *gorm.DB
}

func NewConsumer(brokers []string, topic, groupID string, db *gorm.DB) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		db: db,
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.ReadMessage(ctx)
		if err != nil {
			return // ctx cancel / 连接断开等
		}

		var evt OrderEvent
		if err := json.Unmarshal(m.Value, &evt); err != nil {
			logger.Log.Warn("consumer unmarshal", zap.Error(err))
			continue
		}
		if err := evt.Validate(); err != nil {
			logger.Log.Warn("consumer drop invalid event", zap.Error(err))
			continue
		}

		rec := model.ProcessedEvent{
			OrderNo:   evt.OrderNo,
			EventType: evt.EventType,
			MessageID: evt.MessageID,
		}
		res := c.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
		if res.Error != nil {
			logger.Log.Error("consumer record event", zap.Error(res.Error))
			continue
		}
		if res.RowsAffected == 0 {
			// 重复投递：幂等跳过
			logger.Log.Debug("duplicate event skipped",
				zap.String("order_no", evt.OrderNo), zap.String("event_type", evt.EventType))
		}
	}
}
