package queue

import (
	"fmt"
	"time"
)

// EventOrderCreated 订单创建完成事件。
const EventOrderCreated = "ORDER_CREATED"

// OrderEvent 是经 outbox 发往 Kafka 的订单域事件。
type OrderEvent struct {
	MessageID  string    `json:"message_id"`
	OrderNo    string    `json:"order_no"`
	UserID     int64     `json:"user_id"`
	EventType  string    `json:"event_type"`
	Amount     int64     `json:"amount"` // 分
	OccurredAt time.Time `json:"occurred_at"`
}

// Validate 做最小字段校验，防止消费者处理脏消息。
func (e OrderEvent) Validate() error {
	if e.MessageID == "" {
		return fmt.Errorf("message_id is required")
	}
	if e.OrderNo == "" {
		return fmt.Errorf("order_no is required")
	}
	if e.UserID <= 0 {
		return fmt.Errorf("user_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	return nil
}
