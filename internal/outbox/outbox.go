package outbox

import (
	"encoding/json"
	"fmt"

	"checkout/internal/model"
	"checkout/internal/queue"

	"gorm.io/gorm"
)

// Enqueue 在调用方的事务内落一条待发消息。
// 必须传产生业务写入的那个 tx：订单与发布意图要么同时提交要么同时消失。
func Enqueue(tx *gorm.DB, evt queue.OrderEvent) error {
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	msg := model.OutboxMessage{
		MessageID: evt.MessageID,
		OrderNo:   evt.OrderNo,
		UserID:    evt.UserID,
		EventType: evt.EventType,
		Payload:   string(payload),
		Status:    model.OutboxPending,
	}
	if err := tx.Create(&msg).Error; err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	return nil
}
