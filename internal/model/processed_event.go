package model

import "time"

// ProcessedEvent 是下游消费侧的去重表。
// outbox 只保证至少一次投递，(order_no, event_type) 唯一索引把重复投递压成一次处理。
type ProcessedEvent struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	OrderNo   string `gorm:"size:64;not null;index:idx_processed_dedupe,unique" json:"order_no"`
	EventType string `gorm:"size:64;not null;index:idx_processed_dedupe,unique" json:"event_type"`
	MessageID string `gorm:"size:64" json:"message_id"`
}

func (ProcessedEvent) TableName() string { return "processed_events" }
