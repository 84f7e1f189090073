package model

import "time"

// Outbox 状态机：PENDING → PUBLISHING → PUBLISHED | FAILED。
// PUBLISHING 超过 staleness 窗口视作发布进程崩溃，由 poller 转 FAILED；
// FAILED → PENDING 仅通过显式重试接口，PUBLISHED 永不回退。
const (
	OutboxPending    = "PENDING"
	OutboxPublishing = "PUBLISHING"
	OutboxPublished  = "PUBLISHED"
	OutboxFailed     = "FAILED"
)

// OutboxMessage 与订单同事务落库的待发事件，保证发布意图先于进程崩溃持久化。
type OutboxMessage struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	MessageID     string     `gorm:"size:64;uniqueIndex;not null" json:"message_id"`
	OrderNo       string     `gorm:"size:64;not null;index" json:"order_no"`
	UserID        int64      `gorm:"not null" json:"user_id"`
	EventType     string     `gorm:"size:64;not null" json:"event_type"`
	Payload       string     `gorm:"type:text;not null" json:"payload"`
	Status        string     `gorm:"size:16;not null;default:'PENDING';index:idx_outbox_status_id" json:"status"`
	AttemptCount  int        `gorm:"not null;default:0" json:"attempt_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
}

func (OutboxMessage) TableName() string { return "outbox_messages" }
