package model

import "time"

// 补偿失败记录状态：PENDING 待处理，RESOLVED 已人工/自动对账完成。
const (
	CompensationPending  = "PENDING"
	CompensationResolved = "RESOLVED"
)

// FailedCompensation 补偿死信记录。
// 写入必须通过独立事务提交：即使触发它的 saga 全部回滚，这条失败证据也要留存。
// RESOLVED 后仅从待处理查询中消失，行本身作为审计保留。
type FailedCompensation struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderNo         string     `gorm:"size:64;not null;index" json:"order_no"`
	UserID          int64      `gorm:"not null;index" json:"user_id"`
	StepName        string     `gorm:"size:64;not null" json:"step_name"`
	StepOrder       int        `gorm:"not null" json:"step_order"` // 步骤在流水线中的位置（1 起）
	ErrorMessage    string     `gorm:"size:512" json:"error_message"`
	StackTrace      string     `gorm:"type:text" json:"-"`
	ContextSnapshot string     `gorm:"type:text" json:"context_snapshot,omitempty"`
	FailedAt        time.Time  `gorm:"not null" json:"failed_at"`
	RetryCount      int        `gorm:"not null;default:0" json:"retry_count"`
	Status          string     `gorm:"size:16;not null;default:'PENDING';index" json:"status"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

func (FailedCompensation) TableName() string { return "failed_compensations" }
