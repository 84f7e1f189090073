package model

import "time"

// TxType 标识一次幂等受控的子事务类别。
type TxType string

const (
	TxBalanceDeduct   TxType = "BALANCE_DEDUCT"
	TxInventoryDeduct TxType = "INVENTORY_DEDUCT"
	TxCouponUse       TxType = "COUPON_USE"
	TxOrderCreate     TxType = "ORDER_CREATE"
)

// 子事务执行状态。COMPLETED 永久不可重试；PENDING 残留（进程崩溃）可被后续调用方接管；
// COMPENSATED 表示正向效果已被补偿回退，和 FAILED 一样是终态。
const (
	TxStatusPending     = "PENDING"
	TxStatusCompleted   = "COMPLETED"
	TxStatusFailed      = "FAILED"
	TxStatusCompensated = "COMPENSATED"
)

// ExecutedChildTx 子事务幂等记录。
// Token 唯一索引是互斥的根：同一 token 只会有一行，插入失败方转为读取已有状态。
// 记录只追加、只向前推进状态，作为审计痕迹永不删除。
type ExecutedChildTx struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderNo       string `gorm:"size:64;not null;index" json:"order_no"`
	Token         string `gorm:"size:128;uniqueIndex;not null" json:"token"`
	TxType        TxType `gorm:"size:32;not null" json:"tx_type"`
	Status        string `gorm:"size:16;not null;default:'PENDING';index" json:"status"`
	ResultPayload string `gorm:"type:text" json:"result_payload,omitempty"`
	FailReason    string `gorm:"size:255" json:"fail_reason,omitempty"`
}

func (ExecutedChildTx) TableName() string { return "executed_child_transactions" }
