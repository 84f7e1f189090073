package model

import (
	"time"

	"gorm.io/gorm"
)

// UserCouponStatus 用户券状态机：UNUSED → USED，补偿时回退 USED → UNUSED。
type UserCouponStatus int

const (
	UserCouponUnused UserCouponStatus = iota
	UserCouponUsed
)

// Coupon 全局券模板：面额、总量与剩余量。
// 发放（RemainingQty 扣减）由异步发券管道负责，这里只读。
type Coupon struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Name           string    `gorm:"size:128;not null" json:"name"`
	DiscountAmount int64     `gorm:"not null" json:"discount_amount"` // 单位：分
	TotalQty       int64     `gorm:"not null;default:0" json:"total_qty"`
	RemainingQty   int64     `gorm:"not null;default:0" json:"remaining_qty"`
	ExpiresAt      time.Time `gorm:"not null" json:"expires_at"`
}

func (Coupon) TableName() string { return "coupons" }

// UserCoupon 用户持有的券实例，核销走 CAS（status = UNUSED 条件更新）。
type UserCoupon struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	UserID   int64            `gorm:"not null;index:idx_user_coupon,unique" json:"user_id"`
	CouponID uint             `gorm:"not null;index:idx_user_coupon,unique" json:"coupon_id"`
	Status   UserCouponStatus `gorm:"not null;default:0;index" json:"status"`
	UsedAt   *time.Time       `json:"used_at,omitempty"`
	OrderNo  string           `gorm:"size:64;index" json:"order_no,omitempty"`
}

func (UserCoupon) TableName() string { return "user_coupons" }
