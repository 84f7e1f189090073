package model

import (
	"time"

	"gorm.io/gorm"
)

// OrderStatus 订单状态：PENDING 待支付，CANCELLED 由补偿写入。
type OrderStatus int

const (
	OrderPending OrderStatus = iota
	OrderPaid
	OrderCancelled
)

// Order 订单聚合。RequestID 唯一索引保证同一请求重放不会重复建单。
type Order struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	OrderNo   string      `gorm:"size:64;uniqueIndex;not null" json:"order_no"`
	RequestID string      `gorm:"size:64;uniqueIndex;not null" json:"request_id"`
	UserID    int64       `gorm:"not null;index" json:"user_id"`
	CouponID  *uint       `json:"coupon_id,omitempty"`
	Subtotal  int64       `gorm:"not null" json:"subtotal"` // 单位：分
	Discount  int64       `gorm:"not null;default:0" json:"discount"`
	Amount    int64       `gorm:"not null" json:"amount"` // 实付 = Subtotal - Discount
	Status    OrderStatus `gorm:"not null;default:0;index" json:"status"`
	Items     []OrderItem `json:"items,omitempty"`
}

func (Order) TableName() string { return "orders" }

// OrderItem 订单行项目，UnitPrice 为下单时快照价。
type OrderItem struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	OrderID   uint  `gorm:"not null;index" json:"order_id"`
	ProductID uint  `gorm:"not null" json:"product_id"`
	OptionID  uint  `gorm:"not null" json:"option_id"`
	Quantity  int   `gorm:"not null" json:"quantity"`
	UnitPrice int64 `gorm:"not null" json:"unit_price"`
}

func (OrderItem) TableName() string { return "order_items" }
