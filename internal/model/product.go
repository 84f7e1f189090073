package model

import (
	"time"

	"gorm.io/gorm"
)

// Product 商品主体，价格与库存挂在 ProductOption 上。
type Product struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Name    string          `gorm:"size:128;not null" json:"name"`
	Options []ProductOption `json:"options,omitempty"`
}

func (Product) TableName() string { return "products" }

// ProductOption 商品规格：独立库存与售价，是下单扣减的争用单位。
// 同一订单扣多个规格时按 ID 升序执行，避免死锁环。
type ProductOption struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	ProductID uint   `gorm:"not null;index" json:"product_id"`
	Name      string `gorm:"size:128;not null" json:"name"`
	Price     int64  `gorm:"not null" json:"price"` // 单位：分
	Stock     int64  `gorm:"not null;default:0" json:"stock"`
	Version   int64  `gorm:"not null;default:0" json:"-"`
}

func (ProductOption) TableName() string { return "product_options" }
