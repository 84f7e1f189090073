package model

import (
	"time"

	"gorm.io/gorm"
)

// User 持有可消费余额。余额扣减走乐观锁（version 字段 CAS）。
type User struct {
	ID        int64          `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Name    string `gorm:"size:64;not null" json:"name"`
	Balance int64  `gorm:"not null;default:0" json:"balance"` // 单位：分
	Version int64  `gorm:"not null;default:0" json:"-"`       // 乐观锁版本号
}

func (User) TableName() string { return "users" }
