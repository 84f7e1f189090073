package model

// All 返回全部持久化模型，供 AutoMigrate 使用（服务启动与测试共用一份清单）。
func All() []any {
	return []any{
		&User{},
		&Product{},
		&ProductOption{},
		&Coupon{},
		&UserCoupon{},
		&Order{},
		&OrderItem{},
		&ExecutedChildTx{},
		&FailedCompensation{},
		&OutboxMessage{},
		&ProcessedEvent{},
	}
}
