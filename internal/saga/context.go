package saga

// Item 一条订单行：规格、数量与下单时快照价。
type Item struct {
	ProductID uint  `json:"product_id"`
	OptionID  uint  `json:"option_id"`
	Quantity  int   `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
}

// Context 单次 saga 执行的工作内存，由编排器创建并独占到终态。
// 步骤通过指针共享：各自把补偿所需的 undo 数据写回自己名下的字段
// （扣了多少钱、核销了哪张券、扣了哪些库存），补偿时不得重新从
// 可能已被并发改写的聚合现状推导。不落库，saga 结束即丢弃。
type Context struct {
	RequestID string `json:"request_id"`
	OrderNo   string `json:"order_no"`
	UserID    int64  `json:"user_id"`
	Items     []Item `json:"items"`
	CouponID  *uint  `json:"coupon_id,omitempty"`

	Subtotal    int64 `json:"subtotal"`
	Discount    int64 `json:"discount"`
	FinalAmount int64 `json:"final_amount"`

	// undo 数据：各归属步骤自己写、自己读
	DeductedAmount   int64          `json:"deducted_amount,omitempty"`     // DeductBalance
	UsedUserCouponID uint           `json:"used_user_coupon_id,omitempty"` // UseCoupon
	ReservedQty      map[uint]int64 `json:"reserved_qty,omitempty"`        // DeductInventory: optionID -> qty
	CreatedOrderID   uint           `json:"created_order_id,omitempty"`    // CreateOrder
}

// Token 派生某类子事务的幂等 token：同一请求同一类别恒定。
func (c *Context) Token(txType string) string {
	return c.RequestID + ":" + txType
}
