package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"checkout/internal/model"
	"checkout/internal/outbox"
	"checkout/internal/queue"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreateOrderStep 流水线末步：同一个事务内落订单与 outbox 消息，
// 保证「订单存在 ⇔ 发布意图已持久化」。
// 作为最后一步它不会触发后续失败，补偿仅在理论上存在——实现为改 CANCELLED。
type CreateOrderStep struct {
	db *gorm.DB
}

func NewCreateOrderStep(db *gorm.DB) *CreateOrderStep {
	return &CreateOrderStep{db: db}
}

func (s *CreateOrderStep) Name() string { return "CreateOrder" }

func (s *CreateOrderStep) Execute(ctx context.Context, sc *Context) error {
	order := model.Order{
		OrderNo:   sc.OrderNo,
		RequestID: sc.RequestID,
		UserID:    sc.UserID,
		CouponID:  sc.CouponID,
		Subtotal:  sc.Subtotal,
		Discount:  sc.Discount,
		Amount:    sc.FinalAmount,
		Status:    model.OrderPending,
	}
	for _, it := range sc.Items {
		order.Items = append(order.Items, model.OrderItem{
			ProductID: it.ProductID,
			OptionID:  it.OptionID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&order).Error; err != nil {
			return err
		}
		evt := queue.OrderEvent{
			MessageID:  uuid.New().String(),
			OrderNo:    sc.OrderNo,
			UserID:     sc.UserID,
			EventType:  queue.EventOrderCreated,
			Amount:     sc.FinalAmount,
			OccurredAt: time.Now(),
		}
		return outbox.Enqueue(tx, evt)
	})
	if err != nil {
		// 请求重放：同 RequestID 订单已存在，读回当作成功（幂等）
		if errorsLikeUnique(err) {
			var existing model.Order
			if lookupErr := s.db.WithContext(ctx).
				Where("request_id = ?", sc.RequestID).
				First(&existing).Error; lookupErr == nil {
				sc.CreatedOrderID = existing.ID
				return nil
			}
		}
		return fmt.Errorf("create order: %w", err)
	}

	sc.CreatedOrderID = order.ID
	return nil
}

func (s *CreateOrderStep) Compensate(ctx context.Context, sc *Context) error {
	if sc.CreatedOrderID == 0 {
		return nil
	}
	res := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND status = ?", sc.CreatedOrderID, model.OrderPending).
		Update("status", model.OrderCancelled)
	if res.Error != nil {
		return &CompensationError{Step: s.Name(), Critical: false, Cause: res.Error}
	}
	return nil
}

func errorsLikeUnique(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique") || strings.Contains(s, "Duplicate entry")
}
