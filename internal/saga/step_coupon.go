package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"checkout/internal/idempotency"
	"checkout/internal/model"

	"gorm.io/gorm"
)

// UseCouponStep 核销用户券（UNUSED → USED 的 CAS）。
// 放在扣款之后：折扣额在上下文准备阶段已定价完成，这里只固化核销事实。
// 未携带券的请求本步骤为空转。
type UseCouponStep struct {
	db    *gorm.DB
	guard *idempotency.Guard
}

func NewUseCouponStep(db *gorm.DB, guard *idempotency.Guard) *UseCouponStep {
	return &UseCouponStep{db: db, guard: guard}
}

func (s *UseCouponStep) Name() string { return "UseCoupon" }

type couponResult struct {
	UserCouponID uint `json:"user_coupon_id"`
}

func (s *UseCouponStep) Execute(ctx context.Context, sc *Context) error {
	if sc.CouponID == nil {
		return nil
	}
	token := sc.Token(string(model.TxCouponUse))
	decision, rec, err := s.guard.Begin(ctx, token, sc.OrderNo, model.TxCouponUse)
	if err != nil {
		return err
	}
	switch decision {
	case idempotency.AlreadyDone:
		var prev couponResult
		if err := json.Unmarshal([]byte(rec.ResultPayload), &prev); err != nil {
			return fmt.Errorf("restore coupon use: %w", err)
		}
		sc.UsedUserCouponID = prev.UserCouponID
		return nil
	case idempotency.InFlight:
		return NewStepError(s.Name(), CodeRequestInFlight, "another attempt for this request is in flight")
	case idempotency.AlreadyFailed:
		return NewStepError(s.Name(), CodeDuplicateRequest, "previous attempt failed: "+rec.FailReason)
	}

	var uc model.UserCoupon
	err = s.db.WithContext(ctx).
		Where("user_id = ? AND coupon_id = ?", sc.UserID, *sc.CouponID).
		First(&uc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			stepErr := NewStepError(s.Name(), CodeCouponUnavailable,
				fmt.Sprintf("user %d holds no coupon %d", sc.UserID, *sc.CouponID))
			_ = s.guard.Fail(ctx, token, stepErr.Error())
			return stepErr
		}
		return err
	}

	now := time.Now()
	res := s.db.WithContext(ctx).Model(&model.UserCoupon{}).
		Where("id = ? AND status = ?", uc.ID, model.UserCouponUnused).
		Updates(map[string]any{
			"status":   model.UserCouponUsed,
			"used_at":  now,
			"order_no": sc.OrderNo,
		})
	if res.Error != nil {
		return fmt.Errorf("mark coupon used: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		stepErr := NewStepError(s.Name(), CodeCouponAlreadyUsed,
			fmt.Sprintf("user coupon %d already used", uc.ID))
		_ = s.guard.Fail(ctx, token, stepErr.Error())
		return stepErr
	}

	sc.UsedUserCouponID = uc.ID
	payload, _ := json.Marshal(couponResult{UserCouponID: uc.ID})
	return s.guard.Complete(ctx, token, string(payload))
}

func (s *UseCouponStep) Compensate(ctx context.Context, sc *Context) error {
	if sc.UsedUserCouponID == 0 {
		return nil
	}
	// 同一 token 的券回退只许做一次，重试的 saga 不产生多余的死信
	claimed, err := s.guard.CompensateOnce(ctx, sc.Token(string(model.TxCouponUse)))
	if err != nil {
		return &CompensationError{Step: s.Name(), Critical: false, Cause: err}
	}
	if !claimed {
		return nil
	}
	res := s.db.WithContext(ctx).Model(&model.UserCoupon{}).
		Where("id = ? AND status = ?", sc.UsedUserCouponID, model.UserCouponUsed).
		Updates(map[string]any{
			"status":   model.UserCouponUnused,
			"used_at":  nil,
			"order_no": "",
		})
	cause := res.Error
	if cause == nil && res.RowsAffected == 0 {
		cause = fmt.Errorf("user coupon %d not in USED state", sc.UsedUserCouponID)
	}
	if cause != nil {
		// 券可人工重发，失败不阻塞更早步骤的补偿
		return &CompensationError{Step: s.Name(), Critical: false, Cause: cause}
	}
	return nil
}
