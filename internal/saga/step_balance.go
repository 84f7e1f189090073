package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"checkout/internal/idempotency"
	"checkout/internal/model"
	"checkout/pkg/backoff"

	"gorm.io/gorm"
)

// DeductBalanceStep 从用户余额扣除实付金额。
// 写入走 version CAS，版本冲突在有界退避内透明重试；余额不足是业务失败。
type DeductBalanceStep struct {
	db       *gorm.DB
	guard    *idempotency.Guard
	attempts int
	wait     time.Duration
}

func NewDeductBalanceStep(db *gorm.DB, guard *idempotency.Guard, attempts int, wait time.Duration) *DeductBalanceStep {
	return &DeductBalanceStep{db: db, guard: guard, attempts: attempts, wait: wait}
}

func (s *DeductBalanceStep) Name() string { return "DeductBalance" }

type balanceResult struct {
	Deducted int64 `json:"deducted"`
}

func (s *DeductBalanceStep) Execute(ctx context.Context, sc *Context) error {
	token := sc.Token(string(model.TxBalanceDeduct))
	decision, rec, err := s.guard.Begin(ctx, token, sc.OrderNo, model.TxBalanceDeduct)
	if err != nil {
		return err
	}
	switch decision {
	case idempotency.AlreadyDone:
		var prev balanceResult
		if err := json.Unmarshal([]byte(rec.ResultPayload), &prev); err != nil {
			return fmt.Errorf("restore balance deduction: %w", err)
		}
		sc.DeductedAmount = prev.Deducted
		return nil
	case idempotency.InFlight:
		return NewStepError(s.Name(), CodeRequestInFlight, "another attempt for this request is in flight")
	case idempotency.AlreadyFailed:
		return NewStepError(s.Name(), CodeDuplicateRequest, "previous attempt failed: "+rec.FailReason)
	}

	err = backoff.Retry(ctx, s.attempts, s.wait, IsVersionConflict, func() error {
		var u model.User
		if err := s.db.WithContext(ctx).First(&u, sc.UserID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return NewStepError(s.Name(), CodeUserNotFound, fmt.Sprintf("user %d not found", sc.UserID))
			}
			return err
		}
		if u.Balance < sc.FinalAmount {
			return NewStepError(s.Name(), CodeInsufficientBalance,
				fmt.Sprintf("balance %d < amount %d", u.Balance, sc.FinalAmount))
		}
		res := s.db.WithContext(ctx).Model(&model.User{}).
			Where("id = ? AND version = ?", u.ID, u.Version).
			Updates(map[string]any{
				"balance": gorm.Expr("balance - ?", sc.FinalAmount),
				"version": gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrVersionConflict
		}
		return nil
	})
	if err != nil {
		var se *StepError
		switch {
		case errors.As(err, &se):
			_ = s.guard.Fail(ctx, token, se.Error())
			return se
		case IsVersionConflict(err):
			// 重试额度耗尽：按业务失败对外
			se = NewStepError(s.Name(), CodeConflictRetryWorn, "balance update contention, retries exhausted")
			_ = s.guard.Fail(ctx, token, se.Error())
			return se
		default:
			return err
		}
	}

	sc.DeductedAmount = sc.FinalAmount
	payload, _ := json.Marshal(balanceResult{Deducted: sc.FinalAmount})
	return s.guard.Complete(ctx, token, string(payload))
}

func (s *DeductBalanceStep) Compensate(ctx context.Context, sc *Context) error {
	if sc.DeductedAmount == 0 {
		return nil
	}
	// 补偿执行权走一次性 CAS：同一 token 的退款只许发生一次，
	// 重试的 saga 不得把上一次已做过的退款再放一遍
	claimed, err := s.guard.CompensateOnce(ctx, sc.Token(string(model.TxBalanceDeduct)))
	if err != nil {
		return &CompensationError{Step: s.Name(), Critical: true, Cause: err}
	}
	if !claimed {
		return nil
	}
	res := s.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", sc.UserID).
		Updates(map[string]any{
			"balance": gorm.Expr("balance + ?", sc.DeductedAmount),
			"version": gorm.Expr("version + 1"),
		})
	cause := res.Error
	if cause == nil && res.RowsAffected == 0 {
		cause = fmt.Errorf("user %d not found during refund", sc.UserID)
	}
	if cause != nil {
		// 退款是否已生效无法判定，资金问题一律升级人工
		return &CompensationError{Step: s.Name(), Critical: true, Cause: cause}
	}
	return nil
}
