package saga

import (
	"errors"
	"fmt"
)

// 业务失败码。步骤前置条件不满足时使用，不做自动重试。
const (
	CodeInsufficientStock   = "INSUFFICIENT_STOCK"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeCouponUnavailable   = "COUPON_UNAVAILABLE"
	CodeCouponExpired       = "COUPON_EXPIRED"
	CodeCouponAlreadyUsed   = "COUPON_ALREADY_USED"
	CodeOptionNotFound      = "OPTION_NOT_FOUND"
	CodeUserNotFound        = "USER_NOT_FOUND"
	CodeAmountMismatch      = "AMOUNT_MISMATCH"
	CodeDuplicateRequest    = "DUPLICATE_REQUEST"
	CodeRequestInFlight     = "REQUEST_IN_FLIGHT"
	CodeConflictRetryWorn   = "CONFLICT_RETRY_EXHAUSTED"
)

// ErrVersionConflict 乐观锁版本冲突哨兵，仅在有界重试内部流转。
var ErrVersionConflict = errors.New("optimistic version conflict")

// IsVersionConflict 供 backoff.Retry 做重试判定。
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// StepError 步骤正向执行的业务失败：校验不过、资源不足等。
// 它触发前序步骤的补偿后原样抛给调用方。
type StepError struct {
	Step    string
	Code    string
	Message string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: [%s] %s", e.Step, e.Code, e.Message)
}

func NewStepError(step, code, message string) *StepError {
	return &StepError{Step: step, Code: code, Message: message}
}

// CompensationError 补偿动作自身的失败。
// Critical 由各步骤作者按语义裁定：为真表示资源真实状态已不可判定，
// 编排器必须停止后续补偿并升级给人工。
type CompensationError struct {
	Step     string
	Critical bool
	Cause    error
}

func (e *CompensationError) Error() string {
	kind := "non-critical"
	if e.Critical {
		kind = "critical"
	}
	return fmt.Sprintf("%s compensation failure at step %s: %v", kind, e.Step, e.Cause)
}

func (e *CompensationError) Unwrap() error { return e.Cause }

// CompensationHaltedError 关键补偿失败后抛给调用方的终态错误：
// 更早的步骤被有意保持未补偿，等待人工基于 DLQ 记录对账。
type CompensationHaltedError struct {
	OrderNo string
	Step    string
	Cause   error
}

func (e *CompensationHaltedError) Error() string {
	return fmt.Sprintf("compensation halted at step %s for order %s: %v", e.Step, e.OrderNo, e.Cause)
}

func (e *CompensationHaltedError) Unwrap() error { return e.Cause }
