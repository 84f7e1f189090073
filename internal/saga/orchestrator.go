package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"checkout/internal/alert"
	"checkout/internal/dlq"
	"checkout/internal/idempotency"
	"checkout/internal/logger"
	"checkout/internal/model"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ItemRequest 下单请求中的一条行项目。
type ItemRequest struct {
	ProductID uint
	OptionID  uint
	Quantity  int
}

// CheckoutCommand 一次下单请求。FinalAmount 是客户端声明的实付金额，
// 服务端重算后比对，不一致直接拒单。
type CheckoutCommand struct {
	RequestID   string
	UserID      int64
	Items       []ItemRequest
	CouponID    *uint
	FinalAmount int64
}

// Result saga 全部成功后的产出。
type Result struct {
	OrderID  uint   `json:"order_id"`
	OrderNo  string `json:"order_no"`
	Subtotal int64  `json:"subtotal"`
	Discount int64  `json:"discount"`
	Amount   int64  `json:"amount"`
}

// Orchestrator 顺序驱动固定步骤流水线，失败时严格 LIFO 补偿。
// 补偿失败的「继续还是中止」只在这里裁决：critical 中止 + 告警 + DLQ，
// 非 critical 记 DLQ 后继续尽力补偿更早的步骤。
type Orchestrator struct {
	db     *gorm.DB
	dlq    *dlq.Store
	alerts alert.Service
	steps  []Step
}

func New(db *gorm.DB, dlqStore *dlq.Store, alerts alert.Service, steps []Step) *Orchestrator {
	return &Orchestrator{db: db, dlq: dlqStore, alerts: alerts, steps: steps}
}

// DefaultSteps 标准流水线：库存 → 余额 → 用券 → 建单。
// 顺序固定：库存最易争用放最前，折扣在定价时已知、核销后置到扣款之后。
func DefaultSteps(db *gorm.DB, guard *idempotency.Guard, retryAttempts int, retryWait time.Duration) []Step {
	return []Step{
		NewDeductInventoryStep(db, guard),
		NewDeductBalanceStep(db, guard, retryAttempts, retryWait),
		NewUseCouponStep(db, guard),
		NewCreateOrderStep(db),
	}
}

// CreateOrderWithPayment saga 入口。
// 返回要么是完整成功的订单结果，要么是单一终态错误；
// 任何中间态都只在内部存在，经 DLQ/运营工具对账。
func (o *Orchestrator) CreateOrderWithPayment(ctx context.Context, cmd CheckoutCommand) (*Result, error) {
	sc, err := o.prepare(ctx, cmd)
	if err != nil {
		return nil, err
	}

	var done []Step
	for _, st := range o.steps {
		logger.Log.Debug("executing step",
			zap.String("order_no", sc.OrderNo), zap.String("step", st.Name()))
		if execErr := st.Execute(ctx, sc); execErr != nil {
			var se *StepError
			if errors.As(execErr, &se) && se.Code == CodeRequestInFlight {
				// 同请求的另一次尝试还在推进：这里只许让路，
				// 不许把它已完成的工作当成自己的来补偿
				logger.Log.Warn("duplicate attempt yielded to in-flight request",
					zap.String("order_no", sc.OrderNo), zap.String("step", st.Name()))
				return nil, execErr
			}
			logger.Log.Warn("step failed, unwinding",
				zap.String("order_no", sc.OrderNo),
				zap.String("step", st.Name()),
				zap.Error(execErr))
			if haltErr := o.compensate(ctx, sc, done); haltErr != nil {
				return nil, haltErr
			}
			return nil, execErr
		}
		done = append(done, st)
	}

	return &Result{
		OrderID:  sc.CreatedOrderID,
		OrderNo:  sc.OrderNo,
		Subtotal: sc.Subtotal,
		Discount: sc.Discount,
		Amount:   sc.FinalAmount,
	}, nil
}

// compensate 逆序补偿已成功的步骤。返回非 nil 表示 critical 中止，
// 更早的步骤被有意保持未补偿。
func (o *Orchestrator) compensate(ctx context.Context, sc *Context, done []Step) error {
	for i := len(done) - 1; i >= 0; i-- {
		st := done[i]
		err := st.Compensate(ctx, sc)
		if err == nil {
			continue
		}
		o.recordFailure(ctx, sc, st.Name(), i+1, err)
		var ce *CompensationError
		if errors.As(err, &ce) && ce.Critical {
			o.alerts.NotifyCriticalCompensationFailure(ctx, sc.OrderNo, st.Name(), err)
			return &CompensationHaltedError{OrderNo: sc.OrderNo, Step: st.Name(), Cause: err}
		}
		logger.Log.Warn("compensation failed, continuing best-effort",
			zap.String("order_no", sc.OrderNo),
			zap.String("step", st.Name()),
			zap.Error(err))
	}
	return nil
}

// recordFailure 独立事务落 DLQ。DLQ 自身写失败只能记日志，不再级联。
func (o *Orchestrator) recordFailure(ctx context.Context, sc *Context, stepName string, stepOrder int, cause error) {
	snapshot, _ := json.Marshal(sc)
	msg := cause.Error()
	if len(msg) > 512 {
		msg = msg[:512]
	}
	rec := &model.FailedCompensation{
		OrderNo:         sc.OrderNo,
		UserID:          sc.UserID,
		StepName:        stepName,
		StepOrder:       stepOrder,
		ErrorMessage:    msg,
		StackTrace:      string(debug.Stack()),
		ContextSnapshot: string(snapshot),
	}
	if err := o.dlq.Publish(ctx, rec); err != nil {
		logger.Log.Error("dlq publish failed",
			zap.String("order_no", sc.OrderNo),
			zap.String("step", stepName),
			zap.Error(err))
	}
}

// prepare 组装上下文并完成定价：行项目快照价、券折扣、实付金额比对。
func (o *Orchestrator) prepare(ctx context.Context, cmd CheckoutCommand) (*Context, error) {
	if cmd.RequestID == "" {
		return nil, fmt.Errorf("request id is required")
	}
	if len(cmd.Items) == 0 {
		return nil, NewStepError("Checkout", CodeOptionNotFound, "no items in request")
	}

	sc := &Context{
		RequestID: cmd.RequestID,
		OrderNo:   orderNoFrom(cmd.RequestID),
		UserID:    cmd.UserID,
		CouponID:  cmd.CouponID,
	}

	var subtotal int64
	for _, it := range cmd.Items {
		if it.Quantity <= 0 {
			return nil, NewStepError("Checkout", CodeOptionNotFound,
				fmt.Sprintf("invalid quantity %d for option %d", it.Quantity, it.OptionID))
		}
		var opt model.ProductOption
		if err := o.db.WithContext(ctx).First(&opt, it.OptionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, NewStepError("Checkout", CodeOptionNotFound,
					fmt.Sprintf("option %d not found", it.OptionID))
			}
			return nil, err
		}
		if opt.ProductID != it.ProductID {
			return nil, NewStepError("Checkout", CodeOptionNotFound,
				fmt.Sprintf("option %d does not belong to product %d", it.OptionID, it.ProductID))
		}
		sc.Items = append(sc.Items, Item{
			ProductID: it.ProductID,
			OptionID:  it.OptionID,
			Quantity:  it.Quantity,
			UnitPrice: opt.Price,
		})
		subtotal += opt.Price * int64(it.Quantity)
	}

	var discount int64
	if cmd.CouponID != nil {
		var coupon model.Coupon
		if err := o.db.WithContext(ctx).First(&coupon, *cmd.CouponID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, NewStepError("Checkout", CodeCouponUnavailable,
					fmt.Sprintf("coupon %d not found", *cmd.CouponID))
			}
			return nil, err
		}
		if time.Now().After(coupon.ExpiresAt) {
			return nil, NewStepError("Checkout", CodeCouponExpired,
				fmt.Sprintf("coupon %d expired", *cmd.CouponID))
		}
		discount = coupon.DiscountAmount
		if discount > subtotal {
			discount = subtotal
		}
	}

	sc.Subtotal = subtotal
	sc.Discount = discount
	sc.FinalAmount = subtotal - discount
	if cmd.FinalAmount != sc.FinalAmount {
		return nil, NewStepError("Checkout", CodeAmountMismatch,
			fmt.Sprintf("client amount %d != server amount %d", cmd.FinalAmount, sc.FinalAmount))
	}
	return sc, nil
}

// orderNoFrom 基于 request_id 预生成订单号：
// 订单落库前，幂等记录与 DLQ 就需要一个稳定标识可挂。
func orderNoFrom(requestID string) string {
	if len(requestID) >= 12 {
		return "SK" + requestID[:12]
	}
	return "SK" + requestID
}
