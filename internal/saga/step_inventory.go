package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"checkout/internal/idempotency"
	"checkout/internal/logger"
	"checkout/internal/model"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DeductInventoryStep 扣减各规格库存。
// 流水线第一步：库存是争用最激烈的资源，先扣先失败，少做无用功。
type DeductInventoryStep struct {
	db    *gorm.DB
	guard *idempotency.Guard
}

func NewDeductInventoryStep(db *gorm.DB, guard *idempotency.Guard) *DeductInventoryStep {
	return &DeductInventoryStep{db: db, guard: guard}
}

func (s *DeductInventoryStep) Name() string { return "DeductInventory" }

func (s *DeductInventoryStep) Execute(ctx context.Context, sc *Context) error {
	token := sc.Token(string(model.TxInventoryDeduct))
	decision, rec, err := s.guard.Begin(ctx, token, sc.OrderNo, model.TxInventoryDeduct)
	if err != nil {
		return err
	}
	switch decision {
	case idempotency.AlreadyDone:
		// 上一次已扣成功：从结果载荷恢复 undo 数据，跳过重放
		if err := json.Unmarshal([]byte(rec.ResultPayload), &sc.ReservedQty); err != nil {
			return fmt.Errorf("restore reserved quantities: %w", err)
		}
		return nil
	case idempotency.InFlight:
		return NewStepError(s.Name(), CodeRequestInFlight, "another attempt for this request is in flight")
	case idempotency.AlreadyFailed:
		return NewStepError(s.Name(), CodeDuplicateRequest, "previous attempt failed: "+rec.FailReason)
	}

	// 同单多规格：合并数量后按 ID 升序扣减，全局统一加锁顺序
	merged := map[uint]int64{}
	for _, it := range sc.Items {
		merged[it.OptionID] += int64(it.Quantity)
	}
	ids := make([]uint, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	deducted := map[uint]int64{}
	for _, id := range ids {
		qty := merged[id]
		res := s.db.WithContext(ctx).Model(&model.ProductOption{}).
			Where("id = ? AND stock >= ?", id, qty).
			Updates(map[string]any{
				"stock":   gorm.Expr("stock - ?", qty),
				"version": gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			s.undoPartial(ctx, deducted)
			return fmt.Errorf("deduct stock option %d: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			// 失败的步骤不会被编排器补偿，步内先清掉已扣的部分
			s.undoPartial(ctx, deducted)
			stepErr := s.classifyMiss(ctx, id)
			_ = s.guard.Fail(ctx, token, stepErr.Error())
			return stepErr
		}
		deducted[id] = qty
	}

	sc.ReservedQty = deducted
	payload, _ := json.Marshal(deducted)
	return s.guard.Complete(ctx, token, string(payload))
}

// classifyMiss 区分「规格不存在」与「库存不足」。
func (s *DeductInventoryStep) classifyMiss(ctx context.Context, optionID uint) *StepError {
	var opt model.ProductOption
	err := s.db.WithContext(ctx).First(&opt, optionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NewStepError(s.Name(), CodeOptionNotFound, fmt.Sprintf("option %d not found", optionID))
	}
	return NewStepError(s.Name(), CodeInsufficientStock, fmt.Sprintf("insufficient stock for option %d", optionID))
}

// undoPartial 回补本次 Execute 内已扣的规格（尽力而为）。
func (s *DeductInventoryStep) undoPartial(ctx context.Context, deducted map[uint]int64) {
	for id, qty := range deducted {
		err := s.db.WithContext(ctx).Model(&model.ProductOption{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"stock":   gorm.Expr("stock + ?", qty),
				"version": gorm.Expr("version + 1"),
			}).Error
		if err != nil {
			logger.Log.Error("undo partial stock deduction failed",
				zap.Uint("option_id", id), zap.Int64("qty", qty), zap.Error(err))
		}
	}
}

func (s *DeductInventoryStep) Compensate(ctx context.Context, sc *Context) error {
	if len(sc.ReservedQty) == 0 {
		return nil
	}
	// 一次性补偿闸：同一 token 的库存只许回补一次，重试的 saga 不得再加一遍
	claimed, err := s.guard.CompensateOnce(ctx, sc.Token(string(model.TxInventoryDeduct)))
	if err != nil {
		return &CompensationError{Step: s.Name(), Critical: false, Cause: err}
	}
	if !claimed {
		return nil
	}
	ids := make([]uint, 0, len(sc.ReservedQty))
	for id := range sc.ReservedQty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	restored := 0
	for _, id := range ids {
		qty := sc.ReservedQty[id]
		res := s.db.WithContext(ctx).Model(&model.ProductOption{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"stock":   gorm.Expr("stock + ?", qty),
				"version": gorm.Expr("version + 1"),
			})
		cause := res.Error
		if cause == nil && res.RowsAffected == 0 {
			cause = fmt.Errorf("option %d disappeared during restore", id)
		}
		if cause != nil {
			// 多规格只回补了一部分：库存真实状态已不可判定，升级人工
			return &CompensationError{Step: s.Name(), Critical: restored > 0, Cause: cause}
		}
		restored++
	}
	return nil
}
