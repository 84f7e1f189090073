package idempotency

import (
	"context"
	"fmt"
	"time"

	"checkout/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Decision 是 Begin 的裁决结果。
type Decision int

const (
	// Proceed 本调用方获得执行权（新插入的行，或接管的僵死 PENDING 行）。
	Proceed Decision = iota
	// AlreadyDone 子事务已 COMPLETED，直接复用 ResultPayload，禁止重放。
	AlreadyDone
	// InFlight 同 token 的另一调用方正在执行，本次应放弃而非并行重放。
	InFlight
	// AlreadyFailed 子事务已终态 FAILED，不可重试。
	AlreadyFailed
)

// Guard 子事务幂等闸门。
// token 唯一索引承担互斥：并发同 token 的 INSERT 只有一个生效，
// 落败方读到的行状态决定跳过还是放弃。所有写走根 DB 句柄，
// 独立于任何步骤事务提交——崩溃后的 PENDING 痕迹不能丢。
type Guard struct {
	db *gorm.DB
	// PENDING 行超过该时限视为上一持有者已崩溃，可被 CAS 接管
	pendingRetryAfter time.Duration
}

func NewGuard(db *gorm.DB, pendingRetryAfter time.Duration) *Guard {
	return &Guard{db: db, pendingRetryAfter: pendingRetryAfter}
}

// Begin 为 token 争取执行权。
func (g *Guard) Begin(ctx context.Context, token, orderNo string, txType model.TxType) (Decision, *model.ExecutedChildTx, error) {
	rec := model.ExecutedChildTx{
		OrderNo: orderNo,
		Token:   token,
		TxType:  txType,
		Status:  model.TxStatusPending,
	}
	res := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "token"}}, DoNothing: true}).
		Create(&rec)
	if res.Error != nil {
		return InFlight, nil, fmt.Errorf("insert idempotency record: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return Proceed, &rec, nil
	}

	// 行已存在：读状态裁决
	var existing model.ExecutedChildTx
	if err := g.db.WithContext(ctx).Where("token = ?", token).First(&existing).Error; err != nil {
		return InFlight, nil, fmt.Errorf("load idempotency record: %w", err)
	}
	switch existing.Status {
	case model.TxStatusCompleted:
		return AlreadyDone, &existing, nil
	case model.TxStatusFailed, model.TxStatusCompensated:
		return AlreadyFailed, &existing, nil
	}

	// PENDING：未过期说明对方还在跑，短暂等它出终态再裁决；
	// 过期则 CAS 接管（只允许一个接管者胜出）
	if time.Since(existing.UpdatedAt) < g.pendingRetryAfter {
		return g.awaitOutcome(ctx, token, &existing)
	}
	claim := g.db.WithContext(ctx).Model(&model.ExecutedChildTx{}).
		Where("token = ? AND status = ? AND updated_at = ?", token, model.TxStatusPending, existing.UpdatedAt).
		Update("updated_at", time.Now())
	if claim.Error != nil {
		return InFlight, nil, fmt.Errorf("claim stale idempotency record: %w", claim.Error)
	}
	if claim.RowsAffected == 1 {
		return Proceed, &existing, nil
	}
	return InFlight, &existing, nil
}

const (
	inflightPollEvery = 50 * time.Millisecond
	inflightWaitFor   = 500 * time.Millisecond
)

// awaitOutcome 对新鲜 PENDING 行做有界等待：持有方多半马上就有结果，
// 等到终态就按终态裁决；窗口内没等到才让路。
func (g *Guard) awaitOutcome(ctx context.Context, token string, last *model.ExecutedChildTx) (Decision, *model.ExecutedChildTx, error) {
	deadline := time.Now().Add(inflightWaitFor)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return InFlight, last, ctx.Err()
		case <-time.After(inflightPollEvery):
		}
		var cur model.ExecutedChildTx
		if err := g.db.WithContext(ctx).Where("token = ?", token).First(&cur).Error; err != nil {
			return InFlight, last, fmt.Errorf("recheck idempotency record: %w", err)
		}
		switch cur.Status {
		case model.TxStatusCompleted:
			return AlreadyDone, &cur, nil
		case model.TxStatusFailed, model.TxStatusCompensated:
			return AlreadyFailed, &cur, nil
		}
		last = &cur
	}
	return InFlight, last, nil
}

// CompensateOnce 为 token 争取一次性的补偿执行权：COMPLETED → COMPENSATED 的 CAS。
// 返回 false 表示正向从未完成、或别的尝试已经补偿过——调用方必须跳过聚合回写。
// 这是防二次退款 / 二次回补库存的闸。
func (g *Guard) CompensateOnce(ctx context.Context, token string) (bool, error) {
	res := g.db.WithContext(ctx).Model(&model.ExecutedChildTx{}).
		Where("token = ? AND status = ?", token, model.TxStatusCompleted).
		Update("status", model.TxStatusCompensated)
	if res.Error != nil {
		return false, fmt.Errorf("claim compensation for %s: %w", token, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Complete 将子事务标记为 COMPLETED 并记录结果载荷。
// COMPLETED 之后唯一合法的迁移是 CompensateOnce 的 COMPENSATED。
func (g *Guard) Complete(ctx context.Context, token, payload string) error {
	res := g.db.WithContext(ctx).Model(&model.ExecutedChildTx{}).
		Where("token = ? AND status = ?", token, model.TxStatusPending).
		Updates(map[string]any{
			"status":         model.TxStatusCompleted,
			"result_payload": payload,
		})
	if res.Error != nil {
		return fmt.Errorf("complete idempotency record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("idempotency record %s not in PENDING", token)
	}
	return nil
}

// Fail 将子事务标记为终态 FAILED（只能从 PENDING 迁移，不会覆盖 COMPLETED）。
func (g *Guard) Fail(ctx context.Context, token, reason string) error {
	res := g.db.WithContext(ctx).Model(&model.ExecutedChildTx{}).
		Where("token = ? AND status = ?", token, model.TxStatusPending).
		Updates(map[string]any{
			"status":      model.TxStatusFailed,
			"fail_reason": reason,
		})
	if res.Error != nil {
		return fmt.Errorf("fail idempotency record: %w", res.Error)
	}
	return nil
}

// Retryable 报告该记录是否还允许一次新的执行尝试。
func (g *Guard) Retryable(rec *model.ExecutedChildTx) bool {
	return rec != nil && rec.Status == model.TxStatusPending
}
