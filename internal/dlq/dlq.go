package dlq

import (
	"context"
	"fmt"
	"time"

	"checkout/internal/model"

	"gorm.io/gorm"
)

// Store 补偿死信存储。
// 持根 DB 句柄而非调用方事务：Publish 的提交独立于任何外层事务，
// 这是刻意打破单事务语义的地方——saga 整体回滚时失败证据也必须留下。
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Publish 落一条补偿失败记录（立即独立提交）。
func (s *Store) Publish(ctx context.Context, rec *model.FailedCompensation) error {
	if rec.FailedAt.IsZero() {
		rec.FailedAt = time.Now()
	}
	if rec.Status == "" {
		rec.Status = model.CompensationPending
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("publish failed compensation: %w", err)
	}
	return nil
}

// GetFailed 返回某订单尚未处理的补偿失败记录。
func (s *Store) GetFailed(ctx context.Context, orderNo string) ([]model.FailedCompensation, error) {
	var out []model.FailedCompensation
	err := s.db.WithContext(ctx).
		Where("order_no = ? AND status = ?", orderNo, model.CompensationPending).
		Order("id").
		Find(&out).Error
	return out, err
}

// GetAllFailed 返回全部待处理记录，供运营侧巡检。
func (s *Store) GetAllFailed(ctx context.Context) ([]model.FailedCompensation, error) {
	var out []model.FailedCompensation
	err := s.db.WithContext(ctx).
		Where("status = ?", model.CompensationPending).
		Order("id").
		Find(&out).Error
	return out, err
}

// MarkResolved 将订单下的 PENDING 记录迁移到 RESOLVED，返回受影响行数。
// 已处理的行保留在表里作审计，只是不再出现在待处理查询。
func (s *Store) MarkResolved(ctx context.Context, orderNo string) (int64, error) {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&model.FailedCompensation{}).
		Where("order_no = ? AND status = ?", orderNo, model.CompensationPending).
		Updates(map[string]any{
			"status":      model.CompensationResolved,
			"resolved_at": now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("mark resolved: %w", res.Error)
	}
	return res.RowsAffected, nil
}
