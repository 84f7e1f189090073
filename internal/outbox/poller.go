package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"checkout/internal/logger"
	"checkout/internal/model"
	"checkout/internal/queue"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Publisher 是 outbox 的传输出口，生产环境由 queue.Producer 实现。
type Publisher interface {
	Publish(ctx context.Context, evt queue.OrderEvent) error
}

// Poller 后台扫描 outbox 并发布。
// 语义：先标 PUBLISHING 再发（CAS 防双发），发成功才 PUBLISHED；
// 发送失败回 PENDING 等待下轮；卡死的 PUBLISHING 超时转 FAILED 交运营裁决。
type Poller struct {
	db  *gorm.DB
	pub Publisher

	batchSize  int
	interval   time.Duration
	staleAfter time.Duration
}

func NewPoller(db *gorm.DB, pub Publisher, batchSize int, interval, staleAfter time.Duration) *Poller {
	return &Poller{
		db:         db,
		pub:        pub,
		batchSize:  batchSize,
		interval:   interval,
		staleAfter: staleAfter,
	}
}

func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := p.ReclaimStuck(ctx); err != nil {
			logger.Log.Error("outbox reclaim stuck", zap.Error(err))
		} else if n > 0 {
			logger.Log.Warn("outbox messages marked FAILED after publishing timeout", zap.Int64("count", n))
		}

		if _, err := p.PollAndPublish(ctx); err != nil {
			logger.Log.Error("outbox poll", zap.Error(err))
		}
	}
}

// FindStuckPublishing 返回停留在 PUBLISHING 超过 olderThan 的消息。
func (p *Poller) FindStuckPublishing(ctx context.Context, olderThan time.Duration) ([]model.OutboxMessage, error) {
	cutoff := time.Now().Add(-olderThan)
	var out []model.OutboxMessage
	err := p.db.WithContext(ctx).
		Where("status = ? AND last_attempt_at < ?", model.OutboxPublishing, cutoff).
		Order("id").
		Find(&out).Error
	return out, err
}

// ReclaimStuck 把僵死的 PUBLISHING 行转 FAILED。
// 发布进程可能在发出之后、落 PUBLISHED 之前崩掉，真实投递结果未知，
// 所以不自动重发，留给运营基于至少一次语义决定是否重试。
func (p *Poller) ReclaimStuck(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-p.staleAfter)
	res := p.db.WithContext(ctx).Model(&model.OutboxMessage{}).
		Where("status = ? AND last_attempt_at < ?", model.OutboxPublishing, cutoff).
		Update("status", model.OutboxFailed)
	return res.RowsAffected, res.Error
}

// PollAndPublish 取一批 PENDING 消息逐条发布，返回成功条数。
// 只选 PENDING：PUBLISHING 防双发，FAILED 必须显式重试。
func (p *Poller) PollAndPublish(ctx context.Context) (int, error) {
	var batch []model.OutboxMessage
	err := p.db.WithContext(ctx).
		Where("status = ?", model.OutboxPending).
		Order("id").
		Limit(p.batchSize).
		Find(&batch).Error
	if err != nil {
		return 0, fmt.Errorf("select pending outbox: %w", err)
	}

	published := 0
	for i := range batch {
		m := &batch[i]
		now := time.Now()
		claim := p.db.WithContext(ctx).Model(&model.OutboxMessage{}).
			Where("id = ? AND status = ?", m.ID, model.OutboxPending).
			Updates(map[string]any{
				"status":          model.OutboxPublishing,
				"last_attempt_at": now,
				"attempt_count":   gorm.Expr("attempt_count + 1"),
			})
		if claim.Error != nil {
			return published, fmt.Errorf("claim outbox %d: %w", m.ID, claim.Error)
		}
		if claim.RowsAffected == 0 {
			continue // 已被别的 poller 实例拿走
		}

		var evt queue.OrderEvent
		if err := json.Unmarshal([]byte(m.Payload), &evt); err != nil {
			// 脏载荷发不出去，直接终态 FAILED
			logger.Log.Error("outbox payload corrupt", zap.Uint("id", m.ID), zap.Error(err))
			p.db.WithContext(ctx).Model(&model.OutboxMessage{}).
				Where("id = ?", m.ID).
				Update("status", model.OutboxFailed)
			continue
		}

		if err := p.pub.Publish(ctx, evt); err != nil {
			logger.Log.Warn("outbox publish failed, will re-poll",
				zap.Uint("id", m.ID), zap.String("order_no", m.OrderNo), zap.Error(err))
			p.db.WithContext(ctx).Model(&model.OutboxMessage{}).
				Where("id = ? AND status = ?", m.ID, model.OutboxPublishing).
				Update("status", model.OutboxPending)
			continue
		}

		sent := time.Now()
		res := p.db.WithContext(ctx).Model(&model.OutboxMessage{}).
			Where("id = ? AND status = ?", m.ID, model.OutboxPublishing).
			Updates(map[string]any{
				"status":  model.OutboxPublished,
				"sent_at": sent,
			})
		if res.Error != nil {
			return published, fmt.Errorf("mark published %d: %w", m.ID, res.Error)
		}
		published++
	}
	return published, nil
}

// RetryFailed 运营显式重试：FAILED → PENDING，返回是否有行被重置。
func (p *Poller) RetryFailed(ctx context.Context, messageID string) (bool, error) {
	res := p.db.WithContext(ctx).Model(&model.OutboxMessage{}).
		Where("message_id = ? AND status = ?", messageID, model.OutboxFailed).
		Update("status", model.OutboxPending)
	if res.Error != nil {
		return false, fmt.Errorf("retry outbox %s: %w", messageID, res.Error)
	}
	return res.RowsAffected == 1, nil
}
