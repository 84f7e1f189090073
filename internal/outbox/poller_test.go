package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"checkout/internal/model"
	"checkout/internal/queue"
	"checkout/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []queue.OrderEvent
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, evt queue.OrderEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, evt)
	return nil
}

func (f *fakePublisher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func testEvent(orderNo string) queue.OrderEvent {
	return queue.OrderEvent{
		MessageID:  "msg-" + orderNo,
		OrderNo:    orderNo,
		UserID:     1,
		EventType:  queue.EventOrderCreated,
		Amount:     10000,
		OccurredAt: time.Now(),
	}
}

func TestEnqueueCommitsWithProducingTx(t *testing.T) {
	db := testutil.DB(t)

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model.Order{
			OrderNo: "SKok", RequestID: "r-ok", UserID: 1, Subtotal: 10000, Amount: 10000,
		}).Error; err != nil {
			return err
		}
		return Enqueue(tx, testEvent("SKok"))
	})
	require.NoError(t, err)

	var msg model.OutboxMessage
	require.NoError(t, db.Where("order_no = ?", "SKok").First(&msg).Error)
	assert.Equal(t, model.OutboxPending, msg.Status)
	assert.Equal(t, queue.EventOrderCreated, msg.EventType)
}

func TestEnqueueRollsBackWithProducingTx(t *testing.T) {
	db := testutil.DB(t)

	boom := errors.New("step blew up after enqueue")
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := Enqueue(tx, testEvent("SKgone")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int64
	require.NoError(t, db.Model(&model.OutboxMessage{}).Where("order_no = ?", "SKgone").Count(&count).Error)
	assert.Equal(t, int64(0), count, "发布意图必须随业务事务一起消失")
}

func TestPollAndPublishLifecycle(t *testing.T) {
	db := testutil.DB(t)
	pub := &fakePublisher{}
	p := NewPoller(db, pub, 16, time.Second, 5*time.Minute)
	ctx := context.Background()

	require.NoError(t, Enqueue(db, testEvent("SKlife")))

	n, err := p.PollAndPublish(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, pub.count())

	var msg model.OutboxMessage
	require.NoError(t, db.Where("order_no = ?", "SKlife").First(&msg).Error)
	assert.Equal(t, model.OutboxPublished, msg.Status)
	assert.Equal(t, 1, msg.AttemptCount)
	require.NotNil(t, msg.SentAt)
	require.NotNil(t, msg.LastAttemptAt)

	// PUBLISHED 终态：再轮询不会重发
	n, err = p.PollAndPublish(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, pub.count())
}

func TestTransportFailureLeavesRowRepollable(t *testing.T) {
	db := testutil.DB(t)
	pub := &fakePublisher{}
	pub.setErr(errors.New("broker unreachable"))
	p := NewPoller(db, pub, 16, time.Second, 5*time.Minute)
	ctx := context.Background()

	require.NoError(t, Enqueue(db, testEvent("SKretry")))

	n, err := p.PollAndPublish(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	var msg model.OutboxMessage
	require.NoError(t, db.Where("order_no = ?", "SKretry").First(&msg).Error)
	assert.Equal(t, model.OutboxPending, msg.Status)
	assert.Equal(t, 1, msg.AttemptCount)

	// 传输恢复后下一轮补发成功
	pub.setErr(nil)
	n, err = p.PollAndPublish(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, db.Where("order_no = ?", "SKretry").First(&msg).Error)
	assert.Equal(t, model.OutboxPublished, msg.Status)
	assert.Equal(t, 2, msg.AttemptCount)
}

func TestStuckPublishingBecomesFailedAndExcluded(t *testing.T) {
	db := testutil.DB(t)
	pub := &fakePublisher{}
	p := NewPoller(db, pub, 16, time.Second, 5*time.Minute)
	ctx := context.Background()

	// 伪造一条发布进程崩掉后残留的 PUBLISHING 行
	stale := time.Now().Add(-10 * time.Minute)
	require.NoError(t, db.Create(&model.OutboxMessage{
		MessageID: "msg-stuck", OrderNo: "SKstuck", UserID: 1,
		EventType: queue.EventOrderCreated, Payload: `{"message_id":"msg-stuck","order_no":"SKstuck","user_id":1,"event_type":"ORDER_CREATED"}`,
		Status: model.OutboxPublishing, LastAttemptAt: &stale, AttemptCount: 1,
	}).Error)

	stuck, err := p.FindStuckPublishing(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "msg-stuck", stuck[0].MessageID)

	n, err := p.ReclaimStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var msg model.OutboxMessage
	require.NoError(t, db.Where("message_id = ?", "msg-stuck").First(&msg).Error)
	assert.Equal(t, model.OutboxFailed, msg.Status)

	// FAILED 不参与投递，必须显式重试
	published, err := p.PollAndPublish(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, published)
	assert.Equal(t, 0, pub.count())

	ok, err := p.RetryFailed(ctx, "msg-stuck")
	require.NoError(t, err)
	assert.True(t, ok)

	published, err = p.PollAndPublish(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, published)
	assert.Equal(t, 1, pub.count())
}

func TestReclaimIgnoresFreshPublishing(t *testing.T) {
	db := testutil.DB(t)
	p := NewPoller(db, &fakePublisher{}, 16, time.Second, 5*time.Minute)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, db.Create(&model.OutboxMessage{
		MessageID: "msg-fresh", OrderNo: "SKfresh", UserID: 1,
		EventType: queue.EventOrderCreated, Payload: `{}`,
		Status: model.OutboxPublishing, LastAttemptAt: &now,
	}).Error)

	n, err := p.ReclaimStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRetryFailedUnknownMessage(t *testing.T) {
	db := testutil.DB(t)
	p := NewPoller(db, &fakePublisher{}, 16, time.Second, 5*time.Minute)

	ok, err := p.RetryFailed(context.Background(), "no-such-message")
	require.NoError(t, err)
	assert.False(t, ok)
}
