package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"checkout/internal/model"
	"checkout/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginProceedCompleteThenAlreadyDone(t *testing.T) {
	db := testutil.DB(t)
	g := NewGuard(db, time.Minute)
	ctx := context.Background()

	decision, rec, err := g.Begin(ctx, "req-1:BALANCE_DEDUCT", "SK1", model.TxBalanceDeduct)
	require.NoError(t, err)
	require.Equal(t, Proceed, decision)
	require.NotNil(t, rec)

	require.NoError(t, g.Complete(ctx, "req-1:BALANCE_DEDUCT", `{"deducted":100}`))

	// 多次重放都只读到既有结果，不再给执行权
	for i := 0; i < 3; i++ {
		decision, rec, err = g.Begin(ctx, "req-1:BALANCE_DEDUCT", "SK1", model.TxBalanceDeduct)
		require.NoError(t, err)
		assert.Equal(t, AlreadyDone, decision)
		assert.Equal(t, `{"deducted":100}`, rec.ResultPayload)
		assert.False(t, g.Retryable(rec))
	}

	var count int64
	require.NoError(t, db.Model(&model.ExecutedChildTx{}).
		Where("token = ?", "req-1:BALANCE_DEDUCT").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestBeginAfterFailIsTerminal(t *testing.T) {
	db := testutil.DB(t)
	g := NewGuard(db, time.Minute)
	ctx := context.Background()

	decision, _, err := g.Begin(ctx, "req-2:COUPON_USE", "SK2", model.TxCouponUse)
	require.NoError(t, err)
	require.Equal(t, Proceed, decision)
	require.NoError(t, g.Fail(ctx, "req-2:COUPON_USE", "coupon already used"))

	decision, rec, err := g.Begin(ctx, "req-2:COUPON_USE", "SK2", model.TxCouponUse)
	require.NoError(t, err)
	assert.Equal(t, AlreadyFailed, decision)
	assert.Equal(t, "coupon already used", rec.FailReason)
}

func TestFailNeverDowngradesCompleted(t *testing.T) {
	db := testutil.DB(t)
	g := NewGuard(db, time.Minute)
	ctx := context.Background()

	_, _, err := g.Begin(ctx, "req-3:INVENTORY_DEDUCT", "SK3", model.TxInventoryDeduct)
	require.NoError(t, err)
	require.NoError(t, g.Complete(ctx, "req-3:INVENTORY_DEDUCT", `{}`))
	require.NoError(t, g.Fail(ctx, "req-3:INVENTORY_DEDUCT", "late failure"))

	var rec model.ExecutedChildTx
	require.NoError(t, db.Where("token = ?", "req-3:INVENTORY_DEDUCT").First(&rec).Error)
	assert.Equal(t, model.TxStatusCompleted, rec.Status)
}

func TestFreshPendingIsInFlight(t *testing.T) {
	db := testutil.DB(t)
	g := NewGuard(db, time.Minute)
	ctx := context.Background()

	decision, _, err := g.Begin(ctx, "req-4:BALANCE_DEDUCT", "SK4", model.TxBalanceDeduct)
	require.NoError(t, err)
	require.Equal(t, Proceed, decision)

	// 持有方还没到超时，后来者必须让路
	decision, rec, err := g.Begin(ctx, "req-4:BALANCE_DEDUCT", "SK4", model.TxBalanceDeduct)
	require.NoError(t, err)
	assert.Equal(t, InFlight, decision)
	assert.True(t, g.Retryable(rec))
}

func TestStalePendingReclaimedOnce(t *testing.T) {
	db := testutil.DB(t)
	g := NewGuard(db, 10*time.Millisecond)
	ctx := context.Background()

	decision, _, err := g.Begin(ctx, "req-5:BALANCE_DEDUCT", "SK5", model.TxBalanceDeduct)
	require.NoError(t, err)
	require.Equal(t, Proceed, decision)

	// 模拟持有者崩溃：把 PENDING 行改旧
	stale := time.Now().Add(-time.Minute)
	require.NoError(t, db.Model(&model.ExecutedChildTx{}).
		Where("token = ?", "req-5:BALANCE_DEDUCT").
		UpdateColumn("updated_at", stale).Error)

	decision, _, err = g.Begin(ctx, "req-5:BALANCE_DEDUCT", "SK5", model.TxBalanceDeduct)
	require.NoError(t, err)
	assert.Equal(t, Proceed, decision)

	// 接管后再次到来的调用方看到的是新鲜 PENDING
	decision, _, err = g.Begin(ctx, "req-5:BALANCE_DEDUCT", "SK5", model.TxBalanceDeduct)
	require.NoError(t, err)
	assert.Equal(t, InFlight, decision)
}

func TestCompensateOnceSingleClaim(t *testing.T) {
	db := testutil.DB(t)
	g := NewGuard(db, time.Minute)
	ctx := context.Background()

	decision, _, err := g.Begin(ctx, "req-7:BALANCE_DEDUCT", "SK7", model.TxBalanceDeduct)
	require.NoError(t, err)
	require.Equal(t, Proceed, decision)
	require.NoError(t, g.Complete(ctx, "req-7:BALANCE_DEDUCT", `{"deducted":100}`))

	claimed, err := g.CompensateOnce(ctx, "req-7:BALANCE_DEDUCT")
	require.NoError(t, err)
	assert.True(t, claimed)

	// 第二次认领必须落空：同一 token 的补偿只许发生一次
	claimed, err = g.CompensateOnce(ctx, "req-7:BALANCE_DEDUCT")
	require.NoError(t, err)
	assert.False(t, claimed)

	// 已补偿的记录对后续 Begin 是终态，不再给执行权
	decision, _, err = g.Begin(ctx, "req-7:BALANCE_DEDUCT", "SK7", model.TxBalanceDeduct)
	require.NoError(t, err)
	assert.Equal(t, AlreadyFailed, decision)
}

func TestCompensateOnceRequiresCompleted(t *testing.T) {
	db := testutil.DB(t)
	g := NewGuard(db, time.Minute)
	ctx := context.Background()

	decision, _, err := g.Begin(ctx, "req-8:COUPON_USE", "SK8", model.TxCouponUse)
	require.NoError(t, err)
	require.Equal(t, Proceed, decision)

	// 正向从未 COMPLETED：没有可补偿的效果，不许拿到认领
	claimed, err := g.CompensateOnce(ctx, "req-8:COUPON_USE")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestBeginWaitsOutInFlightOutcome(t *testing.T) {
	db := testutil.DB(t)
	g := NewGuard(db, time.Minute)
	ctx := context.Background()

	decision, _, err := g.Begin(ctx, "req-9:COUPON_USE", "SK9", model.TxCouponUse)
	require.NoError(t, err)
	require.Equal(t, Proceed, decision)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = g.Complete(ctx, "req-9:COUPON_USE", `{"user_coupon_id":1}`)
	}()

	// 持有方仍在窗口内：有界等待后应读到终态，而不是直接让路
	decision, rec, err := g.Begin(ctx, "req-9:COUPON_USE", "SK9", model.TxCouponUse)
	require.NoError(t, err)
	assert.Equal(t, AlreadyDone, decision)
	assert.Equal(t, `{"user_coupon_id":1}`, rec.ResultPayload)
}

func TestConcurrentBeginSingleWinner(t *testing.T) {
	db := testutil.DB(t)
	g := NewGuard(db, time.Minute)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	decisions := make([]Decision, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			d, _, err := g.Begin(ctx, "req-6:INVENTORY_DEDUCT", "SK6", model.TxInventoryDeduct)
			require.NoError(t, err)
			decisions[idx] = d
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, d := range decisions {
		if d == Proceed {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one caller may proceed")

	var count int64
	require.NoError(t, db.Model(&model.ExecutedChildTx{}).
		Where("token = ?", "req-6:INVENTORY_DEDUCT").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
