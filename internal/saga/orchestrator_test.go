package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"checkout/internal/dlq"
	"checkout/internal/model"
	"checkout/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeAlert struct {
	mu    sync.Mutex
	calls []string // orderNo|step
}

func (a *fakeAlert) NotifyCriticalCompensationFailure(_ context.Context, orderNo, stepName string, _ error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, orderNo+"|"+stepName)
}

func (a *fakeAlert) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// fakeStep 记录调用轨迹的可编程步骤。
type fakeStep struct {
	name    string
	execErr error
	compErr error
	log     *[]string
}

func (s *fakeStep) Name() string { return s.name }

func (s *fakeStep) Execute(_ context.Context, _ *Context) error {
	*s.log = append(*s.log, "exec:"+s.name)
	return s.execErr
}

func (s *fakeStep) Compensate(_ context.Context, _ *Context) error {
	*s.log = append(*s.log, "comp:"+s.name)
	return s.compErr
}

// 固定的合法下单命令：prepare 定价要查规格，所以即使步骤是假的也得建档。
func seedCommand(t *testing.T, db *gorm.DB) CheckoutCommand {
	t.Helper()
	p := &model.Product{Name: "测试商品", Options: []model.ProductOption{
		{Name: "默认规格", Price: 10000, Stock: 100},
	}}
	require.NoError(t, db.Create(p).Error)
	return CheckoutCommand{
		RequestID:   "aaaabbbbccccdddd",
		UserID:      1,
		Items:       []ItemRequest{{ProductID: p.ID, OptionID: p.Options[0].ID, Quantity: 1}},
		FinalAmount: 10000,
	}
}

func TestPipelineRunsAllStepsInOrder(t *testing.T) {
	db := testutil.DB(t)
	alerts := &fakeAlert{}
	var log []string
	steps := []Step{
		&fakeStep{name: "A", log: &log},
		&fakeStep{name: "B", log: &log},
		&fakeStep{name: "C", log: &log},
	}
	orch := New(db, dlq.New(db), alerts, steps)

	res, err := orch.CreateOrderWithPayment(context.Background(), seedCommand(t, db))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, []string{"exec:A", "exec:B", "exec:C"}, log)
	assert.Equal(t, int64(10000), res.Amount)
}

func TestFailureAtStepKCompensatesLIFO(t *testing.T) {
	db := testutil.DB(t)
	alerts := &fakeAlert{}
	var log []string
	boom := NewStepError("C", CodeInsufficientBalance, "not enough")
	steps := []Step{
		&fakeStep{name: "A", log: &log},
		&fakeStep{name: "B", log: &log},
		&fakeStep{name: "C", execErr: boom, log: &log},
		&fakeStep{name: "D", log: &log},
	}
	orch := New(db, dlq.New(db), alerts, steps)

	_, err := orch.CreateOrderWithPayment(context.Background(), seedCommand(t, db))
	require.ErrorAs(t, err, new(*StepError))
	assert.Equal(t, boom, err)

	// 失败步骤 C 自身不补偿，D 未执行；补偿顺序严格 B → A
	assert.Equal(t, []string{"exec:A", "exec:B", "exec:C", "comp:B", "comp:A"}, log)
	assert.Equal(t, 0, alerts.count())
}

func TestFirstStepFailureSurfacesDirectly(t *testing.T) {
	db := testutil.DB(t)
	alerts := &fakeAlert{}
	var log []string
	boom := NewStepError("A", CodeInsufficientStock, "sold out")
	steps := []Step{
		&fakeStep{name: "A", execErr: boom, log: &log},
		&fakeStep{name: "B", log: &log},
	}
	store := dlq.New(db)
	orch := New(db, store, alerts, steps)

	_, err := orch.CreateOrderWithPayment(context.Background(), seedCommand(t, db))
	assert.Equal(t, boom, err)
	assert.Equal(t, []string{"exec:A"}, log)

	// 没有东西可补偿，也就不许碰 DLQ
	all, dbErr := store.GetAllFailed(context.Background())
	require.NoError(t, dbErr)
	assert.Empty(t, all)
}

func TestNonCriticalCompensationFailureContinues(t *testing.T) {
	db := testutil.DB(t)
	alerts := &fakeAlert{}
	var log []string
	boom := NewStepError("D", CodeAmountMismatch, "bad amount")
	steps := []Step{
		&fakeStep{name: "A", log: &log},
		&fakeStep{name: "B", compErr: &CompensationError{Step: "B", Critical: false, Cause: errors.New("b revert failed")}, log: &log},
		&fakeStep{name: "C", compErr: &CompensationError{Step: "C", Critical: false, Cause: errors.New("c revert failed")}, log: &log},
		&fakeStep{name: "D", execErr: boom, log: &log},
	}
	store := dlq.New(db)
	orch := New(db, store, alerts, steps)

	_, err := orch.CreateOrderWithPayment(context.Background(), seedCommand(t, db))
	assert.Equal(t, boom, err)

	// 尽力而为：C、B 补偿失败也要继续补 A
	assert.Equal(t, []string{"exec:A", "exec:B", "exec:C", "exec:D", "comp:C", "comp:B", "comp:A"}, log)

	all, dbErr := store.GetAllFailed(context.Background())
	require.NoError(t, dbErr)
	require.Len(t, all, 2)
	names := []string{all[0].StepName, all[1].StepName}
	assert.ElementsMatch(t, []string{"B", "C"}, names)
	for _, rec := range all {
		assert.NotEmpty(t, rec.ContextSnapshot)
		assert.NotEmpty(t, rec.StackTrace)
	}
	assert.Equal(t, 0, alerts.count())
}

func TestCriticalCompensationFailureHalts(t *testing.T) {
	db := testutil.DB(t)
	alerts := &fakeAlert{}
	var log []string
	steps := []Step{
		&fakeStep{name: "A", log: &log},
		&fakeStep{name: "B", compErr: &CompensationError{Step: "B", Critical: true, Cause: errors.New("state unknown")}, log: &log},
		&fakeStep{name: "C", execErr: NewStepError("C", CodeCouponAlreadyUsed, "used"), log: &log},
	}
	store := dlq.New(db)
	orch := New(db, store, alerts, steps)

	_, err := orch.CreateOrderWithPayment(context.Background(), seedCommand(t, db))
	var halted *CompensationHaltedError
	require.ErrorAs(t, err, &halted)
	assert.Equal(t, "B", halted.Step)

	// 关键失败：A 的补偿被有意搁置
	assert.Equal(t, []string{"exec:A", "exec:B", "exec:C", "comp:B"}, log)

	all, dbErr := store.GetAllFailed(context.Background())
	require.NoError(t, dbErr)
	require.Len(t, all, 1)
	assert.Equal(t, "B", all[0].StepName)
	assert.Equal(t, 2, all[0].StepOrder)

	require.Equal(t, 1, alerts.count())
	assert.Equal(t, halted.OrderNo+"|B", alerts.calls[0])
}

func TestPrepareRejectsAmountMismatch(t *testing.T) {
	db := testutil.DB(t)
	cmd := seedCommand(t, db)
	cmd.FinalAmount = 1 // 客户端声明金额与服务端定价不符

	var log []string
	orch := New(db, dlq.New(db), &fakeAlert{}, []Step{&fakeStep{name: "A", log: &log}})
	_, err := orch.CreateOrderWithPayment(context.Background(), cmd)

	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, CodeAmountMismatch, se.Code)
	assert.Empty(t, log, "定价校验不过不允许进入流水线")
}

func TestPrepareRejectsExpiredCoupon(t *testing.T) {
	db := testutil.DB(t)
	cmd := seedCommand(t, db)

	coupon := &model.Coupon{Name: "过期券", DiscountAmount: 2000, TotalQty: 10, RemainingQty: 5,
		ExpiresAt: time.Now().Add(-time.Hour)}
	require.NoError(t, db.Create(coupon).Error)
	cmd.CouponID = &coupon.ID

	orch := New(db, dlq.New(db), &fakeAlert{}, nil)
	_, err := orch.CreateOrderWithPayment(context.Background(), cmd)

	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, CodeCouponExpired, se.Code)
}
