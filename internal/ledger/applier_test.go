package ledger

import (
	"context"
	"testing"
	"time"

	"points-ledger/internal/config"
	"points-ledger/internal/models"
	"points-ledger/internal/repository"
	"points-ledger/internal/reward"
	"points-ledger/internal/testutil"
	"points-ledger/pkg/errors"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// planFor 读取当前库中的窗口流水与注册用户，生成计划
func planFor(t *testing.T, db *gorm.DB, w Window, events []models.ChainEvent) *Plan {
	t.Helper()
	ctx := context.Background()

	existing, err := repository.NewLedgerRepository(db).ListInBlockRange(ctx, w.PointType, w.FromBlock, w.ToBlock)
	require.NoError(t, err)

	var addrs []string
	for _, ev := range events {
		addrs = append(addrs, ev.Address)
	}
	for _, e := range existing {
		addrs = append(addrs, e.UserAddress)
	}
	registered, err := repository.NewUserRepository(db).FindRegistered(ctx, addrs)
	require.NoError(t, err)

	plan, err := Diff(DiffInput{
		Window:     w,
		Events:     events,
		Registered: registered,
		Existing:   existing,
	}, reward.NewCalculator(30, nil))
	require.NoError(t, err)
	return plan
}

func newTestApplier(db *gorm.DB, batchSize int) *Applier {
	return NewApplier(db, config.LedgerConfig{BatchSize: batchSize})
}

func TestApplyTwoEventScenario(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.SeedUser(t, db, "0xa", 0)

	w := NewWindow(models.PointTypeDaily, 100, 200, base, base.Add(time.Hour))
	events := []models.ChainEvent{
		dailyEvent("0xa", 10, 100, 0, base.Add(10*time.Second)),
		dailyEvent("0xa", 35, 200, 0, base.Add(20*time.Second)),
	}

	result, err := newTestApplier(db, 250).Apply(context.Background(), planFor(t, db, w, events))
	require.NoError(t, err)
	require.Equal(t, 1, result.Batches)
	require.Equal(t, int64(2), result.Inserted)

	entries := testutil.Entries(t, db, "0xa")
	require.Len(t, entries, 2)
	require.Equal(t, int64(10), entries[0].Points)
	require.Equal(t, int64(0), entries[0].PointsBefore)
	require.Equal(t, int64(10), entries[0].PointsAfter)
	require.Equal(t, int64(30), entries[1].Points)
	require.Equal(t, int64(10), entries[1].PointsBefore)
	require.Equal(t, int64(40), entries[1].PointsAfter)
	require.Equal(t, models.PointTypeDaily, entries[1].PointType)

	require.Equal(t, int64(40), testutil.UserPoints(t, db, "0xa"))
}

func TestApplyIsIdempotent(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.SeedUser(t, db, "0xa", 100)
	testutil.SeedUser(t, db, "0xb", 0)
	// 窗口外的历史流水不受影响
	testutil.SeedEventEntry(t, db, "0xa", models.PointTypeDaily, 100, 50, base.Add(-24*time.Hour))

	w := NewWindow(models.PointTypeDaily, 100, 200, base, base.Add(time.Hour))
	events := []models.ChainEvent{
		dailyEvent("0xa", 3, 100, 0, base.Add(time.Minute)),
		dailyEvent("0xb", 7, 100, 1, base.Add(time.Minute)),
		dailyEvent("0xb", 8, 150, 0, base.Add(30*time.Minute)),
	}

	applier := newTestApplier(db, 1)
	for run := 0; run < 3; run++ {
		_, err := applier.Apply(context.Background(), planFor(t, db, w, events))
		require.NoError(t, err)

		require.Equal(t, int64(103), testutil.UserPoints(t, db, "0xa"))
		require.Equal(t, int64(15), testutil.UserPoints(t, db, "0xb"))
		require.Len(t, testutil.Entries(t, db, "0xa"), 2)
		require.Len(t, testutil.Entries(t, db, "0xb"), 2)
	}

	// 守恒：总积分等于流水之和
	for _, addr := range []string{"0xa", "0xb"} {
		require.Equal(t, testutil.LedgerSum(t, db, addr), testutil.UserPoints(t, db, addr))
	}
}

func TestApplyWritesEventProvenance(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.SeedUser(t, db, "0xa", 0)

	w := NewWindow(models.PointTypeDaily, 100, 200, base, base.Add(time.Hour))
	ev := dailyEvent("0xa", 3, 150, 2, base.Add(time.Minute))
	_, err := newTestApplier(db, 250).Apply(context.Background(), planFor(t, db, w, []models.ChainEvent{ev}))
	require.NoError(t, err)

	entries := testutil.Entries(t, db, "0xa")
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].BlockNumber)
	require.Equal(t, int64(150), *entries[0].BlockNumber)
	require.NotNil(t, entries[0].TxHash)
	require.Equal(t, ev.TxHash, *entries[0].TxHash)
	require.NotNil(t, entries[0].LogIndex)
	require.Equal(t, uint(2), *entries[0].LogIndex)
}

func TestApplyKeepsEntriesWithoutBlock(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.SeedUser(t, db, "0xa", 100)
	// 与窗口同一时间段的补发流水不属于任何区块窗口
	testutil.SeedEntry(t, db, "0xa", models.PointTypeDaily, 100, base.Add(time.Minute))

	w := NewWindow(models.PointTypeDaily, 100, 200, base, base.Add(time.Hour))
	applier := newTestApplier(db, 250)
	for run := 0; run < 2; run++ {
		result, err := applier.Apply(context.Background(), planFor(t, db, w, []models.ChainEvent{
			dailyEvent("0xa", 5, 150, 0, base.Add(time.Minute)),
		}))
		require.NoError(t, err)
		require.Equal(t, int64(run), result.Deleted)
	}

	require.Equal(t, int64(105), testutil.UserPoints(t, db, "0xa"))
	require.Len(t, testutil.Entries(t, db, "0xa"), 2)
	require.Equal(t, testutil.LedgerSum(t, db, "0xa"), testutil.UserPoints(t, db, "0xa"))
}

func TestApplyAdjacentWindowsShareTimestamp(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.SeedUser(t, db, "0xa", 0)
	applier := newTestApplier(db, 250)

	// 两个窗口的边界区块时间相同
	first := NewWindow(models.PointTypeDaily, 1, 100, base, base.Add(51*time.Second))
	_, err := applier.Apply(context.Background(), planFor(t, db, first, []models.ChainEvent{
		dailyEvent("0xa", 10, 100, 0, base.Add(50*time.Second)),
	}))
	require.NoError(t, err)

	second := NewWindow(models.PointTypeDaily, 101, 200, base.Add(50*time.Second), base.Add(101*time.Second))
	plan := planFor(t, db, second, []models.ChainEvent{
		dailyEvent("0xa", 5, 150, 0, base.Add(75*time.Second)),
	})
	require.Zero(t, plan.RetractCount())

	_, err = applier.Apply(context.Background(), plan)
	require.NoError(t, err)
	require.Equal(t, int64(15), testutil.UserPoints(t, db, "0xa"))
	require.Len(t, testutil.Entries(t, db, "0xa"), 2)
}

func TestApplyReplacesChangedEvents(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.SeedUser(t, db, "0xa", 0)

	w := NewWindow(models.PointTypeDaily, 100, 200, base, base.Add(time.Hour))
	applier := newTestApplier(db, 250)

	_, err := applier.Apply(context.Background(), planFor(t, db, w, []models.ChainEvent{
		dailyEvent("0xa", 10, 100, 0, base.Add(time.Minute)),
	}))
	require.NoError(t, err)
	require.Equal(t, int64(10), testutil.UserPoints(t, db, "0xa"))

	// 重放时事件集合不同：旧流水被撤销，只保留新计算结果
	_, err = applier.Apply(context.Background(), planFor(t, db, w, []models.ChainEvent{
		dailyEvent("0xa", 4, 100, 0, base.Add(time.Minute)),
	}))
	require.NoError(t, err)
	require.Equal(t, int64(4), testutil.UserPoints(t, db, "0xa"))
	require.Len(t, testutil.Entries(t, db, "0xa"), 1)
}

func TestApplyFloorsAtZero(t *testing.T) {
	db := testutil.NewTestDB(t)
	// 总积分已经小于窗口内流水之和
	testutil.SeedUser(t, db, "0xa", 5)
	testutil.SeedEventEntry(t, db, "0xa", models.PointTypeDaily, 20, 120, base.Add(time.Minute))

	w := NewWindow(models.PointTypeDaily, 100, 200, base, base.Add(time.Hour))
	result, err := newTestApplier(db, 250).Apply(context.Background(), planFor(t, db, w, nil))
	require.NoError(t, err)
	require.Equal(t, int64(1), result.Deleted)

	require.Equal(t, int64(0), testutil.UserPoints(t, db, "0xa"))
	require.Empty(t, testutil.Entries(t, db, "0xa"))
}

func TestApplyDeletedUser(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.SeedUser(t, db, "0xa", 0)
	// 用户已删除，但窗口内仍残留流水
	testutil.SeedEventEntry(t, db, "0xdead", models.PointTypeDaily, 9, 100, base.Add(time.Minute))

	w := NewWindow(models.PointTypeDaily, 100, 200, base, base.Add(time.Hour))
	events := []models.ChainEvent{
		dailyEvent("0xdead", 12, 100, 0, base.Add(time.Minute)),
		dailyEvent("0xa", 6, 100, 1, base.Add(time.Minute)),
	}
	plan := planFor(t, db, w, events)
	require.Equal(t, 1, plan.Skipped.UnknownAddress)

	_, err := newTestApplier(db, 250).Apply(context.Background(), plan)
	require.NoError(t, err)

	require.Empty(t, testutil.Entries(t, db, "0xdead"))
	var count int64
	require.NoError(t, db.Model(&models.User{}).Where("address = ?", "0xdead").Count(&count).Error)
	require.Zero(t, count)

	require.Equal(t, int64(6), testutil.UserPoints(t, db, "0xa"))
}

func TestApplyRollsBackOnVerificationMismatch(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.SeedUser(t, db, "0xa", 0)
	testutil.SeedUser(t, db, "0xb", 50)
	testutil.SeedEventEntry(t, db, "0xb", models.PointTypeDaily, 50, 100, base.Add(time.Minute))

	w := NewWindow(models.PointTypeDaily, 100, 200, base, base.Add(time.Hour))
	events := []models.ChainEvent{
		dailyEvent("0xa", 10, 100, 0, base.Add(time.Minute)),
		dailyEvent("0xb", 20, 100, 1, base.Add(time.Minute)),
	}

	applier := newTestApplier(db, 1)
	applier.afterWrite = func(tx *gorm.DB, batch []*UserPlan) error {
		if batch[0].Address != "0xb" {
			return nil
		}
		return tx.Model(&models.User{}).
			Where("address = ?", "0xb").
			Update("points", gorm.Expr("points + 1")).Error
	}

	result, err := applier.Apply(context.Background(), planFor(t, db, w, events))
	require.Error(t, err)
	require.True(t, errors.HasCode(err, errors.ErrApplyVerification))
	require.True(t, errors.IsFatal(err))

	// 第一批已提交
	require.Equal(t, 1, result.Batches)
	require.Equal(t, int64(10), testutil.UserPoints(t, db, "0xa"))

	// 第二批完整回滚：旧流水仍在，总积分不变
	require.Equal(t, int64(50), testutil.UserPoints(t, db, "0xb"))
	entries := testutil.Entries(t, db, "0xb")
	require.Len(t, entries, 1)
	require.Equal(t, int64(50), entries[0].Points)
}

func TestApplyDeleteCountMismatch(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.SeedUser(t, db, "0xa", 8)
	testutil.SeedEventEntry(t, db, "0xa", models.PointTypeDaily, 3, 110, base.Add(time.Minute))
	testutil.SeedEventEntry(t, db, "0xa", models.PointTypeDaily, 5, 120, base.Add(2*time.Minute))

	w := NewWindow(models.PointTypeDaily, 100, 200, base, base.Add(time.Hour))
	plan := planFor(t, db, w, nil)

	// 计划生成后流水被外部删除
	require.NoError(t, db.Where("points = ?", 3).Delete(&models.UserPoint{}).Error)

	_, err := newTestApplier(db, 250).Apply(context.Background(), plan)
	require.Error(t, err)
	require.True(t, errors.HasCode(err, errors.ErrDiffInconsistency))

	require.Equal(t, int64(8), testutil.UserPoints(t, db, "0xa"))
	require.Len(t, testutil.Entries(t, db, "0xa"), 1)
}

func TestApplyConcurrentTotalChange(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.SeedUser(t, db, "0xa", 0)

	w := NewWindow(models.PointTypeDaily, 100, 200, base, base.Add(time.Hour))
	plan := planFor(t, db, w, []models.ChainEvent{
		dailyEvent("0xa", 2, 100, 0, base.Add(time.Minute)),
	})

	applier := newTestApplier(db, 250)
	applier.afterWrite = func(tx *gorm.DB, batch []*UserPlan) error {
		return tx.Model(&models.User{}).Where("address = ?", "0xa").Update("points", 0).Error
	}

	_, err := applier.Apply(context.Background(), plan)
	require.True(t, errors.HasCode(err, errors.ErrApplyVerification))
	require.Equal(t, int64(0), testutil.UserPoints(t, db, "0xa"))
	require.Empty(t, testutil.Entries(t, db, "0xa"))
}

func TestApplyStopsWhenCancelled(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.SeedUser(t, db, "0xa", 0)

	w := NewWindow(models.PointTypeDaily, 100, 200, base, base.Add(time.Hour))
	plan := planFor(t, db, w, []models.ChainEvent{
		dailyEvent("0xa", 2, 100, 0, base.Add(time.Minute)),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := newTestApplier(db, 250).Apply(ctx, plan)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, result.Batches)
	require.Equal(t, int64(0), testutil.UserPoints(t, db, "0xa"))
}

func TestApplyReportsStates(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.SeedUser(t, db, "0xa", 0)
	testutil.SeedUser(t, db, "0xb", 0)

	w := NewWindow(models.PointTypeDaily, 100, 200, base, base.Add(time.Hour))
	plan := planFor(t, db, w, []models.ChainEvent{
		dailyEvent("0xa", 1, 100, 0, base.Add(time.Minute)),
		dailyEvent("0xb", 1, 100, 1, base.Add(time.Minute)),
	})

	var states []State
	applier := newTestApplier(db, 1)
	applier.OnState = func(state State, batch int) {
		states = append(states, state)
	}

	_, err := applier.Apply(context.Background(), plan)
	require.NoError(t, err)
	require.Equal(t, []State{StateApplying, StateVerifying, StateApplying, StateVerifying}, states)
}
