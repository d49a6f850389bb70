package ledger

import (
	"context"
	"fmt"
	"time"

	"points-ledger/internal/config"
	"points-ledger/internal/metrics"
	"points-ledger/internal/models"
	"points-ledger/pkg/errors"
	"points-ledger/pkg/logger"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// State 对账运行的状态
type State string

const (
	StateInit      State = "INIT"
	StateFetching  State = "FETCHING"
	StateDiffing   State = "DIFFING"
	StateApplying  State = "APPLYING"
	StateVerifying State = "VERIFYING"
	StateDone      State = "DONE"
	StateFailed    State = "FAILED"
)

// ApplyResult 已提交批次的统计
type ApplyResult struct {
	Batches      int   `json:"batches"`
	Users        int   `json:"users"`
	Deleted      int64 `json:"deleted"`
	Inserted     int64 `json:"inserted"`
	TotalsChange int64 `json:"totals_changed"`
}

// Applier 按批在事务内执行替换计划，每批提交前校验总积分
type Applier struct {
	db         *gorm.DB
	batchSize  int
	batchDelay time.Duration

	// OnState 状态变化回调，batch从1开始
	OnState func(state State, batch int)

	// afterWrite 在写入之后、校验之前执行，测试用于注入不一致
	afterWrite func(tx *gorm.DB, batch []*UserPlan) error
}

func NewApplier(db *gorm.DB, cfg config.LedgerConfig) *Applier {
	size := cfg.BatchSize
	if size <= 0 {
		size = 250
	}
	return &Applier{
		db:         db,
		batchSize:  size,
		batchDelay: cfg.BatchDelay,
	}
}

// Apply 依次提交每个批次
// 任一批次失败即停止，之前的批次保持已提交
// 批次之间检查取消
func (a *Applier) Apply(ctx context.Context, plan *Plan) (*ApplyResult, error) {
	result := &ApplyResult{}
	batches := plan.Batches(a.batchSize)

	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		a.observe(StateApplying, i+1)
		stats, err := a.applyBatch(ctx, plan.Window, batch, i+1)
		if err != nil {
			metrics.BatchesTotal.WithLabelValues(string(plan.Window.PointType), "failed").Inc()
			logger.WithFields(map[string]interface{}{
				"window": plan.Window.String(),
				"batch":  i + 1,
				"total":  len(batches),
				"error":  err.Error(),
			}).Error("批次已回滚")
			return result, err
		}
		metrics.BatchesTotal.WithLabelValues(string(plan.Window.PointType), "committed").Inc()

		result.Batches++
		result.Users += len(batch)
		result.Deleted += stats.deleted
		result.Inserted += stats.inserted
		result.TotalsChange += stats.changed

		logger.WithFields(map[string]interface{}{
			"window":   plan.Window.String(),
			"batch":    i + 1,
			"total":    len(batches),
			"users":    len(batch),
			"deleted":  stats.deleted,
			"inserted": stats.inserted,
		}).Info("批次已提交")

		if i < len(batches)-1 && a.batchDelay > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(a.batchDelay):
			}
		}
	}

	return result, nil
}

type batchStats struct {
	deleted  int64
	inserted int64
	changed  int64
}

func (a *Applier) applyBatch(ctx context.Context, window Window, batch []*UserPlan, batchNo int) (batchStats, error) {
	var stats batchStats

	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		registered := make([]string, 0, len(batch))
		retractAddrs := make([]string, 0, len(batch))
		var expectedDeleted int64
		for _, u := range batch {
			if u.Registered {
				registered = append(registered, u.Address)
			}
			if u.RetractCount > 0 {
				retractAddrs = append(retractAddrs, u.Address)
				expectedDeleted += u.RetractCount
			}
		}

		// 快照：加锁读取本批已注册用户的总积分
		snapshot, err := snapshotPoints(tx, registered)
		if err != nil {
			return err
		}
		for _, addr := range registered {
			if _, ok := snapshot[addr]; !ok {
				return errors.New(errors.ErrDiffInconsistency,
					fmt.Sprintf("用户 %s 在差异计算之后被删除", addr), nil)
			}
		}

		// 撤销：总积分减去窗口区块范围内旧流水之和，下限为0
		current := make(map[string]int64, len(snapshot))
		for addr, old := range snapshot {
			current[addr] = old
		}
		for _, u := range batch {
			if !u.Registered || u.RetractSum == 0 {
				continue
			}
			old := current[u.Address]
			floored := floorSubtract(old, u.RetractSum)
			if floored == old {
				continue
			}
			if err := guardedSetPoints(tx, u.Address, old, floored); err != nil {
				return err
			}
			current[u.Address] = floored
		}

		if len(retractAddrs) > 0 {
			res := tx.Where("point_type = ? AND block_number BETWEEN ? AND ? AND user_address IN ?",
				window.PointType, window.FromBlock, window.ToBlock, retractAddrs).
				Delete(&models.UserPoint{})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != expectedDeleted {
				return errors.New(errors.ErrDiffInconsistency,
					fmt.Sprintf("删除流水数 %d 与计划 %d 不一致", res.RowsAffected, expectedDeleted), nil)
			}
			stats.deleted = res.RowsAffected
		}

		// 写入新流水，逐条记录变动前后的总积分
		var rows []models.UserPoint
		for _, u := range batch {
			if !u.Registered {
				continue
			}
			running := current[u.Address]
			for _, e := range u.Apply {
				before := running
				running += e.Points
				block, txHash, logIndex := e.BlockNumber, e.TxHash, e.LogIndex
				rows = append(rows, models.UserPoint{
					UserAddress:  u.Address,
					CampaignID:   e.CampaignID,
					Points:       e.Points,
					PointsBefore: before,
					PointsAfter:  running,
					PointType:    window.PointType,
					BlockNumber:  &block,
					TxHash:       &txHash,
					LogIndex:     &logIndex,
					CreatedAt:    e.CreatedAt,
				})
			}
		}
		if len(rows) > 0 {
			res := tx.CreateInBatches(rows, 100)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != int64(len(rows)) {
				return errors.New(errors.ErrApplyVerification,
					fmt.Sprintf("写入流水数 %d 与计划 %d 不一致", res.RowsAffected, len(rows)), nil)
			}
			stats.inserted = res.RowsAffected
		}

		for _, u := range batch {
			if !u.Registered || u.ApplySum == 0 {
				continue
			}
			old := current[u.Address]
			if err := guardedSetPoints(tx, u.Address, old, old+u.ApplySum); err != nil {
				return err
			}
			current[u.Address] = old + u.ApplySum
		}

		if a.afterWrite != nil {
			if err := a.afterWrite(tx, batch); err != nil {
				return err
			}
		}

		a.observe(StateVerifying, batchNo)
		changed, err := verifyBatch(tx, batch, snapshot)
		if err != nil {
			return err
		}
		stats.changed = changed
		return nil
	})
	if err != nil {
		return batchStats{}, err
	}
	return stats, nil
}

func (a *Applier) observe(state State, batch int) {
	if a.OnState != nil {
		a.OnState(state, batch)
	}
}

func snapshotPoints(tx *gorm.DB, addresses []string) (map[string]int64, error) {
	snapshot := make(map[string]int64, len(addresses))
	if len(addresses) == 0 {
		return snapshot, nil
	}

	var users []models.User
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("address", "points").
		Where("address IN ?", addresses).
		Find(&users).Error
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		snapshot[u.Address] = u.Points
	}
	return snapshot, nil
}

// guardedSetPoints 只在总积分仍为observed时写入，否则视为并发写入
func guardedSetPoints(tx *gorm.DB, address string, observed, value int64) error {
	res := tx.Model(&models.User{}).
		Where("address = ? AND points = ?", address, observed).
		Update("points", value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return errors.New(errors.ErrApplyVerification,
			fmt.Sprintf("用户 %s 总积分已被修改，预期 %d", address, observed), nil)
	}
	return nil
}

// verifyBatch 重新读取总积分，与max(0, old-retract)+apply逐个比较，
// 并比较实际变化的用户数与预期变化的用户数
func verifyBatch(tx *gorm.DB, batch []*UserPlan, snapshot map[string]int64) (int64, error) {
	addrs := make([]string, 0, len(snapshot))
	for addr := range snapshot {
		addrs = append(addrs, addr)
	}
	after, err := snapshotPoints(tx, addrs)
	if err != nil {
		return 0, err
	}

	var expectedChanged, actualChanged int64
	for _, u := range batch {
		if !u.Registered {
			continue
		}
		old := snapshot[u.Address]
		want := u.ExpectedTotal(old)
		got, ok := after[u.Address]
		if !ok {
			return 0, errors.New(errors.ErrApplyVerification,
				fmt.Sprintf("校验时用户 %s 不存在", u.Address), nil)
		}
		if got != want {
			return 0, errors.New(errors.ErrApplyVerification,
				fmt.Sprintf("用户 %s 总积分 %d 与预期 %d 不一致", u.Address, got, want), nil)
		}
		if want != old {
			expectedChanged++
		}
		if got != old {
			actualChanged++
		}
	}
	if expectedChanged != actualChanged {
		return 0, errors.New(errors.ErrApplyVerification,
			fmt.Sprintf("变化用户数 %d 与预期 %d 不一致", actualChanged, expectedChanged), nil)
	}
	return actualChanged, nil
}
