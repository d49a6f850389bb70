package repository

import (
	"context"
	"errors"

	"points-ledger/internal/models"

	"gorm.io/gorm"
)

type CheckpointRepository struct {
	db *gorm.DB
}

func NewCheckpointRepository(db *gorm.DB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

// Get 获取对账流最后一次提交的窗口，不存在时返回nil
func (r *CheckpointRepository) Get(ctx context.Context, stream string) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	err := r.db.WithContext(ctx).
		Where("stream = ?", stream).
		First(&cp).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// Advance 持久化检查点，只在整个运行的所有批次提交之后调用
// 已记录的窗口更靠后时不回退，返回false
func (r *CheckpointRepository) Advance(ctx context.Context, cp *models.Checkpoint) (bool, error) {
	advanced := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Checkpoint
		err := tx.Where("stream = ?", cp.Stream).First(&existing).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			advanced = true
			return tx.Create(cp).Error
		}
		if err != nil {
			return err
		}

		if existing.ToBlock >= cp.ToBlock {
			return nil
		}

		advanced = true
		return tx.Model(&existing).Updates(map[string]interface{}{
			"from_block":   cp.FromBlock,
			"to_block":     cp.ToBlock,
			"window_start": cp.WindowStart,
			"window_end":   cp.WindowEnd,
			"computed_at":  cp.ComputedAt,
		}).Error
	})
	return advanced, err
}

// List 返回所有对账流的检查点
func (r *CheckpointRepository) List(ctx context.Context) ([]models.Checkpoint, error) {
	var cps []models.Checkpoint
	err := r.db.WithContext(ctx).Order("stream ASC").Find(&cps).Error
	return cps, err
}
