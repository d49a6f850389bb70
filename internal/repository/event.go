package repository

import (
	"context"

	"points-ledger/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type EventRepository struct {
	db *gorm.DB
}

func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// RecordNew 写入事件审计记录，返回此前未记录过的事件
// (tx_hash, log_index)已存在的事件被忽略
func (r *EventRepository) RecordNew(ctx context.Context, events []models.ChainEvent) ([]models.ChainEvent, error) {
	var fresh []models.ChainEvent
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range events {
			ev := events[i]
			ev.ID = 0
			result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&ev)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 1 {
				fresh = append(fresh, ev)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fresh, nil
}

func (r *EventRepository) ExistsByTxLog(ctx context.Context, txHash string, logIndex uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ChainEvent{}).
		Where("tx_hash = ? AND log_index = ?", txHash, logIndex).
		Count(&count).Error
	return count > 0, err
}

// GetRecent 获取最近记录的事件
func (r *EventRepository) GetRecent(ctx context.Context, limit int) ([]models.ChainEvent, error) {
	var events []models.ChainEvent
	if limit <= 0 {
		limit = 10
	}
	err := r.db.WithContext(ctx).
		Order("block_number DESC, log_index DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *EventRepository) CountAll(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ChainEvent{}).
		Count(&count).Error
	return count, err
}
