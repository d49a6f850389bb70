package repository

import (
	"context"
	"errors"

	"points-ledger/internal/models"

	"gorm.io/gorm"
)

type BackupRepository struct {
	db *gorm.DB
}

func NewBackupRepository(db *gorm.DB) *BackupRepository {
	return &BackupRepository{db: db}
}

func (r *BackupRepository) Create(ctx context.Context, backup *models.PointsBackup) error {
	return r.db.WithContext(ctx).Create(backup).Error
}

// GetLatest 获取指定类型最近一次备份，不存在时返回nil
func (r *BackupRepository) GetLatest(ctx context.Context, backupType models.BackupType) (*models.PointsBackup, error) {
	var backup models.PointsBackup
	err := r.db.WithContext(ctx).
		Where("backup_type = ?", backupType).
		Order("created_at DESC, id DESC").
		First(&backup).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &backup, nil
}

func (r *BackupRepository) List(ctx context.Context, limit int) ([]models.PointsBackup, error) {
	var backups []models.PointsBackup
	query := r.db.WithContext(ctx).Order("created_at DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&backups).Error
	return backups, err
}
