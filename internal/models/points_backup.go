package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

type BackupType string

const (
	BackupTypePointsSnapshot BackupType = "points_snapshot"
	BackupTypeMintCounters   BackupType = "mint_counters"
)

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (j *JSONB) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return errors.New("type assertion to []byte failed")
	}
}

// PointsBackup 纠正总积分之前保存的快照，纠正本身因此可回滚
type PointsBackup struct {
	ID         uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	BackupType BackupType `gorm:"size:32;not null;index:idx_backup_type_time" json:"backup_type"`
	Reason     string     `gorm:"size:255" json:"reason"`
	BackupData JSONB      `gorm:"type:json;not null" json:"backup_data"`
	CreatedAt  time.Time  `gorm:"autoCreateTime;index:idx_backup_type_time" json:"created_at"`
}

func (PointsBackup) TableName() string {
	return "points_backups"
}
