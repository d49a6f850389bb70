package models

import (
	"time"
)

// Checkpoint 每个对账流最后一次成功提交的窗口
type Checkpoint struct {
	Stream      string    `gorm:"primaryKey;size:50" json:"stream"`
	FromBlock   int64     `gorm:"not null" json:"from_block"`
	ToBlock     int64     `gorm:"not null" json:"to_block"`
	WindowStart time.Time `gorm:"not null" json:"window_start"`
	WindowEnd   time.Time `gorm:"not null" json:"window_end"`
	ComputedAt  time.Time `gorm:"not null" json:"computed_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Checkpoint) TableName() string {
	return "reconcile_checkpoints"
}
