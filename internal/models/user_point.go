package models

import (
	"time"
)

type PointType string

const (
	PointTypeDaily        PointType = "daily"
	PointTypeBaseCampaign PointType = "base_campaign"
)

// UserPoint 积分流水，一条记录对应一次积分变动
// BlockNumber/TxHash/LogIndex记录来源事件，补发等非链上流水为空
type UserPoint struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserAddress  string    `gorm:"size:42;not null;index:idx_user_type_time" json:"user_address"`
	CampaignID   *string   `gorm:"size:64;index" json:"campaign_id,omitempty"`
	Points       int64     `gorm:"not null" json:"points"`
	PointsBefore int64     `gorm:"not null;default:0" json:"points_before"`
	PointsAfter  int64     `gorm:"not null;default:0" json:"points_after"`
	PointType    PointType `gorm:"size:32;not null;index:idx_user_type_time;index:idx_user_point_type_block" json:"point_type"`
	BlockNumber  *int64    `gorm:"index:idx_user_point_type_block" json:"block_number,omitempty"`
	TxHash       *string   `gorm:"size:66" json:"tx_hash,omitempty"`
	LogIndex     *uint     `json:"log_index,omitempty"`
	CreatedAt    time.Time `gorm:"not null;index:idx_user_type_time" json:"created_at"`
}

func (UserPoint) TableName() string {
	return "user_points"
}
