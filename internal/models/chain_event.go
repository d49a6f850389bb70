package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

type EventType string

const (
	EventTypeDailyCheck   EventType = "DailyCheck"
	EventTypePyramidClaim EventType = "PyramidClaim"
)

// HexList 原始日志的topic列表
type HexList []string

func (h HexList) Value() (driver.Value, error) {
	if h == nil {
		return "[]", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (h *HexList) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*h = HexList{}
		return nil
	case []byte:
		return json.Unmarshal(v, h)
	case string:
		return json.Unmarshal([]byte(v), h)
	default:
		return errors.New("type assertion to []byte failed")
	}
}

// ChainEvent 链上事件，(tx_hash, log_index)唯一
// 同时作为抓取结果和事件审计记录
type ChainEvent struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType   EventType `gorm:"size:32;not null;index" json:"event_type"`
	Address     string    `gorm:"size:42;not null;index" json:"address"`
	Streak      int64     `gorm:"not null;default:0" json:"streak"`
	CampaignID  string    `gorm:"size:64" json:"campaign_id,omitempty"`
	TokenID     string    `gorm:"size:78" json:"token_id,omitempty"`
	Contract    string    `gorm:"size:42;not null" json:"contract"`
	BlockNumber int64     `gorm:"not null;index" json:"block_number"`
	BlockHash   string    `gorm:"size:66" json:"block_hash"`
	TxHash      string    `gorm:"size:66;not null;uniqueIndex:uk_tx_log" json:"tx_hash"`
	LogIndex    uint      `gorm:"not null;uniqueIndex:uk_tx_log" json:"log_index"`
	Topics      HexList   `gorm:"type:text" json:"topics"`
	Data        string    `gorm:"type:text" json:"data"`
	Timestamp   time.Time `gorm:"not null;index" json:"timestamp"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (ChainEvent) TableName() string {
	return "chain_events"
}
