package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"time"
)

// RewardComponent 活动奖励项，value以字符串存储
type RewardComponent struct {
	Type  string `json:"type,omitempty"`
	Value string `json:"value"`
}

type RewardList []RewardComponent

func (r RewardList) Value() (driver.Value, error) {
	if r == nil {
		return "[]", nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r *RewardList) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*r = RewardList{}
		return nil
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	default:
		return errors.New("type assertion to []byte failed")
	}
}

// Sum 汇总奖励项，无法解析的值视为错误
func (r RewardList) Sum() (float64, error) {
	var total float64
	for _, c := range r {
		v, err := strconv.ParseFloat(c.Value, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, errors.New("invalid reward value: " + c.Value)
		}
		total += v
	}
	return total, nil
}

type Campaign struct {
	ID        string     `gorm:"primaryKey;size:64" json:"id"`
	Rewards   RewardList `gorm:"type:json;not null" json:"rewards"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func (Campaign) TableName() string {
	return "campaigns"
}

type CampaignCompletion struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	CampaignID  string    `gorm:"size:64;not null;uniqueIndex:uk_campaign_user" json:"campaign_id"`
	UserAddress string    `gorm:"size:42;not null;uniqueIndex:uk_campaign_user;index" json:"user_address"`
	CompletedAt time.Time `gorm:"not null;index" json:"completed_at"`
}

func (CampaignCompletion) TableName() string {
	return "campaign_completions"
}
