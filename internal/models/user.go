package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// MintCounter 单条链上的铸造计数
type MintCounter struct {
	Basic int64 `json:"basic"`
}

// MintCounters 以链ID为键的铸造计数
type MintCounters map[string]MintCounter

func (m MintCounters) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *MintCounters) Scan(value interface{}) error {
	if value == nil {
		*m = MintCounters{}
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}
	if len(bytes) == 0 {
		*m = MintCounters{}
		return nil
	}
	return json.Unmarshal(bytes, m)
}

// User 用户记录，Points为积分流水的非规范化汇总
type User struct {
	Address      string       `gorm:"primaryKey;size:42" json:"address"`
	Points       int64        `gorm:"not null;default:0" json:"points"`
	MintCounters MintCounters `gorm:"type:json" json:"mint_counters"`
	CreatedAt    time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}
