package models

import "gorm.io/gorm"

// AutoMigrate 建表，serve启动和测试时调用
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&UserPoint{},
		&Campaign{},
		&CampaignCompletion{},
		&Checkpoint{},
		&ChainEvent{},
		&PointsBackup{},
	)
}
