package testutil

import (
	"fmt"
	"testing"
	"time"

	"points-ledger/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewTestDB 每个测试独立的内存SQLite库，已建表
func NewTestDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, models.AutoMigrate(db))
	return db
}

// SeedUser 创建用户
func SeedUser(t testing.TB, db *gorm.DB, address string, points int64) {
	t.Helper()
	require.NoError(t, db.Create(&models.User{Address: address, Points: points}).Error)
}

// SeedEntry 写入一条流水
func SeedEntry(t testing.TB, db *gorm.DB, address string, pointType models.PointType, points int64, at time.Time) {
	t.Helper()
	require.NoError(t, db.Create(&models.UserPoint{
		UserAddress:  address,
		Points:       points,
		PointsBefore: 0,
		PointsAfter:  points,
		PointType:    pointType,
		CreatedAt:    at.UTC().Truncate(time.Second),
	}).Error)
}

// SeedEventEntry 写入一条带来源区块号的流水
func SeedEventEntry(t testing.TB, db *gorm.DB, address string, pointType models.PointType, points, block int64, at time.Time) {
	t.Helper()
	require.NoError(t, db.Create(&models.UserPoint{
		UserAddress:  address,
		Points:       points,
		PointsBefore: 0,
		PointsAfter:  points,
		PointType:    pointType,
		BlockNumber:  &block,
		CreatedAt:    at.UTC().Truncate(time.Second),
	}).Error)
}

// UserPoints 读取用户总积分
func UserPoints(t testing.TB, db *gorm.DB, address string) int64 {
	t.Helper()
	var user models.User
	require.NoError(t, db.Where("address = ?", address).First(&user).Error)
	return user.Points
}

// LedgerSum 读取用户全部流水之和
func LedgerSum(t testing.TB, db *gorm.DB, address string) int64 {
	t.Helper()
	var sum int64
	require.NoError(t, db.Model(&models.UserPoint{}).
		Where("user_address = ?", address).
		Select("COALESCE(SUM(points), 0)").
		Scan(&sum).Error)
	return sum
}

// Entries 读取用户流水，按时间升序
func Entries(t testing.TB, db *gorm.DB, address string) []models.UserPoint {
	t.Helper()
	var entries []models.UserPoint
	require.NoError(t, db.Where("user_address = ?", address).
		Order("created_at ASC, id ASC").
		Find(&entries).Error)
	return entries
}
