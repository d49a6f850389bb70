package repository

import (
	"context"
	"time"

	"points-ledger/internal/models"

	"gorm.io/gorm"
)

type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// ListInBlockRange 获取指定积分类型来源区块在闭区间[fromBlock, toBlock]内的所有流水
// 没有来源区块号的流水不会被选中
func (r *LedgerRepository) ListInBlockRange(ctx context.Context, pointType models.PointType, fromBlock, toBlock int64) ([]models.UserPoint, error) {
	var entries []models.UserPoint
	err := r.db.WithContext(ctx).
		Where("point_type = ? AND block_number BETWEEN ? AND ?", pointType, fromBlock, toBlock).
		Order("user_address ASC, block_number ASC, id ASC").
		Find(&entries).Error
	return entries, err
}

// GetByUser 获取用户的流水，按时间倒序
func (r *LedgerRepository) GetByUser(ctx context.Context, address string, limit int) ([]models.UserPoint, error) {
	var entries []models.UserPoint
	query := r.db.WithContext(ctx).
		Where("user_address = ?", address).
		Order("created_at DESC, id DESC")

	if limit > 0 {
		query = query.Limit(limit)
	}

	err := query.Find(&entries).Error
	return entries, err
}

// AddressSum 单个地址的流水汇总与总积分
type AddressSum struct {
	Address   string
	LedgerSum int64
	Points    int64
}

// SumsAgainstTotals 以用户表为左表汇总流水，无流水的用户汇总为0
func (r *LedgerRepository) SumsAgainstTotals(ctx context.Context) ([]AddressSum, error) {
	var sums []AddressSum
	err := r.db.WithContext(ctx).
		Table("users AS u").
		Select("u.address AS address, COALESCE(s.total, 0) AS ledger_sum, u.points AS points").
		Joins("LEFT JOIN (SELECT user_address, SUM(points) AS total FROM user_points GROUP BY user_address) s ON s.user_address = u.address").
		Order("u.address ASC").
		Scan(&sums).Error
	return sums, err
}

// OrphanSums 汇总没有对应用户记录的流水
func (r *LedgerRepository) OrphanSums(ctx context.Context) ([]AddressSum, error) {
	var sums []AddressSum
	err := r.db.WithContext(ctx).
		Table("user_points AS p").
		Select("p.user_address AS address, SUM(p.points) AS ledger_sum, 0 AS points").
		Joins("LEFT JOIN users u ON u.address = p.user_address").
		Where("u.address IS NULL").
		Group("p.user_address").
		Order("p.user_address ASC").
		Scan(&sums).Error
	return sums, err
}

// CampaignEntriesSince 获取since之后带活动ID的活动积分流水
func (r *LedgerRepository) CampaignEntriesSince(ctx context.Context, since time.Time) ([]models.UserPoint, error) {
	var entries []models.UserPoint
	err := r.db.WithContext(ctx).
		Where("point_type = ? AND campaign_id IS NOT NULL AND created_at >= ?", models.PointTypeBaseCampaign, since).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	return entries, err
}

func (r *LedgerRepository) CountAll(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.UserPoint{}).
		Count(&count).Error
	return count, err
}
