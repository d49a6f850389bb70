package repository

import (
	"context"
	"time"

	"points-ledger/internal/models"
	"points-ledger/pkg/logger"

	"gorm.io/gorm"
)

type CampaignRepository struct {
	db *gorm.DB
}

func NewCampaignRepository(db *gorm.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

func (r *CampaignRepository) Create(ctx context.Context, campaign *models.Campaign) error {
	return r.db.WithContext(ctx).Create(campaign).Error
}

// RewardSums 读取活动奖励表快照：活动ID到奖励项之和
// 奖励项无法解析的活动不进入快照，按缺失奖励处理
func (r *CampaignRepository) RewardSums(ctx context.Context) (map[string]float64, error) {
	var campaigns []models.Campaign
	if err := r.db.WithContext(ctx).Find(&campaigns).Error; err != nil {
		return nil, err
	}

	sums := make(map[string]float64, len(campaigns))
	for _, c := range campaigns {
		sum, err := c.Rewards.Sum()
		if err != nil {
			logger.WithFields(map[string]interface{}{
				"campaign_id": c.ID,
				"error":       err.Error(),
			}).Warn("活动奖励配置无效，跳过")
			continue
		}
		sums[c.ID] = sum
	}
	return sums, nil
}

// CompletionsSince 获取since之后的活动完成记录
func (r *CampaignRepository) CompletionsSince(ctx context.Context, since time.Time) ([]models.CampaignCompletion, error) {
	var completions []models.CampaignCompletion
	err := r.db.WithContext(ctx).
		Where("completed_at >= ?", since).
		Order("completed_at ASC, id ASC").
		Find(&completions).Error
	return completions, err
}

func (r *CampaignRepository) CreateCompletion(ctx context.Context, completion *models.CampaignCompletion) error {
	return r.db.WithContext(ctx).Create(completion).Error
}
