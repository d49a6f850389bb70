package reward

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"sort"

	"points-ledger/internal/models"
	"points-ledger/pkg/errors"
	"points-ledger/pkg/logger"
)

// DefaultStreakCap 连续签到积分上限
const DefaultStreakCap int64 = 30

// ErrMissingReward 活动不在奖励表快照中
var ErrMissingReward = stderrors.New("campaign reward missing")

// Prior 计算奖励时地址的既有状态，在事务开启前解析完毕
type Prior struct {
	Multiplier float64
}

// DefaultPrior 无外部查询结果时使用的状态
var DefaultPrior = Prior{Multiplier: 1.0}

// MultiplierSource 外部倍率查询能力
type MultiplierSource interface {
	Multiplier(ctx context.Context, address string) (float64, error)
}

// Calculator 纯函数式奖励计算，只依赖事件与奖励表快照
type Calculator struct {
	streakCap       int64
	campaignRewards map[string]float64
}

// NewCalculator 复制奖励表快照，之后的外部修改不影响计算
func NewCalculator(streakCap int64, campaignRewards map[string]float64) *Calculator {
	if streakCap <= 0 {
		streakCap = DefaultStreakCap
	}
	snapshot := make(map[string]float64, len(campaignRewards))
	for id, sum := range campaignRewards {
		snapshot[id] = sum
	}
	return &Calculator{
		streakCap:       streakCap,
		campaignRewards: snapshot,
	}
}

// Reward 计算单个事件的积分
// 签到事件：min(streak, cap)
// 活动事件：floor(奖励项之和 * 倍率)，活动缺失时返回ErrMissingReward
func (c *Calculator) Reward(ev models.ChainEvent, prior Prior) (int64, error) {
	switch ev.EventType {
	case models.EventTypeDailyCheck:
		return c.StreakReward(ev.Streak), nil
	case models.EventTypePyramidClaim:
		return c.CampaignReward(ev.CampaignID, prior.Multiplier)
	default:
		return 0, fmt.Errorf("unsupported event type: %s", ev.EventType)
	}
}

func (c *Calculator) StreakReward(streak int64) int64 {
	if streak > c.streakCap {
		return c.streakCap
	}
	return streak
}

func (c *Calculator) CampaignReward(campaignID string, multiplier float64) (int64, error) {
	sum, ok := c.campaignRewards[campaignID]
	if !ok {
		return 0, ErrMissingReward
	}
	if multiplier <= 0 || math.IsNaN(multiplier) {
		multiplier = 1.0
	}
	return int64(math.Floor(sum * multiplier)), nil
}

// LookupFailure 倍率查询失败的地址，已按1.0处理
type LookupFailure struct {
	Address string
	Err     error
}

// ResolvePriors 在任何事务开启前逐个查询地址倍率
// 查询失败时该地址退回DefaultPrior并记录失败
func ResolvePriors(ctx context.Context, source MultiplierSource, addresses []string) (map[string]Prior, []LookupFailure) {
	priors := make(map[string]Prior, len(addresses))
	if source == nil {
		for _, addr := range addresses {
			priors[addr] = DefaultPrior
		}
		return priors, nil
	}

	sorted := append([]string(nil), addresses...)
	sort.Strings(sorted)

	var failures []LookupFailure
	for _, addr := range sorted {
		if _, ok := priors[addr]; ok {
			continue
		}
		m, err := source.Multiplier(ctx, addr)
		if err != nil {
			if !errors.HasCode(err, errors.ErrExternalLookup) {
				err = errors.New(errors.ErrExternalLookup, "倍率查询失败", err)
			}
			logger.WithFields(map[string]interface{}{
				"address": addr,
				"error":   err.Error(),
			}).Warn("倍率查询失败，按1.0计算")
			failures = append(failures, LookupFailure{Address: addr, Err: err})
			priors[addr] = DefaultPrior
			continue
		}
		priors[addr] = Prior{Multiplier: m}
	}
	return priors, failures
}
