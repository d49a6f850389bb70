package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"points-ledger/internal/metrics"
	"points-ledger/internal/models"
	"points-ledger/internal/repository"
	"points-ledger/internal/reward"
	"points-ledger/pkg/errors"
	"points-ledger/pkg/logger"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Mismatch 流水汇总与用户总积分不一致的地址
type Mismatch struct {
	Address           string `json:"address"`
	LedgerSum         int64  `json:"ledger_sum"`
	DenormalizedTotal int64  `json:"denormalized_total"`
	Diff              int64  `json:"diff"`
	Registered        bool   `json:"registered"`
}

// CorrectionResult 纠正结果
type CorrectionResult struct {
	BackupID  uint64 `json:"backup_id"`
	Corrected int    `json:"corrected"`
	Skipped   int    `json:"skipped"`
}

// CampaignMismatch 活动积分与活动完成记录之间的缺口
type CampaignMismatch struct {
	Address    string    `json:"address"`
	CampaignID string    `json:"campaign_id"`
	Points     int64     `json:"points,omitempty"`
	At         time.Time `json:"at"`
}

type CampaignAudit struct {
	PointsWithoutCompletion  []CampaignMismatch `json:"points_without_completion"`
	CompletionsWithoutPoints []CampaignMismatch `json:"completions_without_points"`
}

type BackfillResult struct {
	EntriesInserted     int `json:"entries_inserted"`
	CompletionsInserted int `json:"completions_inserted"`
	MissingReward       int `json:"missing_reward"`
	UnknownAddress      int `json:"unknown_address"`
	LookupFailures      int `json:"lookup_failures"`
}

// AuditService 独立于对账运行的一致性检查与恢复
type AuditService struct {
	db           *gorm.DB
	userRepo     *repository.UserRepository
	ledgerRepo   *repository.LedgerRepository
	campaignRepo *repository.CampaignRepository
	backupRepo   *repository.BackupRepository
	multipliers  reward.MultiplierSource
	streakCap    int64
	batchSize    int
}

func NewAuditService(
	db *gorm.DB,
	userRepo *repository.UserRepository,
	ledgerRepo *repository.LedgerRepository,
	campaignRepo *repository.CampaignRepository,
	backupRepo *repository.BackupRepository,
	multipliers reward.MultiplierSource,
	streakCap int64,
	batchSize int,
) *AuditService {
	if batchSize <= 0 {
		batchSize = 250
	}
	return &AuditService{
		db:           db,
		userRepo:     userRepo,
		ledgerRepo:   ledgerRepo,
		campaignRepo: campaignRepo,
		backupRepo:   backupRepo,
		multipliers:  multipliers,
		streakCap:    streakCap,
		batchSize:    batchSize,
	}
}

// Audit 只读：按地址汇总全部流水并与users.points比较
// 没有用户记录的流水也会作为不一致返回，Registered为false
func (s *AuditService) Audit(ctx context.Context) ([]Mismatch, error) {
	sums, err := s.ledgerRepo.SumsAgainstTotals(ctx)
	if err != nil {
		return nil, err
	}
	orphans, err := s.ledgerRepo.OrphanSums(ctx)
	if err != nil {
		return nil, err
	}

	var mismatches []Mismatch
	for _, sum := range sums {
		if sum.LedgerSum == sum.Points {
			continue
		}
		mismatches = append(mismatches, Mismatch{
			Address:           sum.Address,
			LedgerSum:         sum.LedgerSum,
			DenormalizedTotal: sum.Points,
			Diff:              sum.LedgerSum - sum.Points,
			Registered:        true,
		})
	}
	for _, o := range orphans {
		if o.LedgerSum == 0 {
			continue
		}
		mismatches = append(mismatches, Mismatch{
			Address:   o.Address,
			LedgerSum: o.LedgerSum,
			Diff:      o.LedgerSum,
		})
	}

	metrics.AuditMismatches.WithLabelValues("points_sum").Set(float64(len(mismatches)))
	logger.WithFields(map[string]interface{}{
		"users":      len(sums),
		"mismatches": len(mismatches),
	}).Info("积分汇总审计完成")

	return mismatches, nil
}

// Correct 先持久化总积分备份，再逐批把总积分改为流水汇总
// 每行写入以审计时观察到的旧值为条件，条件不满足时该批回滚并停止
func (s *AuditService) Correct(ctx context.Context, mismatches []Mismatch) (*CorrectionResult, error) {
	result := &CorrectionResult{}

	var targets []Mismatch
	for _, m := range mismatches {
		if !m.Registered || m.LedgerSum < 0 {
			result.Skipped++
			logger.WithFields(map[string]interface{}{
				"address":    m.Address,
				"ledger_sum": m.LedgerSum,
				"registered": m.Registered,
			}).Warn("跳过无法纠正的地址")
			continue
		}
		targets = append(targets, m)
	}
	if len(targets) == 0 {
		return result, nil
	}

	backupData := make(models.JSONB, len(targets))
	for _, m := range targets {
		backupData[m.Address] = m.DenormalizedTotal
	}
	backup := &models.PointsBackup{
		BackupType: models.BackupTypePointsSnapshot,
		Reason:     fmt.Sprintf("audit correction of %d users", len(targets)),
		BackupData: backupData,
	}
	if err := s.backupRepo.Create(ctx, backup); err != nil {
		return result, errors.New(errors.ErrAuditCorrection, "保存积分备份失败", err)
	}
	result.BackupID = backup.ID

	for start := 0; start < len(targets); start += s.batchSize {
		end := start + s.batchSize
		if end > len(targets) {
			end = len(targets)
		}
		batch := targets[start:end]

		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, m := range batch {
				res := tx.Model(&models.User{}).
					Where("address = ? AND points = ?", m.Address, m.DenormalizedTotal).
					Update("points", m.LedgerSum)
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected != 1 {
					return errors.New(errors.ErrAuditCorrection,
						fmt.Sprintf("用户 %s 总积分在审计后被修改", m.Address), nil)
				}
			}
			return nil
		})
		if err != nil {
			if !errors.HasCode(err, errors.ErrAuditCorrection) {
				err = errors.New(errors.ErrAuditCorrection, "纠正批次失败", err)
			}
			return result, err
		}
		result.Corrected += len(batch)

		logger.WithFields(map[string]interface{}{
			"batch_start": start,
			"batch_size":  len(batch),
			"backup_id":   backup.ID,
		}).Info("总积分纠正批次已提交")
	}

	return result, nil
}

type campaignKey struct {
	address    string
	campaignID string
}

// AuditCampaigns 只读：以(地址, 活动ID)比较活动积分流水与活动完成记录
func (s *AuditService) AuditCampaigns(ctx context.Context, since time.Time) (*CampaignAudit, error) {
	entries, err := s.ledgerRepo.CampaignEntriesSince(ctx, since)
	if err != nil {
		return nil, err
	}
	completions, err := s.campaignRepo.CompletionsSince(ctx, since)
	if err != nil {
		return nil, err
	}

	pointed := make(map[campaignKey]models.UserPoint, len(entries))
	for _, e := range entries {
		if e.CampaignID == nil {
			continue
		}
		key := campaignKey{strings.ToLower(e.UserAddress), *e.CampaignID}
		if _, ok := pointed[key]; !ok {
			pointed[key] = e
		}
	}
	completed := make(map[campaignKey]models.CampaignCompletion, len(completions))
	for _, c := range completions {
		completed[campaignKey{strings.ToLower(c.UserAddress), c.CampaignID}] = c
	}

	audit := &CampaignAudit{}
	for key, e := range pointed {
		if _, ok := completed[key]; ok {
			continue
		}
		audit.PointsWithoutCompletion = append(audit.PointsWithoutCompletion, CampaignMismatch{
			Address:    key.address,
			CampaignID: key.campaignID,
			Points:     e.Points,
			At:         e.CreatedAt,
		})
	}
	for key, c := range completed {
		if _, ok := pointed[key]; ok {
			continue
		}
		audit.CompletionsWithoutPoints = append(audit.CompletionsWithoutPoints, CampaignMismatch{
			Address:    key.address,
			CampaignID: key.campaignID,
			At:         c.CompletedAt,
		})
	}
	sortCampaignMismatches(audit.PointsWithoutCompletion)
	sortCampaignMismatches(audit.CompletionsWithoutPoints)

	metrics.AuditMismatches.WithLabelValues("points_without_completion").Set(float64(len(audit.PointsWithoutCompletion)))
	metrics.AuditMismatches.WithLabelValues("completion_without_points").Set(float64(len(audit.CompletionsWithoutPoints)))
	logger.WithFields(map[string]interface{}{
		"since":                      since,
		"entries":                    len(entries),
		"completions":                len(completions),
		"points_without_completion":  len(audit.PointsWithoutCompletion),
		"completions_without_points": len(audit.CompletionsWithoutPoints),
	}).Info("活动审计完成")

	return audit, nil
}

// Backfill 为缺少积分的完成记录补发积分，为缺少完成记录的积分补写完成记录
// 补发的流水与总积分增量在同一事务内写入，倍率在事务开启前解析
func (s *AuditService) Backfill(ctx context.Context, audit *CampaignAudit, at time.Time) (*BackfillResult, error) {
	result := &BackfillResult{}
	at = at.UTC().Truncate(time.Second)

	rewardSums, err := s.campaignRepo.RewardSums(ctx)
	if err != nil {
		return result, err
	}
	calc := reward.NewCalculator(s.streakCap, rewardSums)

	addrs := make([]string, 0, len(audit.CompletionsWithoutPoints))
	for _, m := range audit.CompletionsWithoutPoints {
		addrs = append(addrs, m.Address)
	}
	addrs = dedupe(addrs)
	registered, err := s.userRepo.FindRegistered(ctx, addrs)
	if err != nil {
		return result, err
	}

	var lookup []string
	for _, addr := range addrs {
		if registered[addr] {
			lookup = append(lookup, addr)
		}
	}
	priors, failures := reward.ResolvePriors(ctx, s.multipliers, lookup)
	result.LookupFailures = len(failures)

	type grant struct {
		address    string
		campaignID string
		points     int64
	}
	var grants []grant
	for _, m := range audit.CompletionsWithoutPoints {
		if !registered[m.Address] {
			result.UnknownAddress++
			continue
		}
		points, err := calc.CampaignReward(m.CampaignID, priors[m.Address].Multiplier)
		if err != nil {
			result.MissingReward++
			continue
		}
		if points < 0 {
			return result, errors.New(errors.ErrDiffInconsistency,
				fmt.Sprintf("活动 %s 计算出负积分 %d", m.CampaignID, points), nil)
		}
		grants = append(grants, grant{address: m.Address, campaignID: m.CampaignID, points: points})
	}

	for start := 0; start < len(grants); start += s.batchSize {
		end := start + s.batchSize
		if end > len(grants) {
			end = len(grants)
		}
		batch := grants[start:end]

		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, g := range batch {
				var user models.User
				err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
					Where("address = ?", g.address).
					First(&user).Error
				if err != nil {
					return err
				}

				campaignID := g.campaignID
				// 补发流水不带区块号，不会被对账窗口撤销
				entry := &models.UserPoint{
					UserAddress:  g.address,
					CampaignID:   &campaignID,
					Points:       g.points,
					PointsBefore: user.Points,
					PointsAfter:  user.Points + g.points,
					PointType:    models.PointTypeBaseCampaign,
					CreatedAt:    at,
				}
				if err := tx.Create(entry).Error; err != nil {
					return err
				}

				res := tx.Model(&models.User{}).
					Where("address = ? AND points = ?", g.address, user.Points).
					Update("points", user.Points+g.points)
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected != 1 {
					return errors.New(errors.ErrApplyVerification,
						fmt.Sprintf("用户 %s 总积分在补发时被修改", g.address), nil)
				}
			}
			return nil
		})
		if err != nil {
			return result, err
		}
		result.EntriesInserted += len(batch)
	}

	for start := 0; start < len(audit.PointsWithoutCompletion); start += s.batchSize {
		end := start + s.batchSize
		if end > len(audit.PointsWithoutCompletion) {
			end = len(audit.PointsWithoutCompletion)
		}
		batch := audit.PointsWithoutCompletion[start:end]

		rows := make([]models.CampaignCompletion, 0, len(batch))
		for _, m := range batch {
			rows = append(rows, models.CampaignCompletion{
				CampaignID:  m.CampaignID,
				UserAddress: m.Address,
				CompletedAt: m.At.UTC().Truncate(time.Second),
			})
		}
		res := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&rows)
		if res.Error != nil {
			return result, res.Error
		}
		result.CompletionsInserted += int(res.RowsAffected)
	}

	logger.WithFields(map[string]interface{}{
		"entries_inserted":     result.EntriesInserted,
		"completions_inserted": result.CompletionsInserted,
		"missing_reward":       result.MissingReward,
		"unknown_address":      result.UnknownAddress,
		"lookup_failures":      result.LookupFailures,
	}).Info("活动补发完成")

	return result, nil
}

func sortCampaignMismatches(ms []CampaignMismatch) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Address != ms[j].Address {
			return ms[i].Address < ms[j].Address
		}
		return ms[i].CampaignID < ms[j].CampaignID
	})
}
