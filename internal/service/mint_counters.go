package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"points-ledger/internal/metrics"
	"points-ledger/internal/models"
	"points-ledger/internal/repository"
	"points-ledger/pkg/errors"
	"points-ledger/pkg/logger"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MintCounterMismatch 链上铸造次数与用户记录不一致
type MintCounterMismatch struct {
	Address  string `json:"address"`
	Expected int64  `json:"expected"`
	Actual   int64  `json:"actual"`
}

// MintCounterService 以PyramidClaim事件为准核对users.mint_counters
type MintCounterService struct {
	db         *gorm.DB
	userRepo   *repository.UserRepository
	backupRepo *repository.BackupRepository
	source     EventSource
	chainKey   string
	batchSize  int
}

func NewMintCounterService(
	db *gorm.DB,
	userRepo *repository.UserRepository,
	backupRepo *repository.BackupRepository,
	source EventSource,
	chainKey string,
	batchSize int,
) *MintCounterService {
	if batchSize <= 0 {
		batchSize = 250
	}
	return &MintCounterService{
		db:         db,
		userRepo:   userRepo,
		backupRepo: backupRepo,
		source:     source,
		chainKey:   chainKey,
		batchSize:  batchSize,
	}
}

// Audit 统计[from, to]内每个地址的PyramidClaim次数，与已注册用户的计数比较
func (s *MintCounterService) Audit(ctx context.Context, from, to int64) ([]MintCounterMismatch, error) {
	events, err := s.source.Fetch(ctx, from, to)
	if err != nil {
		return nil, err
	}

	expected := make(map[string]int64)
	for _, ev := range events {
		if ev.EventType != models.EventTypePyramidClaim {
			continue
		}
		expected[strings.ToLower(ev.Address)]++
	}

	var mismatches []MintCounterMismatch
	seen := make(map[string]bool)
	for offset := 0; ; offset += s.batchSize {
		users, err := s.userRepo.GetPaginated(ctx, offset, s.batchSize)
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			seen[u.Address] = true
			actual := u.MintCounters[s.chainKey].Basic
			if want := expected[u.Address]; want != actual {
				mismatches = append(mismatches, MintCounterMismatch{
					Address:  u.Address,
					Expected: want,
					Actual:   actual,
				})
			}
		}
		if len(users) < s.batchSize {
			break
		}
	}

	unknown := 0
	for addr := range expected {
		if !seen[addr] {
			unknown++
		}
	}

	sort.Slice(mismatches, func(i, j int) bool {
		return mismatches[i].Address < mismatches[j].Address
	})

	metrics.AuditMismatches.WithLabelValues("mint_counters").Set(float64(len(mismatches)))
	logger.WithFields(map[string]interface{}{
		"chain":           s.chainKey,
		"events":          len(events),
		"claimers":        len(expected),
		"unknown_address": unknown,
		"mismatches":      len(mismatches),
	}).Info("铸造计数审计完成")

	return mismatches, nil
}

// Fix 备份后逐批改写计数，每行以审计时观察到的计数为条件
func (s *MintCounterService) Fix(ctx context.Context, mismatches []MintCounterMismatch) (int, error) {
	if len(mismatches) == 0 {
		return 0, nil
	}

	backupData := make(models.JSONB, len(mismatches))
	for _, m := range mismatches {
		backupData[m.Address] = m.Actual
	}
	backup := &models.PointsBackup{
		BackupType: models.BackupTypeMintCounters,
		Reason:     fmt.Sprintf("mint counter fix for chain %s", s.chainKey),
		BackupData: backupData,
	}
	if err := s.backupRepo.Create(ctx, backup); err != nil {
		return 0, errors.New(errors.ErrAuditCorrection, "保存铸造计数备份失败", err)
	}

	fixed := 0
	for start := 0; start < len(mismatches); start += s.batchSize {
		end := start + s.batchSize
		if end > len(mismatches) {
			end = len(mismatches)
		}
		batch := mismatches[start:end]

		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, m := range batch {
				var user models.User
				err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
					Where("address = ?", m.Address).
					First(&user).Error
				if err != nil {
					return err
				}

				counters := user.MintCounters
				if counters == nil {
					counters = models.MintCounters{}
				}
				if counters[s.chainKey].Basic != m.Actual {
					return errors.New(errors.ErrAuditCorrection,
						fmt.Sprintf("用户 %s 铸造计数在审计后被修改", m.Address), nil)
				}
				entry := counters[s.chainKey]
				entry.Basic = m.Expected
				counters[s.chainKey] = entry

				if err := tx.Model(&models.User{}).
					Where("address = ?", m.Address).
					Update("mint_counters", counters).Error; err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fixed, err
		}
		fixed += len(batch)
	}

	logger.WithFields(map[string]interface{}{
		"chain":     s.chainKey,
		"fixed":     fixed,
		"backup_id": backup.ID,
	}).Info("铸造计数已修正")

	return fixed, nil
}
