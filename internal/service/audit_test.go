package service

import (
	"context"
	"testing"
	"time"

	"points-ledger/internal/models"
	"points-ledger/internal/repository"
	"points-ledger/internal/testutil"
	"points-ledger/pkg/errors"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newAuditService(db *gorm.DB, multipliers stubMultipliers) *AuditService {
	return NewAuditService(
		db,
		repository.NewUserRepository(db),
		repository.NewLedgerRepository(db),
		repository.NewCampaignRepository(db),
		repository.NewBackupRepository(db),
		multipliers,
		30,
		2,
	)
}

func seedCampaignEntry(t *testing.T, db *gorm.DB, address, campaignID string, points int64, at time.Time) {
	t.Helper()
	id := campaignID
	require.NoError(t, db.Create(&models.UserPoint{
		UserAddress: address,
		CampaignID:  &id,
		Points:      points,
		PointsAfter: points,
		PointType:   models.PointTypeBaseCampaign,
		CreatedAt:   at,
	}).Error)
}

func seedCompletion(t *testing.T, db *gorm.DB, address, campaignID string, at time.Time) {
	t.Helper()
	require.NoError(t, repository.NewCampaignRepository(db).CreateCompletion(context.Background(), &models.CampaignCompletion{
		CampaignID:  campaignID,
		UserAddress: address,
		CompletedAt: at,
	}))
}

func TestAuditFindsMismatches(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.SeedUser(t, db, "0xa", 10)
	testutil.SeedUser(t, db, "0xb", 4)
	testutil.SeedUser(t, db, "0xc", 0)
	testutil.SeedEntry(t, db, "0xa", models.PointTypeDaily, 7, base)
	testutil.SeedEntry(t, db, "0xb", models.PointTypeDaily, 4, base)
	testutil.SeedEntry(t, db, "0xz", models.PointTypeDaily, 9, base)

	mismatches, err := newAuditService(db, nil).Audit(context.Background())
	require.NoError(t, err)
	require.Equal(t, []Mismatch{
		{Address: "0xa", LedgerSum: 7, DenormalizedTotal: 10, Diff: -3, Registered: true},
		{Address: "0xz", LedgerSum: 9, Diff: 9},
	}, mismatches)
}

func TestCorrectAppliesLedgerSums(t *testing.T) {
	db := testutil.NewTestDB(t)
	for _, addr := range []string{"0xa", "0xb", "0xc"} {
		testutil.SeedUser(t, db, addr, 100)
		testutil.SeedEntry(t, db, addr, models.PointTypeDaily, 7, base)
	}
	testutil.SeedEntry(t, db, "0xz", models.PointTypeDaily, 9, base)

	svc := newAuditService(db, nil)
	mismatches, err := svc.Audit(context.Background())
	require.NoError(t, err)
	require.Len(t, mismatches, 4)

	result, err := svc.Correct(context.Background(), mismatches)
	require.NoError(t, err)
	require.Equal(t, 3, result.Corrected)
	require.Equal(t, 1, result.Skipped)
	require.NotZero(t, result.BackupID)

	for _, addr := range []string{"0xa", "0xb", "0xc"} {
		require.Equal(t, int64(7), testutil.UserPoints(t, db, addr))
	}

	backup, err := repository.NewBackupRepository(db).GetLatest(context.Background(), models.BackupTypePointsSnapshot)
	require.NoError(t, err)
	require.EqualValues(t, 100, backup.BackupData["0xa"])

	remaining, err := svc.Audit(context.Background())
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.False(t, remaining[0].Registered)
}

func TestCorrectStopsWhenTotalChanged(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.SeedUser(t, db, "0xa", 10)
	testutil.SeedEntry(t, db, "0xa", models.PointTypeDaily, 7, base)

	svc := newAuditService(db, nil)
	mismatches, err := svc.Audit(context.Background())
	require.NoError(t, err)

	require.NoError(t, db.Model(&models.User{}).Where("address = ?", "0xa").Update("points", 11).Error)

	_, err = svc.Correct(context.Background(), mismatches)
	require.Error(t, err)
	require.True(t, errors.HasCode(err, errors.ErrAuditCorrection))
	require.Equal(t, int64(11), testutil.UserPoints(t, db, "0xa"))
}

func TestCorrectSkipsNegativeSums(t *testing.T) {
	db := testutil.NewTestDB(t)
	result, err := newAuditService(db, nil).Correct(context.Background(), []Mismatch{
		{Address: "0xa", LedgerSum: -5, DenormalizedTotal: 0, Registered: true},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Skipped)
	require.Zero(t, result.BackupID)
}

func TestAuditCampaignsAndBackfill(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	campaigns := repository.NewCampaignRepository(db)
	require.NoError(t, campaigns.Create(ctx, &models.Campaign{
		ID:      "quest-1",
		Rewards: models.RewardList{{Value: "60"}, {Value: "40"}},
	}))

	testutil.SeedUser(t, db, "0xa", 5)
	testutil.SeedUser(t, db, "0xb", 0)
	testutil.SeedUser(t, db, "0xc", 0)

	at := base.Add(time.Hour)
	// 0xa: 完成但未得分；0xb: 得分但无完成记录；0xc: 一致
	seedCompletion(t, db, "0xa", "quest-1", at)
	seedCampaignEntry(t, db, "0xb", "quest-1", 100, at)
	seedCompletion(t, db, "0xc", "quest-1", at)
	seedCampaignEntry(t, db, "0xc", "quest-1", 100, at)
	// 未注册用户与缺失奖励
	seedCompletion(t, db, "0xghost", "quest-1", at)
	seedCompletion(t, db, "0xc", "quest-missing", at)

	svc := newAuditService(db, stubMultipliers{"0xa": 1.2})
	audit, err := svc.AuditCampaigns(ctx, base)
	require.NoError(t, err)

	require.Equal(t, []CampaignMismatch{
		{Address: "0xb", CampaignID: "quest-1", Points: 100, At: audit.PointsWithoutCompletion[0].At},
	}, audit.PointsWithoutCompletion)
	require.Len(t, audit.CompletionsWithoutPoints, 3)
	require.Equal(t, "0xa", audit.CompletionsWithoutPoints[0].Address)

	now := base.Add(48 * time.Hour)
	result, err := svc.Backfill(ctx, audit, now)
	require.NoError(t, err)
	require.Equal(t, 1, result.EntriesInserted)
	require.Equal(t, 1, result.CompletionsInserted)
	require.Equal(t, 1, result.UnknownAddress)
	require.Equal(t, 1, result.MissingReward)

	require.Equal(t, int64(125), testutil.UserPoints(t, db, "0xa"))
	entries := testutil.Entries(t, db, "0xa")
	require.Len(t, entries, 1)
	require.Equal(t, int64(120), entries[0].Points)
	require.Equal(t, int64(5), entries[0].PointsBefore)
	require.Equal(t, int64(125), entries[0].PointsAfter)

	after, err := svc.AuditCampaigns(ctx, base)
	require.NoError(t, err)
	require.Empty(t, after.PointsWithoutCompletion)
	require.Len(t, after.CompletionsWithoutPoints, 2)

	// 再次补发不会重复写入
	again, err := svc.Backfill(ctx, after, now)
	require.NoError(t, err)
	require.Zero(t, again.EntriesInserted)
	require.Zero(t, again.CompletionsInserted)
}

func TestAuditCampaignsSince(t *testing.T) {
	db := testutil.NewTestDB(t)
	seedCompletion(t, db, "0xa", "quest-1", base)
	seedCompletion(t, db, "0xb", "quest-1", base.Add(48*time.Hour))

	audit, err := newAuditService(db, nil).AuditCampaigns(context.Background(), base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, audit.CompletionsWithoutPoints, 1)
	require.Equal(t, "0xb", audit.CompletionsWithoutPoints[0].Address)
}
