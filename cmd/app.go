package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"points-ledger/internal/blockchain"
	"points-ledger/internal/config"
	"points-ledger/internal/ledger"
	"points-ledger/internal/models"
	"points-ledger/internal/notify"
	"points-ledger/internal/repository"
	"points-ledger/internal/scheduler"
	"points-ledger/internal/service"
	"points-ledger/pkg/errors"
	"points-ledger/pkg/logger"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// app 各子命令共用的依赖
type app struct {
	cfg    *config.Config
	db     *gorm.DB
	client *blockchain.Client

	userRepo       *repository.UserRepository
	ledgerRepo     *repository.LedgerRepository
	campaignRepo   *repository.CampaignRepository
	checkpointRepo *repository.CheckpointRepository
	eventRepo      *repository.EventRepository
	backupRepo     *repository.BackupRepository

	reconciler   *service.ReconcileService
	auditor      *service.AuditService
	mintCounters *service.MintCounterService
}

func newApp() (*app, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, errors.New(errors.ErrConfigLoad, "加载配置失败", err)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}

	db, err := initDatabase(cfg.Database)
	if err != nil {
		return nil, errors.New(errors.ErrDatabaseConnect, "连接数据库失败", err)
	}

	client, err := blockchain.NewClient(&cfg.Chain)
	if err != nil {
		closeDatabase(db)
		return nil, err
	}

	a := &app{
		cfg:            cfg,
		db:             db,
		client:         client,
		userRepo:       repository.NewUserRepository(db),
		ledgerRepo:     repository.NewLedgerRepository(db),
		campaignRepo:   repository.NewCampaignRepository(db),
		checkpointRepo: repository.NewCheckpointRepository(db),
		eventRepo:      repository.NewEventRepository(db),
		backupRepo:     repository.NewBackupRepository(db),
	}

	fetcherCfg := blockchain.NewFetcherConfig(cfg.Chain, cfg.Sync)
	multipliers := blockchain.NewNFTMultiplierSource(client, cfg.Multiplier.NFTs, cfg.Chain.RequestTimeout)

	var streams []service.Stream
	for _, name := range cfg.Points.Streams {
		switch name {
		case config.StreamDaily:
			if cfg.Chain.DailyCheckAddress == "" {
				logger.Warn("daily stream enabled without chain.daily_check_address, skipping")
				continue
			}
			streams = append(streams, service.Stream{
				Name:      config.StreamDaily,
				PointType: models.PointTypeDaily,
				Source:    blockchain.NewFetcher(client, cfg.Chain.DailyCheckAddress, models.EventTypeDailyCheck, fetcherCfg),
			})
		case config.StreamCampaign:
			if cfg.Chain.PyramidAddress == "" {
				logger.Warn("campaign stream enabled without chain.pyramid_address, skipping")
				continue
			}
			streams = append(streams, service.Stream{
				Name:        config.StreamCampaign,
				PointType:   models.PointTypeBaseCampaign,
				Source:      blockchain.NewFetcher(client, cfg.Chain.PyramidAddress, models.EventTypePyramidClaim, fetcherCfg),
				Multipliers: multipliers,
			})
		}
	}

	var notifier service.Notifier
	if cfg.Webhook.Enabled {
		notifier = notify.NewWebhookSink(cfg.Webhook, notify.NetworkName(cfg.Chain.ChainID, cfg.Chain.Name))
	}

	a.reconciler = service.NewReconcileService(
		a.userRepo, a.ledgerRepo, a.campaignRepo, a.checkpointRepo, a.eventRepo,
		ledger.NewApplier(db, cfg.Ledger),
		notifier,
		cfg.Ledger.StreakCap,
		streams,
	)
	a.auditor = service.NewAuditService(
		db, a.userRepo, a.ledgerRepo, a.campaignRepo, a.backupRepo,
		multipliers, cfg.Ledger.StreakCap, cfg.Ledger.BatchSize,
	)
	if cfg.Chain.PyramidAddress != "" {
		a.mintCounters = service.NewMintCounterService(
			db, a.userRepo, a.backupRepo,
			blockchain.NewFetcher(client, cfg.Chain.PyramidAddress, models.EventTypePyramidClaim, fetcherCfg),
			strconv.FormatUint(cfg.Chain.ChainID, 10),
			cfg.Ledger.BatchSize,
		)
	}

	return a, nil
}

func (a *app) newScheduler() *scheduler.PointsScheduler {
	return scheduler.NewPointsScheduler(a.reconciler, a.checkpointRepo, a.client, a.auditor, scheduler.Config{
		CalculationCron: a.cfg.Points.CalculationCron,
		AuditCron:       a.cfg.Points.AuditCron,
		StartBlock:      a.cfg.Chain.StartBlock,
		WindowBlocks:    a.cfg.Sync.WindowBlocks,
	})
}

func (a *app) close() {
	a.client.Close()
	closeDatabase(a.db)
}

func initDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN())
	default:
		dialector = mysql.Open(cfg.DSN())
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	return db, nil
}

func closeDatabase(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		logger.Error("Failed to get database instance:", err)
		return
	}
	sqlDB.Close()
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logger.Error("Failed to encode output:", err)
	}
}
