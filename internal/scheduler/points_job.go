package scheduler

import (
	"context"
	"sync/atomic"

	"points-ledger/internal/models"
	"points-ledger/internal/service"
	"points-ledger/pkg/logger"

	"github.com/robfig/cron/v3"
)

// Reconciler 对账运行能力
type Reconciler interface {
	Run(ctx context.Context, stream string, from, to int64) (*service.RunSummary, error)
	Streams() []string
}

type CheckpointReader interface {
	Get(ctx context.Context, stream string) (*models.Checkpoint, error)
}

// HeadSource 返回已确认的最新区块号
type HeadSource interface {
	ConfirmedHead(ctx context.Context) (int64, error)
}

type Auditor interface {
	Audit(ctx context.Context) ([]service.Mismatch, error)
}

type Config struct {
	CalculationCron string
	AuditCron       string
	StartBlock      int64
	WindowBlocks    int64
}

type PointsScheduler struct {
	cron        *cron.Cron
	reconciler  Reconciler
	checkpoints CheckpointReader
	head        HeadSource
	auditor     Auditor
	cfg         Config

	ctx    context.Context
	cancel context.CancelFunc

	isProcessing int32
	isAuditing   int32
}

func NewPointsScheduler(
	reconciler Reconciler,
	checkpoints CheckpointReader,
	head HeadSource,
	auditor Auditor,
	cfg Config,
) *PointsScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &PointsScheduler{
		cron:        cron.New(cron.WithSeconds()),
		reconciler:  reconciler,
		checkpoints: checkpoints,
		head:        head,
		auditor:     auditor,
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *PointsScheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.CalculationCron, s.reconcile); err != nil {
		return err
	}
	if s.auditor != nil && s.cfg.AuditCron != "" {
		if _, err := s.cron.AddFunc(s.cfg.AuditCron, s.audit); err != nil {
			return err
		}
	}

	s.cron.Start()
	logger.Info("Points reconcile scheduler started")
	return nil
}

// Stop 取消进行中的运行（在批次之间生效）并等待任务退出
func (s *PointsScheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
	logger.Info("Points reconcile scheduler stopped")
}

// IsProcessing 返回是否有对账运行在进行
func (s *PointsScheduler) IsProcessing() bool {
	return atomic.LoadInt32(&s.isProcessing) == 1
}

func (s *PointsScheduler) reconcile() {
	if !atomic.CompareAndSwapInt32(&s.isProcessing, 0, 1) {
		logger.Warn("上一次对账尚未完成，跳过本次触发")
		return
	}
	defer atomic.StoreInt32(&s.isProcessing, 0)

	if err := s.RunOnce(s.ctx); err != nil {
		logger.Error("Scheduled reconcile failed:", err)
	}
}

// RunOnce 对每个对账流计算下一个窗口并执行
// 某个流失败时停止，后续流留待下次触发
func (s *PointsScheduler) RunOnce(ctx context.Context) error {
	head, err := s.head.ConfirmedHead(ctx)
	if err != nil {
		return err
	}

	for _, stream := range s.reconciler.Streams() {
		last, err := s.checkpoints.Get(ctx, stream)
		if err != nil {
			return err
		}

		from, to, ok := NextRange(last, s.cfg.StartBlock, s.cfg.WindowBlocks, head)
		if !ok {
			logger.WithFields(map[string]interface{}{
				"stream":         stream,
				"confirmed_head": head,
			}).Debug("没有新的已确认区块")
			continue
		}

		logger.WithFields(map[string]interface{}{
			"stream":     stream,
			"from_block": from,
			"to_block":   to,
		}).Info("Starting scheduled reconcile")

		if _, err := s.reconciler.Run(ctx, stream, from, to); err != nil {
			return err
		}
	}
	return nil
}

// NextRange 下一个窗口：[last.ToBlock+1, min(last.ToBlock+windowBlocks, head)]
// 没有检查点时从startBlock开始
func NextRange(last *models.Checkpoint, startBlock, windowBlocks, head int64) (int64, int64, bool) {
	from := startBlock
	if last != nil {
		from = last.ToBlock + 1
	}
	if from > head {
		return 0, 0, false
	}

	to := from + windowBlocks - 1
	if windowBlocks <= 0 || to > head {
		to = head
	}
	return from, to, true
}

func (s *PointsScheduler) audit() {
	if !atomic.CompareAndSwapInt32(&s.isAuditing, 0, 1) {
		logger.Warn("上一次审计尚未完成，跳过本次触发")
		return
	}
	defer atomic.StoreInt32(&s.isAuditing, 0)

	mismatches, err := s.auditor.Audit(s.ctx)
	if err != nil {
		logger.Error("Scheduled audit failed:", err)
		return
	}
	if len(mismatches) > 0 {
		logger.WithFields(map[string]interface{}{
			"mismatches": len(mismatches),
		}).Warn("审计发现总积分与流水不一致，需要人工执行 audit --fix")
	}
}
