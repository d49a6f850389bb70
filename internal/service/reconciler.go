package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"points-ledger/internal/ledger"
	"points-ledger/internal/metrics"
	"points-ledger/internal/models"
	"points-ledger/internal/repository"
	"points-ledger/internal/reward"
	"points-ledger/pkg/errors"
	"points-ledger/pkg/logger"

	"github.com/google/uuid"
)

// EventSource 一个对账流的事件来源，*blockchain.Fetcher实现该接口
type EventSource interface {
	Fetch(ctx context.Context, from, to int64) ([]models.ChainEvent, error)
	BlockTime(ctx context.Context, number int64) (time.Time, error)
}

// Notifier 新事件的下游通知，返回失败数
type Notifier interface {
	NotifyEvents(ctx context.Context, events []models.ChainEvent) int
}

// Stream 对账流：事件来源、积分类型以及可选的倍率查询
type Stream struct {
	Name        string
	PointType   models.PointType
	Source      EventSource
	Multipliers reward.MultiplierSource
}

// RunSummary 一次对账运行的结果
type RunSummary struct {
	RunID              string            `json:"run_id"`
	Stream             string            `json:"stream"`
	FromBlock          int64             `json:"from_block"`
	ToBlock            int64             `json:"to_block"`
	Window             string            `json:"window"`
	State              ledger.State      `json:"state"`
	Events             int               `json:"events"`
	Users              int               `json:"users"`
	Batches            int               `json:"batches"`
	Deleted            int64             `json:"deleted"`
	Inserted           int64             `json:"inserted"`
	Skipped            ledger.SkipCounts `json:"skipped"`
	LookupFailures     int               `json:"lookup_failures"`
	NewEvents          int               `json:"new_events"`
	DeliveryFailures   int               `json:"delivery_failures"`
	CheckpointAdvanced bool              `json:"checkpoint_advanced"`
	Error              string            `json:"error,omitempty"`
	StartedAt          time.Time         `json:"started_at"`
	FinishedAt         time.Time         `json:"finished_at"`
}

type ReconcileService struct {
	userRepo       *repository.UserRepository
	ledgerRepo     *repository.LedgerRepository
	campaignRepo   *repository.CampaignRepository
	checkpointRepo *repository.CheckpointRepository
	eventRepo      *repository.EventRepository
	applier        *ledger.Applier
	notifier       Notifier
	streakCap      int64
	streams        map[string]Stream

	runMu sync.Mutex

	mu   sync.RWMutex
	last map[string]*RunSummary
}

func NewReconcileService(
	userRepo *repository.UserRepository,
	ledgerRepo *repository.LedgerRepository,
	campaignRepo *repository.CampaignRepository,
	checkpointRepo *repository.CheckpointRepository,
	eventRepo *repository.EventRepository,
	applier *ledger.Applier,
	notifier Notifier,
	streakCap int64,
	streams []Stream,
) *ReconcileService {
	byName := make(map[string]Stream, len(streams))
	for _, st := range streams {
		byName[st.Name] = st
	}
	return &ReconcileService{
		userRepo:       userRepo,
		ledgerRepo:     ledgerRepo,
		campaignRepo:   campaignRepo,
		checkpointRepo: checkpointRepo,
		eventRepo:      eventRepo,
		applier:        applier,
		notifier:       notifier,
		streakCap:      streakCap,
		streams:        byName,
		last:           make(map[string]*RunSummary),
	}
}

// Streams 已配置的对账流名称
func (s *ReconcileService) Streams() []string {
	names := make([]string, 0, len(s.streams))
	for name := range s.streams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run 对闭区间[from, to]执行一次完整对账
// 致命错误时状态为FAILED，检查点不前进，已提交的批次保留
func (s *ReconcileService) Run(ctx context.Context, streamName string, from, to int64) (*RunSummary, error) {
	stream, ok := s.streams[streamName]
	if !ok {
		return nil, fmt.Errorf("unknown stream: %s", streamName)
	}
	if !s.runMu.TryLock() {
		return nil, fmt.Errorf("reconcile run already in progress")
	}
	defer s.runMu.Unlock()

	summary := &RunSummary{
		RunID:     uuid.NewString(),
		Stream:    streamName,
		FromBlock: from,
		ToBlock:   to,
		State:     ledger.StateInit,
		StartedAt: time.Now().UTC(),
	}
	log := logger.WithFields(map[string]interface{}{
		"run_id": summary.RunID,
		"stream": streamName,
	})

	err := s.run(ctx, stream, summary)
	summary.FinishedAt = time.Now().UTC()
	if err != nil {
		summary.State = ledger.StateFailed
		summary.Error = err.Error()
		log.WithFields(map[string]interface{}{
			"state": summary.State,
			"fatal": errors.IsFatal(err),
			"error": err.Error(),
		}).Error("对账运行失败")
	} else {
		summary.State = ledger.StateDone
		log.WithFields(map[string]interface{}{
			"from_block":        from,
			"to_block":          to,
			"events":            summary.Events,
			"users":             summary.Users,
			"inserted":          summary.Inserted,
			"deleted":           summary.Deleted,
			"unknown_address":   summary.Skipped.UnknownAddress,
			"missing_reward":    summary.Skipped.MissingReward,
			"out_of_window":     summary.Skipped.OutOfWindow,
			"lookup_failures":   summary.LookupFailures,
			"delivery_failures": summary.DeliveryFailures,
		}).Info("对账运行完成")
	}
	metrics.RunsTotal.WithLabelValues(streamName, string(summary.State)).Inc()

	s.mu.Lock()
	s.last[streamName] = summary
	s.mu.Unlock()

	return summary, err
}

func (s *ReconcileService) run(ctx context.Context, stream Stream, summary *RunSummary) error {
	summary.State = ledger.StateFetching
	events, err := stream.Source.Fetch(ctx, summary.FromBlock, summary.ToBlock)
	if err != nil {
		return err
	}
	summary.Events = len(events)
	metrics.EventsFetched.WithLabelValues(stream.Name).Add(float64(len(events)))

	start, err := stream.Source.BlockTime(ctx, summary.FromBlock)
	if err != nil {
		return errors.New(errors.ErrFetch, "获取窗口起始区块时间失败", err)
	}
	end, err := stream.Source.BlockTime(ctx, summary.ToBlock)
	if err != nil {
		return errors.New(errors.ErrFetch, "获取窗口结束区块时间失败", err)
	}
	window := ledger.NewWindow(stream.PointType, summary.FromBlock, summary.ToBlock, start, end.Add(time.Second))
	summary.Window = window.String()

	summary.State = ledger.StateDiffing
	existing, err := s.ledgerRepo.ListInBlockRange(ctx, window.PointType, window.FromBlock, window.ToBlock)
	if err != nil {
		return err
	}

	registered, err := s.userRepo.FindRegistered(ctx, collectAddresses(events, existing))
	if err != nil {
		return err
	}

	// 倍率在任何事务开启之前解析
	var priors map[string]reward.Prior
	if stream.Multipliers != nil {
		var lookup []string
		for _, ev := range events {
			addr := strings.ToLower(ev.Address)
			if registered[addr] && window.Contains(ev.BlockNumber) {
				lookup = append(lookup, addr)
			}
		}
		var failures []reward.LookupFailure
		priors, failures = reward.ResolvePriors(ctx, stream.Multipliers, dedupe(lookup))
		summary.LookupFailures = len(failures)
		metrics.LookupFailures.Add(float64(len(failures)))
	}

	rewardSums, err := s.campaignRepo.RewardSums(ctx)
	if err != nil {
		return err
	}
	calc := reward.NewCalculator(s.streakCap, rewardSums)

	plan, err := ledger.Diff(ledger.DiffInput{
		Window:     window,
		Events:     events,
		Registered: registered,
		Existing:   existing,
		Priors:     priors,
	}, calc)
	if err != nil {
		return err
	}
	summary.Skipped = plan.Skipped
	metrics.EventsSkipped.WithLabelValues(stream.Name, "unknown_address").Add(float64(plan.Skipped.UnknownAddress))
	metrics.EventsSkipped.WithLabelValues(stream.Name, "missing_reward").Add(float64(plan.Skipped.MissingReward))
	metrics.EventsSkipped.WithLabelValues(stream.Name, "out_of_window").Add(float64(plan.Skipped.OutOfWindow))

	logger.WithFields(map[string]interface{}{
		"run_id":   summary.RunID,
		"window":   window.String(),
		"users":    len(plan.Users),
		"retract":  plan.RetractCount(),
		"apply":    plan.ApplyCount(),
		"existing": len(existing),
	}).Info("差异计算完成")

	s.applier.OnState = func(state ledger.State, batch int) {
		summary.State = state
	}
	result, err := s.applier.Apply(ctx, plan)
	if result != nil {
		summary.Batches = result.Batches
		summary.Users = result.Users
		summary.Deleted = result.Deleted
		summary.Inserted = result.Inserted
	}
	if err != nil {
		return err
	}

	cp := &models.Checkpoint{
		Stream:      stream.Name,
		FromBlock:   summary.FromBlock,
		ToBlock:     summary.ToBlock,
		WindowStart: window.From,
		WindowEnd:   window.To,
		ComputedAt:  time.Now().UTC(),
	}
	advanced, err := s.checkpointRepo.Advance(ctx, cp)
	if err != nil {
		return errors.New(errors.ErrCheckpointAdvance, "持久化检查点失败", err)
	}
	summary.CheckpointAdvanced = advanced
	if advanced {
		metrics.CheckpointBlock.WithLabelValues(stream.Name).Set(float64(cp.ToBlock))
	}

	s.recordAndNotify(ctx, events, summary)
	return nil
}

// recordAndNotify 写入事件审计记录，只通知此前未记录的事件
// 两者失败都不影响本次运行的结果
func (s *ReconcileService) recordAndNotify(ctx context.Context, events []models.ChainEvent, summary *RunSummary) {
	if s.eventRepo == nil || len(events) == 0 {
		return
	}
	fresh, err := s.eventRepo.RecordNew(ctx, events)
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"run_id": summary.RunID,
			"error":  err.Error(),
		}).Warn("写入事件审计记录失败")
		return
	}
	summary.NewEvents = len(fresh)

	if s.notifier != nil && len(fresh) > 0 {
		summary.DeliveryFailures = s.notifier.NotifyEvents(ctx, fresh)
	}
}

// LastSummary 返回对账流最近一次运行的结果
func (s *ReconcileService) LastSummary(stream string) *RunSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last[stream]
}

func collectAddresses(events []models.ChainEvent, existing []models.UserPoint) []string {
	addrs := make([]string, 0, len(events)+len(existing))
	for _, ev := range events {
		addrs = append(addrs, strings.ToLower(ev.Address))
	}
	for _, e := range existing {
		addrs = append(addrs, strings.ToLower(e.UserAddress))
	}
	return dedupe(addrs)
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
