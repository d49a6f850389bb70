package blockchain

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"points-ledger/internal/config"
	"points-ledger/internal/models"
	"points-ledger/pkg/errors"
	"points-ledger/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// LogSource 抓取所需的RPC能力，*Client实现该接口
type LogSource interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

type FetcherConfig struct {
	ChunkSize      int64
	MaxRetries     int
	RetryDelay     time.Duration
	ChunkDelay     time.Duration
	RequestTimeout time.Duration
}

// NewFetcherConfig 从配置组装抓取参数
func NewFetcherConfig(chain config.ChainConfig, sync config.SyncConfig) FetcherConfig {
	return FetcherConfig{
		ChunkSize:      sync.ChunkSize,
		MaxRetries:     sync.MaxRetries,
		RetryDelay:     sync.RetryDelay,
		ChunkDelay:     sync.ChunkDelay,
		RequestTimeout: chain.RequestTimeout,
	}
}

// Fetcher 按块区间分片抓取单个合约的单种事件
type Fetcher struct {
	source    LogSource
	contract  common.Address
	eventType models.EventType
	cfg       FetcherConfig

	mu         sync.Mutex
	blockTimes map[int64]time.Time
}

func NewFetcher(source LogSource, contract string, eventType models.EventType, cfg FetcherConfig) *Fetcher {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 15000
	}
	return &Fetcher{
		source:     source,
		contract:   common.HexToAddress(contract),
		eventType:  eventType,
		cfg:        cfg,
		blockTimes: make(map[int64]time.Time),
	}
}

// Fetch 抓取闭区间[from, to]内的事件
// 任一分片重试耗尽或任一日志解码失败都使整个区间失败
// 返回结果按(区块号, 日志序号)升序，并按(tx_hash, log_index)去重
func (f *Fetcher) Fetch(ctx context.Context, from, to int64) ([]models.ChainEvent, error) {
	if from > to {
		return nil, errors.New(errors.ErrFetch, fmt.Sprintf("无效区块范围: %d > %d", from, to), nil)
	}

	var logs []types.Log
	for start := from; start <= to; start += f.cfg.ChunkSize {
		end := start + f.cfg.ChunkSize - 1
		if end > to {
			end = to
		}

		chunk, err := f.fetchRange(ctx, start, end)
		if err != nil {
			return nil, errors.New(errors.ErrFetch,
				fmt.Sprintf("抓取区块 %d-%d 失败", start, end), err)
		}
		logs = append(logs, chunk...)

		logger.WithFields(map[string]interface{}{
			"event":       f.eventType,
			"start_block": start,
			"end_block":   end,
			"logs_count":  len(chunk),
		}).Debug("分片抓取完成")

		if end < to && f.cfg.ChunkDelay > 0 {
			if err := sleepCtx(ctx, f.cfg.ChunkDelay); err != nil {
				return nil, errors.New(errors.ErrFetch, "抓取被取消", err)
			}
		}
	}

	events := make([]models.ChainEvent, 0, len(logs))
	seen := make(map[string]bool, len(logs))
	for _, log := range logs {
		if log.Removed {
			continue
		}
		key := eventKey(log.TxHash.Hex(), log.Index)
		if seen[key] {
			continue
		}
		seen[key] = true

		ev, err := ParseLog(log)
		if err != nil {
			return nil, errors.New(errors.ErrFetch,
				fmt.Sprintf("解码日志失败 tx=%s index=%d", log.TxHash.Hex(), log.Index), err)
		}
		if ev.Timestamp.IsZero() {
			ts, err := f.BlockTime(ctx, ev.BlockNumber)
			if err != nil {
				return nil, errors.New(errors.ErrFetch, "获取区块时间失败", err)
			}
			ev.Timestamp = ts
		}
		events = append(events, ev)
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})

	logger.WithFields(map[string]interface{}{
		"event":       f.eventType,
		"from_block":  from,
		"to_block":    to,
		"event_count": len(events),
	}).Info("事件抓取完成")

	return events, nil
}

// fetchRange 带重试地抓取一个分片，节点拒绝过大区间时对半拆分
func (f *Fetcher) fetchRange(ctx context.Context, start, end int64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(start),
		ToBlock:   big.NewInt(end),
		Addresses: []common.Address{f.contract},
		Topics:    [][]common.Hash{{Topic(f.eventType)}},
	}

	var logs []types.Log
	op := func() error {
		callCtx, cancel := f.callContext(ctx)
		defer cancel()

		result, err := f.source.FilterLogs(callCtx, query)
		if err != nil {
			if isRangeTooLargeError(err) && end > start {
				return backoff.Permanent(err)
			}
			logger.WithFields(map[string]interface{}{
				"start_block": start,
				"end_block":   end,
				"error":       err.Error(),
			}).Warn("抓取日志失败，准备重试")
			return err
		}
		logs = result
		return nil
	}

	err := backoff.Retry(op, f.retryPolicy(ctx))
	if err != nil && isRangeTooLargeError(err) && end > start {
		mid := start + (end-start)/2
		left, err := f.fetchRange(ctx, start, mid)
		if err != nil {
			return nil, err
		}
		right, err := f.fetchRange(ctx, mid+1, end)
		if err != nil {
			return nil, err
		}
		return append(left, right...), nil
	}
	return logs, err
}

func (f *Fetcher) retryPolicy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if f.cfg.RetryDelay > 0 {
		exp.InitialInterval = f.cfg.RetryDelay
	}
	exp.MaxElapsedTime = 0
	retries := f.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

func (f *Fetcher) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.cfg.RequestTimeout > 0 {
		return context.WithTimeout(ctx, f.cfg.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

// BlockTime 获取区块头时间，结果按区块缓存
func (f *Fetcher) BlockTime(ctx context.Context, number int64) (time.Time, error) {
	f.mu.Lock()
	ts, ok := f.blockTimes[number]
	f.mu.Unlock()
	if ok {
		return ts, nil
	}

	var header *types.Header
	op := func() error {
		callCtx, cancel := f.callContext(ctx)
		defer cancel()

		h, err := f.source.HeaderByNumber(callCtx, big.NewInt(number))
		if err != nil {
			return err
		}
		header = h
		return nil
	}
	if err := backoff.Retry(op, f.retryPolicy(ctx)); err != nil {
		return time.Time{}, errors.New(errors.ErrBlockFetch,
			fmt.Sprintf("获取区块 %d 失败", number), err)
	}

	ts = time.Unix(int64(header.Time), 0).UTC()
	f.mu.Lock()
	f.blockTimes[number] = ts
	f.mu.Unlock()
	return ts, nil
}

func eventKey(txHash string, logIndex uint) string {
	return fmt.Sprintf("%s:%d", strings.ToLower(txHash), logIndex)
}

// isRangeTooLargeError 识别各类节点对查询区间过大的报错
func isRangeTooLargeError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"query returned more than",
		"block range too large",
		"exceed maximum block range",
		"too many results",
		"range too wide",
		"block range is too wide",
		"response too large",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
