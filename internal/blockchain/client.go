package blockchain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"points-ledger/internal/config"
	"points-ledger/pkg/errors"
	"points-ledger/pkg/logger"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sony/gobreaker"
)

// Client 链RPC客户端，所有调用经过熔断器
type Client struct {
	chainCfg *config.ChainConfig
	client   *ethclient.Client
	breaker  *gobreaker.CircuitBreaker
}

// NewClient 创建指定链的区块链客户端
func NewClient(chainCfg *config.ChainConfig) (*Client, error) {
	client, err := ethclient.Dial(chainCfg.RPCURL)
	if err != nil {
		return nil, errors.New(errors.ErrRPConnect,
			fmt.Sprintf("连接RPC失败: %s", chainCfg.RPCURL), err)
	}

	return &Client{
		chainCfg: chainCfg,
		client:   client,
		breaker:  newBreaker(chainCfg.Name, chainCfg.CircuitBreaker),
	}, nil
}

func newBreaker(name string, cfg config.CircuitBreakerConfig) *gobreaker.CircuitBreaker {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "rpc-" + name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("RPC熔断器状态变化")
		},
	})
}

// Close 关闭区块链客户端连接
func (c *Client) Close() {
	c.client.Close()
}

// LatestBlockNumber 获取区块链最新区块号
func (c *Client) LatestBlockNumber(ctx context.Context) (int64, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.client.BlockNumber(ctx)
	})
	if err != nil {
		return 0, errors.New(errors.ErrBlockFetch, "获取最新区块失败", err)
	}
	return int64(res.(uint64)), nil
}

// ConfirmedHead 获取已确认的最新区块号
// 应用确认区块阈值后返回
func (c *Client) ConfirmedHead(ctx context.Context) (int64, error) {
	latest, err := c.LatestBlockNumber(ctx)
	if err != nil {
		return 0, err
	}

	confirmed := latest - int64(c.chainCfg.ConfirmationBlocks)
	if confirmed < 0 {
		confirmed = 0
	}

	return confirmed, nil
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.client.FilterLogs(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	return res.([]types.Log), nil
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.client.HeaderByNumber(ctx, number)
	})
	if err != nil {
		return nil, err
	}
	return res.(*types.Header), nil
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.client.CallContract(ctx, msg, blockNumber)
	})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

// BreakerState 熔断器当前状态，供/status展示
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// RequestTimeout 单次RPC调用的超时
func (c *Client) RequestTimeout() time.Duration {
	return c.chainCfg.RequestTimeout
}
