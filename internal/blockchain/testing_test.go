package blockchain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"points-ledger/internal/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

var (
	testContract = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	testUser     = common.HexToAddress("0x00000000000000000000000000000000000000AA")
	genesisTime  = uint64(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC).Unix())
)

func dailyCheckLog(t *testing.T, block uint64, index uint, user common.Address, streak, ts int64) types.Log {
	t.Helper()
	data, err := parsedEvents.Events[string(models.EventTypeDailyCheck)].Inputs.NonIndexed().
		Pack(big.NewInt(streak), big.NewInt(ts))
	require.NoError(t, err)
	return types.Log{
		Address:     testContract,
		Topics:      []common.Hash{Topic(models.EventTypeDailyCheck), common.BytesToHash(user.Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block*1000) + int64(index))),
		Index:       index,
	}
}

func pyramidClaimLog(t *testing.T, block uint64, index uint, user common.Address, questID string, tokenID int64) types.Log {
	t.Helper()
	data, err := parsedEvents.Events[string(models.EventTypePyramidClaim)].Inputs.NonIndexed().
		Pack(questID, big.NewInt(0), big.NewInt(1), big.NewInt(2), "wallet", "origin")
	require.NoError(t, err)
	return types.Log{
		Address: testContract,
		Topics: []common.Hash{
			Topic(models.EventTypePyramidClaim),
			common.BigToHash(big.NewInt(tokenID)),
			common.BytesToHash(user.Bytes()),
		},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block*1000) + int64(index))),
		Index:       index,
	}
}

// fakeLogSource 内存中的日志源，可注入失败
type fakeLogSource struct {
	mu           sync.Mutex
	logs         []types.Log
	maxRange     int64
	failures     map[int64]int
	headerErrors int
	queries      [][2]int64
	headerCalls  int
}

func (f *fakeLogSource) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	from, to := q.FromBlock.Int64(), q.ToBlock.Int64()
	f.queries = append(f.queries, [2]int64{from, to})

	if f.maxRange > 0 && to-from+1 > f.maxRange {
		return nil, fmt.Errorf("block range too large: %d", to-from+1)
	}
	if n := f.failures[from]; n != 0 {
		if n > 0 {
			f.failures[from] = n - 1
		}
		return nil, fmt.Errorf("connection reset")
	}

	var out []types.Log
	for _, l := range f.logs {
		if int64(l.BlockNumber) >= from && int64(l.BlockNumber) <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeLogSource) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.headerCalls++
	if f.headerErrors > 0 {
		f.headerErrors--
		return nil, fmt.Errorf("header unavailable")
	}
	return &types.Header{Number: number, Time: genesisTime + number.Uint64()*2}, nil
}

func testFetcherConfig() FetcherConfig {
	return FetcherConfig{
		ChunkSize:  10,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}
}
