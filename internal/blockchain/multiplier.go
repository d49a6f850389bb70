package blockchain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"points-ledger/internal/config"
	"points-ledger/pkg/errors"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

const hasMintedABI = `[
  {"type":"function","name":"hasMinted","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

var parsedHasMinted = mustParseABI(hasMintedABI)

// ContractCaller 只读合约调用，*Client实现该接口
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// NFTMultiplierSource 按NFT持有情况查询积分倍率
// 持有多个NFT时取最高倍率，未持有时为1.0
type NFTMultiplierSource struct {
	caller  ContractCaller
	nfts    []config.NFTMultiplier
	timeout time.Duration
}

func NewNFTMultiplierSource(caller ContractCaller, nfts []config.NFTMultiplier, timeout time.Duration) *NFTMultiplierSource {
	return &NFTMultiplierSource{
		caller:  caller,
		nfts:    nfts,
		timeout: timeout,
	}
}

// Multiplier 任一合约查询失败时返回1.0和EXTERNAL_LOOKUP_FAILURE错误
func (s *NFTMultiplierSource) Multiplier(ctx context.Context, address string) (float64, error) {
	best := 1.0
	for _, nft := range s.nfts {
		minted, err := s.hasMinted(ctx, nft.Address, address)
		if err != nil {
			return 1.0, errors.New(errors.ErrExternalLookup,
				fmt.Sprintf("查询hasMinted失败 nft=%s address=%s", nft.Address, address), err)
		}
		if minted && nft.Multiplier > best {
			best = nft.Multiplier
		}
	}
	return best, nil
}

func (s *NFTMultiplierSource) hasMinted(ctx context.Context, contract, account string) (bool, error) {
	data, err := parsedHasMinted.Pack("hasMinted", common.HexToAddress(account))
	if err != nil {
		return false, err
	}

	to := common.HexToAddress(contract)
	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	out, err := s.caller.CallContract(callCtx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return false, err
	}

	values, err := parsedHasMinted.Unpack("hasMinted", out)
	if err != nil {
		return false, err
	}
	if len(values) != 1 {
		return false, fmt.Errorf("unexpected hasMinted output length %d", len(values))
	}
	minted, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected hasMinted output type %T", values[0])
	}
	return minted, nil
}
