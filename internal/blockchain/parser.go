package blockchain

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"points-ledger/internal/models"
	"points-ledger/pkg/errors"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const eventsABI = `[
  {"type":"event","name":"DailyCheck","anonymous":false,"inputs":[
    {"indexed":true,"name":"caller","type":"address"},
    {"indexed":false,"name":"streak","type":"uint256"},
    {"indexed":false,"name":"timestamp","type":"uint256"}
  ]},
  {"type":"event","name":"PyramidClaim","anonymous":false,"inputs":[
    {"indexed":false,"name":"questId","type":"string"},
    {"indexed":true,"name":"tokenId","type":"uint256"},
    {"indexed":true,"name":"claimer","type":"address"},
    {"indexed":false,"name":"price","type":"uint256"},
    {"indexed":false,"name":"rewards","type":"uint256"},
    {"indexed":false,"name":"issueNumber","type":"uint256"},
    {"indexed":false,"name":"walletProvider","type":"string"},
    {"indexed":false,"name":"embedOrigin","type":"string"}
  ]}
]`

var parsedEvents = mustParseABI(eventsABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid abi: %v", err))
	}
	return parsed
}

// Topic 返回事件类型对应的topic0
func Topic(eventType models.EventType) common.Hash {
	return parsedEvents.Events[string(eventType)].ID
}

// ParseLog 按topic0选择固定的事件结构解码日志
func ParseLog(log types.Log) (models.ChainEvent, error) {
	if len(log.Topics) == 0 {
		return models.ChainEvent{}, errors.New(errors.ErrEventParse, "日志缺少topic", nil)
	}

	switch log.Topics[0] {
	case Topic(models.EventTypeDailyCheck):
		return parseDailyCheck(log)
	case Topic(models.EventTypePyramidClaim):
		return parsePyramidClaim(log)
	default:
		return models.ChainEvent{}, errors.New(errors.ErrEventParse,
			fmt.Sprintf("未知事件topic: %s", log.Topics[0].Hex()), nil)
	}
}

func parseDailyCheck(log types.Log) (models.ChainEvent, error) {
	if len(log.Topics) != 2 {
		return models.ChainEvent{}, errors.New(errors.ErrEventParse,
			fmt.Sprintf("DailyCheck topic数量错误: %d", len(log.Topics)), nil)
	}

	values, err := parsedEvents.Unpack(string(models.EventTypeDailyCheck), log.Data)
	if err != nil {
		return models.ChainEvent{}, errors.New(errors.ErrEventParse, "解码DailyCheck失败", err)
	}

	ev := baseEvent(log, models.EventTypeDailyCheck)
	ev.Address = normalizeAddress(common.BytesToAddress(log.Topics[1].Bytes()))
	ev.Streak = clampInt64(values[0].(*big.Int))
	if ts := values[1].(*big.Int); ts.Sign() > 0 {
		ev.Timestamp = time.Unix(clampInt64(ts), 0).UTC()
	}
	return ev, nil
}

func parsePyramidClaim(log types.Log) (models.ChainEvent, error) {
	if len(log.Topics) != 3 {
		return models.ChainEvent{}, errors.New(errors.ErrEventParse,
			fmt.Sprintf("PyramidClaim topic数量错误: %d", len(log.Topics)), nil)
	}

	values, err := parsedEvents.Unpack(string(models.EventTypePyramidClaim), log.Data)
	if err != nil {
		return models.ChainEvent{}, errors.New(errors.ErrEventParse, "解码PyramidClaim失败", err)
	}

	ev := baseEvent(log, models.EventTypePyramidClaim)
	ev.CampaignID = values[0].(string)
	ev.TokenID = new(big.Int).SetBytes(log.Topics[1].Bytes()).String()
	ev.Address = normalizeAddress(common.BytesToAddress(log.Topics[2].Bytes()))
	return ev, nil
}

func baseEvent(log types.Log, eventType models.EventType) models.ChainEvent {
	topics := make(models.HexList, 0, len(log.Topics))
	for _, t := range log.Topics {
		topics = append(topics, t.Hex())
	}
	return models.ChainEvent{
		EventType:   eventType,
		Contract:    normalizeAddress(log.Address),
		BlockNumber: int64(log.BlockNumber),
		BlockHash:   log.BlockHash.Hex(),
		TxHash:      log.TxHash.Hex(),
		LogIndex:    log.Index,
		Topics:      topics,
		Data:        "0x" + common.Bytes2Hex(log.Data),
	}
}

func normalizeAddress(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func clampInt64(v *big.Int) int64 {
	if v.IsInt64() {
		return v.Int64()
	}
	return math.MaxInt64
}
