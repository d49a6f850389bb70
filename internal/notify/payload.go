package notify

import (
	"fmt"
	"math/rand"
	"time"

	"points-ledger/internal/models"

	"github.com/google/uuid"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

type Payload struct {
	WebhookID string       `json:"webhookId"`
	ID        string       `json:"id"`
	CreatedAt string       `json:"createdAt"`
	Type      string       `json:"type"`
	Event     PayloadEvent `json:"event"`
}

type PayloadEvent struct {
	Data           PayloadData `json:"data"`
	SequenceNumber string      `json:"sequenceNumber"`
	Network        string      `json:"network"`
}

type PayloadData struct {
	Block PayloadBlock `json:"block"`
}

type PayloadBlock struct {
	Hash      string       `json:"hash"`
	Number    int64        `json:"number"`
	Timestamp int64        `json:"timestamp"`
	Logs      []PayloadLog `json:"logs"`
}

type PayloadLog struct {
	Data        string             `json:"data"`
	Topics      []string           `json:"topics"`
	Index       uint               `json:"index"`
	Account     PayloadAccount     `json:"account"`
	Transaction PayloadTransaction `json:"transaction"`
}

type PayloadAccount struct {
	Address string `json:"address"`
}

type PayloadTransaction struct {
	Hash                 string         `json:"hash"`
	Nonce                int            `json:"nonce"`
	Index                int            `json:"index"`
	From                 PayloadAccount `json:"from"`
	To                   PayloadAccount `json:"to"`
	Value                string         `json:"value"`
	GasPrice             string         `json:"gasPrice"`
	MaxFeePerGas         *string        `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *string        `json:"maxPriorityFeePerGas"`
	Gas                  int            `json:"gas"`
	Status               int            `json:"status"`
	GasUsed              int            `json:"gasUsed"`
	CumulativeGasUsed    int            `json:"cumulativeGasUsed"`
	EffectiveGasPrice    string         `json:"effectiveGasPrice"`
	CreatedContract      *string        `json:"createdContract"`
}

// FormatEvent 将链上事件组装为与实时webhook相同结构的负载
func FormatEvent(ev models.ChainEvent, network string, now time.Time) Payload {
	topics := []string(ev.Topics)
	if topics == nil {
		topics = []string{}
	}
	return Payload{
		WebhookID: "wh_" + uuid.NewString(),
		ID:        "whevt_" + uuid.NewString(),
		CreatedAt: now.UTC().Format(time.RFC3339),
		Type:      "GRAPHQL",
		Event: PayloadEvent{
			Data: PayloadData{
				Block: PayloadBlock{
					Hash:      ev.BlockHash,
					Number:    ev.BlockNumber,
					Timestamp: now.Unix(),
					Logs: []PayloadLog{{
						Data:    ev.Data,
						Topics:  topics,
						Index:   ev.LogIndex,
						Account: PayloadAccount{Address: ev.Contract},
						Transaction: PayloadTransaction{
							Hash:              ev.TxHash,
							From:              PayloadAccount{Address: zeroAddress},
							To:                PayloadAccount{Address: zeroAddress},
							Value:             "0x0",
							GasPrice:          "0x0",
							Status:            1,
							EffectiveGasPrice: "0x0",
						},
					}},
				},
			},
			SequenceNumber: fmt.Sprintf("100000000%d", rand.Int63n(10000000000)),
			Network:        network,
		},
	}
}
