package chain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"encledger/internal/fhe"
)

// Msg is what a contract learns about the call it is executing.
type Msg struct {
	Sender   common.Address
	Contract common.Address
	Value    *big.Int
	Time     time.Time
	Block    uint64
	TxHash   common.Hash
}

// Event is a notification emitted by a contract.
type Event interface {
	EventName() string
}

// Log is an emitted event with its position in the chain.
type Log struct {
	TxHash   common.Hash    `json:"txHash"`
	Block    uint64         `json:"block"`
	Index    uint           `json:"index"`
	Contract common.Address `json:"contract"`
	Name     string         `json:"event"`
	Event    Event          `json:"data"`
}

// Context is handed to the contract for the duration of one call.
type Context struct {
	Msg
	logs []Log
}

// Emit queues ev. Queued events are dropped if the call fails.
func (ctx *Context) Emit(ev Event) {
	ctx.logs = append(ctx.logs, Log{
		TxHash:   ctx.TxHash,
		Block:    ctx.Block,
		Index:    uint(len(ctx.logs)),
		Contract: ctx.Contract,
		Name:     ev.EventName(),
		Event:    ev,
	})
}

// Receipt status codes, as on Ethereum.
const (
	ReceiptStatusFailed     uint64 = 0
	ReceiptStatusSuccessful uint64 = 1
)

// Receipt is the outcome of one call.
type Receipt struct {
	TxHash  common.Hash    `json:"txHash"`
	Block   uint64         `json:"block"`
	From    common.Address `json:"from"`
	To      common.Address `json:"to"`
	Value   *big.Int       `json:"value"`
	Time    time.Time      `json:"time"`
	Status  uint64         `json:"status"`
	GasUsed uint64         `json:"gasUsed"`
	Logs    []Log          `json:"logs"`
	Err     string         `json:"error,omitempty"`
	Trace   fhe.Trace      `json:"-"`
}
