package ledger

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"encledger/internal/chain"
	"encledger/internal/fhe"
)

// PredictionCreated is emitted once per successful CreatePrediction.
type PredictionCreated struct {
	ID          uint64         `json:"id"`
	Creator     common.Address `json:"creator"`
	Name        string         `json:"name"`
	OptionCount int            `json:"optionCount"`
}

func (PredictionCreated) EventName() string { return "PredictionCreated" }

// BetPlaced is emitted once per successful PlaceEncryptedBet. Stake is the
// plaintext value moved by the call, which the host ledger shows anyway.
type BetPlaced struct {
	ID        uint64         `json:"id"`
	User      common.Address `json:"user"`
	Amount    fhe.Handle     `json:"amountHandle"`
	Selection fhe.Handle     `json:"selectionHandle"`
	Stake     *big.Int       `json:"stake"`
}

func (BetPlaced) EventName() string { return "BetPlaced" }

// EventLog keeps the committed logs of one engine contract in memory.
type EventLog struct {
	mu       sync.RWMutex
	contract common.Address
	logs     []chain.Log
}

var _ chain.LogSink = (*EventLog)(nil)

func NewEventLog(contract common.Address) *EventLog {
	return &EventLog{contract: contract}
}

// HandleLog implements chain.LogSink, ignoring other contracts.
func (l *EventLog) HandleLog(log chain.Log) {
	if log.Contract != l.contract {
		return
	}
	l.mu.Lock()
	l.logs = append(l.logs, log)
	l.mu.Unlock()
}

func (l *EventLog) All() []chain.Log {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]chain.Log(nil), l.logs...)
}

// ForPrediction returns the logs that concern prediction id.
func (l *EventLog) ForPrediction(id uint64) []chain.Log {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []chain.Log
	for _, log := range l.logs {
		switch ev := log.Event.(type) {
		case PredictionCreated:
			if ev.ID == id {
				out = append(out, log)
			}
		case BetPlaced:
			if ev.ID == id {
				out = append(out, log)
			}
		}
	}
	return out
}

func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.logs)
}

// logRecord is a persisted log whose payload is decoded by event name.
type logRecord struct {
	TxHash   common.Hash     `json:"txHash"`
	Block    uint64          `json:"block"`
	Index    uint            `json:"index"`
	Contract common.Address  `json:"contract"`
	Name     string          `json:"event"`
	Data     json.RawMessage `json:"data"`
}

// SaveToFile writes every kept log as indented JSON.
func (l *EventLog) SaveToFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(l.All())
}

// LoadFromFile replaces the kept logs with those written by SaveToFile.
func (l *EventLog) LoadFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var records []logRecord
	if err := json.NewDecoder(f).Decode(&records); err != nil {
		return fmt.Errorf("ledger: decode events: %w", err)
	}

	logs := make([]chain.Log, 0, len(records))
	for i, r := range records {
		if r.Contract != l.contract {
			return fmt.Errorf("ledger: event %d belongs to %s", i, r.Contract.Hex())
		}
		ev, err := decodeEvent(r.Name, r.Data)
		if err != nil {
			return fmt.Errorf("ledger: event %d: %w", i, err)
		}
		logs = append(logs, chain.Log{
			TxHash:   r.TxHash,
			Block:    r.Block,
			Index:    r.Index,
			Contract: r.Contract,
			Name:     r.Name,
			Event:    ev,
		})
	}
	l.mu.Lock()
	l.logs = logs
	l.mu.Unlock()
	return nil
}

func decodeEvent(name string, data json.RawMessage) (chain.Event, error) {
	switch name {
	case PredictionCreated{}.EventName():
		var ev PredictionCreated
		err := json.Unmarshal(data, &ev)
		return ev, err
	case BetPlaced{}.EventName():
		var ev BetPlaced
		err := json.Unmarshal(data, &ev)
		return ev, err
	default:
		return nil, fmt.Errorf("unknown event %q", name)
	}
}
