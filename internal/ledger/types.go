// types.go - Records, views and errors of the encrypted ledger.

package ledger

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"encledger/internal/capability"
	"encledger/internal/fhe"
)

const (
	MinOptions = 2
	MaxOptions = 4
)

var (
	ErrEmptyName           = errors.New("ledger: prediction name is empty")
	ErrInvalidOptionsCount = errors.New("ledger: prediction needs between 2 and 4 options")
	ErrEmptyOption         = errors.New("ledger: option is empty")
	ErrInvalidPrediction   = errors.New("ledger: unknown prediction")
	ErrBetAlreadyPlaced    = errors.New("ledger: bet already placed")
	ErrInvalidBetAmount    = errors.New("ledger: stake must be non-zero and fit 64 bits")

	// ErrProofInvalid is returned when the encrypted selection is rejected.
	ErrProofInvalid = fhe.ErrProofInvalid
)

// prediction is the stored record of one market. Totals and pool are
// replaced, never mutated in place. staked is the plaintext sum of the
// public stakes and equals the decrypted pool.
type prediction struct {
	id        uint64
	name      string
	options   []string
	totals    []capability.PublicTotal
	pool      capability.PublicTotal
	staked    uint64
	creator   common.Address
	createdAt time.Time
}

// bet is a placed wager. Its presence in the store is the exists flag.
type bet struct {
	amount    capability.Owned
	selection capability.Owned
}

// Summary is the public metadata of a prediction.
type Summary struct {
	ID        uint64         `json:"id"`
	Name      string         `json:"name"`
	Options   []string       `json:"options"`
	Creator   common.Address `json:"creator"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Totals holds the encrypted aggregates of a prediction.
type Totals struct {
	Options []fhe.Handle `json:"optionTotals"`
	Pool    fhe.Handle   `json:"pool"`
}

// UserBet is one account's encrypted bet. Handles are zero when Exists is
// false.
type UserBet struct {
	Amount    fhe.Handle `json:"amount"`
	Selection fhe.Handle `json:"selection"`
	Exists    bool       `json:"exists"`
}

func (p *prediction) summary() Summary {
	return Summary{
		ID:        p.id,
		Name:      p.name,
		Options:   append([]string(nil), p.options...),
		Creator:   p.creator,
		CreatedAt: p.createdAt,
	}
}
