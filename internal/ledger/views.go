package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"encledger/internal/fhe"
)

// ListPredictions returns every prediction in creation order.
func (e *Engine) ListPredictions() []Summary {
	out := make([]Summary, 0, e.store.created)
	e.store.each(func(p *prediction) { out = append(out, p.summary()) })
	return out
}

func (e *Engine) GetPredictionMetadata(id uint64) (Summary, error) {
	p, ok := e.store.get(id)
	if !ok {
		return Summary{}, fmt.Errorf("%w: %d", ErrInvalidPrediction, id)
	}
	return p.summary(), nil
}

// GetEncryptedTotals returns the handles of the option totals and pool.
func (e *Engine) GetEncryptedTotals(id uint64) (Totals, error) {
	p, ok := e.store.get(id)
	if !ok {
		return Totals{}, fmt.Errorf("%w: %d", ErrInvalidPrediction, id)
	}
	t := Totals{Options: make([]fhe.Handle, len(p.totals)), Pool: p.pool.Handle()}
	for i, tot := range p.totals {
		t.Options[i] = tot.Handle()
	}
	return t, nil
}

// GetUserBet returns who's bet on prediction id. A missing bet is reported
// with Exists false, not as an error.
func (e *Engine) GetUserBet(id uint64, who common.Address) (UserBet, error) {
	if _, ok := e.store.get(id); !ok {
		return UserBet{}, fmt.Errorf("%w: %d", ErrInvalidPrediction, id)
	}
	b, ok := e.store.bet(id, who)
	if !ok {
		return UserBet{}, nil
	}
	return UserBet{
		Amount:    b.amount.Handle(),
		Selection: b.selection.Handle(),
		Exists:    true,
	}, nil
}

// GetPredictionCount returns how many predictions were ever created.
func (e *Engine) GetPredictionCount() uint64 { return e.store.created }
