// snapshot.go - JSON persistence of engine state.
//
// Only handles are persisted. Restoring re-checks every grant the stored
// roles require against the coprocessor state, which must be restored first.

package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"encledger/internal/capability"
	"encledger/internal/fhe"
)

// Snapshot is the serializable state of an Engine.
type Snapshot struct {
	Contract    common.Address       `json:"contract"`
	Predictions []PredictionSnapshot `json:"predictions"`
}

type PredictionSnapshot struct {
	ID        uint64         `json:"id"`
	Name      string         `json:"name"`
	Options   []string       `json:"options"`
	Totals    []fhe.Handle   `json:"optionTotals"`
	Pool      fhe.Handle     `json:"pool"`
	Staked    uint64         `json:"staked,string"`
	Creator   common.Address `json:"creator"`
	CreatedAt time.Time      `json:"createdAt"`
	Bets      []BetSnapshot  `json:"bets,omitempty"`
}

type BetSnapshot struct {
	User      common.Address `json:"user"`
	Amount    fhe.Handle     `json:"amount"`
	Selection fhe.Handle     `json:"selection"`
}

func (e *Engine) Snapshot() *Snapshot {
	s := &Snapshot{Contract: e.self}
	e.store.each(func(p *prediction) {
		ps := PredictionSnapshot{
			ID:        p.id,
			Name:      p.name,
			Options:   append([]string(nil), p.options...),
			Totals:    make([]fhe.Handle, len(p.totals)),
			Pool:      p.pool.Handle(),
			Staked:    p.staked,
			Creator:   p.creator,
			CreatedAt: p.createdAt,
		}
		for i, t := range p.totals {
			ps.Totals[i] = t.Handle()
		}
		for user, b := range e.store.bets[p.id] {
			ps.Bets = append(ps.Bets, BetSnapshot{
				User:      user,
				Amount:    b.amount.Handle(),
				Selection: b.selection.Handle(),
			})
		}
		sort.Slice(ps.Bets, func(i, j int) bool { return ps.Bets[i].User.Cmp(ps.Bets[j].User) < 0 })
		s.Predictions = append(s.Predictions, ps)
	})
	return s
}

// Restore replaces the engine state with s. Handles must carry the grants
// their role needs in c.
func (e *Engine) Restore(s *Snapshot, c capability.Checker) error {
	if s.Contract != e.self {
		return fmt.Errorf("ledger: snapshot of %s cannot restore engine %s", s.Contract.Hex(), e.self.Hex())
	}
	st := newStore()
	for _, ps := range s.Predictions {
		if ps.ID == 0 {
			return fmt.Errorf("%w: id 0", ErrInvalidPrediction)
		}
		if _, dup := st.get(ps.ID); dup {
			return fmt.Errorf("ledger: duplicate prediction %d in snapshot", ps.ID)
		}
		if len(ps.Options) < MinOptions || len(ps.Options) > MaxOptions || len(ps.Totals) != len(ps.Options) {
			return fmt.Errorf("%w: prediction %d", ErrInvalidOptionsCount, ps.ID)
		}
		p := &prediction{
			id:        ps.ID,
			name:      ps.Name,
			options:   append([]string(nil), ps.Options...),
			totals:    make([]capability.PublicTotal, len(ps.Totals)),
			staked:    ps.Staked,
			creator:   ps.Creator,
			createdAt: ps.CreatedAt,
		}
		var err error
		for i, h := range ps.Totals {
			if p.totals[i], err = capability.AdoptPublicTotal(c, h, e.self); err != nil {
				return fmt.Errorf("ledger: prediction %d total %d: %w", ps.ID, i, err)
			}
		}
		if p.pool, err = capability.AdoptPublicTotal(c, ps.Pool, e.self); err != nil {
			return fmt.Errorf("ledger: prediction %d pool: %w", ps.ID, err)
		}
		st.put(p)
		for _, bs := range ps.Bets {
			amount, err := capability.AdoptOwned(c, bs.Amount, e.self, bs.User)
			if err != nil {
				return fmt.Errorf("ledger: bet of %s: %w", bs.User.Hex(), err)
			}
			sel, err := capability.AdoptOwned(c, bs.Selection, e.self, bs.User)
			if err != nil {
				return fmt.Errorf("ledger: bet of %s: %w", bs.User.Hex(), err)
			}
			st.putBet(ps.ID, bs.User, &bet{amount: amount, selection: sel})
		}
	}
	e.store = st
	return nil
}

// SaveToFile writes the engine snapshot as indented JSON. Overwrites the
// file if it exists.
func (e *Engine) SaveToFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(e.Snapshot())
}

// LoadFromFile restores a snapshot written by SaveToFile.
func (e *Engine) LoadFromFile(path string, c capability.Checker) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var s Snapshot
	if err := json.NewDecoder(f).Decode(&s); err != nil {
		return fmt.Errorf("ledger: decode snapshot: %w", err)
	}
	return e.Restore(&s, c)
}
