package ledger

import "github.com/ethereum/go-ethereum/common"

// store owns every prediction and bet. Predictions live in an arena indexed
// by id-1; slots of ids that were never created stay nil.
type store struct {
	predictions []*prediction
	bets        map[uint64]map[common.Address]*bet
	created     uint64
}

func newStore() *store {
	return &store{bets: make(map[uint64]map[common.Address]*bet)}
}

func (s *store) nextID() uint64 { return uint64(len(s.predictions)) + 1 }

func (s *store) get(id uint64) (*prediction, bool) {
	if id == 0 || id > uint64(len(s.predictions)) {
		return nil, false
	}
	p := s.predictions[id-1]
	return p, p != nil
}

// put places p in its arena slot, growing the arena as needed.
func (s *store) put(p *prediction) {
	for uint64(len(s.predictions)) < p.id {
		s.predictions = append(s.predictions, nil)
	}
	if s.predictions[p.id-1] == nil {
		s.created++
	}
	s.predictions[p.id-1] = p
}

func (s *store) bet(id uint64, who common.Address) (*bet, bool) {
	b, ok := s.bets[id][who]
	return b, ok
}

func (s *store) putBet(id uint64, who common.Address, b *bet) {
	m, ok := s.bets[id]
	if !ok {
		m = make(map[common.Address]*bet)
		s.bets[id] = m
	}
	m[who] = b
}

// each visits predictions in creation order.
func (s *store) each(fn func(*prediction)) {
	for _, p := range s.predictions {
		if p != nil {
			fn(p)
		}
	}
}
