// state.go - Account state of the host ledger across restarts.
//
// Receipts are not part of it. Block number and nonces are, so hashes of
// calls made after a restore never repeat earlier ones.

package chain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// State is the serializable account state of a Chain.
type State struct {
	ChainID  *hexutil.Big                    `json:"chainId"`
	Block    uint64                          `json:"block"`
	Nonces   map[common.Address]uint64       `json:"nonces"`
	Balances map[common.Address]*hexutil.Big `json:"balances"`
}

// Checkpoint runs fn with the current state while holding the ordering
// lock, so anything fn persists alongside it agrees with it.
func (c *Chain) Checkpoint(fn func(*State) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := &State{
		ChainID:  (*hexutil.Big)(new(big.Int).Set(c.chainID)),
		Block:    c.block,
		Nonces:   make(map[common.Address]uint64, len(c.nonces)),
		Balances: make(map[common.Address]*hexutil.Big, len(c.balances)),
	}
	for a, n := range c.nonces {
		st.Nonces[a] = n
	}
	for a, b := range c.balances {
		if b.Sign() != 0 {
			st.Balances[a] = (*hexutil.Big)(new(big.Int).Set(b))
		}
	}
	return fn(st)
}

// Restore replaces block number, nonces and balances with st.
func (c *Chain) Restore(st *State) error {
	if st.ChainID == nil || st.ChainID.ToInt().Cmp(c.chainID) != 0 {
		return fmt.Errorf("chain: state of chain %v cannot restore chain %s", st.ChainID, c.chainID)
	}
	nonces := make(map[common.Address]uint64, len(st.Nonces))
	for a, n := range st.Nonces {
		nonces[a] = n
	}
	balances := make(map[common.Address]*big.Int, len(st.Balances))
	for a, b := range st.Balances {
		if b == nil || b.ToInt().Sign() < 0 {
			return fmt.Errorf("%w: balance of %s", ErrNegativeValue, a.Hex())
		}
		balances[a] = new(big.Int).Set(b.ToInt())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.block = st.Block
	c.nonces = nonces
	c.balances = balances
	return nil
}

// SaveToFile writes st as indented JSON.
func (st *State) SaveToFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func LoadStateFromFile(path string) (*State, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var st State
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return nil, fmt.Errorf("chain: decode state: %w", err)
	}
	return &st, nil
}
