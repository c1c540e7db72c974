// engine.go - Encrypted accounting engine: creation and oblivious bet
// aggregation.
//
// Every entry point validates its plaintext arguments, performs all
// encrypted work into locals and writes the store only once nothing can
// fail any more. The host reverts the grants of a failed call.
//
// NOTE: Engine is not thread-safe by itself; the host serializes calls.

package ledger

import (
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"encledger/internal/capability"
	"encledger/internal/chain"
	"encledger/internal/fhe"
)

// Engine owns all predictions and bets of one deployed ledger contract.
type Engine struct {
	self  common.Address
	ex    fhe.Executor
	store *store
}

// NewEngine creates an empty engine deployed at self.
func NewEngine(self common.Address, ex fhe.Executor) *Engine {
	return &Engine{self: self, ex: ex, store: newStore()}
}

// Address is the contract address calls must be sent to.
func (e *Engine) Address() common.Address { return e.self }

// CreatePrediction registers a market with 2 to 4 options. Its totals and
// pool start as encrypted zeros readable by the engine, the public and the
// creator.
func (e *Engine) CreatePrediction(ctx *chain.Context, name string, options []string) (uint64, error) {
	if name == "" {
		return 0, ErrEmptyName
	}
	if len(options) < MinOptions || len(options) > MaxOptions {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidOptionsCount, len(options))
	}
	for i, o := range options {
		if o == "" {
			return 0, fmt.Errorf("%w: index %d", ErrEmptyOption, i)
		}
	}
	if err := e.checkContext(ctx); err != nil {
		return 0, err
	}

	creator := ctx.Sender
	totals := make([]capability.PublicTotal, len(options))
	for i := range totals {
		t, err := e.encryptedZero(creator)
		if err != nil {
			return 0, fmt.Errorf("ledger: init total %d: %w", i, err)
		}
		totals[i] = t
	}
	pool, err := e.encryptedZero(creator)
	if err != nil {
		return 0, fmt.Errorf("ledger: init pool: %w", err)
	}

	p := &prediction{
		id:        e.store.nextID(),
		name:      name,
		options:   append([]string(nil), options...),
		totals:    totals,
		pool:      pool,
		creator:   creator,
		createdAt: ctx.Time,
	}
	e.store.put(p)
	ctx.Emit(PredictionCreated{
		ID:          p.id,
		Creator:     creator,
		Name:        name,
		OptionCount: len(options),
	})
	return p.id, nil
}

// PlaceEncryptedBet records the caller's bet with the value attached to the
// call as stake. selection is an external euint8 ciphertext checked against
// proof. Every option total is updated with the same sequence of operations
// whichever option was selected.
func (e *Engine) PlaceEncryptedBet(ctx *chain.Context, id uint64, selection fhe.Handle, proof []byte) error {
	p, ok := e.store.get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidPrediction, id)
	}
	if len(p.options) == 0 {
		return ErrInvalidOptionsCount
	}
	stake, err := stakeAmount(ctx.Value)
	if err != nil {
		return err
	}
	// Stakes are public, so the euint64 pool bound is checked in the clear.
	if stake > math.MaxUint64-p.staked {
		return fmt.Errorf("%w: pool of %d would pass 2^64-1", ErrInvalidBetAmount, id)
	}
	user := ctx.Sender
	if _, ok := e.store.bet(id, user); ok {
		return fmt.Errorf("%w: %s on %d", ErrBetAlreadyPlaced, user.Hex(), id)
	}
	if err := e.checkContext(ctx); err != nil {
		return err
	}

	// Step 1: ingest the selection and encode the stake, both owned by the user
	selH, err := e.ex.VerifyInput(selection, proof, user, e.self, fhe.EUint8)
	if err != nil {
		return err
	}
	sel, err := e.own(selH, user)
	if err != nil {
		return fmt.Errorf("ledger: grant selection: %w", err)
	}
	stakeH, err := e.ex.TrivialEncrypt(stake, fhe.EUint64)
	if err != nil {
		return fmt.Errorf("ledger: encode stake: %w", err)
	}
	amount, err := e.own(stakeH, user)
	if err != nil {
		return fmt.Errorf("ledger: grant stake: %w", err)
	}

	// Step 2: oblivious aggregation over every option
	totals, err := e.aggregate(p, sel.Handle(), amount.Handle(), user)
	if err != nil {
		return err
	}
	poolH, err := e.ex.Add(p.pool.Handle(), amount.Handle())
	if err != nil {
		return fmt.Errorf("ledger: add to pool: %w", err)
	}
	pool, err := e.publish(poolH, user)
	if err != nil {
		return fmt.Errorf("ledger: grant pool: %w", err)
	}

	// Step 3: commit
	p.totals = totals
	p.pool = pool
	p.staked += stake
	e.store.putBet(id, user, &bet{amount: amount, selection: sel})
	ctx.Emit(BetPlaced{
		ID:        id,
		User:      user,
		Amount:    amount.Handle(),
		Selection: sel.Handle(),
		Stake:     new(big.Int).Set(ctx.Value),
	})
	return nil
}

// aggregate computes total_i + select(sel == i, stake, 0) for every option.
// The operation sequence does not depend on the value of sel.
func (e *Engine) aggregate(p *prediction, sel, stake fhe.Handle, user common.Address) ([]capability.PublicTotal, error) {
	zero, err := e.ex.TrivialEncrypt(0, fhe.EUint64)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode zero: %w", err)
	}
	out := make([]capability.PublicTotal, len(p.options))
	for i := range p.options {
		idx, err := e.ex.TrivialEncrypt(uint64(i), fhe.EUint8)
		if err != nil {
			return nil, fmt.Errorf("ledger: encode option %d: %w", i, err)
		}
		matches, err := e.ex.Eq(sel, idx)
		if err != nil {
			return nil, fmt.Errorf("ledger: compare option %d: %w", i, err)
		}
		addition, err := e.ex.Select(matches, stake, zero)
		if err != nil {
			return nil, fmt.Errorf("ledger: select option %d: %w", i, err)
		}
		sum, err := e.ex.Add(p.totals[i].Handle(), addition)
		if err != nil {
			return nil, fmt.Errorf("ledger: add option %d: %w", i, err)
		}
		if out[i], err = e.publish(sum, user); err != nil {
			return nil, fmt.Errorf("ledger: grant option %d: %w", i, err)
		}
	}
	return out, nil
}

func (e *Engine) encryptedZero(owner common.Address) (capability.PublicTotal, error) {
	h, err := e.ex.TrivialEncrypt(0, fhe.EUint64)
	if err != nil {
		return capability.PublicTotal{}, err
	}
	return e.publish(h, owner)
}

// publish issues grantSelf, grantPublic and grantPrincipal(owner).
func (e *Engine) publish(h fhe.Handle, owner common.Address) (capability.PublicTotal, error) {
	u, err := capability.Wrap(h).AllowThis(e.ex)
	if err != nil {
		return capability.PublicTotal{}, err
	}
	return u.Publish(e.ex, owner)
}

// own issues grantSelf and grantPrincipal(owner).
func (e *Engine) own(h fhe.Handle, owner common.Address) (capability.Owned, error) {
	u, err := capability.Wrap(h).AllowThis(e.ex)
	if err != nil {
		return capability.Owned{}, err
	}
	return u.Own(e.ex, owner)
}

func (e *Engine) checkContext(ctx *chain.Context) error {
	if ctx.Contract != e.self {
		return fmt.Errorf("ledger: call addressed to %s, engine is %s", ctx.Contract.Hex(), e.self.Hex())
	}
	return nil
}

// stakeAmount converts the attached value into the euint64 plaintext.
func stakeAmount(v *big.Int) (uint64, error) {
	if v == nil || v.Sign() <= 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidBetAmount, v)
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("%w: %s exceeds 2^64-1", ErrInvalidBetAmount, v)
	}
	return v.Uint64(), nil
}
