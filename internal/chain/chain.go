// chain.go - Host ledger that orders calls and runs each one atomically.
//
// Every call moves its attached value, opens a coprocessor transaction for
// the target contract and either commits both or rolls both back. Calls are
// serialized by a single mutex, which is the total order contracts rely on.

package chain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"encledger/internal/fhe"
)

var (
	ErrInsufficientFunds = errors.New("chain: insufficient funds for attached value")
	ErrNegativeValue     = errors.New("chain: negative value")
	ErrCallPanicked      = errors.New("chain: call panicked")
	ErrUnknownReceipt    = errors.New("chain: unknown transaction")
)

// Coprocessor is the transactional part of the encryption provider.
type Coprocessor interface {
	Begin(contract common.Address) error
	Commit() (fhe.Trace, error)
	Revert() (fhe.Trace, error)
}

// LogSink receives logs of successful calls, in order.
type LogSink interface {
	HandleLog(Log)
}

// Option configures a Chain.
type Option func(*Chain)

// WithClock overrides the source of block timestamps.
func WithClock(clock func() time.Time) Option {
	return func(c *Chain) { c.clock = clock }
}

// WithSink registers a sink for committed logs.
func WithSink(s LogSink) Option {
	return func(c *Chain) { c.sinks = append(c.sinks, s) }
}

// Chain is an in-process host ledger.
type Chain struct {
	mu       sync.Mutex
	chainID  *big.Int
	cop      Coprocessor
	clock    func() time.Time
	sinks    []LogSink
	block    uint64
	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	receipts map[common.Hash]*Receipt
}

func New(chainID *big.Int, cop Coprocessor, opts ...Option) *Chain {
	c := &Chain{
		chainID:  new(big.Int).Set(chainID),
		cop:      cop,
		clock:    time.Now,
		balances: make(map[common.Address]*big.Int),
		nonces:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*Receipt),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Chain) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// BlockNumber returns the number of the last executed block.
func (c *Chain) BlockNumber() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.block
}

// Fund credits amount to account.
func (c *Chain) Fund(account common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return ErrNegativeValue
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credit(account, amount)
	return nil
}

func (c *Chain) BalanceOf(account common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.balances[account]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Receipt looks up a previously executed call.
func (c *Chain) Receipt(hash common.Hash) (*Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownReceipt, hash.Hex())
	}
	return r, nil
}

// View runs fn while holding the ordering lock so it observes a state
// between calls.
func (c *Chain) View(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn()
}

// Transact executes fn as one call from `from` to contract `to` carrying
// value. The returned error is fn's error unchanged; the receipt is
// returned whenever the call was executed, successful or not.
func (c *Chain) Transact(from, to common.Address, value *big.Int, fn func(*Context) error) (*Receipt, error) {
	if value == nil {
		value = new(big.Int)
	}
	if value.Sign() < 0 {
		return nil, ErrNegativeValue
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.balanceLocked(from).Cmp(value) < 0 {
		return nil, fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, from.Hex(), c.balanceLocked(from), value)
	}
	if err := c.cop.Begin(to); err != nil {
		return nil, fmt.Errorf("chain: begin coprocessor transaction: %w", err)
	}

	c.block++
	nonce := c.nonces[from]
	c.nonces[from] = nonce + 1
	ctx := &Context{
		Msg: Msg{
			Sender:   from,
			Contract: to,
			Value:    new(big.Int).Set(value),
			Time:     c.clock(),
			Block:    c.block,
			TxHash:   c.txHash(from, nonce),
		},
	}

	c.debit(from, value)
	c.credit(to, value)

	err := c.run(ctx, fn)

	rcpt := &Receipt{
		TxHash: ctx.TxHash,
		Block:  ctx.Block,
		From:   from,
		To:     to,
		Value:  ctx.Value,
		Time:   ctx.Time,
	}
	if err != nil {
		c.debit(to, value)
		c.credit(from, value)
		tr, rerr := c.cop.Revert()
		if rerr != nil {
			return nil, fmt.Errorf("chain: revert after %v: %w", err, rerr)
		}
		rcpt.Status = ReceiptStatusFailed
		rcpt.GasUsed = tr.Gas
		rcpt.Trace = tr
		rcpt.Err = err.Error()
		c.receipts[rcpt.TxHash] = rcpt
		return rcpt, err
	}

	tr, err := c.cop.Commit()
	if err != nil {
		return nil, fmt.Errorf("chain: commit coprocessor transaction: %w", err)
	}
	rcpt.Status = ReceiptStatusSuccessful
	rcpt.GasUsed = tr.Gas
	rcpt.Trace = tr
	rcpt.Logs = ctx.logs
	c.receipts[rcpt.TxHash] = rcpt
	for _, l := range ctx.logs {
		for _, s := range c.sinks {
			s.HandleLog(l)
		}
	}
	return rcpt, nil
}

func (c *Chain) run(ctx *Context, fn func(*Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrCallPanicked, r)
		}
	}()
	return fn(ctx)
}

func (c *Chain) txHash(from common.Address, nonce uint64) common.Hash {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	return crypto.Keccak256Hash(common.BigToHash(c.chainID).Bytes(), from.Bytes(), n[:])
}

func (c *Chain) balanceLocked(a common.Address) *big.Int {
	if b, ok := c.balances[a]; ok {
		return b
	}
	return new(big.Int)
}

func (c *Chain) credit(a common.Address, v *big.Int) {
	c.balances[a] = new(big.Int).Add(c.balanceLocked(a), v)
}

func (c *Chain) debit(a common.Address, v *big.Int) {
	c.balances[a] = new(big.Int).Sub(c.balanceLocked(a), v)
}
