// coprocessor.go - Reference Executor backed by sealed plaintexts.
//
// Every value is stored sealed with ChaCha20-Poly1305 under the handle it is
// addressed by. Arithmetic opens the operands, computes without branching on
// the secret data and seals the result under a freshly derived handle.

package fhe

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/chacha20poly1305"
)

// Config identifies the coprocessor on its host chain. Both values are mixed
// into every derived handle.
type Config struct {
	ChainID *big.Int
	Address common.Address
}

// Coprocessor implements Executor for one host chain. Operations are only
// accepted inside a transaction opened with Begin.
type Coprocessor struct {
	mu       sync.RWMutex
	chainID  *big.Int
	address  common.Address
	key      *NetworkKey
	aead     cipher.AEAD
	verifier InputVerifier

	counter uint64
	sealed  map[Handle][]byte
	acl     *acl
	tx      *txState
}

type txState struct {
	contract  common.Address
	transient map[Handle]struct{}
	undo      []func()
	trace     Trace

	// Grants written by this transaction. Readers outside it do not see
	// them until Commit.
	granted   map[Handle]map[common.Address]struct{}
	published map[Handle]struct{}
}

func (tx *txState) grantedTo(h Handle, account common.Address) bool {
	if tx == nil {
		return false
	}
	_, ok := tx.granted[h][account]
	return ok
}

func (tx *txState) publishedHere(h Handle) bool {
	if tx == nil {
		return false
	}
	_, ok := tx.published[h]
	return ok
}

var _ Executor = (*Coprocessor)(nil)

// NewCoprocessor creates an empty coprocessor sealing under key. verifier
// checks external inputs; it may be nil when VerifyInput is never used.
func NewCoprocessor(cfg Config, key *NetworkKey, verifier InputVerifier) (*Coprocessor, error) {
	if key == nil {
		return nil, ErrInvalidNetworkKey
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("fhe: chain id must be positive")
	}
	sk, err := key.sealingKey()
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(sk)
	if err != nil {
		return nil, fmt.Errorf("fhe: init sealing cipher: %w", err)
	}
	return &Coprocessor{
		chainID:  new(big.Int).Set(cfg.ChainID),
		address:  cfg.Address,
		key:      key,
		aead:     aead,
		verifier: verifier,
		sealed:   make(map[Handle][]byte),
		acl:      newACL(),
	}, nil
}

// NetworkKey returns the key clients encrypt their inputs to.
func (c *Coprocessor) NetworkKey() *NetworkKey { return c.key }

func (c *Coprocessor) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

func (c *Coprocessor) Address() common.Address { return c.address }

// Begin opens a transaction on behalf of contract.
func (c *Coprocessor) Begin(contract common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil {
		return ErrTransactionActive
	}
	c.tx = &txState{
		contract:  contract,
		transient: make(map[Handle]struct{}),
		trace:     Trace{Contract: contract},
		granted:   make(map[Handle]map[common.Address]struct{}),
		published: make(map[Handle]struct{}),
	}
	return nil
}

// Commit closes the active transaction, keeping its handles and persistent
// grants. Transient allowances are dropped.
func (c *Coprocessor) Commit() (Trace, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return Trace{}, ErrNoTransaction
	}
	tr := c.tx.trace
	c.tx = nil
	return tr, nil
}

// Revert undoes every handle and grant created by the active transaction.
func (c *Coprocessor) Revert() (Trace, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return Trace{}, ErrNoTransaction
	}
	for i := len(c.tx.undo) - 1; i >= 0; i-- {
		c.tx.undo[i]()
	}
	tr := c.tx.trace
	c.tx = nil
	return tr, nil
}

func (c *Coprocessor) TrivialEncrypt(value uint64, t Type) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return Handle{}, ErrNoTransaction
	}
	if !t.Valid() {
		return Handle{}, ErrUnsupportedType
	}
	if value > t.Max() {
		return Handle{}, fmt.Errorf("%w: %d as %s", ErrValueOutOfRange, value, t)
	}
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], value)
	h := c.deriveHandle(OpTrivialEncrypt, t, v[:])
	c.store(h, value)
	c.tx.trace.record(OpTrivialEncrypt, t)
	return h, nil
}

func (c *Coprocessor) VerifyInput(input Handle, proof []byte, user, contract common.Address, t Type) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return Handle{}, ErrNoTransaction
	}
	if !t.Valid() {
		return Handle{}, ErrUnsupportedType
	}
	if input.Type() != t {
		return Handle{}, fmt.Errorf("%w: handle type %s, want %s", ErrProofInvalid, input.Type(), t)
	}
	if contract != c.tx.contract {
		return Handle{}, fmt.Errorf("%w: input bound to contract %s", ErrProofInvalid, contract.Hex())
	}
	if c.verifier == nil {
		return Handle{}, fmt.Errorf("%w: no input verifier configured", ErrProofInvalid)
	}
	value, err := c.verifier.Open(input, proof, user, contract, t)
	if err != nil {
		if !errors.Is(err, ErrProofInvalid) {
			err = fmt.Errorf("%w: %v", ErrProofInvalid, err)
		}
		return Handle{}, err
	}
	if value > t.Max() {
		return Handle{}, fmt.Errorf("%w: value exceeds %s", ErrProofInvalid, t)
	}
	if _, ok := c.sealed[input]; ok {
		// Re-submitted input: already stored, only the allowance is new.
		c.tx.transient[input] = struct{}{}
	} else {
		c.store(input, value)
	}
	c.tx.trace.record(OpVerifyInput, t)
	return input, nil
}

func (c *Coprocessor) Add(a, b Handle) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.checkBinary(a, b)
	if err != nil {
		return Handle{}, err
	}
	if t == EBool {
		return Handle{}, fmt.Errorf("%w: add on %s", ErrUnsupportedType, t)
	}
	va, vb, err := c.load2(a, b)
	if err != nil {
		return Handle{}, err
	}
	r := (va + vb) & t.Max()
	h := c.deriveHandle(OpAdd, t, a[:], b[:])
	c.store(h, r)
	c.tx.trace.record(OpAdd, t, t)
	return h, nil
}

func (c *Coprocessor) Eq(a, b Handle) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.checkBinary(a, b)
	if err != nil {
		return Handle{}, err
	}
	va, vb, err := c.load2(a, b)
	if err != nil {
		return Handle{}, err
	}
	h := c.deriveHandle(OpEq, EBool, a[:], b[:])
	c.store(h, ctEq(va, vb))
	c.tx.trace.record(OpEq, t, t)
	return h, nil
}

func (c *Coprocessor) Select(cond, a, b Handle) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return Handle{}, ErrNoTransaction
	}
	if cond.Type() != EBool {
		return Handle{}, fmt.Errorf("%w: select condition is %s", ErrTypeMismatch, cond.Type())
	}
	t, err := c.checkBinary(a, b)
	if err != nil {
		return Handle{}, err
	}
	vc, err := c.load(cond)
	if err != nil {
		return Handle{}, err
	}
	va, vb, err := c.load2(a, b)
	if err != nil {
		return Handle{}, err
	}
	h := c.deriveHandle(OpSelect, t, cond[:], a[:], b[:])
	c.store(h, ctSelect(vc, va, vb))
	c.tx.trace.record(OpSelect, EBool, t, t)
	return h, nil
}

func (c *Coprocessor) AllowThis(h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return ErrNoTransaction
	}
	return c.grant(OpAllowThis, h, c.tx.contract)
}

func (c *Coprocessor) Allow(h Handle, account common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return ErrNoTransaction
	}
	return c.grant(OpAllow, h, account)
}

func (c *Coprocessor) MakePubliclyDecryptable(h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return ErrNoTransaction
	}
	if err := c.checkUsable(h); err != nil {
		return err
	}
	if c.acl.makePublic(h) {
		c.tx.published[h] = struct{}{}
		c.tx.undo = append(c.tx.undo, func() { c.acl.unpublish(h) })
	}
	c.tx.trace.record(OpMakePublic, h.Type())
	return nil
}

// IsAllowed reports whether account holds a committed persistent grant on h,
// or is the contract of the active transaction holding a transient one.
// Grants issued by the active transaction are not reported before Commit.
func (c *Coprocessor) IsAllowed(h Handle, account common.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.acl.isAllowed(h, account) && !c.tx.grantedTo(h, account) {
		return true
	}
	if c.tx != nil && c.tx.contract == account {
		_, ok := c.tx.transient[h]
		return ok
	}
	return false
}

// IsPubliclyDecryptable reports committed public flags only.
func (c *Coprocessor) IsPubliclyDecryptable(h Handle) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.acl.isPublic(h) && !c.tx.publishedHere(h)
}

// Decrypt opens h without any access check. It is the KMS side of the
// coprocessor; callers must enforce grants first.
func (c *Coprocessor) Decrypt(h Handle) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.open(h)
}

// Stats is a point-in-time summary used by health and metrics reporting.
type Stats struct {
	Handles       int
	Grants        int
	PublicHandles int
	InTransaction bool
}

func (c *Coprocessor) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Stats{
		Handles:       len(c.sealed),
		PublicHandles: len(c.acl.public),
		InTransaction: c.tx != nil,
	}
	for _, set := range c.acl.allowed {
		s.Grants += len(set)
	}
	return s
}

// deriveHandle computes keccak256(op || operands || chainID || executor ||
// counter) and stamps the result type onto it.
func (c *Coprocessor) deriveHandle(op Op, t Type, operands ...[]byte) Handle {
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], c.counter)
	c.counter++

	parts := make([][]byte, 0, len(operands)+4)
	parts = append(parts, []byte{byte(op)})
	parts = append(parts, operands...)
	parts = append(parts, common.BigToHash(c.chainID).Bytes(), c.address.Bytes(), ctr[:])
	return BuildHandle(crypto.Keccak256(parts...), t)
}

// store seals v under h, journals the write and grants the active contract a
// transient allowance.
func (c *Coprocessor) store(h Handle, v uint64) {
	var pt [8]byte
	binary.BigEndian.PutUint64(pt[:], v)
	c.sealed[h] = c.aead.Seal(nil, h[:chacha20poly1305.NonceSize], pt[:], h[:])
	c.tx.transient[h] = struct{}{}
	c.tx.undo = append(c.tx.undo, func() { delete(c.sealed, h) })
}

func (c *Coprocessor) open(h Handle) (uint64, error) {
	ct, ok := c.sealed[h]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	pt, err := c.aead.Open(nil, h[:chacha20poly1305.NonceSize], ct, h[:])
	if err != nil || len(pt) != 8 {
		return 0, fmt.Errorf("%w: %s", ErrCorruptCiphertext, h)
	}
	return binary.BigEndian.Uint64(pt), nil
}

// checkUsable requires h to exist and the active contract to be allowed on it.
func (c *Coprocessor) checkUsable(h Handle) error {
	if _, ok := c.sealed[h]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	if _, ok := c.tx.transient[h]; ok {
		return nil
	}
	if c.acl.isAllowed(h, c.tx.contract) {
		return nil
	}
	return fmt.Errorf("%w: %s on %s", ErrNotAllowed, c.tx.contract.Hex(), h)
}

func (c *Coprocessor) load(h Handle) (uint64, error) {
	if err := c.checkUsable(h); err != nil {
		return 0, err
	}
	return c.open(h)
}

func (c *Coprocessor) load2(a, b Handle) (uint64, uint64, error) {
	va, err := c.load(a)
	if err != nil {
		return 0, 0, err
	}
	vb, err := c.load(b)
	if err != nil {
		return 0, 0, err
	}
	return va, vb, nil
}

func (c *Coprocessor) checkBinary(a, b Handle) (Type, error) {
	if c.tx == nil {
		return 0, ErrNoTransaction
	}
	if a.Type() != b.Type() {
		return 0, fmt.Errorf("%w: %s vs %s", ErrTypeMismatch, a.Type(), b.Type())
	}
	if !a.Type().Valid() {
		return 0, ErrUnsupportedType
	}
	return a.Type(), nil
}

func (c *Coprocessor) grant(op Op, h Handle, account common.Address) error {
	if err := c.checkUsable(h); err != nil {
		return err
	}
	if c.acl.allow(h, account) {
		set, ok := c.tx.granted[h]
		if !ok {
			set = make(map[common.Address]struct{})
			c.tx.granted[h] = set
		}
		set[account] = struct{}{}
		c.tx.undo = append(c.tx.undo, func() { c.acl.disallow(h, account) })
	}
	c.tx.trace.record(op, h.Type())
	return nil
}

// ctEq returns 1 when a == b and 0 otherwise without a data-dependent branch.
func ctEq(a, b uint64) uint64 {
	d := a ^ b
	return 1 ^ ((d | -d) >> 63)
}

// ctSelect returns a when cond is 1 and b when cond is 0. Both operands are
// always read and combined.
func ctSelect(cond, a, b uint64) uint64 {
	mask := -(cond & 1)
	return (a & mask) | (b &^ mask)
}
