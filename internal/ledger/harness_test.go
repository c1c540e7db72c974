package ledger

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"encledger/internal/chain"
	"encledger/internal/fhe"
)

var (
	engineAddr = common.HexToAddress("0x00000000000000000000000000000000000c0de1")
	alice      = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob        = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol      = common.HexToAddress("0x00000000000000000000000000000000000ca401")

	ether = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

// milliEther returns n/1000 ether in wei.
func milliEther(n int64) *big.Int {
	return new(big.Int).Div(new(big.Int).Mul(big.NewInt(n), ether), big.NewInt(1000))
}

// fakeInputs issues selection ciphertexts without proofs. An input only
// opens for the user it was issued to and with the proof "valid".
type fakeInputs struct {
	issued map[fhe.Handle]fakeInput
}

type fakeInput struct {
	value uint64
	user  common.Address
}

func (f *fakeInputs) encrypt(value uint64, user common.Address) (fhe.Handle, []byte) {
	if f.issued == nil {
		f.issued = make(map[fhe.Handle]fakeInput)
	}
	n := big.NewInt(int64(len(f.issued)))
	h := fhe.BuildHandle(crypto.Keccak256([]byte("fake-input"), n.Bytes()), fhe.EUint8)
	f.issued[h] = fakeInput{value: value, user: user}
	return h, []byte("valid")
}

func (f *fakeInputs) Open(input fhe.Handle, proof []byte, user, contract common.Address, t fhe.Type) (uint64, error) {
	in, ok := f.issued[input]
	if !ok || in.user != user || string(proof) != "valid" {
		return 0, errors.New("fake: rejected")
	}
	return in.value, nil
}

type harness struct {
	t      *testing.T
	cop    *fhe.Coprocessor
	chain  *chain.Chain
	engine *Engine
	inputs *fakeInputs
	events *EventLog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	key, err := fhe.GenerateNetworkKey()
	require.NoError(t, err)
	inputs := &fakeInputs{}
	cop, err := fhe.NewCoprocessor(fhe.Config{ChainID: big.NewInt(31337), Address: common.HexToAddress("0xfe")}, key, inputs)
	require.NoError(t, err)
	events := NewEventLog(engineAddr)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := chain.New(big.NewInt(31337), cop, chain.WithSink(events), chain.WithClock(func() time.Time { return clock }))
	for _, a := range []common.Address{alice, bob, carol} {
		require.NoError(t, c.Fund(a, new(big.Int).Mul(big.NewInt(100), ether)))
	}
	return &harness{
		t:      t,
		cop:    cop,
		chain:  c,
		engine: NewEngine(engineAddr, cop),
		inputs: inputs,
		events: events,
	}
}

func (h *harness) create(from common.Address, name string, options ...string) (uint64, error) {
	var id uint64
	_, err := h.chain.Transact(from, engineAddr, nil, func(ctx *chain.Context) error {
		var err error
		id, err = h.engine.CreatePrediction(ctx, name, options)
		return err
	})
	return id, err
}

func (h *harness) mustCreate(from common.Address, name string, options ...string) uint64 {
	h.t.Helper()
	id, err := h.create(from, name, options...)
	require.NoError(h.t, err)
	return id
}

func (h *harness) bet(from common.Address, id uint64, selection uint64, stake *big.Int) (*chain.Receipt, error) {
	sel, proof := h.inputs.encrypt(selection, from)
	return h.betWith(from, id, sel, proof, stake)
}

func (h *harness) betWith(from common.Address, id uint64, sel fhe.Handle, proof []byte, stake *big.Int) (*chain.Receipt, error) {
	return h.chain.Transact(from, engineAddr, stake, func(ctx *chain.Context) error {
		return h.engine.PlaceEncryptedBet(ctx, id, sel, proof)
	})
}

func (h *harness) decrypt(handle fhe.Handle) uint64 {
	h.t.Helper()
	v, err := h.cop.Decrypt(handle)
	require.NoError(h.t, err)
	return v
}

// totals decrypts the option totals and pool of id.
func (h *harness) totals(id uint64) ([]uint64, uint64) {
	h.t.Helper()
	tot, err := h.engine.GetEncryptedTotals(id)
	require.NoError(h.t, err)
	out := make([]uint64, len(tot.Options))
	for i, o := range tot.Options {
		out[i] = h.decrypt(o)
	}
	return out, h.decrypt(tot.Pool)
}
