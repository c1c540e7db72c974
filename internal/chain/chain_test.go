package chain

import (
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"encledger/internal/fhe"
)

var (
	alice    = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	contract = common.HexToAddress("0x00000000000000000000000000000000000c0de1")
)

type pingEvent struct{ N int }

func (pingEvent) EventName() string { return "Ping" }

type collect struct{ logs []Log }

func (c *collect) HandleLog(l Log) { c.logs = append(c.logs, l) }

func newTestChain(t *testing.T, opts ...Option) (*Chain, *fhe.Coprocessor) {
	t.Helper()
	key, err := fhe.GenerateNetworkKey()
	require.NoError(t, err)
	cop, err := fhe.NewCoprocessor(fhe.Config{ChainID: big.NewInt(31337), Address: common.HexToAddress("0xfe")}, key, nil)
	require.NoError(t, err)
	return New(big.NewInt(31337), cop, opts...), cop
}

func TestTransactSuccess(t *testing.T) {
	sink := &collect{}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c, cop := newTestChain(t, WithSink(sink), WithClock(func() time.Time { return now }))
	require.NoError(t, c.Fund(alice, big.NewInt(1000)))

	var h fhe.Handle
	rcpt, err := c.Transact(alice, contract, big.NewInt(400), func(ctx *Context) error {
		if ctx.Sender != alice || ctx.Contract != contract || ctx.Value.Int64() != 400 {
			t.Errorf("unexpected msg: %+v", ctx.Msg)
		}
		if !ctx.Time.Equal(now) {
			t.Errorf("time = %v, want %v", ctx.Time, now)
		}
		var err error
		h, err = cop.TrivialEncrypt(1, fhe.EUint64)
		if err != nil {
			return err
		}
		ctx.Emit(pingEvent{N: 1})
		return cop.AllowThis(h)
	})
	require.NoError(t, err)
	require.Equal(t, ReceiptStatusSuccessful, rcpt.Status)
	require.Equal(t, uint64(1), rcpt.Block)
	require.Len(t, rcpt.Logs, 1)
	require.Equal(t, "Ping", rcpt.Logs[0].Name)
	require.Equal(t, fhe.GasTrivialEncrypt+fhe.GasGrant, rcpt.GasUsed)
	require.Len(t, sink.logs, 1)

	require.Equal(t, int64(600), c.BalanceOf(alice).Int64())
	require.Equal(t, int64(400), c.BalanceOf(contract).Int64())
	require.True(t, cop.IsAllowed(h, contract))

	got, err := c.Receipt(rcpt.TxHash)
	require.NoError(t, err)
	require.Equal(t, rcpt, got)
}

func TestTransactRevert(t *testing.T) {
	sink := &collect{}
	c, cop := newTestChain(t, WithSink(sink))
	require.NoError(t, c.Fund(alice, big.NewInt(1000)))
	boom := errors.New("boom")

	var h fhe.Handle
	rcpt, err := c.Transact(alice, contract, big.NewInt(300), func(ctx *Context) error {
		h, _ = cop.TrivialEncrypt(5, fhe.EUint64)
		_ = cop.AllowThis(h)
		ctx.Emit(pingEvent{N: 2})
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, ReceiptStatusFailed, rcpt.Status)
	require.Empty(t, rcpt.Logs)
	require.Empty(t, sink.logs)
	require.Equal(t, int64(1000), c.BalanceOf(alice).Int64())
	require.Equal(t, int64(0), c.BalanceOf(contract).Int64())
	require.False(t, cop.IsAllowed(h, contract))
	require.Zero(t, cop.Stats().Handles)

	t.Run("Panics revert too", func(t *testing.T) {
		_, err := c.Transact(alice, contract, big.NewInt(1), func(*Context) error {
			_, _ = cop.TrivialEncrypt(5, fhe.EUint64)
			panic("unexpected")
		})
		require.ErrorIs(t, err, ErrCallPanicked)
		require.Zero(t, cop.Stats().Handles)
		require.False(t, cop.Stats().InTransaction)
	})
}

func TestTransactFunds(t *testing.T) {
	c, cop := newTestChain(t)
	called := false
	_, err := c.Transact(alice, contract, big.NewInt(1), func(*Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.False(t, called)
	require.False(t, cop.Stats().InTransaction)
	require.Equal(t, uint64(0), c.BlockNumber())

	_, err = c.Transact(alice, contract, big.NewInt(-1), func(*Context) error { return nil })
	require.ErrorIs(t, err, ErrNegativeValue)
	require.ErrorIs(t, c.Fund(alice, big.NewInt(-5)), ErrNegativeValue)

	rcpt, err := c.Transact(alice, contract, nil, func(*Context) error { return nil })
	require.NoError(t, err)
	require.Equal(t, int64(0), rcpt.Value.Int64())
}

func TestTxHashesAreUnique(t *testing.T) {
	c, _ := newTestChain(t)
	seen := make(map[common.Hash]bool)
	for i := 0; i < 5; i++ {
		rcpt, err := c.Transact(alice, contract, nil, func(*Context) error { return nil })
		require.NoError(t, err)
		if seen[rcpt.TxHash] {
			t.Fatalf("duplicate tx hash %s", rcpt.TxHash.Hex())
		}
		seen[rcpt.TxHash] = true
	}
	_, err := c.Receipt(common.Hash{})
	require.ErrorIs(t, err, ErrUnknownReceipt)
}

func TestStateRestore(t *testing.T) {
	c, _ := newTestChain(t)
	require.NoError(t, c.Fund(alice, big.NewInt(1000)))
	seen := make(map[common.Hash]bool)
	for i := 0; i < 3; i++ {
		rcpt, err := c.Transact(alice, contract, big.NewInt(100), func(*Context) error { return nil })
		require.NoError(t, err)
		seen[rcpt.TxHash] = true
	}

	path := filepath.Join(t.TempDir(), "chain.json")
	require.NoError(t, c.Checkpoint(func(st *State) error { return st.SaveToFile(path) }))
	st, err := LoadStateFromFile(path)
	require.NoError(t, err)

	restarted, _ := newTestChain(t)
	require.NoError(t, restarted.Restore(st))
	require.Equal(t, uint64(3), restarted.BlockNumber())
	require.Equal(t, int64(700), restarted.BalanceOf(alice).Int64())
	require.Equal(t, int64(300), restarted.BalanceOf(contract).Int64())

	rcpt, err := restarted.Transact(alice, contract, nil, func(*Context) error { return nil })
	require.NoError(t, err)
	require.False(t, seen[rcpt.TxHash], "hash of a call before the restart was reused")
	require.Equal(t, uint64(4), rcpt.Block)

	t.Run("Other chain id", func(t *testing.T) {
		key, err := fhe.GenerateNetworkKey()
		require.NoError(t, err)
		cop, err := fhe.NewCoprocessor(fhe.Config{ChainID: big.NewInt(5)}, key, nil)
		require.NoError(t, err)
		require.Error(t, New(big.NewInt(5), cop).Restore(st))
	})
}
