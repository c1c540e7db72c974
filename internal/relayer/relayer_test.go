package relayer

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"encledger/internal/fhe"
)

type fakeKMS struct {
	values  map[fhe.Handle]uint64
	allowed map[fhe.Handle]map[common.Address]bool
	public  map[fhe.Handle]bool
}

func newFakeKMS() *fakeKMS {
	return &fakeKMS{
		values:  make(map[fhe.Handle]uint64),
		allowed: make(map[fhe.Handle]map[common.Address]bool),
		public:  make(map[fhe.Handle]bool),
	}
}

func (k *fakeKMS) add(seed string, t fhe.Type, v uint64, allowed ...common.Address) fhe.Handle {
	h := fhe.BuildHandle(ethcrypto.Keccak256([]byte(seed)), t)
	k.values[h] = v
	k.allowed[h] = make(map[common.Address]bool)
	for _, a := range allowed {
		k.allowed[h][a] = true
	}
	return h
}

func (k *fakeKMS) Decrypt(h fhe.Handle) (uint64, error) {
	v, ok := k.values[h]
	if !ok {
		return 0, errors.New("unknown handle")
	}
	return v, nil
}

func (k *fakeKMS) IsAllowed(h fhe.Handle, account common.Address) bool {
	return k.allowed[h][account]
}

func (k *fakeKMS) IsPubliclyDecryptable(h fhe.Handle) bool { return k.public[h] }

var (
	contract = common.HexToAddress("0x00000000000000000000000000000000000c0de1")
	now      = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	domain   = Domain{
		Name:              "Decryption",
		Version:           "1",
		ChainID:           big.NewInt(31337),
		VerifyingContract: common.HexToAddress("0x00000000000000000000000000000000000000fe"),
	}
)

func newRelayer(kms KMS) *Relayer {
	return New(domain, kms, WithClock(func() time.Time { return now }))
}

func TestDomainSeparator(t *testing.T) {
	other := domain
	other.ChainID = big.NewInt(1)
	require.Len(t, domain.Separator(), 32)
	require.NotEqual(t, domain.Separator(), other.Separator())

	req := UserDecryptRequest{User: contract, Contract: contract, StartTimestamp: 1, DurationDays: 1}
	d1 := domain.Digest(req)
	req.DurationDays = 2
	require.NotEqual(t, d1, domain.Digest(req))
}

func TestUserDecrypt(t *testing.T) {
	user, err := GenerateSigner()
	require.NoError(t, err)
	stranger, err := GenerateSigner()
	require.NoError(t, err)

	kms := newFakeKMS()
	amount := kms.add("amount", fhe.EUint64, 500, user.Address(), contract)
	selection := kms.add("selection", fhe.EUint8, 1, user.Address(), contract)
	contractOnly := kms.add("total", fhe.EUint64, 900, contract)
	r := newRelayer(kms)

	req := UserDecryptRequest{
		User:           user.Address(),
		Contract:       contract,
		Handles:        []fhe.Handle{amount, selection},
		StartTimestamp: now.Add(-time.Hour).Unix(),
		DurationDays:   1,
	}

	t.Run("ok", func(t *testing.T) {
		sig, err := user.SignUserDecrypt(domain, req)
		require.NoError(t, err)
		require.Len(t, sig, 65)
		require.Contains(t, []byte{27, 28}, sig[64])

		res, err := r.UserDecrypt(req, sig)
		require.NoError(t, err)
		require.NotEmpty(t, res.RequestID)
		require.Equal(t, []Cleartext{
			{Handle: amount, Type: "euint64", Value: 500},
			{Handle: selection, Type: "euint8", Value: 1},
		}, res.Values)
	})

	t.Run("raw recovery id", func(t *testing.T) {
		sig, err := user.SignUserDecrypt(domain, req)
		require.NoError(t, err)
		sig[64] -= 27
		_, err = r.UserDecrypt(req, sig)
		require.NoError(t, err)
	})

	t.Run("wrong signer", func(t *testing.T) {
		sig, err := stranger.SignUserDecrypt(domain, req)
		require.NoError(t, err)
		_, err = r.UserDecrypt(req, sig)
		require.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("tampered request", func(t *testing.T) {
		sig, err := user.SignUserDecrypt(domain, req)
		require.NoError(t, err)
		tampered := req
		tampered.Handles = []fhe.Handle{amount}
		_, err = r.UserDecrypt(tampered, sig)
		require.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("other domain", func(t *testing.T) {
		other := domain
		other.ChainID = big.NewInt(1)
		sig, err := user.SignUserDecrypt(other, req)
		require.NoError(t, err)
		_, err = r.UserDecrypt(req, sig)
		require.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("short signature", func(t *testing.T) {
		_, err := r.UserDecrypt(req, []byte{1, 2, 3})
		require.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("expired", func(t *testing.T) {
		old := req
		old.StartTimestamp = now.Add(-48 * time.Hour).Unix()
		sig, err := user.SignUserDecrypt(domain, old)
		require.NoError(t, err)
		_, err = r.UserDecrypt(old, sig)
		require.ErrorIs(t, err, ErrExpired)
	})

	t.Run("not yet valid", func(t *testing.T) {
		future := req
		future.StartTimestamp = now.Add(time.Hour).Unix()
		sig, err := user.SignUserDecrypt(domain, future)
		require.NoError(t, err)
		_, err = r.UserDecrypt(future, sig)
		require.ErrorIs(t, err, ErrExpired)
	})

	t.Run("user not allowed", func(t *testing.T) {
		withTotal := req
		withTotal.Handles = []fhe.Handle{amount, contractOnly}
		sig, err := user.SignUserDecrypt(domain, withTotal)
		require.NoError(t, err)
		_, err = r.UserDecrypt(withTotal, sig)
		require.ErrorIs(t, err, ErrNotAllowed)
	})

	t.Run("contract not allowed", func(t *testing.T) {
		elsewhere := req
		elsewhere.Contract = common.HexToAddress("0xbad")
		sig, err := user.SignUserDecrypt(domain, elsewhere)
		require.NoError(t, err)
		_, err = r.UserDecrypt(elsewhere, sig)
		require.ErrorIs(t, err, ErrNotAllowed)
	})

	t.Run("invalid", func(t *testing.T) {
		empty := req
		empty.Handles = nil
		_, err := r.UserDecrypt(empty, nil)
		require.ErrorIs(t, err, ErrInvalidRequest)

		long := req
		long.DurationDays = DefaultMaxDurationDays + 1
		_, err = r.UserDecrypt(long, nil)
		require.ErrorIs(t, err, ErrInvalidRequest)
	})
}

func TestPublicDecrypt(t *testing.T) {
	kms := newFakeKMS()
	total := kms.add("total", fhe.EUint64, 900, contract)
	private := kms.add("amount", fhe.EUint64, 500, contract)
	kms.public[total] = true
	r := newRelayer(kms)

	res, err := r.PublicDecrypt([]fhe.Handle{total})
	require.NoError(t, err)
	require.Equal(t, uint64(900), res.Values[0].Value)

	_, err = r.PublicDecrypt([]fhe.Handle{total, private})
	require.ErrorIs(t, err, ErrNotPublic)

	_, err = r.PublicDecrypt(nil)
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestNewSigner(t *testing.T) {
	// Hardhat account #0.
	s, err := NewSigner("0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), s.Address())

	_, err = NewSigner("zz")
	require.Error(t, err)
}
