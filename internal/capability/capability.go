// Package capability wraps ciphertext handles in types that record which
// grants have been issued on them.
//
// A handle returned by a primitive starts as Fresh. Only the grant methods
// below produce the stronger types, so a store that accepts PublicTotal or
// Owned cannot be handed a value whose grants were forgotten:
//
//	Fresh --AllowThis--> Usable --Publish--> PublicTotal
//	                            \---Own----> Owned
package capability

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"encledger/internal/fhe"
)

// ErrMissingGrant is returned when a stored handle is re-adopted but the
// access-control state does not hold the grants its role requires.
var ErrMissingGrant = errors.New("capability: required grant missing")

// Granter issues grants. fhe.Executor satisfies it.
type Granter interface {
	AllowThis(h fhe.Handle) error
	Allow(h fhe.Handle, account common.Address) error
	MakePubliclyDecryptable(h fhe.Handle) error
}

// Checker inspects grants. fhe.Executor satisfies it.
type Checker interface {
	IsAllowed(h fhe.Handle, account common.Address) bool
	IsPubliclyDecryptable(h fhe.Handle) bool
}

// Fresh is a handle with no grants. It may be used as an operand within the
// transaction that produced it but not stored.
type Fresh struct{ h fhe.Handle }

// Wrap marks h as freshly produced.
func Wrap(h fhe.Handle) Fresh { return Fresh{h: h} }

func (f Fresh) Handle() fhe.Handle { return f.h }

// AllowThis grants the calling contract continued use of the value.
func (f Fresh) AllowThis(g Granter) (Usable, error) {
	if err := g.AllowThis(f.h); err != nil {
		return Usable{}, fmt.Errorf("capability: allow self: %w", err)
	}
	return Usable{h: f.h}, nil
}

// Usable is a handle the contract may use in later transactions.
type Usable struct{ h fhe.Handle }

func (u Usable) Handle() fhe.Handle { return u.h }

// Publish marks the value publicly decryptable and additionally lets owner
// decrypt it.
func (u Usable) Publish(g Granter, owner common.Address) (PublicTotal, error) {
	if err := g.MakePubliclyDecryptable(u.h); err != nil {
		return PublicTotal{}, fmt.Errorf("capability: make public: %w", err)
	}
	if err := g.Allow(u.h, owner); err != nil {
		return PublicTotal{}, fmt.Errorf("capability: allow %s: %w", owner.Hex(), err)
	}
	return PublicTotal{h: u.h}, nil
}

// Own lets owner, and only owner besides the contract, decrypt the value.
func (u Usable) Own(g Granter, owner common.Address) (Owned, error) {
	if err := g.Allow(u.h, owner); err != nil {
		return Owned{}, fmt.Errorf("capability: allow %s: %w", owner.Hex(), err)
	}
	return Owned{h: u.h, owner: owner}, nil
}

// PublicTotal is an aggregate the contract can keep computing on and anyone
// can decrypt.
type PublicTotal struct{ h fhe.Handle }

func (p PublicTotal) Handle() fhe.Handle { return p.h }

// Owned is a private value decryptable by its owner.
type Owned struct {
	h     fhe.Handle
	owner common.Address
}

func (o Owned) Handle() fhe.Handle { return o.h }

func (o Owned) Owner() common.Address { return o.owner }

// AdoptPublicTotal re-wraps a stored handle after checking that self is
// allowed on it and that it is public.
func AdoptPublicTotal(c Checker, h fhe.Handle, self common.Address) (PublicTotal, error) {
	if !c.IsAllowed(h, self) || !c.IsPubliclyDecryptable(h) {
		return PublicTotal{}, fmt.Errorf("%w: public total %s", ErrMissingGrant, h)
	}
	return PublicTotal{h: h}, nil
}

// AdoptOwned re-wraps a stored handle after checking self and owner grants.
func AdoptOwned(c Checker, h fhe.Handle, self, owner common.Address) (Owned, error) {
	if !c.IsAllowed(h, self) || !c.IsAllowed(h, owner) {
		return Owned{}, fmt.Errorf("%w: owned value %s", ErrMissingGrant, h)
	}
	return Owned{h: h, owner: owner}, nil
}
