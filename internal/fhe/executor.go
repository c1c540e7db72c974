package fhe

import "github.com/ethereum/go-ethereum/common"

// Executor is the encrypted-arithmetic capability consumed by the engine.
// All operations run on behalf of the contract of the active transaction and
// return handles that are only transiently usable by that contract.
type Executor interface {
	// TrivialEncrypt encodes a public constant as a ciphertext of type t.
	TrivialEncrypt(value uint64, t Type) (Handle, error)
	// VerifyInput ingests a user-supplied ciphertext after checking its proof.
	// It fails with ErrProofInvalid when the proof does not match.
	VerifyInput(input Handle, proof []byte, user, contract common.Address, t Type) (Handle, error)

	Add(a, b Handle) (Handle, error)
	// Eq returns an ebool handle encrypting a == b.
	Eq(a, b Handle) (Handle, error)
	// Select returns a where cond is true and b otherwise. The work done is
	// the same for both outcomes.
	Select(cond, a, b Handle) (Handle, error)

	// AllowThis lets the calling contract use h in later transactions.
	AllowThis(h Handle) error
	// Allow lets account decrypt h.
	Allow(h Handle, account common.Address) error
	// MakePubliclyDecryptable lets anyone decrypt h.
	MakePubliclyDecryptable(h Handle) error

	IsAllowed(h Handle, account common.Address) bool
	IsPubliclyDecryptable(h Handle) bool
}

// InputVerifier checks an externally produced ciphertext and its proof and
// returns the plaintext it commits to. Implementations must wrap every
// rejection in ErrProofInvalid.
type InputVerifier interface {
	Open(input Handle, proof []byte, user, contract common.Address, t Type) (uint64, error)
}
