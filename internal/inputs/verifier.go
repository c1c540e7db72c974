package inputs

import (
	"bytes"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"
	"github.com/ethereum/go-ethereum/common"

	"encledger/internal/fhe"
)

// Verifier checks encrypted inputs for the coprocessor. It holds the
// verifying key of the input circuit and the network key used to unmask.
type Verifier struct {
	vk  groth16.VerifyingKey
	key *fhe.NetworkKey
}

var _ fhe.InputVerifier = (*Verifier)(nil)

func NewVerifier(vk groth16.VerifyingKey, key *fhe.NetworkKey) *Verifier {
	return &Verifier{vk: vk, key: key}
}

// Open implements fhe.InputVerifier. Every failure wraps fhe.ErrProofInvalid.
func (v *Verifier) Open(input fhe.Handle, proof []byte, user, contract common.Address, t fhe.Type) (uint64, error) {
	env, err := UnmarshalEnvelope(proof)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", fhe.ErrProofInvalid, err)
	}
	if fhe.Type(env.Type) != t {
		return 0, fmt.Errorf("%w: envelope type %s, want %s", fhe.ErrProofInvalid, fhe.Type(env.Type), t)
	}
	if HandleFor(env, user, contract) != input {
		return 0, fmt.Errorf("%w: handle does not match envelope", fhe.ErrProofInvalid)
	}
	if err := v.verifyProof(env, user, contract); err != nil {
		return 0, fmt.Errorf("%w: %v", fhe.ErrProofInvalid, err)
	}
	value, _, err := Open(env, v.key, user, contract)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", fhe.ErrProofInvalid, err)
	}
	return value, nil
}

func (v *Verifier) verifyProof(env *Envelope, user, contract common.Address) error {
	proof := groth16.NewProof(ecc.BW6_761)
	if _, err := proof.ReadFrom(bytes.NewReader(env.Proof)); err != nil {
		return fmt.Errorf("cannot unmarshal proof: %w", err)
	}

	owner, target := addressElement(user), addressElement(contract)
	publicWitness := &Circuit{
		Commitment: bytesBig(env.Commitment),
		CAux:       [2]frontend.Variable{bytesBig(env.CAux[0]), bytesBig(env.CAux[1])},
		Owner:      elementBig(&owner),
		Contract:   elementBig(&target),
		TypeTag:    uint64(env.Type),
	}
	w, err := frontend.NewWitness(publicWitness, ecc.BW6_761.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return fmt.Errorf("cannot build public witness: %w", err)
	}
	return groth16.Verify(proof, v.vk, w)
}
