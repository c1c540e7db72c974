// inputs.go - Client-side encryption of external inputs and their opening by
// the network.
//
// A client masks (value, salt) with a MiMC chain seeded by a Diffie-Hellman
// point shared with the network key, commits to the plaintext together with
// its owner and target contract, and proves all of it in zero knowledge.
// The resulting envelope travels as the proof bytes of fhe.VerifyInput.

package inputs

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"
	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	bw6fr "github.com/consensys/gnark-crypto/ecc/bw6-761/fr"
	mimcNative "github.com/consensys/gnark-crypto/ecc/bw6-761/fr/mimc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fxamacker/cbor/v2"

	"encledger/internal/fhe"
)

const handleDomain = "encledger/input/v0"

// Envelope is the wire form of an encrypted input. Field elements are
// 48-byte big-endian encodings in the BW6-761 scalar field.
type Envelope struct {
	Type       uint8     `cbor:"1,keyasint"`
	Commitment []byte    `cbor:"2,keyasint"`
	CAux       [2][]byte `cbor:"3,keyasint"`
	Ephemeral  []byte    `cbor:"4,keyasint"` // compressed BLS12-377 G1 point
	Proof      []byte    `cbor:"5,keyasint"` // Groth16 proof
}

// EncryptedInput is what a client submits: a handle and the proof bytes
// the coprocessor verifies it with.
type EncryptedInput struct {
	Handle fhe.Handle
	Proof  []byte
}

// Marshal encodes the envelope as CBOR.
func (e *Envelope) Marshal() ([]byte, error) {
	return cbor.Marshal(e)
}

// UnmarshalEnvelope decodes CBOR proof bytes.
func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	if len(e.Commitment) != bw6fr.Bytes || len(e.CAux[0]) != bw6fr.Bytes || len(e.CAux[1]) != bw6fr.Bytes {
		return nil, fmt.Errorf("inputs: field elements must be %d bytes", bw6fr.Bytes)
	}
	return &e, nil
}

// HandleFor derives the handle an envelope is addressed by. It binds the
// ciphertext to the owner and the contract allowed to ingest it.
func HandleFor(e *Envelope, owner, contract common.Address) fhe.Handle {
	digest := crypto.Keccak256(
		[]byte(handleDomain),
		e.Commitment, e.CAux[0], e.CAux[1], e.Ephemeral,
		owner.Bytes(), contract.Bytes(),
	)
	return fhe.BuildHandle(digest, fhe.Type(e.Type))
}

// Encrypt encrypts value as type t for owner, usable only by contract, and
// proves the encryption well formed.
func Encrypt(keys *Keys, network *bls12377.G1Affine, value uint64, t fhe.Type, owner, contract common.Address) (*EncryptedInput, error) {
	if !t.Valid() {
		return nil, fhe.ErrUnsupportedType
	}
	if value > t.Max() {
		return nil, fmt.Errorf("%w: %d as %s", fhe.ErrValueOutOfRange, value, t)
	}

	// Step 1: ephemeral DH key with the network
	eph, err := fhe.GenerateNetworkKey()
	if err != nil {
		return nil, err
	}
	shared := eph.Shared(network)
	masks := maskChain(&shared)

	// Step 2: commitment and masked payload
	var val, salt, tag bw6fr.Element
	val.SetUint64(value)
	if _, err := salt.SetRandom(); err != nil {
		return nil, fmt.Errorf("inputs: sample salt: %w", err)
	}
	tag.SetUint64(uint64(t))
	ownerEl, contractEl := addressElement(owner), addressElement(contract)
	cm := mimcElements(&tag, &val, &salt, &ownerEl, &contractEl)

	var caux [2]bw6fr.Element
	caux[0].Add(&val, &masks[0])
	caux[1].Add(&salt, &masks[1])

	// Step 3: Groth16 proof
	witness := &Circuit{
		Commitment: elementBig(&cm),
		CAux:       [2]frontend.Variable{elementBig(&caux[0]), elementBig(&caux[1])},
		Owner:      elementBig(&ownerEl),
		Contract:   elementBig(&contractEl),
		TypeTag:    uint64(t),
		Value:      value,
		Salt:       elementBig(&salt),
		Mask:       [2]frontend.Variable{elementBig(&masks[0]), elementBig(&masks[1])},
	}
	w, err := frontend.NewWitness(witness, ecc.BW6_761.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("inputs: build witness: %w", err)
	}
	proof, err := groth16.Prove(keys.CCS, keys.PK, w)
	if err != nil {
		return nil, fmt.Errorf("inputs: prove: %w", err)
	}
	var proofBuf bytes.Buffer
	if _, err := proof.WriteTo(&proofBuf); err != nil {
		return nil, err
	}

	env := &Envelope{
		Type:       uint8(t),
		Commitment: elementBytes(&cm),
		CAux:       [2][]byte{elementBytes(&caux[0]), elementBytes(&caux[1])},
		Ephemeral:  eph.PublicBytes(),
		Proof:      proofBuf.Bytes(),
	}
	raw, err := env.Marshal()
	if err != nil {
		return nil, fmt.Errorf("inputs: encode envelope: %w", err)
	}
	return &EncryptedInput{Handle: HandleFor(env, owner, contract), Proof: raw}, nil
}

// Open removes the mask with the network key and checks the plaintext
// against the commitment. It returns the value and salt.
func Open(e *Envelope, key *fhe.NetworkKey, owner, contract common.Address) (uint64, bw6fr.Element, error) {
	var eph bls12377.G1Affine
	if _, err := eph.SetBytes(e.Ephemeral); err != nil {
		return 0, bw6fr.Element{}, fmt.Errorf("inputs: ephemeral key: %w", err)
	}
	shared := key.Shared(&eph)
	masks := maskChain(&shared)

	var caux0, caux1, cm, val, salt, tag bw6fr.Element
	caux0.SetBytes(e.CAux[0])
	caux1.SetBytes(e.CAux[1])
	cm.SetBytes(e.Commitment)
	val.Sub(&caux0, &masks[0])
	salt.Sub(&caux1, &masks[1])
	tag.SetUint64(uint64(e.Type))

	ownerEl, contractEl := addressElement(owner), addressElement(contract)
	want := mimcElements(&tag, &val, &salt, &ownerEl, &contractEl)
	if !want.Equal(&cm) {
		return 0, bw6fr.Element{}, fmt.Errorf("inputs: commitment mismatch")
	}
	if !val.IsUint64() {
		return 0, bw6fr.Element{}, fmt.Errorf("inputs: value exceeds 64 bits")
	}
	return val.Uint64(), salt, nil
}

// maskChain computes mask0 = MiMC(shared.X, shared.Y), mask1 = MiMC(mask0).
func maskChain(shared *bls12377.G1Affine) [2]bw6fr.Element {
	var x, y bw6fr.Element
	xb, yb := shared.X.Bytes(), shared.Y.Bytes()
	x.SetBytes(xb[:])
	y.SetBytes(yb[:])
	m0 := mimcElements(&x, &y)
	m1 := mimcElements(&m0)
	return [2]bw6fr.Element{m0, m1}
}

func mimcElements(elems ...*bw6fr.Element) bw6fr.Element {
	h := mimcNative.NewMiMC()
	for _, e := range elems {
		b := e.Bytes()
		h.Write(b[:])
	}
	var out bw6fr.Element
	out.SetBytes(h.Sum(nil))
	return out
}

func addressElement(a common.Address) bw6fr.Element {
	var e bw6fr.Element
	e.SetBytes(a.Bytes())
	return e
}

func elementBytes(e *bw6fr.Element) []byte {
	b := e.Bytes()
	return b[:]
}

func elementBig(e *bw6fr.Element) *big.Int {
	return e.BigInt(new(big.Int))
}

func bytesBig(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}
