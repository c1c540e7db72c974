package inputs

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
)

// Type tags as they appear in the circuit. They match fhe.Type.
const (
	tagBool   = 0
	tagUint8  = 2
	tagUint64 = 5
)

// Circuit proves knowledge of the plaintext behind an encrypted input and
// binds it to the submitting owner, the target contract and the declared type.
type Circuit struct {
	// ====== PUBLIC VARIABLES ======
	Commitment frontend.Variable    `gnark:",public"` // MiMC(type, value, salt, owner, contract)
	CAux       [2]frontend.Variable `gnark:",public"` // Masked (value, salt)
	Owner      frontend.Variable    `gnark:",public"`
	Contract   frontend.Variable    `gnark:",public"`
	TypeTag    frontend.Variable    `gnark:",public"`

	// ====== PRIVATE VARIABLES ======
	Value frontend.Variable
	Salt  frontend.Variable
	Mask  [2]frontend.Variable
}

// Define implements the circuit constraints.
func (c *Circuit) Define(api frontend.API) error {
	hasher, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}

	// 1) cm = MiMC(type || value || salt || owner || contract)
	hasher.Write(c.TypeTag, c.Value, c.Salt, c.Owner, c.Contract)
	api.AssertIsEqual(c.Commitment, hasher.Sum())

	// 2) mask chain and masked payload
	hasher.Reset()
	hasher.Write(c.Mask[0])
	api.AssertIsEqual(c.Mask[1], hasher.Sum())
	api.AssertIsEqual(c.CAux[0], api.Add(c.Value, c.Mask[0]))
	api.AssertIsEqual(c.CAux[1], api.Add(c.Salt, c.Mask[1]))

	// 3) value fits the declared type
	isBool := api.IsZero(api.Sub(c.TypeTag, tagBool))
	isUint8 := api.IsZero(api.Sub(c.TypeTag, tagUint8))
	isUint64 := api.IsZero(api.Sub(c.TypeTag, tagUint64))
	api.AssertIsEqual(api.Add(isBool, isUint8, isUint64), 1)

	bits := api.ToBinary(c.Value, 64)
	for i := 1; i < 8; i++ {
		api.AssertIsEqual(api.Mul(bits[i], isBool), 0)
	}
	narrow := api.Sub(1, isUint64)
	for i := 8; i < 64; i++ {
		api.AssertIsEqual(api.Mul(bits[i], narrow), 0)
	}
	return nil
}
