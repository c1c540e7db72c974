// types.go - Handles, encrypted types and errors shared by the primitives layer.

package fhe

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Type identifies the plaintext domain of an encrypted value.
// The numbering follows the fhEVM type ids.
type Type uint8

const (
	EBool   Type = 0
	EUint8  Type = 2
	EUint64 Type = 5
)

// HandleVersion is stamped into byte 31 of every handle.
const HandleVersion byte = 0

var (
	ErrProofInvalid       = errors.New("fhe: input proof invalid")
	ErrUnknownHandle      = errors.New("fhe: unknown handle")
	ErrNotAllowed         = errors.New("fhe: contract not allowed on handle")
	ErrTypeMismatch       = errors.New("fhe: operand type mismatch")
	ErrUnsupportedType    = errors.New("fhe: unsupported type for operation")
	ErrValueOutOfRange    = errors.New("fhe: value does not fit type")
	ErrNoTransaction      = errors.New("fhe: no active transaction")
	ErrTransactionActive  = errors.New("fhe: transaction already active")
	ErrCorruptCiphertext  = errors.New("fhe: ciphertext failed authentication")
	ErrInvalidNetworkKey  = errors.New("fhe: invalid network key")
	ErrSnapshotMismatched = errors.New("fhe: snapshot does not match network key")
)

// Valid reports whether t is one of the supported encrypted types.
func (t Type) Valid() bool {
	switch t {
	case EBool, EUint8, EUint64:
		return true
	}
	return false
}

// Bits returns the plaintext width of t.
func (t Type) Bits() uint {
	switch t {
	case EBool:
		return 1
	case EUint8:
		return 8
	default:
		return 64
	}
}

// Max returns the largest plaintext representable by t.
func (t Type) Max() uint64 {
	if t.Bits() == 64 {
		return ^uint64(0)
	}
	return (uint64(1) << t.Bits()) - 1
}

func (t Type) String() string {
	switch t {
	case EBool:
		return "ebool"
	case EUint8:
		return "euint8"
	case EUint64:
		return "euint64"
	}
	return fmt.Sprintf("etype(%d)", uint8(t))
}

// Handle is an opaque reference to an encrypted value. It carries no
// plaintext and no implicit permissions.
type Handle [32]byte

// BuildHandle stamps type and version metadata onto a 32-byte digest.
func BuildHandle(digest []byte, t Type) Handle {
	var h Handle
	copy(h[:], digest)
	h[30] = byte(t)
	h[31] = HandleVersion
	return h
}

// Type returns the encrypted type recorded in the handle metadata.
func (h Handle) Type() Type { return Type(h[30]) }

// IsZero reports whether h is the all-zero handle used for absent values.
func (h Handle) IsZero() bool { return h == Handle{} }

// Hash returns the handle in go-ethereum's bytes32 layout.
func (h Handle) Hash() common.Hash { return common.Hash(h) }

func (h Handle) Hex() string { return hexutil.Encode(h[:]) }

func (h Handle) String() string { return h.Hex() }

// MarshalText encodes the handle as 0x-prefixed hex.
func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

// UnmarshalText decodes a 0x-prefixed 32-byte hex string.
func (h *Handle) UnmarshalText(text []byte) error {
	b, err := hexutil.Decode(string(text))
	if err != nil {
		return fmt.Errorf("fhe: decode handle: %w", err)
	}
	if len(b) != len(h) {
		return fmt.Errorf("fhe: handle must be %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return nil
}

// HandleFromHex parses a handle from its hex form.
func HandleFromHex(s string) (Handle, error) {
	var h Handle
	err := h.UnmarshalText([]byte(s))
	return h, err
}
