// keys.go - BLS12-377 network key used for input encryption and sealing.
//
// Clients encrypt inputs to the network public key with a Diffie-Hellman
// exchange on BLS12-377 G1. The same secret seeds the symmetric key that
// seals stored ciphertexts.

package fhe

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"golang.org/x/crypto/hkdf"
)

const sealingInfo = "encledger/coprocessor/seal/v0"

// NetworkKey is the coprocessor's long-lived key pair.
type NetworkKey struct {
	Sk fr.Element
	Pk bls12377.G1Affine
}

// GenerateNetworkKey samples a fresh BLS12-377 key pair.
func GenerateNetworkKey() (*NetworkKey, error) {
	var sk fr.Element
	if _, err := sk.SetRandom(); err != nil {
		return nil, fmt.Errorf("fhe: sample network secret: %w", err)
	}
	return networkKeyFromSecret(sk)
}

func networkKeyFromSecret(sk fr.Element) (*NetworkKey, error) {
	if sk.IsZero() {
		return nil, ErrInvalidNetworkKey
	}
	_, _, g1, _ := bls12377.Generators()
	k := &NetworkKey{Sk: sk}
	k.Pk.ScalarMultiplication(&g1, sk.BigInt(new(big.Int)))
	return k, nil
}

// Shared computes the DH shared point with a client's ephemeral key.
func (k *NetworkKey) Shared(ephemeral *bls12377.G1Affine) bls12377.G1Affine {
	var shared bls12377.G1Affine
	shared.ScalarMultiplication(ephemeral, k.Sk.BigInt(new(big.Int)))
	return shared
}

// PublicBytes returns the compressed public key.
func (k *NetworkKey) PublicBytes() []byte {
	b := k.Pk.Bytes()
	return b[:]
}

// sealingKey derives the 32-byte AEAD key from the network secret.
func (k *NetworkKey) sealingKey() ([]byte, error) {
	secret := k.Sk.Bytes()
	r := hkdf.New(sha256.New, secret[:], nil, []byte(sealingInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("fhe: derive sealing key: %w", err)
	}
	return key, nil
}

// fingerprint identifies the key in snapshots without revealing it.
func (k *NetworkKey) fingerprint() string {
	sum := sha256.Sum256(k.PublicBytes())
	return hex.EncodeToString(sum[:8])
}

type networkKeyFile struct {
	Secret string `json:"secret"`
	Public string `json:"public"`
}

// SaveToFile writes the key pair as JSON with owner-only permissions.
func (k *NetworkKey) SaveToFile(path string) error {
	sk := k.Sk.Bytes()
	data, err := json.MarshalIndent(networkKeyFile{
		Secret: hex.EncodeToString(sk[:]),
		Public: hex.EncodeToString(k.PublicBytes()),
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadNetworkKey reads a key pair written by SaveToFile.
func LoadNetworkKey(path string) (*NetworkKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f networkKeyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("fhe: decode network key: %w", err)
	}
	raw, err := hex.DecodeString(f.Secret)
	if err != nil || len(raw) != fr.Bytes {
		return nil, ErrInvalidNetworkKey
	}
	var sk fr.Element
	sk.SetBytes(raw)
	return networkKeyFromSecret(sk)
}

// LoadOrGenerateNetworkKey loads the key at path, generating and saving a
// new one when the file does not exist.
func LoadOrGenerateNetworkKey(path string) (*NetworkKey, error) {
	if k, err := LoadNetworkKey(path); err == nil {
		return k, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	k, err := GenerateNetworkKey()
	if err != nil {
		return nil, err
	}
	if err := k.SaveToFile(path); err != nil {
		return nil, fmt.Errorf("fhe: save network key: %w", err)
	}
	return k, nil
}
