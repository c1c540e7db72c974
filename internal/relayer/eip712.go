package relayer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"encledger/internal/fhe"
)

var (
	// EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)

	// UserDecryptRequest(address user,address contract,bytes32[] handles,uint256 startTimestamp,uint256 durationDays)
	userDecryptTypeHash = ethcrypto.Keccak256(
		[]byte("UserDecryptRequest(address user,address contract,bytes32[] handles,uint256 startTimestamp,uint256 durationDays)"),
	)
)

// Domain is the EIP-712 signing domain of the decryption service.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// Separator returns keccak256(abi.encode(typeHash, nameHash, versionHash, chainId, verifyingContract)).
func (d Domain) Separator() []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(d.Name)),
			ethcrypto.Keccak256([]byte(d.Version)),
			bigIntTo32Bytes(d.ChainID),
			common.LeftPadBytes(d.VerifyingContract.Bytes(), 32),
		),
	)
}

// UserDecryptRequest asks for the cleartexts of handles on behalf of User.
// It is valid for DurationDays days from StartTimestamp (unix seconds).
type UserDecryptRequest struct {
	User           common.Address `json:"user"`
	Contract       common.Address `json:"contract"`
	Handles        []fhe.Handle   `json:"handles"`
	StartTimestamp int64          `json:"startTimestamp"`
	DurationDays   int64          `json:"durationDays"`
}

// StructHash encodes the request per EIP-712. The handle array is hashed as
// keccak256 of its concatenated elements.
func (r UserDecryptRequest) StructHash() []byte {
	handles := make([][]byte, len(r.Handles))
	for i, h := range r.Handles {
		handles[i] = h.Hash().Bytes()
	}
	return ethcrypto.Keccak256(
		concatBytes(
			userDecryptTypeHash,
			common.LeftPadBytes(r.User.Bytes(), 32),
			common.LeftPadBytes(r.Contract.Bytes(), 32),
			ethcrypto.Keccak256(concatBytes(handles...)),
			bigIntTo32Bytes(big.NewInt(r.StartTimestamp)),
			bigIntTo32Bytes(big.NewInt(r.DurationDays)),
		),
	)
}

// Digest computes keccak256("\x19\x01" || domainSeparator || structHash).
func (d Domain) Digest(r UserDecryptRequest) []byte {
	return eip712Hash(d.Separator(), r.StructHash())
}

// Signer signs decryption requests with a secp256k1 key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner parses a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("relayer: invalid private key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner() (*Signer, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

func (s *Signer) Address() common.Address { return s.address }

// SignUserDecrypt returns the 65-byte r || s || v signature of req with v in
// {27, 28}.
func (s *Signer) SignUserDecrypt(d Domain, req UserDecryptRequest) ([]byte, error) {
	sig, err := ethcrypto.Sign(d.Digest(req), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("relayer: signing: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// recoverSigner returns the address that produced sig over digest.
func recoverSigner(digest, sig []byte) (common.Address, error) {
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes", ethcrypto.SignatureLength)
	}
	norm := append([]byte(nil), sig...)
	if norm[64] >= 27 {
		norm[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest, norm)
	if err != nil {
		return common.Address{}, err
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(concatBytes([]byte{0x19, 0x01}, domainSep, structHash))
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}

func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
