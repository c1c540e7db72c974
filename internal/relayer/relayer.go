// Package relayer reveals ciphertexts to the principals the engine granted.
//
// User decryption requires an EIP-712 signature from the user, a live
// validity window and grants for both the user and the contract on every
// handle. Public decryption only works on handles marked public.
package relayer

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"encledger/internal/fhe"
)

var (
	ErrBadSignature   = errors.New("relayer: signature does not match user")
	ErrExpired        = errors.New("relayer: request outside its validity window")
	ErrNotAllowed     = errors.New("relayer: decryption not allowed")
	ErrNotPublic      = errors.New("relayer: handle is not publicly decryptable")
	ErrInvalidRequest = errors.New("relayer: invalid request")
)

// DefaultMaxDurationDays bounds the validity window a user may sign.
const DefaultMaxDurationDays = 365

// MaxHandles bounds the handles decrypted by one request.
const MaxHandles = 64

// KMS is the decryption side of the coprocessor together with its grants.
type KMS interface {
	Decrypt(h fhe.Handle) (uint64, error)
	IsAllowed(h fhe.Handle, account common.Address) bool
	IsPubliclyDecryptable(h fhe.Handle) bool
}

// Cleartext is one revealed value.
type Cleartext struct {
	Handle fhe.Handle `json:"handle"`
	Type   string     `json:"type"`
	Value  uint64     `json:"value"`
}

// Result is the answer to one decryption request.
type Result struct {
	RequestID string      `json:"requestId"`
	Values    []Cleartext `json:"values"`
}

type Option func(*Relayer)

func WithClock(clock func() time.Time) Option {
	return func(r *Relayer) { r.clock = clock }
}

func WithMaxDurationDays(days int64) Option {
	return func(r *Relayer) { r.maxDurationDays = days }
}

// Relayer checks requests and forwards them to the KMS.
type Relayer struct {
	domain          Domain
	kms             KMS
	clock           func() time.Time
	maxDurationDays int64
}

func New(domain Domain, kms KMS, opts ...Option) *Relayer {
	r := &Relayer{
		domain:          domain,
		kms:             kms,
		clock:           time.Now,
		maxDurationDays: DefaultMaxDurationDays,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Relayer) Domain() Domain { return r.domain }

// UserDecrypt reveals req.Handles to req.User.
func (r *Relayer) UserDecrypt(req UserDecryptRequest, sig []byte) (*Result, error) {
	if err := r.checkHandles(req.Handles); err != nil {
		return nil, err
	}
	if req.DurationDays <= 0 || req.DurationDays > r.maxDurationDays {
		return nil, fmt.Errorf("%w: duration must be 1..%d days", ErrInvalidRequest, r.maxDurationDays)
	}

	signer, err := recoverSigner(r.domain.Digest(req), sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if signer != req.User {
		return nil, fmt.Errorf("%w: signed by %s", ErrBadSignature, signer.Hex())
	}

	now := r.clock()
	start := time.Unix(req.StartTimestamp, 0)
	end := start.Add(time.Duration(req.DurationDays) * 24 * time.Hour)
	if now.Before(start) || !now.Before(end) {
		return nil, fmt.Errorf("%w: valid from %s to %s", ErrExpired, start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	}

	for _, h := range req.Handles {
		if !r.kms.IsAllowed(h, req.User) {
			return nil, fmt.Errorf("%w: user %s on %s", ErrNotAllowed, req.User.Hex(), h)
		}
		if !r.kms.IsAllowed(h, req.Contract) {
			return nil, fmt.Errorf("%w: contract %s on %s", ErrNotAllowed, req.Contract.Hex(), h)
		}
	}
	return r.decrypt(req.Handles)
}

// PublicDecrypt reveals handles marked publicly decryptable.
func (r *Relayer) PublicDecrypt(handles []fhe.Handle) (*Result, error) {
	if err := r.checkHandles(handles); err != nil {
		return nil, err
	}
	for _, h := range handles {
		if !r.kms.IsPubliclyDecryptable(h) {
			return nil, fmt.Errorf("%w: %s", ErrNotPublic, h)
		}
	}
	return r.decrypt(handles)
}

func (r *Relayer) checkHandles(handles []fhe.Handle) error {
	if len(handles) == 0 {
		return fmt.Errorf("%w: no handles", ErrInvalidRequest)
	}
	if len(handles) > MaxHandles {
		return fmt.Errorf("%w: at most %d handles", ErrInvalidRequest, MaxHandles)
	}
	return nil
}

func (r *Relayer) decrypt(handles []fhe.Handle) (*Result, error) {
	res := &Result{RequestID: uuid.NewString(), Values: make([]Cleartext, len(handles))}
	for i, h := range handles {
		v, err := r.kms.Decrypt(h)
		if err != nil {
			return nil, fmt.Errorf("relayer: decrypt %s: %w", h, err)
		}
		res.Values[i] = Cleartext{Handle: h, Type: h.Type().String(), Value: v}
	}
	return res, nil
}
