package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	saltSize = 16

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// Service manages the dependent identity lifecycle.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a new identity service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Create generates a key pair for the device, hashes the PIN and stores the
// key sealed under a PIN-derived key. Each device holds one identity.
func (s *Service) Create(ctx context.Context, creds Credentials) (Identity, error) {
	if !validPIN(creds.PIN) {
		return Identity{}, ErrWeakPIN
	}
	if creds.DeviceID == "" {
		return Identity{}, ErrDeviceRequired
	}
	if _, err := s.repo.FindByDevice(ctx, creds.DeviceID); err == nil {
		return Identity{}, ErrIdentityExists
	} else if !errors.Is(err, ErrIdentityMissing) {
		return Identity{}, err
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return Identity{}, fmt.Errorf("generate key: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(creds.PIN), bcrypt.DefaultCost)
	if err != nil {
		return Identity{}, err
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return Identity{}, fmt.Errorf("generate salt: %w", err)
	}
	sealed, err := seal(crypto.FromECDSA(key), creds.PIN, salt)
	if err != nil {
		return Identity{}, err
	}

	identity := Identity{
		ID:        uuid.New().String(),
		Address:   crypto.PubkeyToAddress(key.PublicKey),
		DeviceID:  creds.DeviceID,
		PINHash:   hash,
		Salt:      salt,
		SealedKey: sealed,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.Create(ctx, identity); err != nil {
		return Identity{}, err
	}
	return identity, nil
}

// Get returns the identity for address.
func (s *Service) Get(ctx context.Context, address common.Address) (Identity, error) {
	return s.repo.FindByAddress(ctx, address)
}

// ByDevice returns the identity bound to deviceID.
func (s *Service) ByDevice(ctx context.Context, deviceID string) (Identity, error) {
	return s.repo.FindByDevice(ctx, deviceID)
}

// Unlock verifies pin and returns the identity's private key.
func (s *Service) Unlock(ctx context.Context, address common.Address, pin string) (*ecdsa.PrivateKey, error) {
	identity, err := s.repo.FindByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword(identity.PINHash, []byte(pin)); err != nil {
		return nil, ErrInvalidPIN
	}

	raw, err := open(identity.SealedKey, pin, identity.Salt)
	if err != nil {
		return nil, err
	}
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("decode identity key: %w", err)
	}
	if crypto.PubkeyToAddress(key.PublicKey) != identity.Address {
		return nil, errors.New("identity key does not match stored address")
	}
	return key, nil
}

func validPIN(pin string) bool {
	if len(pin) < 4 {
		return false
	}
	for _, r := range pin {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func deriveKey(pin string, salt []byte) (*[32]byte, error) {
	derived, err := scrypt.Key([]byte(pin), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}
	var key [32]byte
	copy(key[:], derived)
	return &key, nil
}

func seal(plain []byte, pin string, salt []byte) ([]byte, error) {
	key, err := deriveKey(pin, salt)
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, key), nil
}

func open(sealed []byte, pin string, salt []byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, errors.New("sealed key is truncated")
	}
	key, err := deriveKey(pin, salt)
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, key)
	if !ok {
		return nil, ErrInvalidPIN
	}
	return plain, nil
}
