package identity

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrIdentityMissing indicates no dependent identity exists; the device must be onboarded again.
	ErrIdentityMissing = errors.New("dependent identity not found")

	// ErrIdentityExists indicates the device or address already holds an identity.
	ErrIdentityExists = errors.New("dependent identity already exists")

	// ErrInvalidPIN indicates the PIN does not unlock the identity.
	ErrInvalidPIN = errors.New("invalid PIN")

	// ErrWeakPIN indicates the PIN does not meet the minimum format.
	ErrWeakPIN = errors.New("PIN must be at least 4 digits")

	// ErrDeviceRequired indicates the request carried no device identifier.
	ErrDeviceRequired = errors.New("device id is required")
)

// Identity is a dependent's device-held key pair. The private key is only
// stored sealed under a PIN-derived key.
type Identity struct {
	ID        string
	Address   common.Address
	DeviceID  string
	PINHash   []byte
	Salt      []byte
	SealedKey []byte
	CreatedAt time.Time
}

// Credentials request structure.
type Credentials struct {
	PIN      string
	DeviceID string
}
