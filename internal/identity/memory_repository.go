package identity

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type memoryRepository struct {
	mu         sync.RWMutex
	identities map[common.Address]Identity
	devices    map[string]common.Address
}

// NewMemoryRepository builds an in-memory identity store for development and tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		identities: make(map[common.Address]Identity),
		devices:    make(map[string]common.Address),
	}
}

func (r *memoryRepository) Create(_ context.Context, identity Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.identities[identity.Address]; exists {
		return ErrIdentityExists
	}
	if _, exists := r.devices[identity.DeviceID]; exists {
		return ErrIdentityExists
	}
	r.identities[identity.Address] = identity
	r.devices[identity.DeviceID] = identity.Address
	return nil
}

func (r *memoryRepository) FindByAddress(_ context.Context, address common.Address) (Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.identities[address]
	if !ok {
		return Identity{}, ErrIdentityMissing
	}
	return identity, nil
}

func (r *memoryRepository) FindByDevice(_ context.Context, deviceID string) (Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	address, ok := r.devices[deviceID]
	if !ok {
		return Identity{}, ErrIdentityMissing
	}
	return r.identities[address], nil
}
