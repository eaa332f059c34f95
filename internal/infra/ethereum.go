package infra

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"
)

// NewEthClient dials the ledger RPC endpoint and verifies it serves chainID.
func NewEthClient(ctx context.Context, url string, chainID uint64) (*ethclient.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("rpc url is required")
	}

	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	id, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	if !id.IsUint64() || id.Uint64() != chainID {
		client.Close()
		return nil, fmt.Errorf("rpc serves chain %s, expected %d", id, chainID)
	}

	return client, nil
}
