package agglayer

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// RootProvider supplies the trusted batch root for a block, independently of
// what the aggregation layer claims.
type RootProvider interface {
	BatchRoot(ctx context.Context, block uint64) (common.Hash, error)
}

// StaticRootProvider serves fixed roots, for development and tests.
type StaticRootProvider struct {
	mu    sync.RWMutex
	roots map[uint64]common.Hash
}

func NewStaticRootProvider() *StaticRootProvider {
	return &StaticRootProvider{roots: make(map[uint64]common.Hash)}
}

func (p *StaticRootProvider) SetRoot(block uint64, root common.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roots[block] = root
}

func (p *StaticRootProvider) BatchRoot(_ context.Context, block uint64) (common.Hash, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	root, ok := p.roots[block]
	if !ok {
		return common.Hash{}, fmt.Errorf("no batch root known for block %d", block)
	}
	return root, nil
}

// ChainRootProvider reads the aggregation contract's published batch root
// from its storage slot at a given block.
type ChainRootProvider struct {
	client   *ethclient.Client
	contract common.Address
	slot     common.Hash
}

func NewChainRootProvider(rpcURL string, contract common.Address, slot common.Hash) (*ChainRootProvider, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum node: %v", err)
	}
	return &ChainRootProvider{client: client, contract: contract, slot: slot}, nil
}

func (p *ChainRootProvider) BatchRoot(ctx context.Context, block uint64) (common.Hash, error) {
	value, err := p.client.StorageAt(ctx, p.contract, p.slot, new(big.Int).SetUint64(block))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to read batch root from contract: %v", err)
	}
	return common.BytesToHash(value), nil
}
