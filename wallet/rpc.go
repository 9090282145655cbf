package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
)

// RPCProvider is a headless Provider over a JSON-RPC endpoint with a
// local signing key. SwitchChain re-dials the RPC endpoint of the target
// network; chains outside the static table must be added first.
type RPCProvider struct {
	mu       sync.Mutex
	client   *ethclient.Client
	key      *ecdsa.PrivateKey
	address  common.Address
	chainID  uint64
	networks map[uint64]Network
	events   chan ProviderEvent
}

// NewRPCProvider dials rpcURL and loads the signing key from keyHex.
func NewRPCProvider(ctx context.Context, rpcURL, keyHex string) (*RPCProvider, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to query chain ID: %w", err)
	}

	networks := make(map[uint64]Network, len(Networks))
	for id, n := range Networks {
		networks[id] = n
	}

	return &RPCProvider{
		client:   client,
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID.Uint64(),
		networks: networks,
		events:   make(chan ProviderEvent, 16),
	}, nil
}

// NewRPCProviderFromKeyFile reads the hex-encoded signing key from path.
func NewRPCProviderFromKeyFile(ctx context.Context, rpcURL, path string) (*RPCProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return NewRPCProvider(ctx, rpcURL, string(data))
}

func (p *RPCProvider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	return []common.Address{p.address}, nil
}

func (p *RPCProvider) ChainID(ctx context.Context) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chainID, nil
}

func (p *RPCProvider) SwitchChain(ctx context.Context, chainID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.chainID == chainID {
		return nil
	}

	network, ok := p.networks[chainID]
	if !ok || len(network.RPCURLs) == 0 {
		return &ProviderError{Code: CodeUnknownChain, Message: fmt.Sprintf("chain %d is not configured", chainID)}
	}

	client, err := ethclient.DialContext(ctx, network.RPCURLs[0])
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", network.Name, err)
	}
	actual, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to query chain ID: %w", err)
	}
	if actual.Uint64() != chainID {
		client.Close()
		return fmt.Errorf("endpoint %s reports chain %d, expected %d", network.RPCURLs[0], actual.Uint64(), chainID)
	}

	p.client.Close()
	p.client = client
	p.chainID = chainID

	log.Info().Uint64("chain_id", chainID).Str("network", network.Name).Msg("Switched chain")

	select {
	case p.events <- ProviderEvent{Kind: EventChainChanged, ChainID: chainID}:
	default:
	}
	return nil
}

func (p *RPCProvider) AddChain(ctx context.Context, network Network) error {
	if network.ChainID == 0 || len(network.RPCURLs) == 0 {
		return fmt.Errorf("network definition needs a chain ID and an RPC URL")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.networks[network.ChainID] = network
	return nil
}

func (p *RPCProvider) SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error) {
	p.mu.Lock()
	client, chainID := p.client, p.chainID
	p.mu.Unlock()

	nonce, err := client.PendingNonceAt(ctx, p.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to fetch nonce: %w", err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to fetch gas price: %w", err)
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		gasLimit, err = client.EstimateGas(ctx, ethereum.CallMsg{
			From:  p.address,
			To:    req.To,
			Value: req.Value,
			Data:  req.Data,
		})
		if err != nil {
			return common.Hash{}, fmt.Errorf("failed to estimate gas: %w", err)
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       req.To,
		Value:    req.Value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     req.Data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(new(big.Int).SetUint64(chainID)), p.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("failed to broadcast transaction: %w", err)
	}
	return signed.Hash(), nil
}

func (p *RPCProvider) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	return client.CallContract(ctx, msg, nil)
}

func (p *RPCProvider) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if msg.From == (common.Address{}) {
		msg.From = p.address
	}
	return client.EstimateGas(ctx, msg)
}

func (p *RPCProvider) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	return client.BalanceAt(ctx, addr, nil)
}

func (p *RPCProvider) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	return client.TransactionReceipt(ctx, hash)
}

func (p *RPCProvider) BlockNumber(ctx context.Context) (uint64, error) {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	return client.BlockNumber(ctx)
}

func (p *RPCProvider) Events() <-chan ProviderEvent {
	return p.events
}

func (p *RPCProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client.Close()
	close(p.events)
}
