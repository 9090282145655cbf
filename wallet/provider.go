// Package wallet manages the wallet connection lifecycle: connecting a
// signing provider, keeping it on the target chain, persisting the
// session, and tracking transactions to finality.
package wallet

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Provider error codes, matching the EIP-1193 convention wallets use.
const (
	CodeUserRejected = 4001
	CodeUnknownChain = 4902
)

// ProviderError is a structured refusal from the wallet provider.
type ProviderError struct {
	Code    int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

// ProviderEventKind distinguishes provider notifications.
type ProviderEventKind string

const (
	EventAccountsChanged ProviderEventKind = "accounts_changed"
	EventChainChanged    ProviderEventKind = "chain_changed"
)

// ProviderEvent is an asynchronous notification from the provider. An
// AccountsChanged event with no accounts means the wallet disconnected.
type ProviderEvent struct {
	Kind     ProviderEventKind
	Accounts []common.Address
	ChainID  uint64
}

// TxRequest describes a transaction to send. A zero GasLimit asks the
// gateway to estimate.
type TxRequest struct {
	To       *common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64
}

// Provider is the signing backend behind the gateway. RPCProvider is the
// production implementation; tests substitute fakes.
type Provider interface {
	// RequestAccounts asks the wallet for its accounts, prompting the
	// user if needed.
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	// ChainID returns the chain the provider is currently on.
	ChainID(ctx context.Context) (uint64, error)
	// SwitchChain moves the provider to chainID. Unknown chains fail
	// with CodeUnknownChain.
	SwitchChain(ctx context.Context, chainID uint64) error
	// AddChain registers a network so a later SwitchChain can reach it.
	AddChain(ctx context.Context, network Network) error
	// SendTransaction signs and broadcasts tx.
	SendTransaction(ctx context.Context, tx TxRequest) (common.Hash, error)
	// CallContract executes a read-only call.
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	// EstimateGas estimates the gas for msg.
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	// BalanceAt returns the current balance of addr in wei.
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
	// TransactionReceipt returns the receipt for hash, or
	// ethereum.NotFound while the transaction is pending.
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	// BlockNumber returns the latest block height.
	BlockNumber(ctx context.Context) (uint64, error)
	// Events delivers asynchronous provider notifications.
	Events() <-chan ProviderEvent
	// Close releases the provider.
	Close()
}
