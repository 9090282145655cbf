package wallet

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"

	"github.com/meridian-io/gateway/eventbus"
	"github.com/meridian-io/gateway/fault"
	"github.com/meridian-io/gateway/kvstore"
)

// Session persistence keys.
const (
	keyAddress        = "address"
	keyChainID        = "chain_id"
	keyConnected      = "wallet_connected"
	keyLastConnection = "last_connection_time"
	keyUserType       = "user_type"
)

// Roles a connected account can hold in the marketplace.
const (
	RoleProvider = "provider"
	RoleBuyer    = "buyer"
)

// gasBufferPercent pads gas estimates so transactions survive small
// state drift between estimation and inclusion.
const gasBufferPercent = 20

// Session is the connected wallet state.
type Session struct {
	Address     common.Address `json:"address"`
	ChainID     uint64         `json:"chainId"`
	Role        string         `json:"role,omitempty"`
	ConnectedAt time.Time      `json:"connectedAt"`
}

// TxState is the lifecycle stage of a sent transaction.
type TxState string

const (
	TxPending    TxState = "pending"
	TxConfirming TxState = "confirming"
	TxSuccess    TxState = "success"
	TxFailed     TxState = "failed"
)

// TxStatus reports where a transaction stands relative to finality.
type TxStatus struct {
	State         TxState `json:"state"`
	Confirmations uint64  `json:"confirmations"`
	BlockNumber   uint64  `json:"blockNumber,omitempty"`
}

// Gateway drives the wallet connection state machine: connect, keep the
// provider on the target chain, persist the session across restarts, and
// translate provider refusals into gateway faults.
type Gateway struct {
	mu          sync.Mutex
	provider    Provider
	session     kvstore.Store
	bus         *eventbus.Bus
	target      uint64
	depth       uint64
	now         func() time.Time
	connected   bool
	address     common.Address
	chainID     uint64
	role        string
	watching    bool
	watchDone   chan struct{}
}

// NewGateway builds a gateway. confirmationDepth is the number of
// confirmations required before a transaction counts as final.
func NewGateway(provider Provider, store kvstore.Store, bus *eventbus.Bus, targetChainID, confirmationDepth uint64) *Gateway {
	if confirmationDepth == 0 {
		confirmationDepth = 12
	}
	return &Gateway{
		provider: provider,
		session:  kvstore.Namespaced(store, "session"),
		bus:      bus,
		target:   targetChainID,
		depth:    confirmationDepth,
		now:      time.Now,
	}
}

// Connect establishes a wallet session, switching the provider to the
// target chain when it is elsewhere.
func (g *Gateway) Connect(ctx context.Context) (Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.provider == nil {
		return Session{}, fault.New(fault.KindNoWalletDetected)
	}

	accounts, err := g.provider.RequestAccounts(ctx)
	if err != nil {
		return Session{}, classify(err, fault.KindWalletConnectionFailed)
	}
	if len(accounts) == 0 {
		return Session{}, fault.New(fault.KindWalletConnectionFailed).WithMessage("wallet returned no accounts")
	}

	chainID, err := g.provider.ChainID(ctx)
	if err != nil {
		return Session{}, fault.Wrap(fault.KindWalletConnectionFailed, err)
	}
	if chainID != g.target {
		if err := g.ensureChain(ctx, g.target); err != nil {
			return Session{}, err
		}
		chainID = g.target
	}

	g.connected = true
	g.address = accounts[0]
	g.chainID = chainID
	connectedAt := g.now().UTC()
	if err := g.persistSession(connectedAt); err != nil {
		return Session{}, err
	}
	if stored, err := g.session.Get(keyUserType); err == nil {
		g.role = string(stored)
	}

	if !g.watching {
		g.watching = true
		g.watchDone = make(chan struct{})
		go g.watch()
	}

	log.Info().
		Str("address", g.address.Hex()).
		Uint64("chain_id", chainID).
		Msg("Wallet connected")

	return Session{Address: g.address, ChainID: chainID, Role: g.role, ConnectedAt: connectedAt}, nil
}

// SetRole records whether the account acts as a dataset provider or a
// license buyer. The role survives restarts alongside the session.
func (g *Gateway) SetRole(role string) error {
	if role != RoleProvider && role != RoleBuyer {
		return fault.New(fault.KindValidationError).WithMessage("role must be provider or buyer")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.session.Set(keyUserType, []byte(role)); err != nil {
		return fault.Wrap(fault.KindVaultWriteFailed, err)
	}
	g.role = role
	return nil
}

// Role returns the stored account role, empty when never set.
func (g *Gateway) Role() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.role
}

// RestoreSession resumes a persisted session from a previous run. The
// wallet is re-queried; a changed account updates the session and emits
// an account_changed event.
func (g *Gateway) RestoreSession(ctx context.Context) (Session, error) {
	flag, err := g.session.Get(keyConnected)
	if errors.Is(err, kvstore.ErrKeyNotFound) || (err == nil && string(flag) != "1") {
		return Session{}, fault.New(fault.KindNotFound).WithMessage("no stored wallet session")
	}
	if err != nil {
		return Session{}, fault.Wrap(fault.KindReadFailed, err)
	}

	stored, err := g.session.Get(keyAddress)
	if err != nil && !errors.Is(err, kvstore.ErrKeyNotFound) {
		return Session{}, fault.Wrap(fault.KindReadFailed, err)
	}

	sess, err := g.Connect(ctx)
	if err != nil {
		return Session{}, err
	}

	if len(stored) > 0 && common.HexToAddress(string(stored)) != sess.Address {
		log.Warn().
			Str("stored", string(stored)).
			Str("current", sess.Address.Hex()).
			Msg("Wallet account changed since last session")
		g.publish(eventbus.Event{
			Kind:    eventbus.KindAccountChanged,
			Address: sess.Address.Hex(),
			ChainID: sess.ChainID,
		})
	}
	return sess, nil
}

// Disconnect ends the session and clears the persisted state.
func (g *Gateway) Disconnect() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disconnectLocked()
}

func (g *Gateway) disconnectLocked() error {
	if !g.connected {
		return nil
	}
	g.connected = false
	address := g.address
	g.address = common.Address{}
	g.role = ""

	for _, key := range []string{keyAddress, keyChainID, keyLastConnection, keyUserType} {
		if err := g.session.Delete(key); err != nil && !errors.Is(err, kvstore.ErrKeyNotFound) {
			return fault.Wrap(fault.KindDeleteFailed, err)
		}
	}
	if err := g.session.Set(keyConnected, []byte("0")); err != nil {
		return fault.Wrap(fault.KindVaultWriteFailed, err)
	}

	log.Info().Str("address", address.Hex()).Msg("Wallet disconnected")
	g.publish(eventbus.Event{Kind: eventbus.KindDisconnected, Address: address.Hex()})
	return nil
}

// SwitchNetwork moves the session to chainID, registering the network
// with the provider first when it is unknown there.
func (g *Gateway) SwitchNetwork(ctx context.Context, chainID uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.requireConnected(); err != nil {
		return err
	}
	if err := g.ensureChain(ctx, chainID); err != nil {
		return err
	}

	g.chainID = chainID
	if err := g.session.Set(keyChainID, []byte(strconv.FormatUint(chainID, 10))); err != nil {
		return fault.Wrap(fault.KindVaultWriteFailed, err)
	}
	g.publish(eventbus.Event{
		Kind:    eventbus.KindChainChanged,
		Address: g.address.Hex(),
		ChainID: chainID,
	})
	return nil
}

// ensureChain switches the provider to chainID, adding the network from
// the static table when the provider does not know it. Caller holds the
// lock.
func (g *Gateway) ensureChain(ctx context.Context, chainID uint64) error {
	err := g.provider.SwitchChain(ctx, chainID)
	if err == nil {
		return nil
	}

	var perr *ProviderError
	if errors.As(err, &perr) && perr.Code == CodeUnknownChain {
		network, ok := LookupNetwork(chainID)
		if !ok {
			return fault.New(fault.KindWrongNetwork)
		}
		if err := g.provider.AddChain(ctx, network); err != nil {
			return classify(err, fault.KindNetworkSwitchFailed)
		}
		err = g.provider.SwitchChain(ctx, chainID)
		if err == nil {
			return nil
		}
	}
	return classify(err, fault.KindNetworkSwitchFailed)
}

// GetBalance returns the connected account's balance in wei.
func (g *Gateway) GetBalance(ctx context.Context) (*big.Int, error) {
	g.mu.Lock()
	if err := g.requireConnected(); err != nil {
		g.mu.Unlock()
		return nil, err
	}
	provider, address := g.provider, g.address
	g.mu.Unlock()

	balance, err := provider.BalanceAt(ctx, address)
	if err != nil {
		return nil, fault.Wrap(fault.KindNetworkError, err)
	}
	return balance, nil
}

// EstimateGas returns the gas limit the gateway would attach to req: the
// provider's estimate padded by 20 percent against state drift between
// estimation and inclusion.
func (g *Gateway) EstimateGas(ctx context.Context, req TxRequest) (uint64, error) {
	g.mu.Lock()
	if err := g.requireConnected(); err != nil {
		g.mu.Unlock()
		return 0, err
	}
	provider, from := g.provider, g.address
	g.mu.Unlock()

	gas, err := provider.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    req.To,
		Value: req.Value,
		Data:  req.Data,
	})
	if err != nil {
		return 0, classify(err, fault.KindTransactionFailed)
	}
	return gas + gas*gasBufferPercent/100, nil
}

// SendTransaction sends req through the wallet, estimating gas with a
// safety buffer when no limit is given.
func (g *Gateway) SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error) {
	if req.GasLimit == 0 {
		gas, err := g.EstimateGas(ctx, req)
		if err != nil {
			return common.Hash{}, err
		}
		req.GasLimit = gas
	}

	g.mu.Lock()
	if err := g.requireConnected(); err != nil {
		g.mu.Unlock()
		return common.Hash{}, err
	}
	provider := g.provider
	g.mu.Unlock()

	hash, err := provider.SendTransaction(ctx, req)
	if err != nil {
		return common.Hash{}, classify(err, fault.KindTransactionFailed)
	}

	log.Info().Str("tx", hash.Hex()).Msg("Transaction sent")
	return hash, nil
}

// TransactionStatus reports how far hash has progressed toward finality.
func (g *Gateway) TransactionStatus(ctx context.Context, hash common.Hash) (TxStatus, error) {
	g.mu.Lock()
	provider, depth := g.provider, g.depth
	g.mu.Unlock()
	if provider == nil {
		return TxStatus{}, fault.New(fault.KindNoWalletDetected)
	}

	receipt, err := provider.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return TxStatus{State: TxPending}, nil
	}
	if err != nil {
		return TxStatus{}, fault.Wrap(fault.KindNetworkError, err)
	}

	if receipt.Status == types.ReceiptStatusFailed {
		return TxStatus{State: TxFailed, BlockNumber: receipt.BlockNumber.Uint64()}, nil
	}

	head, err := provider.BlockNumber(ctx)
	if err != nil {
		return TxStatus{}, fault.Wrap(fault.KindNetworkError, err)
	}

	mined := receipt.BlockNumber.Uint64()
	var confirmations uint64
	if head >= mined {
		confirmations = head - mined + 1
	}
	state := TxSuccess
	if confirmations < depth {
		state = TxConfirming
	}
	return TxStatus{State: state, Confirmations: confirmations, BlockNumber: mined}, nil
}

// Connected reports whether a session is active.
func (g *Gateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

// Address returns the connected account, zero when disconnected.
func (g *Gateway) Address() common.Address {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.address
}

// ChainID returns the session's current chain.
func (g *Gateway) ChainID() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.chainID
}

// NetworkInfo returns the static definition of the session's chain.
func (g *Gateway) NetworkInfo() (Network, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return LookupNetwork(g.chainID)
}

// Provider exposes the underlying provider for read-only contract calls.
func (g *Gateway) Provider() Provider {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.provider
}

func (g *Gateway) requireConnected() error {
	if g.provider == nil {
		return fault.New(fault.KindNoWalletDetected)
	}
	if !g.connected {
		return fault.New(fault.KindWalletConnectionFailed).WithMessage("wallet is not connected")
	}
	return nil
}

func (g *Gateway) persistSession(connectedAt time.Time) error {
	entries := map[string][]byte{
		keyAddress:        []byte(g.address.Hex()),
		keyChainID:        []byte(strconv.FormatUint(g.chainID, 10)),
		keyConnected:      []byte("1"),
		keyLastConnection: []byte(connectedAt.Format(time.RFC3339)),
	}
	for key, value := range entries {
		if err := g.session.Set(key, value); err != nil {
			return fault.Wrap(fault.KindVaultWriteFailed, err)
		}
	}
	return nil
}

func (g *Gateway) publish(ev eventbus.Event) {
	if g.bus != nil {
		g.bus.Publish(ev)
	}
}

// watch mirrors provider notifications into the session and onto the
// event bus. An empty accounts notification means the wallet dropped the
// session on its side; notifications arriving while disconnected are
// ignored.
func (g *Gateway) watch() {
	defer close(g.watchDone)

	for ev := range g.provider.Events() {
		switch ev.Kind {
		case EventAccountsChanged:
			g.mu.Lock()
			if !g.connected {
				g.mu.Unlock()
				continue
			}
			if len(ev.Accounts) == 0 {
				if err := g.disconnectLocked(); err != nil {
					log.Error().Err(err).Msg("Failed to clear session after wallet disconnect")
				}
			} else if ev.Accounts[0] != g.address {
				g.address = ev.Accounts[0]
				if err := g.session.Set(keyAddress, []byte(g.address.Hex())); err != nil {
					log.Error().Err(err).Msg("Failed to persist account change")
				}
				g.publish(eventbus.Event{
					Kind:    eventbus.KindAccountChanged,
					Address: g.address.Hex(),
					ChainID: g.chainID,
				})
			}
			g.mu.Unlock()

		case EventChainChanged:
			g.mu.Lock()
			if !g.connected {
				g.mu.Unlock()
				continue
			}
			if ev.ChainID != g.chainID {
				g.chainID = ev.ChainID
				if err := g.session.Set(keyChainID, []byte(strconv.FormatUint(ev.ChainID, 10))); err != nil {
					log.Error().Err(err).Msg("Failed to persist chain change")
				}
				g.publish(eventbus.Event{
					Kind:    eventbus.KindChainChanged,
					Address: g.address.Hex(),
					ChainID: ev.ChainID,
				})
			}
			g.mu.Unlock()
		}
	}
}

// classify maps provider refusals onto gateway fault kinds.
func classify(err error, fallback fault.Kind) error {
	var perr *ProviderError
	if errors.As(err, &perr) {
		switch perr.Code {
		case CodeUserRejected:
			return fault.Wrap(fault.KindUserRejected, err)
		case CodeUnknownChain:
			return fault.Wrap(fault.KindNetworkSwitchFailed, err)
		}
	}
	if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
		return fault.Wrap(fault.KindInsufficientFunds, err)
	}
	return fault.Wrap(fallback, err)
}
