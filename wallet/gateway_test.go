package wallet

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/meridian-io/gateway/eventbus"
	"github.com/meridian-io/gateway/fault"
	"github.com/meridian-io/gateway/kvstore"
)

// fakeProvider is a scriptable Provider.
type fakeProvider struct {
	mu            sync.Mutex
	accounts      []common.Address
	accountsErr   error
	chainID       uint64
	knownChains   map[uint64]bool
	switchErr     error
	balance       *big.Int
	gasEstimate   uint64
	sendErr       error
	sentGasLimits []uint64
	receipts      map[common.Hash]*types.Receipt
	head          uint64
	events        chan ProviderEvent
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		accounts:    []common.Address{common.HexToAddress("0x1111111111111111111111111111111111111111")},
		chainID:     CreditcoinMainnetID,
		knownChains: map[uint64]bool{CreditcoinMainnetID: true},
		balance:     big.NewInt(1e18),
		gasEstimate: 100000,
		receipts:    make(map[common.Hash]*types.Receipt),
		events:      make(chan ProviderEvent, 16),
	}
}

func (f *fakeProvider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accountsErr != nil {
		return nil, f.accountsErr
	}
	return f.accounts, nil
}

func (f *fakeProvider) ChainID(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chainID, nil
}

func (f *fakeProvider) SwitchChain(ctx context.Context, chainID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.switchErr != nil {
		return f.switchErr
	}
	if !f.knownChains[chainID] {
		return &ProviderError{Code: CodeUnknownChain, Message: "unknown chain"}
	}
	f.chainID = chainID
	return nil
}

func (f *fakeProvider) AddChain(ctx context.Context, network Network) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.knownChains[network.ChainID] = true
	return nil
}

func (f *fakeProvider) SendTransaction(ctx context.Context, tx TxRequest) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return common.Hash{}, f.sendErr
	}
	f.sentGasLimits = append(f.sentGasLimits, tx.GasLimit)
	return common.HexToHash("0xabc"), nil
}

func (f *fakeProvider) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return nil, nil
}

func (f *fakeProvider) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gasEstimate, nil
}

func (f *fakeProvider) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeProvider) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (f *fakeProvider) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeProvider) Events() <-chan ProviderEvent { return f.events }

func (f *fakeProvider) Close() {}

func newTestGateway(t *testing.T) (*Gateway, *fakeProvider, *eventbus.Bus) {
	t.Helper()
	provider := newFakeProvider()
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	gw := NewGateway(provider, kvstore.NewMemory(), bus, CreditcoinMainnetID, 12)
	return gw, provider, bus
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for event")
		return eventbus.Event{}
	}
}

func TestConnectHappyPath(t *testing.T) {
	gw, provider, _ := newTestGateway(t)

	sess, err := gw.Connect(context.Background())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	if sess.Address != provider.accounts[0] {
		t.Errorf("Unexpected address %s", sess.Address.Hex())
	}
	if sess.ChainID != CreditcoinMainnetID {
		t.Errorf("Expected chain %d, got %d", CreditcoinMainnetID, sess.ChainID)
	}
	if !gw.Connected() {
		t.Error("Expected gateway to be connected")
	}
}

func TestConnectWithoutProvider(t *testing.T) {
	gw := NewGateway(nil, kvstore.NewMemory(), nil, CreditcoinMainnetID, 12)

	if _, err := gw.Connect(context.Background()); !fault.IsKind(err, fault.KindNoWalletDetected) {
		t.Errorf("Expected NO_WALLET_DETECTED, got %v", err)
	}
}

func TestConnectUserRejected(t *testing.T) {
	gw, provider, _ := newTestGateway(t)
	provider.accountsErr = &ProviderError{Code: CodeUserRejected, Message: "user rejected"}

	if _, err := gw.Connect(context.Background()); !fault.IsKind(err, fault.KindUserRejected) {
		t.Errorf("Expected USER_REJECTED, got %v", err)
	}
}

func TestConnectNoAccounts(t *testing.T) {
	gw, provider, _ := newTestGateway(t)
	provider.accounts = nil

	if _, err := gw.Connect(context.Background()); !fault.IsKind(err, fault.KindWalletConnectionFailed) {
		t.Errorf("Expected WALLET_CONNECTION_FAILED, got %v", err)
	}
}

func TestConnectSwitchesToTargetChain(t *testing.T) {
	gw, provider, _ := newTestGateway(t)
	provider.chainID = 1 // wallet starts on a foreign chain

	sess, err := gw.Connect(context.Background())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	if sess.ChainID != CreditcoinMainnetID {
		t.Errorf("Expected target chain, got %d", sess.ChainID)
	}
	if provider.chainID != CreditcoinMainnetID {
		t.Errorf("Expected provider switched, still on %d", provider.chainID)
	}
}

func TestSwitchNetworkAddsUnknownChain(t *testing.T) {
	gw, provider, _ := newTestGateway(t)
	if _, err := gw.Connect(context.Background()); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	// Testnet is not registered with the wallet yet; the gateway must
	// add it from the static table and retry.
	if err := gw.SwitchNetwork(context.Background(), CreditcoinTestnetID); err != nil {
		t.Fatalf("Failed to switch network: %v", err)
	}
	if gw.ChainID() != CreditcoinTestnetID {
		t.Errorf("Expected chain %d, got %d", CreditcoinTestnetID, gw.ChainID())
	}
	if !provider.knownChains[CreditcoinTestnetID] {
		t.Error("Expected testnet to be registered with the provider")
	}
}

func TestSwitchNetworkUserRejected(t *testing.T) {
	gw, provider, _ := newTestGateway(t)
	if _, err := gw.Connect(context.Background()); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	provider.switchErr = &ProviderError{Code: CodeUserRejected, Message: "user rejected"}
	if err := gw.SwitchNetwork(context.Background(), CreditcoinTestnetID); !fault.IsKind(err, fault.KindUserRejected) {
		t.Errorf("Expected USER_REJECTED, got %v", err)
	}
}

func TestSendTransactionAppliesGasBuffer(t *testing.T) {
	gw, provider, _ := newTestGateway(t)
	if _, err := gw.Connect(context.Background()); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	if _, err := gw.SendTransaction(context.Background(), TxRequest{To: &to, Value: big.NewInt(1)}); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	if len(provider.sentGasLimits) != 1 {
		t.Fatalf("Expected 1 sent transaction, got %d", len(provider.sentGasLimits))
	}
	// 100000 estimate plus 20 percent.
	if provider.sentGasLimits[0] != 120000 {
		t.Errorf("Expected buffered gas limit 120000, got %d", provider.sentGasLimits[0])
	}
}

func TestSendTransactionClassifiesErrors(t *testing.T) {
	gw, provider, _ := newTestGateway(t)
	if _, err := gw.Connect(context.Background()); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	provider.sendErr = &ProviderError{Code: CodeUserRejected, Message: "user rejected"}
	if _, err := gw.SendTransaction(context.Background(), TxRequest{}); !fault.IsKind(err, fault.KindUserRejected) {
		t.Errorf("Expected USER_REJECTED, got %v", err)
	}

	provider.sendErr = errors.New("insufficient funds for gas * price + value")
	if _, err := gw.SendTransaction(context.Background(), TxRequest{}); !fault.IsKind(err, fault.KindInsufficientFunds) {
		t.Errorf("Expected INSUFFICIENT_FUNDS, got %v", err)
	}

	provider.sendErr = errors.New("nonce too low")
	if _, err := gw.SendTransaction(context.Background(), TxRequest{}); !fault.IsKind(err, fault.KindTransactionFailed) {
		t.Errorf("Expected TRANSACTION_FAILED, got %v", err)
	}
}

func TestTransactionStatusLifecycle(t *testing.T) {
	gw, provider, _ := newTestGateway(t)
	hash := common.HexToHash("0xabc")

	status, err := gw.TransactionStatus(context.Background(), hash)
	if err != nil {
		t.Fatalf("Failed to get status: %v", err)
	}
	if status.State != TxPending {
		t.Errorf("Expected pending, got %s", status.State)
	}

	// Mined at block 100, head at 105: confirming with 6 confirmations.
	provider.receipts[hash] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(100),
	}
	provider.head = 105

	status, err = gw.TransactionStatus(context.Background(), hash)
	if err != nil {
		t.Fatalf("Failed to get status: %v", err)
	}
	if status.State != TxConfirming || status.Confirmations != 6 {
		t.Errorf("Expected confirming/6, got %s/%d", status.State, status.Confirmations)
	}

	// Head advances past the finality depth.
	provider.head = 111
	status, err = gw.TransactionStatus(context.Background(), hash)
	if err != nil {
		t.Fatalf("Failed to get status: %v", err)
	}
	if status.State != TxSuccess || status.Confirmations != 12 {
		t.Errorf("Expected success/12, got %s/%d", status.State, status.Confirmations)
	}

	// A reverted transaction is failed regardless of depth.
	provider.receipts[hash] = &types.Receipt{
		Status:      types.ReceiptStatusFailed,
		BlockNumber: big.NewInt(100),
	}
	status, err = gw.TransactionStatus(context.Background(), hash)
	if err != nil {
		t.Fatalf("Failed to get status: %v", err)
	}
	if status.State != TxFailed {
		t.Errorf("Expected failed, got %s", status.State)
	}
}

func TestRestoreSessionRoundTrip(t *testing.T) {
	provider := newFakeProvider()
	store := kvstore.NewMemory()

	gw := NewGateway(provider, store, nil, CreditcoinMainnetID, 12)
	if _, err := gw.Connect(context.Background()); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	// A new gateway over the same store resumes the session.
	resumed := NewGateway(provider, store, nil, CreditcoinMainnetID, 12)
	sess, err := resumed.RestoreSession(context.Background())
	if err != nil {
		t.Fatalf("Failed to restore session: %v", err)
	}
	if sess.Address != provider.accounts[0] {
		t.Errorf("Unexpected restored address %s", sess.Address.Hex())
	}
}

func TestRestoreSessionAfterDisconnect(t *testing.T) {
	provider := newFakeProvider()
	store := kvstore.NewMemory()

	gw := NewGateway(provider, store, nil, CreditcoinMainnetID, 12)
	if _, err := gw.Connect(context.Background()); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	if err := gw.Disconnect(); err != nil {
		t.Fatalf("Failed to disconnect: %v", err)
	}

	resumed := NewGateway(provider, store, nil, CreditcoinMainnetID, 12)
	if _, err := resumed.RestoreSession(context.Background()); !fault.IsKind(err, fault.KindNotFound) {
		t.Errorf("Expected NOT_FOUND after disconnect, got %v", err)
	}
}

func TestProviderDisconnectClearsSession(t *testing.T) {
	gw, provider, bus := newTestGateway(t)

	ch, cancel := bus.Subscribe(eventbus.KindDisconnected)
	defer cancel()

	if _, err := gw.Connect(context.Background()); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	provider.events <- ProviderEvent{Kind: EventAccountsChanged}

	waitEvent(t, ch)
	if gw.Connected() {
		t.Error("Expected gateway disconnected after empty accounts event")
	}
}

func TestAccountChangeIsPublished(t *testing.T) {
	gw, provider, bus := newTestGateway(t)

	ch, cancel := bus.Subscribe(eventbus.KindAccountChanged)
	defer cancel()

	if _, err := gw.Connect(context.Background()); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	next := common.HexToAddress("0x3333333333333333333333333333333333333333")
	provider.events <- ProviderEvent{Kind: EventAccountsChanged, Accounts: []common.Address{next}}

	ev := waitEvent(t, ch)
	if ev.Address != next.Hex() {
		t.Errorf("Expected %s, got %s", next.Hex(), ev.Address)
	}
	if gw.Address() != next {
		t.Errorf("Expected gateway address updated to %s", next.Hex())
	}
}

func TestEventsAfterDisconnectAreIgnored(t *testing.T) {
	gw, provider, bus := newTestGateway(t)

	ch, cancel := bus.Subscribe(eventbus.KindAccountChanged)
	defer cancel()

	if _, err := gw.Connect(context.Background()); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	if err := gw.Disconnect(); err != nil {
		t.Fatalf("Failed to disconnect: %v", err)
	}

	// A wallet notification landing after the session ended must not
	// resurrect any session state.
	next := common.HexToAddress("0x3333333333333333333333333333333333333333")
	provider.events <- ProviderEvent{Kind: EventAccountsChanged, Accounts: []common.Address{next}}
	provider.events <- ProviderEvent{Kind: EventChainChanged, ChainID: CreditcoinTestnetID}

	deadline := time.Now().Add(2 * time.Second)
	for len(provider.events) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("Watcher did not drain events")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	if gw.Connected() {
		t.Error("Expected gateway to stay disconnected")
	}
	if gw.Address() != (common.Address{}) {
		t.Errorf("Expected zero address, got %s", gw.Address().Hex())
	}
	select {
	case ev := <-ch:
		t.Errorf("Unexpected event %+v after disconnect", ev)
	default:
	}
}

func TestEstimateGasAppliesBuffer(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	if _, err := gw.EstimateGas(context.Background(), TxRequest{To: &to}); !fault.IsKind(err, fault.KindWalletConnectionFailed) {
		t.Errorf("Expected WALLET_CONNECTION_FAILED before connect, got %v", err)
	}

	if _, err := gw.Connect(context.Background()); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	gas, err := gw.EstimateGas(context.Background(), TxRequest{To: &to, Value: big.NewInt(1)})
	if err != nil {
		t.Fatalf("Failed to estimate gas: %v", err)
	}
	// 100000 estimate plus 20 percent.
	if gas != 120000 {
		t.Errorf("Expected buffered estimate 120000, got %d", gas)
	}
}

func TestRoleSurvivesRestart(t *testing.T) {
	provider := newFakeProvider()
	store := kvstore.NewMemory()

	gw := NewGateway(provider, store, nil, CreditcoinMainnetID, 12)
	if _, err := gw.Connect(context.Background()); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	if err := gw.SetRole("admin"); !fault.IsKind(err, fault.KindValidationError) {
		t.Errorf("Expected VALIDATION_ERROR for unknown role, got %v", err)
	}
	if err := gw.SetRole(RoleProvider); err != nil {
		t.Fatalf("Failed to set role: %v", err)
	}

	resumed := NewGateway(provider, store, nil, CreditcoinMainnetID, 12)
	sess, err := resumed.RestoreSession(context.Background())
	if err != nil {
		t.Fatalf("Failed to restore session: %v", err)
	}
	if sess.Role != RoleProvider {
		t.Errorf("Expected provider role, got %q", sess.Role)
	}
	if resumed.Role() != RoleProvider {
		t.Errorf("Expected provider role after restore, got %q", resumed.Role())
	}

	if err := resumed.Disconnect(); err != nil {
		t.Fatalf("Failed to disconnect: %v", err)
	}
	if resumed.Role() != "" {
		t.Errorf("Expected role cleared on disconnect, got %q", resumed.Role())
	}
}

func TestChainChangeIsPublished(t *testing.T) {
	gw, provider, bus := newTestGateway(t)

	ch, cancel := bus.Subscribe(eventbus.KindChainChanged)
	defer cancel()

	if _, err := gw.Connect(context.Background()); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	provider.events <- ProviderEvent{Kind: EventChainChanged, ChainID: CreditcoinTestnetID}

	ev := waitEvent(t, ch)
	if ev.ChainID != CreditcoinTestnetID {
		t.Errorf("Expected chain %d, got %d", CreditcoinTestnetID, ev.ChainID)
	}
}
