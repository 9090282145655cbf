package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/meridian-io/gateway/eventbus"
	"github.com/meridian-io/gateway/fault"
	"github.com/meridian-io/gateway/kvstore"
	"github.com/meridian-io/gateway/permission"
	"github.com/meridian-io/gateway/vault"
	"github.com/meridian-io/gateway/wallet"
)

// unreachableDWN forces the vault into fallback so handler tests run
// fully offline.
type unreachableDWN struct{}

func (unreachableDWN) CreateIdentity(ctx context.Context) (string, error) {
	return "", fault.New(fault.KindNetworkError)
}
func (unreachableDWN) ResolveIdentity(ctx context.Context, did string) error {
	return fault.New(fault.KindNetworkError)
}
func (unreachableDWN) WriteRecord(ctx context.Context, did string, rec vault.Record) (string, error) {
	return "", fault.New(fault.KindNetworkError)
}
func (unreachableDWN) ReadRecord(ctx context.Context, did, recordID string) (vault.Record, error) {
	return vault.Record{}, fault.New(fault.KindNetworkError)
}
func (unreachableDWN) QueryRecords(ctx context.Context, did string, q vault.Query) ([]vault.Record, error) {
	return nil, fault.New(fault.KindNetworkError)
}
func (unreachableDWN) DeleteRecord(ctx context.Context, did, recordID string) error {
	return fault.New(fault.KindNetworkError)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	store := kvstore.NewMemory()
	vaultSvc := vault.NewService(unreachableDWN{}, store)
	perms := permission.NewManager(vaultSvc)
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	gw := wallet.NewGateway(nil, store, bus, wallet.CreditcoinMainnetID, 12)

	return NewServer("127.0.0.1:0", vaultSvc, perms, gw, nil)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestIdentityLifecycle(t *testing.T) {
	s := newTestServer(t)

	// No identity yet.
	if rec := do(t, s, http.MethodGet, "/v1/identity", ""); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 before creation, got %d", rec.Code)
	}

	rec := do(t, s, http.MethodPost, "/v1/identity", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		DID      string `json:"did"`
		Fallback bool   `json:"fallback"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !strings.HasPrefix(resp.DID, "did:local:") {
		t.Errorf("Expected fallback identifier, got %s", resp.DID)
	}
	if !resp.Fallback {
		t.Error("Expected fallback flag set")
	}

	if rec := do(t, s, http.MethodGet, "/v1/identity", ""); rec.Code != http.StatusOK {
		t.Errorf("Expected 200 after creation, got %d", rec.Code)
	}

	if rec := do(t, s, http.MethodDelete, "/v1/identity", ""); rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204 on reset, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/v1/identity", ""); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after reset, got %d", rec.Code)
	}
}

func TestRecordEndpoints(t *testing.T) {
	s := newTestServer(t)
	do(t, s, http.MethodPost, "/v1/identity", "")

	rec := do(t, s, http.MethodPost, "/v1/records", `{"schema":"https://meridian.io/schemas/profile","payload":{"name":"ada"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var created vault.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to decode record: %v", err)
	}

	rec = do(t, s, http.MethodGet, "/v1/records/"+created.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	rec = do(t, s, http.MethodPost, "/v1/records/query", `{"schema":"https://meridian.io/schemas/profile"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var query struct {
		Records []vault.Record `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &query); err != nil {
		t.Fatalf("Failed to decode query response: %v", err)
	}
	if len(query.Records) != 1 {
		t.Errorf("Expected 1 record, got %d", len(query.Records))
	}

	if rec := do(t, s, http.MethodDelete, "/v1/records/"+created.ID, ""); rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/v1/records/"+created.ID, ""); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", rec.Code)
	}
}

func TestPermissionEndpoints(t *testing.T) {
	s := newTestServer(t)
	do(t, s, http.MethodPost, "/v1/identity", "")

	rec := do(t, s, http.MethodPost, "/v1/permissions", `{"grantedTo":"did:key:alice","recordId":"rec1","scope":{"interface":"Records","method":"Read"},"ttlMinutes":60}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var grant permission.Grant
	if err := json.Unmarshal(rec.Body.Bytes(), &grant); err != nil {
		t.Fatalf("Failed to decode grant: %v", err)
	}
	if grant.ExpiresAt == nil {
		t.Error("Expected an expiring grant")
	}

	rec = do(t, s, http.MethodGet, "/v1/permissions/check?record=rec1&grantee=did:key:alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var check struct {
		Active bool `json:"active"`
	}
	json.Unmarshal(rec.Body.Bytes(), &check)
	if !check.Active {
		t.Error("Expected an active grant")
	}

	if rec := do(t, s, http.MethodPost, "/v1/permissions/revoke", `{"grantedTo":"did:key:alice","recordId":"rec1"}`); rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204 on revoke, got %d: %s", rec.Code, rec.Body)
	}

	rec = do(t, s, http.MethodGet, "/v1/permissions/check?record=rec1&grantee=did:key:alice", "")
	json.Unmarshal(rec.Body.Bytes(), &check)
	if check.Active {
		t.Error("Expected grant inactive after revoke")
	}
}

func TestWalletWithoutProvider(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/v1/wallet/connect", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without a provider, got %d", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode error: %v", err)
	}
	if body.Error.Code != string(fault.KindNoWalletDetected) {
		t.Errorf("Expected NO_WALLET_DETECTED, got %s", body.Error.Code)
	}
}

func TestEstimateGasWithoutProvider(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/v1/wallet/estimate", `{"to":"0x2222222222222222222222222222222222222222","value":"1"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without a provider, got %d: %s", rec.Code, rec.Body)
	}

	if rec := do(t, s, http.MethodPost, "/v1/wallet/estimate", `{"to":"nope"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a bad address, got %d", rec.Code)
	}
}

func TestWalletRoleEndpoint(t *testing.T) {
	s := newTestServer(t)

	if rec := do(t, s, http.MethodPost, "/v1/wallet/role", `{"role":"admin"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown role, got %d", rec.Code)
	}

	if rec := do(t, s, http.MethodPost, "/v1/wallet/role", `{"role":"buyer"}`); rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body)
	}

	rec := do(t, s, http.MethodGet, "/v1/wallet", "")
	var info struct {
		Role string `json:"role"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("Failed to decode wallet info: %v", err)
	}
	if info.Role != "buyer" {
		t.Errorf("Expected buyer role, got %q", info.Role)
	}
}

func TestMarketWithoutContracts(t *testing.T) {
	s := newTestServer(t)

	if rec := do(t, s, http.MethodGet, "/v1/market/supply", ""); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 without contracts, got %d", rec.Code)
	}
}

func TestInvalidBodyRejected(t *testing.T) {
	s := newTestServer(t)
	do(t, s, http.MethodPost, "/v1/identity", "")

	if rec := do(t, s, http.MethodPost, "/v1/records", "{not json"); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var status healthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if !status.Healthy {
		t.Error("Expected healthy")
	}

	if rec := do(t, s, http.MethodGet, "/ready", ""); rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}
