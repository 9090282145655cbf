package main

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/meridian-io/gateway/contracts"
	"github.com/meridian-io/gateway/fault"
	"github.com/meridian-io/gateway/permission"
	"github.com/meridian-io/gateway/vault"
	"github.com/meridian-io/gateway/wallet"
)

// Server exposes the gateway over a local HTTP API.
type Server struct {
	vault  *vault.Service
	perms  *permission.Manager
	wallet *wallet.Gateway
	market *contracts.Client
	router *mux.Router
	server *http.Server
	health *healthState
}

// NewServer wires the API routes. market may be nil when no contract
// addresses are configured.
func NewServer(listen string, v *vault.Service, p *permission.Manager, w *wallet.Gateway, m *contracts.Client) *Server {
	s := &Server{
		vault:  v,
		perms:  p,
		wallet: w,
		market: m,
		router: mux.NewRouter(),
		health: newHealthState(),
	}
	s.routes()
	s.server = &http.Server{
		Addr:         listen,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	r := s.router

	r.HandleFunc("/health", s.health.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.health.handleReady).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/identity", s.handleCreateIdentity).Methods(http.MethodPost)
	v1.HandleFunc("/identity", s.handleGetIdentity).Methods(http.MethodGet)
	v1.HandleFunc("/identity", s.handleResetIdentity).Methods(http.MethodDelete)
	v1.HandleFunc("/identity/connect", s.handleConnectIdentity).Methods(http.MethodPost)
	v1.HandleFunc("/identity/restore", s.handleRestoreIdentity).Methods(http.MethodPost)

	v1.HandleFunc("/records", s.handleWriteRecord).Methods(http.MethodPost)
	v1.HandleFunc("/records/query", s.handleQueryRecords).Methods(http.MethodPost)
	v1.HandleFunc("/records/{id}", s.handleReadRecord).Methods(http.MethodGet)
	v1.HandleFunc("/records/{id}", s.handleDeleteRecord).Methods(http.MethodDelete)

	v1.HandleFunc("/permissions", s.handleGrant).Methods(http.MethodPost)
	v1.HandleFunc("/permissions", s.handleListGrants).Methods(http.MethodGet)
	v1.HandleFunc("/permissions/check", s.handleCheckGrant).Methods(http.MethodGet)
	v1.HandleFunc("/permissions/revoke", s.handleRevoke).Methods(http.MethodPost)

	v1.HandleFunc("/wallet/connect", s.handleWalletConnect).Methods(http.MethodPost)
	v1.HandleFunc("/wallet/restore", s.handleWalletRestore).Methods(http.MethodPost)
	v1.HandleFunc("/wallet/disconnect", s.handleWalletDisconnect).Methods(http.MethodPost)
	v1.HandleFunc("/wallet", s.handleWalletInfo).Methods(http.MethodGet)
	v1.HandleFunc("/wallet/balance", s.handleWalletBalance).Methods(http.MethodGet)
	v1.HandleFunc("/wallet/network", s.handleSwitchNetwork).Methods(http.MethodPost)
	v1.HandleFunc("/wallet/role", s.handleSetRole).Methods(http.MethodPost)
	v1.HandleFunc("/wallet/estimate", s.handleEstimateGas).Methods(http.MethodPost)
	v1.HandleFunc("/wallet/transactions/{hash}", s.handleTxStatus).Methods(http.MethodGet)

	v1.HandleFunc("/market/listings", s.handleListDataset).Methods(http.MethodPost)
	v1.HandleFunc("/market/listings/{dataset}", s.handleGetListing).Methods(http.MethodGet)
	v1.HandleFunc("/market/purchases", s.handleBuyLicense).Methods(http.MethodPost)
	v1.HandleFunc("/market/purchases/{hash}/token", s.handlePurchasedToken).Methods(http.MethodGet)
	v1.HandleFunc("/market/tokens/{id}", s.handleNFTDetails).Methods(http.MethodGet)
	v1.HandleFunc("/market/supply", s.handleTotalSupply).Methods(http.MethodGet)
	v1.HandleFunc("/market/fees", s.handleFees).Methods(http.MethodGet)
	v1.HandleFunc("/market/fees/withdraw", s.handleWithdrawFees).Methods(http.MethodPost)
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", s.server.Addr).Msg("API server listening")
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

// --- identity ---

type identityResponse struct {
	DID      string `json:"did"`
	Fallback bool   `json:"fallback"`
	State    string `json:"state"`
}

func (s *Server) identityResponse() identityResponse {
	return identityResponse{
		DID:      s.vault.DID(),
		Fallback: s.vault.IsFallback(),
		State:    string(s.vault.State()),
	}
}

func (s *Server) handleCreateIdentity(w http.ResponseWriter, r *http.Request) {
	if _, err := s.vault.CreateIdentity(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.identityResponse())
}

func (s *Server) handleConnectIdentity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DID string `json:"did"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.vault.ConnectExisting(r.Context(), req.DID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.identityResponse())
}

func (s *Server) handleRestoreIdentity(w http.ResponseWriter, r *http.Request) {
	if _, err := s.vault.Restore(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.identityResponse())
}

func (s *Server) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	resp := s.identityResponse()
	if resp.DID == "" {
		writeError(w, fault.New(fault.KindIdentityNotFound))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResetIdentity(w http.ResponseWriter, r *http.Request) {
	if err := s.vault.Reset(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- records ---

func (s *Server) handleWriteRecord(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Schema  string          `json:"schema"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.vault.Write(r.Context(), req.Schema, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleReadRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.vault.Read(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleQueryRecords(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Schema     string `json:"schema"`
		DataFormat string `json:"dataFormat"`
		Published  *bool  `json:"published"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	recs, err := s.vault.QueryRecords(r.Context(), vault.Query{
		Schema:     req.Schema,
		DataFormat: req.DataFormat,
		Published:  req.Published,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []vault.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": recs})
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	if err := s.vault.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- permissions ---

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GrantedTo  string           `json:"grantedTo"`
		RecordID   string           `json:"recordId"`
		Scope      permission.Scope `json:"scope"`
		TTLMinutes int              `json:"ttlMinutes"`
		OpenEnded  bool             `json:"openEnded"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var (
		grant permission.Grant
		err   error
	)
	if req.OpenEnded {
		grant, err = s.perms.GrantOpenEnded(r.Context(), req.GrantedTo, req.RecordID, req.Scope)
	} else {
		grant, err = s.perms.Grant(r.Context(), req.GrantedTo, req.RecordID, req.Scope, time.Duration(req.TTLMinutes)*time.Minute)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

func (s *Server) handleListGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := s.perms.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if grants == nil {
		grants = []permission.Grant{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"grants": grants})
}

func (s *Server) handleCheckGrant(w http.ResponseWriter, r *http.Request) {
	record := r.URL.Query().Get("record")
	grantee := r.URL.Query().Get("grantee")
	ok, err := s.perms.Check(r.Context(), record, grantee)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"active": ok})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GrantedTo string `json:"grantedTo"`
		RecordID  string `json:"recordId"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.perms.Revoke(r.Context(), req.GrantedTo, req.RecordID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- wallet ---

func (s *Server) handleWalletConnect(w http.ResponseWriter, r *http.Request) {
	sess, err := s.wallet.Connect(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleWalletRestore(w http.ResponseWriter, r *http.Request) {
	sess, err := s.wallet.RestoreSession(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleWalletDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.wallet.Disconnect(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWalletInfo(w http.ResponseWriter, r *http.Request) {
	network, _ := s.wallet.NetworkInfo()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connected": s.wallet.Connected(),
		"address":   s.wallet.Address().Hex(),
		"chainId":   s.wallet.ChainID(),
		"role":      s.wallet.Role(),
		"network":   network,
	})
}

func (s *Server) handleSetRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role string `json:"role"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.wallet.SetRole(req.Role); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"role": req.Role})
}

func (s *Server) handleEstimateGas(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To    string `json:"to"`
		Value string `json:"value"`
		Data  string `json:"data"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	tx := wallet.TxRequest{}
	if req.To != "" {
		if !common.IsHexAddress(req.To) {
			writeError(w, fault.New(fault.KindValidationError).WithMessage("invalid recipient address"))
			return
		}
		to := common.HexToAddress(req.To)
		tx.To = &to
	}
	if req.Value != "" {
		value, ok := new(big.Int).SetString(req.Value, 10)
		if !ok {
			writeError(w, fault.New(fault.KindValidationError).WithMessage("invalid value"))
			return
		}
		tx.Value = value
	}
	if req.Data != "" {
		data, err := hexutil.Decode(req.Data)
		if err != nil {
			writeError(w, fault.New(fault.KindValidationError).WithMessage("invalid calldata"))
			return
		}
		tx.Data = data
	}

	gas, err := s.wallet.EstimateGas(r.Context(), tx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"gasLimit": gas})
}

func (s *Server) handleWalletBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.wallet.GetBalance(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"wei":       balance.String(),
		"formatted": contracts.FormatPrice(balance),
	})
}

func (s *Server) handleSwitchNetwork(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChainID uint64 `json:"chainId"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.wallet.SwitchNetwork(r.Context(), req.ChainID); err != nil {
		writeError(w, err)
		return
	}
	network, _ := s.wallet.NetworkInfo()
	writeJSON(w, http.StatusOK, network)
}

func (s *Server) handleTxStatus(w http.ResponseWriter, r *http.Request) {
	hash := common.HexToHash(mux.Vars(r)["hash"])
	status, err := s.wallet.TransactionStatus(r.Context(), hash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// --- marketplace ---

func (s *Server) requireMarket(w http.ResponseWriter) bool {
	if s.market == nil {
		writeError(w, fault.New(fault.KindContractNotFound).WithMessage("no contract addresses configured"))
		return false
	}
	return true
}

func (s *Server) handleListDataset(w http.ResponseWriter, r *http.Request) {
	if !s.requireMarket(w) {
		return
	}
	var req struct {
		DatasetID string `json:"datasetId"`
		Price     string `json:"price"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	price, err := contracts.ParsePrice(req.Price)
	if err != nil {
		writeError(w, err)
		return
	}
	hash, err := s.market.ListDataset(r.Context(), req.DatasetID, price)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"tx":       hash.Hex(),
		"explorer": s.market.ExplorerTxURL(hash),
	})
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	if !s.requireMarket(w) {
		return
	}
	listing, err := s.market.GetListing(r.Context(), mux.Vars(r)["dataset"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"datasetId": listing.DatasetID,
		"provider":  listing.Provider.Hex(),
		"price":     listing.Price.String(),
		"formatted": contracts.FormatPrice(listing.Price),
		"active":    listing.Active,
	})
}

func (s *Server) handleBuyLicense(w http.ResponseWriter, r *http.Request) {
	if !s.requireMarket(w) {
		return
	}
	var req struct {
		DatasetID string `json:"datasetId"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	hash, err := s.market.BuyLicense(r.Context(), req.DatasetID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"tx":       hash.Hex(),
		"explorer": s.market.ExplorerTxURL(hash),
	})
}

func (s *Server) handlePurchasedToken(w http.ResponseWriter, r *http.Request) {
	if !s.requireMarket(w) {
		return
	}
	hash := common.HexToHash(mux.Vars(r)["hash"])
	tokenID, err := s.market.PurchasedTokenID(r.Context(), hash)
	if err != nil {
		writeError(w, err)
		return
	}
	if tokenID == nil {
		// Mined without a purchase event; the token ID is unknown.
		writeJSON(w, http.StatusOK, map[string]interface{}{"tokenId": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tokenId": tokenID.String()})
}

func (s *Server) handleNFTDetails(w http.ResponseWriter, r *http.Request) {
	if !s.requireMarket(w) {
		return
	}
	tokenID, ok := new(big.Int).SetString(mux.Vars(r)["id"], 10)
	if !ok {
		writeError(w, fault.New(fault.KindValidationError).WithMessage("invalid token ID"))
		return
	}
	details, err := s.market.GetNFTDetails(r.Context(), tokenID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"tokenId":   details.TokenID.String(),
		"owner":     details.Owner.Hex(),
		"datasetId": details.DatasetID,
		"provider":  details.Provider.Hex(),
	})
}

func (s *Server) handleTotalSupply(w http.ResponseWriter, r *http.Request) {
	if !s.requireMarket(w) {
		return
	}
	supply, err := s.market.GetTotalSupply(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"totalSupply": supply.String()})
}

func (s *Server) handleFees(w http.ResponseWriter, r *http.Request) {
	if !s.requireMarket(w) {
		return
	}
	percent, err := s.market.GetPlatformFee(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := s.market.GetTotalFees(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"feePercent": percent.String(),
		"totalFees":  total.String(),
	})
}

func (s *Server) handleWithdrawFees(w http.ResponseWriter, r *http.Request) {
	if !s.requireMarket(w) {
		return
	}
	hash, err := s.market.WithdrawFees(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"tx": hash.Hex()})
}

// --- helpers ---

func decode(r *http.Request, out interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return fault.New(fault.KindValidationError).WithMessage("invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)

	var body errorBody
	body.Error.Code = string(kind)
	var ferr *fault.Error
	if errors.As(err, &ferr) {
		body.Error.Message = ferr.Message
	} else {
		body.Error.Message = err.Error()
	}

	writeJSON(w, statusFor(kind), body)
}

func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.KindNotFound, fault.KindIdentityNotFound, fault.KindContractNotFound:
		return http.StatusNotFound
	case fault.KindValidationError:
		return http.StatusBadRequest
	case fault.KindUserRejected:
		return http.StatusConflict
	case fault.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case fault.KindNetworkError, fault.KindTimeoutError:
		return http.StatusBadGateway
	case fault.KindNoWalletDetected:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
