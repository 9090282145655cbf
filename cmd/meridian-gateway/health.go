package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// healthState tracks component readiness for the health endpoints.
type healthState struct {
	mu             sync.RWMutex
	vaultFallback  bool
	walletAttached bool
	natsConnected  bool
	startTime      time.Time
}

type healthStatus struct {
	Healthy        bool   `json:"healthy"`
	VaultFallback  bool   `json:"vault_fallback"`
	WalletAttached bool   `json:"wallet_attached"`
	NATSConnected  bool   `json:"nats_connected"`
	Uptime         string `json:"uptime"`
	Version        string `json:"version"`
}

func newHealthState() *healthState {
	return &healthState{startTime: time.Now()}
}

func (h *healthState) update(vaultFallback, walletAttached, natsConnected bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.vaultFallback = vaultFallback
	h.walletAttached = walletAttached
	h.natsConnected = natsConnected
}

func (h *healthState) snapshot() healthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return healthStatus{
		// Fallback mode is degraded but still serving.
		Healthy:        true,
		VaultFallback:  h.vaultFallback,
		WalletAttached: h.walletAttached,
		NATSConnected:  h.natsConnected,
		Uptime:         time.Since(h.startTime).String(),
		Version:        Version,
	}
}

func (h *healthState) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.snapshot())
}

func (h *healthState) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}
