// Package main implements the Meridian gateway daemon: a local service
// that fronts a personal data vault, wallet session management, and the
// dataset marketplace contracts behind one HTTP API.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meridian-io/gateway/config"
	"github.com/meridian-io/gateway/contracts"
	"github.com/meridian-io/gateway/eventbus"
	"github.com/meridian-io/gateway/kvstore"
	"github.com/meridian-io/gateway/permission"
	"github.com/meridian-io/gateway/vault"
	"github.com/meridian-io/gateway/wallet"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "/etc/meridian/gateway.yaml", "Path to configuration file")
	listen := flag.String("listen", "", "API listen address (overrides config)")
	rpcURL := flag.String("rpc-url", "", "Chain RPC endpoint (overrides config)")
	keyFile := flag.String("key-file", "", "Path to hex-encoded signing key (overrides config)")
	devMode := flag.Bool("dev-mode", false, "Run in development mode")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().
		Str("version", Version).
		Str("config", *configPath).
		Bool("dev_mode", *devMode).
		Msg("Meridian gateway starting")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *listen != "" {
		cfg.HTTP.Listen = *listen
	}
	if *rpcURL != "" {
		cfg.Chain.RPCURL = *rpcURL
	}
	if *keyFile != "" {
		cfg.Chain.KeyFile = *keyFile
	}
	cfg.DevMode = *devMode

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer store.Close()

	dwn, err := vault.NewHTTPDWNClient(cfg.Vault.Endpoints, time.Duration(cfg.Vault.RequestTimeout)*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create vault client")
	}
	vaultSvc := vault.NewService(dwn, store)
	perms := permission.NewManager(vaultSvc)

	bus := eventbus.New()
	defer bus.Close()

	natsConnected := false
	if cfg.NATS.Enabled {
		pub, err := eventbus.ConnectNATS(eventbus.NATSConfig{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			ReconnectWait: cfg.NATS.ReconnectWait,
			MaxReconnects: cfg.NATS.MaxReconnects,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer pub.Close()
		relay := eventbus.NewRelay(bus, pub, cfg.NATS.SubjectPrefix)
		defer relay.Close()
		natsConnected = true
	}

	var provider wallet.Provider
	if cfg.Chain.RPCURL != "" && cfg.Chain.KeyFile != "" {
		provider, err = wallet.NewRPCProviderFromKeyFile(ctx, cfg.Chain.RPCURL, cfg.Chain.KeyFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create chain provider")
		}
		defer provider.Close()
	} else {
		log.Warn().Msg("No RPC endpoint or signing key configured, wallet operations disabled")
	}
	gw := wallet.NewGateway(provider, store, bus, cfg.Chain.TargetChainID, cfg.Chain.ConfirmationDepth)

	var market *contracts.Client
	if provider != nil && cfg.Chain.Contracts.Marketplace != "" && cfg.Chain.Contracts.LicenseNFT != "" {
		market, err = contracts.NewClient(gw, cfg.Chain.Contracts.LicenseNFT, cfg.Chain.Contracts.Marketplace)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create marketplace client")
		}
	} else {
		log.Warn().Msg("No contract addresses configured, marketplace operations disabled")
	}

	server := NewServer(cfg.HTTP.Listen, vaultSvc, perms, gw, market)

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				server.health.update(vaultSvc.IsFallback(), provider != nil, natsConnected)
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := server.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("API server error")
	}

	log.Info().Msg("Gateway shutdown complete")
}

// openStore builds the configured persistence backend, wrapping it with
// at-rest encryption when a key file is set.
func openStore(cfg config.StoreConfig) (kvstore.Store, error) {
	var (
		store kvstore.Store
		err   error
	)
	switch cfg.Driver {
	case "memory":
		store = kvstore.NewMemory()
	case "sqlite":
		store, err = kvstore.OpenSQLite(cfg.Path)
	default:
		store, err = kvstore.OpenBolt(cfg.Path)
	}
	if err != nil {
		return nil, err
	}

	if cfg.EncryptionKeyFile == "" {
		return store, nil
	}

	raw, err := os.ReadFile(cfg.EncryptionKeyFile)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to read encryption key: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}

	encrypted, err := kvstore.NewEncrypted(store, key)
	if err != nil {
		store.Close()
		return nil, err
	}
	return encrypted, nil
}
