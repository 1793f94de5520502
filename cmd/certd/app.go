package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/colorfulnotion/certchain/certerrors"
	"github.com/colorfulnotion/certchain/common"
	"github.com/colorfulnotion/certchain/config"
	"github.com/colorfulnotion/certchain/issuance"
	"github.com/colorfulnotion/certchain/log"
	"github.com/colorfulnotion/certchain/registry"
	"github.com/colorfulnotion/certchain/storage"
	"github.com/colorfulnotion/certchain/verify"
	"github.com/ethereum/go-ethereum/crypto"
)

// app is one opened data directory plus the registry it talks to.
type app struct {
	cfg      *config.Config
	stores   []*storage.PersistenceStore
	store    *storage.CertificateStore
	gateway  *registry.EthGateway
	backend  *registry.SimulatedBackend
	resolver *verify.Resolver
	issuer   *issuance.Service
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	ps, err := storage.NewPersistenceStore(cfg.StoreDir())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.stores = append(a.stores, ps)
	a.store = storage.NewCertificateStore(ps)

	switch cfg.Chain.Mode {
	case config.ChainModeSimulated:
		err = a.openSimulated(ctx)
	case config.ChainModeRPC:
		err = a.openRPC(ctx)
	default:
		err = fmt.Errorf("unknown chain mode %q", cfg.Chain.Mode)
	}
	if err != nil {
		a.Close()
		return nil, err
	}

	opts := verify.Options{
		FallbackToFirst: cfg.Verify.FallbackToFirst,
		FragmentSearch:  cfg.Verify.FragmentSearch,
		ChainRetries:    cfg.Chain.Retries,
		ChainTimeout:    cfg.Chain.Timeout,
	}
	if a.gateway == nil {
		// reads degrade to off-chain answers; issuance needs the registry
		a.resolver = verify.NewResolver(a.store, nil, opts)
		log.Warn(log.ChainMonitoring, "registry not connected, serving off-chain only", "mode", cfg.Chain.Mode)
		return a, nil
	}
	a.resolver = verify.NewResolver(a.store, a.gateway, opts)
	if cfg.Chain.IssuerKey != "" {
		a.issuer = issuance.NewService(a.store, a.gateway, a.gateway.ChainID(), cfg.Issuance.Issuer, cfg.Issuance.Concurrency)
	}
	log.Info(log.ChainMonitoring, "registry ready", "mode", cfg.Chain.Mode, "chainId", a.gateway.ChainID(), "issuer", a.gateway.From())
	return a, nil
}

// openRPC binds the deployed registry. A node that cannot be reached is
// logged and left to the per-call retries; only a bad key is fatal.
func (a *app) openRPC(ctx context.Context) error {
	chain := a.cfg.Chain
	gw, err := registry.Dial(ctx, chain.RPCURL, common.HexToAddress(chain.Contract), chain.IssuerKey, chain.ChainID)
	switch {
	case errors.Is(err, certerrors.ErrChain):
		log.Warn(log.ChainMonitoring, "registry dial failed", "url", chain.RPCURL, "error", err)
		return nil
	case err != nil:
		return err
	}
	a.gateway = gw

	cctx, cancel := context.WithTimeout(ctx, chain.Timeout)
	defer cancel()
	if err := gw.CheckChainID(cctx); err != nil {
		log.Warn(log.ChainMonitoring, "registry not reachable at startup", "url", chain.RPCURL, "error", err)
	}
	return nil
}

// openSimulated restores the in-process registry from ChainDir. The issuer
// key owns the contract, so it is authorized from the first run.
func (a *app) openSimulated(ctx context.Context) error {
	if a.cfg.Chain.IssuerKey == "" {
		return fmt.Errorf("simulated chain needs chain.issuer_key")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(a.cfg.Chain.IssuerKey, "0x"))
	if err != nil {
		return fmt.Errorf("issuer key: %w", err)
	}
	owner := common.Address(crypto.PubkeyToAddress(key.PublicKey))

	cps, err := storage.NewPersistenceStore(a.cfg.ChainDir())
	if err != nil {
		return fmt.Errorf("open chain store: %w", err)
	}
	a.stores = append(a.stores, cps)
	contract, err := registry.LoadContract(owner, cps)
	if err != nil {
		return err
	}
	a.gateway, a.backend, err = registry.NewSimulated(ctx, contract, a.cfg.Chain.IssuerKey, a.cfg.Chain.ChainID)
	return err
}

func (a *app) Close() {
	for i := len(a.stores) - 1; i >= 0; i-- {
		if err := a.stores[i].Close(); err != nil {
			log.Warn(log.StoreMonitoring, "store close", "error", err)
		}
	}
}
