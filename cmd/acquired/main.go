// acquired runs one Acquire service: it loads the service's identity from
// its bucket, wires the function table for the configured service type and
// serves the envelope endpoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"acquire/internal/access"
	"acquire/internal/accounting"
	"acquire/internal/compute"
	"acquire/internal/config"
	"acquire/internal/domain"
	"acquire/internal/envelope"
	"acquire/internal/identity"
	"acquire/internal/infra/crypto"
	httpinfra "acquire/internal/infra/http"
	"acquire/internal/infra/objstore"
	"acquire/internal/service"
	"acquire/internal/storage"
	"acquire/internal/storage/aclpolicy"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("failed to read config", "err", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx := context.Background()
	store, err := objstore.NewFromConfig(ctx, cfg.Store)
	if err != nil {
		logger.Error("failed to init object store", "backend", cfg.Store.Type, "err", err)
		os.Exit(1)
	}
	svc, err := service.Load(ctx, store, cfg.BucketName, cfg.ServicePassword)
	if err != nil {
		logger.Error("failed to load service identity", "bucket", cfg.BucketName, "err", err)
		os.Exit(1)
	}

	if rotated, err := svc.RefreshKeys(ctx, cfg.ServicePassword); err != nil {
		logger.Error("key refresh failed", "err", err)
		os.Exit(1)
	} else if rotated {
		logger.Info("service keys rotated", "service_uid", svc.UID)
	}

	routes, err := buildRoutes(ctx, cfg, svc)
	if err != nil {
		logger.Error("failed to wire service", "type", svc.Type, "err", err)
		os.Exit(1)
	}

	logger.Info("listening", "type", svc.Type, "service_uid", svc.UID, "addr", cfg.HTTPAddr)
	if err := httpinfra.NewServer(svc, routes).Run(cfg.HTTPAddr); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func buildRoutes(ctx context.Context, cfg config.Config, svc *service.Context) (map[string]httpinfra.HandlerFunc, error) {
	switch svc.Type {
	case domain.ServiceTypeIdentity:
		id := identity.New(svc, cfg.SessionMaxAge())
		return httpinfra.IdentityRoutes(id), nil

	case domain.ServiceTypeAccounting:
		verifier, err := remoteVerifier(cfg, svc)
		if err != nil {
			return nil, err
		}
		return httpinfra.AccountingRoutes(accounting.New(svc), verifier), nil

	case domain.ServiceTypeStorage:
		verifier, err := remoteVerifier(cfg, svc)
		if err != nil {
			return nil, err
		}
		engine, err := aclpolicy.NewEngine(ctx)
		if err != nil {
			return nil, err
		}
		return httpinfra.StorageRoutes(storage.New(svc, engine), verifier), nil

	case domain.ServiceTypeCompute:
		return httpinfra.ComputeRoutes(compute.New(svc)), nil

	case domain.ServiceTypeAccess:
		verifier, err := remoteVerifier(cfg, svc)
		if err != nil {
			return nil, err
		}
		broker, err := buildBroker(ctx, cfg, svc)
		if err != nil {
			return nil, err
		}
		return httpinfra.AccessRoutes(broker, verifier), nil
	}
	return nil, fmt.Errorf("unsupported service type %q", svc.Type)
}

func remoteVerifier(cfg config.Config, svc *service.Context) (*identity.Verifier, error) {
	uid := cfg.Peers.IdentityUID
	if uid == "" {
		return nil, fmt.Errorf("PEER_IDENTITY_UID is required for a %s service", svc.Type)
	}
	client := envelope.NewClient(30 * time.Second)
	v := identity.NewVerifier(uid, identity.RemoteCertFetcher(client, svc, uid))
	v.Freshness = cfg.AuthFreshness()
	return v, nil
}

// buildBroker wires the access service's remote adapters from the trusted-peer
// table and the broker's own session material.
func buildBroker(ctx context.Context, cfg config.Config, svc *service.Context) (*access.Broker, error) {
	peers := cfg.Peers
	for name, uid := range map[string]string{
		"PEER_ACCOUNTING_UID": peers.AccountingUID,
		"PEER_STORAGE_UID":    peers.StorageUID,
		"PEER_COMPUTE_UID":    peers.ComputeUID,
		"PEER_ACCOUNT_UID":    peers.AccountUID,
	} {
		if uid == "" {
			return nil, fmt.Errorf("%s is required for the access service", name)
		}
	}

	client := envelope.NewClient(30 * time.Second)
	accountingRec, err := svc.TrustedByUID(ctx, peers.AccountingUID)
	if err != nil {
		return nil, err
	}
	accountingKeys, err := service.RecordKeys(accountingRec)
	if err != nil {
		return nil, err
	}
	computeRec, err := svc.TrustedByUID(ctx, peers.ComputeUID)
	if err != nil {
		return nil, err
	}
	storageRec, err := svc.TrustedByUID(ctx, peers.StorageUID)
	if err != nil {
		return nil, err
	}
	signAuth, err := sessionSigner(cfg, peers.IdentityUID)
	if err != nil {
		return nil, err
	}

	broker := access.NewBroker(svc)
	broker.Payments = &access.RemotePayments{
		Client:        client,
		Svc:           svc,
		AccountingUID: peers.AccountingUID,
		AccountUID:    peers.AccountUID,
	}
	broker.Storage = &access.RemoteProvisioner{Client: client, Svc: svc, StorageUID: peers.StorageUID}
	broker.Compute = &access.RemoteSubmitter{Client: client, Svc: svc, ComputeUID: peers.ComputeUID}
	broker.Cheques = &access.AccountChequeWriter{
		AccountUID:    peers.AccountUID,
		AccountingURL: accountingRec.CanonicalURL,
		AccountingKey: accountingKeys[0],
		SignAuth:      signAuth,
	}
	broker.ComputeURL = computeRec.CanonicalURL
	broker.StorageURL = storageRec.CanonicalURL
	return broker, nil
}

// sessionSigner loads the broker's session signing key and returns the
// authorisation factory its cheques use.
func sessionSigner(cfg config.Config, identityUID string) (func(string) (*domain.Authorisation, error), error) {
	peers := cfg.Peers
	if peers.SessionCertFile == "" || peers.SessionUserUID == "" || peers.SessionUID == "" {
		return nil, fmt.Errorf("SESSION_CERT_FILE, SESSION_USER_UID and SESSION_UID are required for the access service")
	}
	pemBytes, err := os.ReadFile(peers.SessionCertFile)
	if err != nil {
		return nil, fmt.Errorf("reading session cert: %w", err)
	}
	cert, err := crypto.PrivateKeyFromEncryptedPEM(pemBytes, cfg.ServicePassword)
	if err != nil {
		return nil, fmt.Errorf("unlocking session cert: %w", err)
	}
	return func(resource string) (*domain.Authorisation, error) {
		return identity.SignAuthorisation(cert, peers.SessionUserUID, peers.SessionUID,
			identityUID, resource, time.Now())
	}, nil
}
