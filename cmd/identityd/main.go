// Command identityd runs the OAuth 2.0 / OpenID Connect provider.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	identityd "github.com/eduardomb-aw/identityd"
	"github.com/eduardomb-aw/identityd/audit"
	"github.com/eduardomb-aw/identityd/login"
	"github.com/eduardomb-aw/identityd/metrics"
	"github.com/eduardomb-aw/identityd/registry"
	"github.com/eduardomb-aw/identityd/server"
	"github.com/eduardomb-aw/identityd/signer"
	"github.com/eduardomb-aw/identityd/store"
)

func main() {
	var (
		configPath = flag.String("config", "identityd.yaml", "path to configuration file")
		logJSON    = flag.Bool("log-json", false, "emit logs as JSON")
		logDebug   = flag.Bool("log-debug", false, "enable debug logging")
	)
	flag.Parse()

	logger := newLogger(*logJSON, *logDebug)
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func newLogger(asJSON, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if asJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := identityd.LoadConfig(configPath)
	if err != nil {
		return err
	}
	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}

	clientRecords, err := registry.BuildClients(cfg.Clients)
	if err != nil {
		return err
	}
	clients, err := registry.NewClientRegistry(clientRecords)
	if err != nil {
		return err
	}
	scopes, err := registry.NewScopeRegistry(registry.BuildScopes(cfg.Scopes))
	if err != nil {
		return err
	}
	users, err := login.NewMemoryStore(cfg.Users)
	if err != nil {
		return err
	}

	sig, err := newSigner(cfg, logger)
	if err != nil {
		return err
	}

	grants := store.NewMemory()
	defer grants.Close()

	auditLog := audit.New(0, audit.WithSlogHandler(logger))
	defer auditLog.Close()

	p, err := identityd.NewProvider(*cfg,
		identityd.WithLogger(logger),
		identityd.WithClientDirectory(clients),
		identityd.WithScopeDirectory(scopes),
		identityd.WithGrantStore(grants),
		identityd.WithSigner(sig),
		identityd.WithCredentialVerifier(users),
	)
	if err != nil {
		return err
	}
	defer p.Close()

	srv := server.New(p, sig,
		server.WithMetrics(metrics.New(cfg.MetricsEnabled)),
		server.WithAudit(auditLog),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx, cfg.ListenAddr)
}

// newSigner loads the RSA signing key from the configured PEM file, or
// generates an ephemeral key when none is configured. Ephemeral keys
// invalidate all outstanding tokens on restart.
func newSigner(cfg *identityd.Config, logger *slog.Logger) (*signer.Signer, error) {
	if cfg.SigningKeyFile == "" {
		logger.Warn("no signing_key_file configured, generating an ephemeral signing key")
		return signer.New()
	}
	pemBytes, err := os.ReadFile(cfg.SigningKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	// Derive the key ID from the key material so it is stable across
	// restarts and matches the kid in previously issued tokens.
	sum := sha256.Sum256(pemBytes)
	kid := hex.EncodeToString(sum[:8])
	return signer.New(signer.WithPrivateKeyPEM(kid, pemBytes))
}
