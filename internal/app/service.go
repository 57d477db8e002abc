package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/internal/auth"
	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/internal/config"
	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/internal/keyexchange"
	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/internal/keystore"
	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/internal/presence"
	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/internal/profile"
	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/internal/registry"
	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/internal/relay"
	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/internal/transport"
)

// Service owns every component of the relay daemon. Construction is explicit
// and happens once at process start; Run blocks until the context is
// cancelled.
type Service struct {
	cfg      config.Config
	logger   *slog.Logger
	keys     *keystore.Store
	exchange *keyexchange.Manager
	registry *registry.Registry
	server   *transport.Server
}

func New(cfg config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	keys, err := openKeystore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open keystore: %w", err)
	}
	exchange := keyexchange.NewManager(cfg.NodeID, keys, logger)

	verifier := auth.NewVerifier(cfg.CredentialSecret)
	var profiles profile.Resolver = profile.NoopResolver{}
	if cfg.ProfileServiceURL != "" {
		profiles = profile.NewHTTPResolver(cfg.ProfileServiceURL)
	}

	promRegistry := prometheus.NewRegistry()

	reg := registry.New(verifier, profiles, logger, registry.NewMetrics(promRegistry))
	rel := relay.New(reg, logger, relay.NewMetrics(promRegistry))
	pres := presence.New(reg, logger)
	reg.SetNotifier(pres)

	addr, err := cfg.TCPListenAddr()
	if err != nil {
		return nil, err
	}
	server := transport.NewServer(transport.Options{
		Addr:            addr,
		StreamBuffer:    cfg.StreamBuffer,
		ConnectPerMin:   cfg.ConnectRatePerMinute,
		ConnectBurst:    cfg.ConnectBurst,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Metrics:         promRegistry,
	}, verifier, reg, rel, pres, logger)

	return &Service{
		cfg:      cfg,
		logger:   logger,
		keys:     keys,
		exchange: exchange,
		registry: reg,
		server:   server,
	}, nil
}

func openKeystore(cfg config.Config, logger *slog.Logger) (*keystore.Store, error) {
	if cfg.KeystorePath == "" {
		return keystore.NewInMemory(), nil
	}
	phrase := cfg.RecoveryPhrase
	if phrase == "" {
		if _, err := os.Stat(cfg.KeystorePath); err == nil {
			return nil, fmt.Errorf("keystore %s exists but no recovery phrase is configured", cfg.KeystorePath)
		}
		generated, err := keystore.GenerateRecoveryPhrase()
		if err != nil {
			return nil, err
		}
		phrase = generated
		// First run. The phrase is the only way back into the store; it is
		// shown exactly once.
		logger.Warn("generated a new keystore recovery phrase; record it, it will not be shown again",
			slog.String("recovery_phrase", generated))
	}
	passphrase, err := keystore.PassphraseFromPhrase(phrase)
	if err != nil {
		return nil, err
	}
	return keystore.NewPersistent(cfg.KeystorePath, passphrase)
}

// Run ensures the node's own key material exists and serves until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) error {
	identity, err := s.exchange.EnsureIdentityKeyPair(ctx)
	if err != nil {
		return fmt.Errorf("ensure node identity key: %w", err)
	}
	s.logger.Info("relay daemon starting",
		slog.String("node", s.cfg.NodeID),
		slog.String("listen", s.cfg.ListenAddr),
		slog.String("key_fingerprint", identity.Fingerprint()))

	err = s.server.Run(ctx)
	s.logger.Info("relay daemon stopped")
	return err
}

// Registry exposes the connection registry for tests.
func (s *Service) Registry() *registry.Registry { return s.registry }
