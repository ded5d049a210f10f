// Package session wires a dispatcher to its transport, store, identity and metrics from a
// loaded config.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"wakulink/go-backend/internal/config"
	"wakulink/go-backend/internal/crypto"
	"wakulink/go-backend/internal/dispatch"
	"wakulink/go-backend/internal/identity"
	"wakulink/go-backend/internal/metrics"
	"wakulink/go-backend/internal/natsbus"
	"wakulink/go-backend/internal/platform/privacylog"
	"wakulink/go-backend/internal/platform/ratelimiter"
	"wakulink/go-backend/internal/platform/statushub"
	"wakulink/go-backend/internal/storage"
	"wakulink/go-backend/internal/storage/pgstore"
	"wakulink/go-backend/internal/transport"
	"wakulink/go-backend/internal/waku"
)

const statusBacklog = 256

var ErrPassphraseRequired = errors.New("identity passphrase is required when a mnemonic file is configured")

type Options struct {
	Config config.Config
	// Passphrase unlocks the mnemonic file and seals a file-backed message store.
	Passphrase string
	LogOutput  io.Writer
	// Registry defaults to a fresh registry so sessions never collide on the global one.
	Registry *prometheus.Registry
}

// Session owns every component built for one node process. Close releases them in reverse
// build order.
type Session struct {
	Config     config.Config
	Logger     *slog.Logger
	Dispatcher *dispatch.Dispatcher
	Transport  transport.Transport
	Store      dispatch.Store
	Metrics    *metrics.Collector
	Status     *statushub.Hub
	Keys       *identity.Keys
	// Mnemonic is set only when the identity was created during Build.
	Mnemonic string

	closers []func(context.Context) error
}

func Build(ctx context.Context, opts Options) (*Session, error) {
	cfg := opts.Config
	logger, err := newLogger(cfg.Log.Level, opts.LogOutput)
	if err != nil {
		return nil, err
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	s := &Session{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(registry),
		Status:  statushub.New(statusBacklog),
	}

	if err := s.buildIdentity(cfg, opts.Passphrase); err != nil {
		return nil, err
	}
	if err := s.buildStore(ctx, cfg, opts.Passphrase); err != nil {
		s.closeQuietly()
		return nil, err
	}
	if err := s.buildTransport(ctx, cfg); err != nil {
		s.closeQuietly()
		return nil, err
	}

	deps := dispatch.Deps{
		Transport: s.Transport,
		Store:     s.Store,
		Verifier:  crypto.Verifier{},
		Metrics:   s.Metrics,
		Status:    s.Status,
		Logger:    logger,
	}
	if cfg.Limits.EmitRPS > 0 {
		deps.Limiter = ratelimiter.New(cfg.Limits.EmitRPS, cfg.Limits.EmitBurst, cfg.Limits.EmitIdleTTL)
	}
	d, err := dispatch.New(cfg.Dispatcher, deps)
	if err != nil {
		s.closeQuietly()
		return nil, err
	}
	if s.Keys != nil {
		if err := d.RegisterDecryptionKey(s.Keys.Decryption); err != nil {
			s.closeQuietly()
			return nil, err
		}
	}
	s.Dispatcher = d
	s.closers = append(s.closers, d.Stop)

	logger.Info("session built",
		"transport", cfg.Transport,
		"storage", cfg.Storage.Backend,
		"content_topic", d.Config().ContentTopic,
		"identity", s.Identity(),
	)
	return s, nil
}

// Identity is the node's signing address, or "" when it runs without a seed.
func (s *Session) Identity() string {
	if s.Keys == nil {
		return ""
	}
	return s.Keys.Identity()
}

// Signer is nil when no identity is configured.
func (s *Session) Signer() dispatch.Signer {
	if s.Keys == nil {
		return nil
	}
	return s.Keys.Signing
}

func (s *Session) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *Session) closeQuietly() {
	if err := s.Close(context.Background()); err != nil {
		s.Logger.Warn("session cleanup failed", "error", err.Error())
	}
}

func (s *Session) buildIdentity(cfg config.Config, passphrase string) error {
	path := strings.TrimSpace(cfg.Identity.MnemonicFile)
	if path == "" {
		return nil
	}
	if strings.TrimSpace(passphrase) == "" {
		return ErrPassphraseRequired
	}
	keys, mnemonic, err := identity.LoadOrCreate(path, passphrase)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	s.Keys = keys
	s.Mnemonic = mnemonic
	if mnemonic != "" {
		s.Logger.Info("identity created", "path", path)
	}
	return nil
}

func (s *Session) buildStore(ctx context.Context, cfg config.Config, passphrase string) error {
	switch cfg.Storage.Backend {
	case config.StorageFile:
		store, err := storage.NewEncryptedPersistentMessageStore(cfg.Storage.Path, passphrase)
		if err != nil {
			return fmt.Errorf("open message store: %w", err)
		}
		s.Store = store
	case config.StoragePostgres:
		store, err := pgstore.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		s.closers = append(s.closers, func(context.Context) error {
			store.Close()
			return nil
		})
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate postgres store: %w", err)
		}
		s.Store = store
	default:
		s.Store = storage.NewMessageStore()
	}
	return nil
}

func (s *Session) buildTransport(ctx context.Context, cfg config.Config) error {
	switch cfg.Transport {
	case config.TransportNATS:
		bus, err := natsbus.Connect(cfg.NATS, s.Logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		s.closers = append(s.closers, func(context.Context) error {
			bus.Close()
			return nil
		})
		s.Transport = bus
	default:
		node := waku.NewNode(cfg.Network, s.Logger)
		if err := node.Start(ctx); err != nil {
			return fmt.Errorf("start waku node: %w", err)
		}
		s.closers = append(s.closers, node.Stop)
		s.Transport = node
	}
	return nil
}

func newLogger(level string, out io.Writer) (*slog.Logger, error) {
	parsed, err := config.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	if out == nil {
		out = os.Stdout
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: parsed})
	return slog.New(privacylog.WrapHandler(handler)), nil
}
