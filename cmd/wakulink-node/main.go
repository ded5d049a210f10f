package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"wakulink/go-backend/internal/composition/session"
	"wakulink/go-backend/internal/config"
	"wakulink/go-backend/internal/dispatch"
	"wakulink/go-backend/internal/platform/statushub"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	transport := flag.String("transport", "", "Transport override: mock | go-waku | nats")
	mnemonicFile := flag.String("mnemonic-file", "", "Sealed identity seed file, created on first run (optional)")
	passphraseEnv := flag.String("passphrase-env", "WAKULINK_PASSPHRASE", "Environment variable holding the identity and store passphrase")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus listen address override, empty keeps the config value")
	greet := flag.Bool("greet", false, "emit a hello once the dispatcher is subscribed")
	flag.Parse()
	if *showVersion {
		fmt.Printf("wakulink-node version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("wakulink-node config: %v", err)
	}
	if *transport != "" {
		cfg.Transport = *transport
	}
	if *mnemonicFile != "" {
		cfg.Identity.MnemonicFile = *mnemonicFile
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}
	cfg = config.Normalize(cfg)
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("wakulink-node config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := session.Build(ctx, session.Options{
		Config:     cfg,
		Passphrase: os.Getenv(strings.TrimSpace(*passphraseEnv)),
	})
	if err != nil {
		log.Fatalf("wakulink-node failed to initialize: %v", err)
	}
	if err := run(ctx, s, *greet); err != nil {
		s.Logger.Error("wakulink-node failed", "error", err.Error())
		closeSession(s)
		os.Exit(1)
	}
	closeSession(s)
}

func run(ctx context.Context, s *session.Session, greet bool) error {
	logger := s.Logger
	if s.Mnemonic != "" {
		// shown once; the seed file only holds it sealed
		fmt.Fprintf(os.Stderr, "new identity %s\nrecovery mnemonic: %s\n", s.Identity(), s.Mnemonic)
	}

	if err := registerEcho(s); err != nil {
		return err
	}
	go logStatus(ctx, logger, s.Dispatcher)

	var metricsSrv *http.Server
	if addr := strings.TrimSpace(s.Config.Metrics.Addr); addr != "" {
		metricsSrv = serveMetrics(addr, s, logger)
	}

	if err := s.Dispatcher.Start(ctx); err != nil {
		return err
	}
	replayed, err := s.Dispatcher.DispatchLocalQuery(ctx)
	if err != nil {
		logger.Warn("history replay failed", "error", err.Error())
	} else {
		logger.Info("history replayed", "messages", replayed)
	}

	if greet {
		res, err := s.Dispatcher.Emit(ctx, "hello", "hi!", dispatch.SignWith(s.Signer()))
		if err != nil {
			logger.Warn("hello emit failed", "error", err.Error())
		} else if !res.OK() {
			logger.Warn("hello not published", "errors", res.Errors)
		}
	}

	logger.Info("wakulink-node running", "version", version, "identity", s.Identity())
	<-ctx.Done()
	logger.Info("wakulink-node stopping")

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err.Error())
		}
	}
	return nil
}

// registerEcho answers every live hello with an ehlo and logs the replies.
func registerEcho(s *session.Session) error {
	d := s.Dispatcher
	_, err := dispatch.Handle(d, "hello", func(ctx context.Context, greeting string, signer string, meta dispatch.Metadata) error {
		s.Logger.Info("received hello", "payload", greeting, "signer", signer, "from_store", meta.FromStore)
		if meta.FromStore {
			return nil
		}
		_, err := d.Emit(ctx, "ehlo", "ha!", dispatch.SignWith(s.Signer()), dispatch.Ephemeral(true))
		return err
	})
	if err != nil {
		return err
	}
	_, err = dispatch.Handle(d, "ehlo", func(_ context.Context, reply string, signer string, meta dispatch.Metadata) error {
		s.Logger.Info("received ehlo", "payload", reply, "signer", signer, "from_store", meta.FromStore)
		return nil
	})
	return err
}

func serveMetrics(addr string, s *session.Session, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err.Error())
		}
	}()
	logger.Info("metrics server listening", "addr", addr)
	return srv
}

func logStatus(ctx context.Context, logger *slog.Logger, d *dispatch.Dispatcher) {
	backlog, events, cancel := d.SubscribeStatus(0)
	defer cancel()
	for _, ev := range backlog {
		logStatusEvent(logger, ev)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			logStatusEvent(logger, ev)
		}
	}
}

func logStatusEvent(logger *slog.Logger, ev statushub.Event) {
	logger.Info("connection status",
		"seq", ev.Seq,
		"state", ev.Info.State,
		"peers", len(ev.Info.PeerAddresses),
		"subscription_connected", ev.Info.SubscriptionConnected,
		"resubscribe_attempts", ev.Info.ResubscribeAttempts,
		"outbound_failures", ev.Info.OutboundFailures,
	)
}

func closeSession(s *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		s.Logger.Warn("session close failed", "error", err.Error())
	}
}
