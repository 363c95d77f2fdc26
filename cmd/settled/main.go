package main

import (
	"context"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gridsettle/api"
	"gridsettle/config"
	"gridsettle/credential"
	"gridsettle/ledger"
	"gridsettle/observability/logging"
	"gridsettle/settle"
)

func main() {
	configPath := flag.String("config", "", "path to settled.yaml (defaults apply when omitted)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger := logging.Setup("settled", cfg.Environment, cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("settled exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	rpc := ledger.NewRPCClient(cfg.Ledger.Endpoint, cfg.Ledger.AuthToken)
	client := ledger.NewRetryingClient(rpc, cfg.Ledger.Attempts, cfg.Ledger.Timeout.Duration, cfg.Ledger.Backoff.Duration)
	introspector := ledger.NewIntrospector(client)

	nonces := settle.NewNonceAuthority()
	accumulator := settle.NewAccumulator(store)
	escrow := settle.NewEscrow(settle.NewPaidBidSet(store))
	if err := loadTrustRoots(cfg, escrow); err != nil {
		return err
	}

	verifier := &credential.Verifier{}

	discount, err := settle.NewDiscountService(settle.DiscountConfig{
		Ledger:       client,
		Transactions: introspector,
		Verifier:     verifier,
		Nonces:       nonces,
		Accumulator:  accumulator,
		UtilityMSP:   cfg.UtilityMSP,
	})
	if err != nil {
		return err
	}
	payment, err := settle.NewPaymentService(settle.PaymentConfig{
		Ledger:       client,
		Transactions: introspector,
		Verifier:     verifier,
		Nonces:       nonces,
		Accumulator:  accumulator,
		Escrow:       escrow,
		CompanyMSP:   cfg.CompanyMSP,
	})
	if err != nil {
		return err
	}

	var audit *api.AuditLog
	if cfg.Data.AuditPath != "" {
		audit, err = api.OpenAuditLog(cfg.Data.AuditPath)
		if err != nil {
			return err
		}
		defer audit.Close()
	}

	server, err := api.NewServer(api.Config{
		Discount:      discount,
		Payment:       payment,
		Audit:         audit,
		RatePerSecond: cfg.RateLimit.PerSecond,
		RateBurst:     cfg.RateLimit.Burst,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := payment.WatchSettlements(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("settlement watcher stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("settled listening", "addr", cfg.ListenAddress)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func openStore(cfg config.Config) (settle.Store, func(), error) {
	if cfg.Data.Dir == "" {
		store := settle.NewMemStore()
		return store, func() { _ = store.Close() }, nil
	}
	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := settle.OpenLevelStore(filepath.Join(cfg.Data.Dir, "settle"))
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

func loadTrustRoots(cfg config.Config, escrow *settle.Escrow) error {
	pools := make(map[string]*x509.CertPool)
	for _, root := range cfg.TrustRoots {
		pem, err := os.ReadFile(root.CertFile)
		if err != nil {
			return fmt.Errorf("read trust root for %s: %w", root.MSP, err)
		}
		pool, ok := pools[root.MSP]
		if !ok {
			pool = x509.NewCertPool()
			pools[root.MSP] = pool
		}
		if !pool.AppendCertsFromPEM(pem) {
			return fmt.Errorf("trust root for %s: no certificates in %s", root.MSP, root.CertFile)
		}
	}
	for msp, pool := range pools {
		escrow.SetTrustRoots(msp, pool)
	}
	return nil
}
