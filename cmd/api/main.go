package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"escrowflow/auth"
	"escrowflow/blob"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/draft"
	"escrowflow/escrow"
	"escrowflow/intake"
	"escrowflow/logging"
	"escrowflow/migrations"
	"escrowflow/notify"
	"escrowflow/payment"
	"escrowflow/project"
	"escrowflow/proof"
	"escrowflow/settlement"
	"escrowflow/stepup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("api stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	logger := logging.Setup(loggingOptions(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := migrations.Check(cfg.DB.DSN); err != nil {
		return fmt.Errorf("schema check: %w", err)
	}
	pool, err := db.Open(ctx, cfg.DB)
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	adapterOpts, err := settlementOptions(cfg.Settlement)
	if err != nil {
		return err
	}
	adapter, err := settlement.New(adapterOpts, logger)
	if err != nil {
		return fmt.Errorf("settlement adapter: %w", err)
	}
	blobs, err := blob.New(ctx, blob.Options{
		Backend:      cfg.Blob.Backend,
		Region:       cfg.Blob.Region,
		Endpoint:     cfg.Blob.Endpoint,
		UsePathStyle: cfg.Blob.UsePathStyle,
		HTTPTimeout:  cfg.Blob.HTTPTimeout.Duration,
	})
	if err != nil {
		return fmt.Errorf("blob readers: %w", err)
	}
	tokens, err := auth.NewService(cfg.Auth.JWTSecret)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	guard := stepup.NewGuard(pool, stepup.NewPGStore(), stepupOptions(cfg.StepUp)).WithLogger(logger)
	lifecycle, err := escrow.NewService(pool, escrow.NewPostgresDeps(pool, adapter, guard))
	if err != nil {
		return fmt.Errorf("escrow service: %w", err)
	}
	lifecycle = lifecycle.
		WithLogger(logger).
		WithAdapterTimeout(cfg.Settlement.Timeout.Duration).
		WithReviewWindow(cfg.Review.Window.Duration)

	projects := project.NewRepository(pool)
	proofs := proof.NewLedger(pool, payment.NewLedger(pool))
	drafts := draft.NewRepository(pool)
	outbox := notify.NewOutbox()
	intakes := intake.NewService(pool, intake.NewRepository(pool), projects, proofs, outbox).WithLogger(logger)

	hub := notify.NewHub(logger)
	relay := notify.NewRelay(pool, notify.NewPGQueue(), hub, notify.RelayOptions{
		Interval:    cfg.Notify.PollInterval.Duration,
		BatchSize:   cfg.Notify.BatchSize,
		MaxAttempts: cfg.Notify.MaxAttempts,
	}).WithLogger(logger)

	server := &Server{
		escrowService: lifecycle,
		intakeService: intakes,
		projects:      projects,
		drafts:        drafts,
		verifier:      draft.NewVerifier(drafts, blobs),
		disputes:      dispute.NewService(dispute.NewRepository(pool)),
		proofs:        proofs,
		stepUp:        guard,
		tokens:        tokens,
		delivery:      hub,
		hub:           hub,
		logger:        logger,
		now:           time.Now,
	}
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := relay.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("notification relay: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("api listening", "addr", cfg.Server.Addr, "settlement_mode", adapter.Mode())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		logger.Info("api shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func loggingOptions(cfg config.Config) logging.Options {
	return logging.Options{
		Service:    "escrow-api",
		Env:        cfg.Env,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}
}

func settlementOptions(c config.SettlementConfig) (settlement.Options, error) {
	mode, err := settlement.ParseMode(c.Mode)
	if err != nil {
		return settlement.Options{}, err
	}
	return settlement.Options{
		Mode:            mode,
		RPCURL:          c.RPCURL,
		AuthToken:       c.AuthToken,
		ChainID:         c.ChainID,
		OperatorAddress: c.OperatorAddress,
		AuthorityKey:    c.AuthorityKey,
		Timeout:         c.Timeout.Duration,
		GatewayProvider: c.GatewayProvider,
	}, nil
}

func stepupOptions(c config.StepUpConfig) stepup.Options {
	return stepup.Options{
		TTL:            c.TTL.Duration,
		Digits:         c.Digits,
		BcryptCost:     c.BcryptCost,
		IssuePerMinute: c.IssuePerMinute,
		IssueBurst:     c.IssueBurst,
	}
}
