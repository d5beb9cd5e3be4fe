package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/ticketledger/internal/api"
	"github.com/punchamoorthee/ticketledger/internal/audit"
	"github.com/punchamoorthee/ticketledger/internal/config"
	"github.com/punchamoorthee/ticketledger/internal/ledger"
	"github.com/punchamoorthee/ticketledger/internal/logging"
	"github.com/punchamoorthee/ticketledger/internal/lottery"
	"github.com/punchamoorthee/ticketledger/internal/store/postgres"
)

func main() {
	logger := logging.New("ticketledger-api")
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := postgres.Connect(ctx, cfg.DBSource)
	if err != nil {
		logger.Fatal("Unable to connect to database", zap.Error(err))
	}
	defer dbPool.Close()

	var opts []postgres.Option
	if !cfg.AtomicUnits {
		logger.Warn("multi-write units disabled; ledger and allocator run their single-row paths")
		opts = append(opts, postgres.WithoutUnits())
	}
	st, err := postgres.New(dbPool, opts...)
	if err != nil {
		logger.Fatal("init store", zap.Error(err))
	}
	if err := st.Migrate(ctx); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	auditLog := audit.NewAsync(cfg.AuditBuffer, audit.LogWriter(logger.Named("audit")), logger)
	auditLog.Start(context.Background())
	defer auditLog.Close()

	// Initialize Layers
	led := ledger.New(st, ledger.WithAudit(auditLog), ledger.WithLogger(logger))
	lotteries := lottery.New(st, led, lottery.WithAudit(auditLog), lottery.WithLogger(logger))
	handler := api.NewHandler(lotteries, led, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server starting", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		led.ReportOpenSagas(gctx, cfg.SagaReportInterval, cfg.SagaStaleAfter)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", zap.Error(err))
		return
	}
	logger.Info("server stopped")
}
