package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campusbridge/audit"
	"campusbridge/clients/assessment"
	"campusbridge/clients/escrowadmin"
	"campusbridge/clients/nda"
	"campusbridge/config"
	"campusbridge/engagement"
	"campusbridge/gates"
	"campusbridge/ledger"
	"campusbridge/observability/logging"
	"campusbridge/retry"
	"campusbridge/workspace"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "engagement-gateway.toml", "path to the gateway configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := logging.Setup("engagement-gateway", cfg.Environment)

	store, err := NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		logger.Error("open sqlite store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	policy := retry.Policy{
		MaxRetries: cfg.RetryMaxAttempts,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
	}

	ledgerClient := ledger.NewClient(cfg.LedgerURL, cfg.LedgerAuthToken)
	escrowClient := escrowadmin.NewClient(cfg.EscrowURL, cfg.EscrowAuthToken)
	escrowClient.SetRetryPolicy(policy)
	ndaClient := nda.NewClient(cfg.NdaURL, cfg.NdaAuthToken)
	ndaClient.SetRetryPolicy(policy)
	assessmentClient := assessment.NewClient(cfg.AssessmentURL, cfg.AssessmentToken)
	assessmentClient.SetRetryPolicy(policy)

	escrowGate := gates.NewEscrowGate(escrowClient)
	ndaGate := gates.NewNdaGate(ndaClient)
	assessmentGate := gates.NewAssessmentGate(assessmentClient)

	access := workspace.NewController(ledgerClient, escrowGate, ndaGate)

	queue := audit.NewQueue(
		audit.WithQueueCapacity(cfg.AuditQueueCap),
		audit.WithQueueTTL(cfg.AuditQueueTTL),
	)
	emitter := newRecordingEmitter(store, queue, logger)
	worker := audit.NewWorker(store, queue, policy, logger)

	engine := engagement.NewEngine()
	engine.SetLedger(ledgerClient)
	engine.SetEscrowGate(escrowGate)
	engine.SetEmitter(emitter)
	engine.SetInvalidator(access)
	engine.SetRetryPolicy(policy)

	sweeper := NewSweeper(store, escrowClient, emitter, logger, cfg.SweepInterval, cfg.StaleHoldAfter)

	server := NewServer(ServerDeps{
		Engine:         engine,
		Source:         ledgerClient,
		Access:         access,
		Escrow:         escrowClient,
		Nda:            ndaClient,
		Assessments:    assessmentClient,
		EscrowGate:     escrowGate,
		NdaGate:        ndaGate,
		AssessmentGate: assessmentGate,
		Store:          store,
		Emitter:        emitter,
		Auth:           NewAuthenticator(cfg.JWTSecret, logger),
		Limiter:        NewRateLimiter(cfg.RatePerSecond, cfg.RateBurst),
		Logger:         logger,
	})

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	go worker.Run(workerCtx)
	go sweeper.Run(workerCtx)

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: server,
	}

	go func() {
		logger.Info("engagement gateway listening", "addr", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "err", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down engagement gateway")
	stopWorkers()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
}
