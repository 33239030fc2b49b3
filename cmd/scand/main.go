package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fileguard/internal/config"
	"fileguard/internal/ratelimit"
	"fileguard/internal/server"
	"fileguard/internal/servicetoken"
	"fileguard/internal/userclient"
	"fileguard/internal/util"
	"fileguard/pkg/clamd"
	"fileguard/pkg/contentstore"
	"fileguard/pkg/events"
	"fileguard/pkg/ingest"
	"fileguard/pkg/metrics"
	"fileguard/pkg/offender"
	"fileguard/pkg/quarantine"
	"fileguard/pkg/queue"
	"fileguard/pkg/scanner"
	"fileguard/pkg/storage"
	"fileguard/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "scan-service"
	}

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("failed to init object storage: %v", err)
	}
	content := contentstore.New(st, objects)

	signer, err := servicetoken.NewSigner(cfg.InternalJWTPrivateKeyPath, serviceName, servicetoken.DefaultTokenTTL)
	if err != nil {
		log.Fatalf("failed to init service token signer: %v", err)
	}
	if cfg.InternalJWTKeyID != "" {
		signer.KeyID = cfg.InternalJWTKeyID
	}
	verifier, err := servicetoken.NewVerifier(cfg.InternalJWTPublicKeyPath, serviceName, cfg.Issuers(), servicetoken.DefaultLeeway)
	if err != nil {
		log.Fatalf("failed to init service token verifier: %v", err)
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.AMQPURL != "" {
		exchange := cfg.AMQPExchange
		if exchange == "" {
			exchange = "fileguard.events"
		}
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL, exchange, logger)
		if err != nil {
			log.Fatalf("failed to init event publisher: %v", err)
		}
		defer amqpPublisher.Close()
		publisher = amqpPublisher
	}

	counters := metrics.NewCounters(cfg.RedisAddr, cfg.RedisPassword, "fileguard:scan:metrics")
	defer counters.Close()

	queueCfg := queue.DefaultConfig()
	queueCfg.Ceiling = cfg.QueueCapacity
	queueCfg.MaxAttempts = cfg.QueueMaxRetries
	if cfg.LeaseSeconds > 0 {
		queueCfg.Lease = time.Duration(cfg.LeaseSeconds) * time.Second
	}
	if cfg.RetryBaseDelayMs > 0 {
		queueCfg.RetryBase = time.Duration(cfg.RetryBaseDelayMs) * time.Millisecond
	}
	if cfg.RetryMaxDelayMs > 0 {
		queueCfg.RetryMax = time.Duration(cfg.RetryMaxDelayMs) * time.Millisecond
	}
	scanQueue := queue.New(st, queueCfg)

	workerCfg := scanner.DefaultConfig()
	workerCfg.Enabled = cfg.ScanEnabled
	workerCfg.MaxSizeMB = cfg.MaxScanSizeMB
	if cfg.ScanWorkers > 0 {
		workerCfg.Workers = cfg.ScanWorkers
	}
	if cfg.ScanTimeoutMs > 0 {
		workerCfg.ScanTimeout = time.Duration(cfg.ScanTimeoutMs) * time.Millisecond
	}
	if cfg.PollIntervalMs > 0 {
		workerCfg.PollInterval = time.Duration(cfg.PollIntervalMs) * time.Millisecond
	}

	clam := clamd.New(cfg.ClamdAddr, int64(workerCfg.Workers), workerCfg.ScanTimeout)
	users := userclient.New(cfg.UserServiceURL, "user-service", signer)
	tracker := offender.NewTracker(st, users, publisher, logger)
	qm := quarantine.NewManager(st, content, objects, publisher, logger)
	pool := scanner.NewPool(workerCfg, st, scanQueue, content, clam, qm, tracker, counters, publisher, logger)
	ingestSvc := ingest.NewService(st, content, scanQueue, logger)

	serverCfg := server.Config{
		Store:       st,
		Ingest:      ingestSvc,
		Quarantine:  qm,
		Queue:       scanQueue,
		Counters:    counters,
		Daemon:      clam,
		Verifier:    verifier,
		ServiceName: serviceName,
	}
	if cfg.RescanRateLimit > 0 && cfg.RedisAddr != "" {
		limiter, err := ratelimit.New(cfg.RedisAddr, cfg.RedisPassword, "fileguard:ratelimit:rescan",
			cfg.RescanRateLimit, time.Duration(cfg.RescanRateWindowMs)*time.Millisecond)
		if err != nil {
			log.Fatalf("failed to init rescan rate limiter: %v", err)
		}
		defer limiter.Close()
		serverCfg.RescanLimiter = limiter
	}
	httpServer := server.New(serverCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := pool.Run(ctx); err != nil {
			logger.Error("worker pool stopped", "err", err)
		}
	}()

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("scan server listening", "addr", addr, "workers", workerCfg.Workers)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
