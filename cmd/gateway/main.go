package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/traceharbor/gateway/auth"
	"github.com/traceharbor/gateway/config"
	"github.com/traceharbor/gateway/dispatcher"
	"github.com/traceharbor/gateway/ingest"
	"github.com/traceharbor/gateway/logger"
	"github.com/traceharbor/gateway/observability"
	"github.com/traceharbor/gateway/ratelimit"
	"github.com/traceharbor/gateway/redisclient"
	"github.com/traceharbor/gateway/router"
	siggen "github.com/traceharbor/gateway/signal"
	"github.com/traceharbor/gateway/store/olap"
	"github.com/traceharbor/gateway/store/oltp"
	"github.com/traceharbor/gateway/trace"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("traceharbor gateway starting")

	rc, err := redisclient.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("redis init failed")
	}
	if err := rc.Ping(); err != nil {
		log.Fatal().Err(err).Msg("redis ping failed")
	}
	log.Info().Msg("redis connected")

	oltpStore, err := oltp.NewStoreFromDSN(cfg.OLTPDatabaseURL, oltp.DefaultConfig(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("oltp store init failed")
	}
	defer oltpStore.Close()
	log.Info().Msg("oltp store connected")

	var olapStore olap.Writer
	var olapReader olap.Reader
	if cfg.OLAPStoreURL != "" {
		httpStore := olap.NewHTTPStore(olap.DefaultHTTPConfig(cfg.OLAPStoreURL+"/insert", cfg.OLAPStoreURL+"/query", cfg.OLAPAdminToken), log)
		olapStore = httpStore
		olapReader = httpStore
		log.Info().Str("url", cfg.OLAPStoreURL).Msg("olap store configured")
	} else {
		memStore := olap.NewMemoryStore(log)
		olapStore = memStore
		olapReader = memStore
		log.Warn().Msg("OLAP_STORE_URL not set — using in-memory olap store (not for production)")
	}

	authenticator := auth.NewHMACAuthenticator(cfg.CredentialSigningSecret)
	rateLimiter := ratelimit.NewLimiter(rc.Raw(), cfg.RateLimitRPM, cfg.RateLimitBurst, cfg.FailOpenOnRateLimit)
	quotaChecker := ratelimit.NewQuotaChecker(rc.Raw(), cfg.MonthlyQuota)
	signalGenerator := siggen.NewGenerator()
	queueDispatcher := dispatcher.NewDispatcher(rc.Raw(), log)

	metrics := observability.NewMetrics()
	var alerter *observability.PagerDutyClient
	if pdKey := os.Getenv("PAGERDUTY_ROUTING_KEY"); pdKey != "" {
		pdCfg := observability.DefaultPagerDutyConfig()
		pdCfg.RoutingKey = pdKey
		pdCfg.Enabled = true
		alerter = observability.NewPagerDutyClient(pdCfg, log)
		queueDispatcher.SetBacklogAlert(alerter, int64(cfg.RateLimitBurst)*10)
	}
	var auditLog *observability.SplunkForwarder
	if splunkURL := os.Getenv("SPLUNK_HEC_URL"); splunkURL != "" {
		spCfg := observability.DefaultSplunkConfig()
		spCfg.HECURL = splunkURL
		spCfg.Token = os.Getenv("SPLUNK_HEC_TOKEN")
		spCfg.Enabled = true
		auditLog = observability.NewSplunkForwarder(spCfg, log)
		defer auditLog.Stop()
	}
	queueDispatcher.SetMetrics(metrics)

	tracer := observability.NewTracer(log, observability.NewLogExporter(log))
	defer tracer.Shutdown()

	pipeline := ingest.NewPipeline(
		ingest.Config{
			MaxBatchEvents: cfg.MaxBatchEvents,
			MaxEventBytes:  cfg.MaxEventBytes,
			IngestTimeout:  cfg.IngestTimeout,
		},
		log,
		authenticator,
		rateLimiter,
		quotaChecker,
		olapStore,
		oltpStore,
		signalGenerator,
		queueDispatcher,
	)
	pipeline.SetMetrics(metrics)
	pipeline.SetTracer(tracer)
	if auditLog != nil {
		pipeline.SetAuditLog(auditLog)
	}

	worker := dispatcher.NewWorker(
		dispatcher.WorkerConfig{
			Concurrency:        cfg.WorkerConcurrency,
			RateLimitPerMin:    cfg.WorkerRateRPM,
			MaxAttempts:        cfg.WorkerMaxAttempts,
			Layer3Timeout:      cfg.Layer3Timeout,
			Layer4Timeout:      cfg.Layer4Timeout,
			AnalysisServiceURL: cfg.AnalysisServiceURL,
		},
		log,
		queueDispatcher,
		rc.Raw(),
		olapStore,
	)
	worker.SetMetrics(metrics)
	worker.SetTracer(tracer)
	if alerter != nil {
		worker.SetAlerter(alerter)
	}

	traceService := trace.NewService(olapReader)

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	go worker.Run(workerCtx)

	r := router.NewRouter(router.Deps{
		Config:        cfg,
		Logger:        log,
		Authenticator: authenticator,
		Pipeline:      pipeline,
		OLTPStore:     oltpStore,
		TraceService:  traceService,
		Dispatcher:    queueDispatcher,
		Redis:         rc,
		Metrics:       metrics,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.QueryTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	cancelWorker()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("gateway stopped gracefully")
	}
}
