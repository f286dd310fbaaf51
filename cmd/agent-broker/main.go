package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/bridge"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/certstore"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/config"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/control"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/cryptoutil"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/fabric"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/hoststore"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/httpd"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/liveness"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/metrics"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/profile"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/session"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/token"
)

func main() {
	// .env is optional; a missing file is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("Starting agent communication broker",
		"https_port", cfg.HTTPSFrontendPort,
		"http_port", cfg.HTTPFrontendPort,
		"agent_port", cfg.HTTPAgentPort,
		"broker_url", cfg.BrokerURL,
		"plugins", cfg.Plugins,
		"long_poll_timeout", cfg.LongPollTimeout().String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(ctx); err != nil {
		logger.Error("Failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("Connected to PostgreSQL")

	m := metrics.New()
	fab := fabric.New(cfg.TxQueueCap, logger, m)
	sessions := session.NewManager(fab, logger, m)

	// On bus reconnect every agent-side session is torn down: messages
	// may have been lost while the bus was away.
	nc, err := bridge.Connect(cfg.BrokerURL, logger, func() {
		sessions.TerminateAll(cfg.Plugins)
	})
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	logger.Info("Connected to NATS")

	br := bridge.New(nc, fab, logger, m)

	certs := certstore.New(db, logger)
	if err := certs.Prime(ctx); err != nil {
		logger.Error("Failed to prime certificate store", "error", err)
		os.Exit(1)
	}

	hosts := hoststore.New(db, logger)
	profiles := profile.New(db, logger)
	tokens := token.New(db, logger)
	crypto := cryptoutil.New(cfg.CryptoFolder, cfg.ServerHTTPURL, logger)

	tracker := liveness.NewTracker(cfg.ContactTimeout(), cfg.PollInterval(),
		cfg.StartupDelay(), sessions, br, hosts, logger)
	known, err := hosts.All(ctx)
	if err != nil {
		logger.Error("Failed to load managed hosts", "error", err)
		os.Exit(1)
	}
	boots := make(map[string]time.Time, len(known))
	for _, h := range known {
		var bootTime time.Time
		if h.BootTime.Valid {
			bootTime = h.BootTime.Time
		}
		boots[h.FQDN] = bootTime
	}
	tracker.Prime(boots)
	go tracker.Run(ctx)
	logger.Info("Liveness tracker primed", "hosts", len(known))

	if err := br.Start(ctx); err != nil {
		logger.Error("Failed to start bus bridge", "error", err)
		os.Exit(1)
	}

	rpc := control.NewService(nc, sessions, fab, tracker, certs, logger)
	if err := rpc.Start(); err != nil {
		logger.Error("Failed to start control RPC", "error", err)
		os.Exit(1)
	}
	scheduler := control.NewSchedulerClient(nc, 0)

	// Any session the agents remember predates this process.
	sessions.TerminateAll(cfg.Plugins)

	handler := httpd.NewHandler(httpd.Deps{
		Certs:     certs,
		Sessions:  sessions,
		Fabric:    fab,
		Liveness:  tracker,
		Tokens:    tokens,
		Crypto:    crypto,
		Hosts:     hosts,
		Profiles:  profiles,
		Scheduler: scheduler,
		Logger:    logger,
		Metrics:   m,
		Config:    cfg,
	})

	tlsConf, err := httpd.NewTLSConfig(crypto)
	if err != nil {
		logger.Error("Failed to build TLS configuration", "error", err)
		os.Exit(1)
	}

	agentServer := httpd.NewAgentServer(cfg.HTTPSFrontendPort, httpd.Router(handler),
		tlsConf, cfg.LongPollTimeout())
	redirectServer := httpd.NewRedirectServer(cfg.HTTPFrontendPort, cfg.HTTPSFrontendPort)
	metricsServer := httpd.NewMetricsServer(cfg.HTTPAgentPort)

	go func() {
		logger.Info("Starting HTTPS front-end", "addr", agentServer.Addr)
		if err := agentServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTPS server error", "error", err)
		}
	}()
	go func() {
		logger.Info("Starting HTTP redirect listener", "addr", redirectServer.Addr)
		if err := redirectServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Redirect server error", "error", err)
		}
	}()
	go func() {
		logger.Info("Starting metrics listener", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Agent broker started")
	<-sigChan

	logger.Info("Shutting down agent broker...")
	cancel()

	rpc.Drain()
	br.Drain()

	for _, srv := range []*http.Server{agentServer, redirectServer, metricsServer} {
		if err := httpd.Shutdown(srv, 30*time.Second); err != nil {
			logger.Error("Server shutdown error", "addr", srv.Addr, "error", err)
		}
	}

	logger.Info("Agent broker stopped")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
