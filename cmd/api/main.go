package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"lorebook/api/internal/app"
	"lorebook/api/internal/auth"
	"lorebook/api/internal/authpw"
	"lorebook/api/internal/config"
	"lorebook/api/internal/email"
	"lorebook/api/internal/gitrepo"
	"lorebook/api/internal/ledger"
	"lorebook/api/internal/objstore"
	"lorebook/api/internal/policy"
	"lorebook/api/internal/registry"
	"lorebook/api/internal/search"
	"lorebook/api/internal/session"
	"lorebook/api/internal/store"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.WithError(err).Fatal("migrations failed")
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.WithError(err).Fatal("create repos dir")
	}

	dataStore := store.NewPostgresStore(db)
	archive := gitrepo.New(cfg.ReposDir)

	// Refresh sessions and the recovery attempt ledger share the Redis
	// instance; without one, both fall back to Postgres.
	var (
		sessions app.SessionStore
		attempts ledger.Ledger
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.WithError(err).Fatal("parse redis url")
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			log.WithError(err).Fatal("redis connection failed")
		}
		defer client.Close()
		log.Info("using redis for sessions and attempt ledger")
		sessions = session.NewRedisStoreWithClient(client)
		attempts = ledger.NewRedisLedgerWithClient(client)
	} else {
		log.Info("using postgres for sessions and attempt ledger")
		sessions = dataStore
		attempts = ledger.NewPostgresLedger(db)
	}

	subjects := registry.NewPostgres(db, cfg.LookupTimeout)
	engine := policy.NewEngine(subjects)
	resolver := auth.NewResolver(cfg.JWTSecret, cfg.ServiceKey, subjects)
	accounts := authpw.NewService(dataStore, attempts, cfg.RecoveryMaxAttempts, cfg.RecoveryWindow)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, log)

	objects, err := objstore.New(ctx, objstore.Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("object storage connection failed")
	}

	deps := app.Deps{
		Store:    dataStore,
		Sessions: sessions,
		Engine:   engine,
		Resolver: resolver,
		Accounts: accounts,
		Search:   searchService,
		Objects:  objects,
		Archive:  archive,
		Log:      log,
	}
	if cfg.SMTPHost != "" {
		deps.Mailer = email.NewMailer(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		})
	}

	service := app.New(cfg, deps)
	if err := service.Bootstrap(ctx); err != nil {
		log.WithError(err).Warn("bootstrap error, will retry on next restart")
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Addr).Info("lorebook api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown error")
	}
}
