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
	"go.uber.org/zap"

	"collabflow/api/internal/app"
	"collabflow/api/internal/authpw"
	"collabflow/api/internal/config"
	"collabflow/api/internal/email"
	"collabflow/api/internal/notify"
	"collabflow/api/internal/prefs"
	"collabflow/api/internal/realtime"
	"collabflow/api/internal/search"
	"collabflow/api/internal/session"
	"collabflow/api/internal/store"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}
	dataStore := store.NewPostgresStore(db)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("parse redis url", zap.Error(err))
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	cancelPing()

	sessions := session.NewRedisStoreWithClient(redisClient)
	bus := realtime.NewRedisBus(redisClient, logger)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, logger)
	go searchService.ReindexAllFromPG(ctx)

	userPrefs, err := prefs.Open(cfg.PrefsPath)
	if err != nil {
		logger.Fatal("open preferences store", zap.Error(err))
	}

	service := app.New(cfg, app.Deps{
		Store:    dataStore,
		Sessions: sessions,
		Identity: authpw.NewService(dataStore),
		Index:    searchService,
		Bus:      bus,
		Notifier: notify.NewBusNotifier(bus, logger),
		Prefs:    userPrefs,
		Logger:   logger,
	})

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if mailer.IsConfigured() {
		service.WithMailer(mailer)
	} else {
		logger.Info("smtp not configured, outbound mail disabled")
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	hub := realtime.NewHub(bus, logger)
	go hub.Run(hubCtx)

	httpServer := app.NewHTTPServer(service, hub, logger, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopHub()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
}
