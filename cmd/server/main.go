package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"clauselens/internal/aiclient"
	"clauselens/internal/app"
	"clauselens/internal/config"
	"clauselens/internal/server"
	"clauselens/internal/usage"
	"clauselens/internal/usertoken"
	"clauselens/internal/util"
	"clauselens/pkg/storage"
	"clauselens/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse JWT leeway: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	var files storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		minioStore, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("failed to init object store: %v", err)
		}
		files = minioStore
	} else {
		slog.Warn("object store not configured; uploads will not be archived")
	}

	verifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:  cfg.JWKSURL,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   leeway,
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}

	appCore := app.New(app.Config{
		Store: st,
		Files: files,
		AI:    aiclient.New(cfg.AIBackendURL, cfg.InternalSecret),
		Usage: usage.NewService(st, usage.Limits{
			FreeUploads: cfg.FreeUploadLimit,
			ProUploads:  cfg.ProUploadLimit,
			FreeChats:   cfg.FreeChatLimit,
		}),
	})

	httpServer, err := server.New(server.Config{
		App:                       appCore,
		TokenVerifier:             verifier,
		RedisAddr:                 cfg.RedisAddr,
		RedisPassword:             cfg.RedisPassword,
		AnalyzeRateLimitPerMinute: cfg.AnalyzeRateLimitPerMinute,
		ChatRateLimitPerMinute:    cfg.ChatRateLimitPerMinute,
		MaxUploadBytes:            cfg.MaxUploadBytes,
		AllowedExtensions:         cfg.AllowedExtensions,
		TrustedProxyCIDRs:         cfg.TrustedProxyCIDRs,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	// Analyze requests hold the connection while the AI backend works, so
	// the write timeout must outlast the backend client timeout.
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  2 * time.Minute,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
