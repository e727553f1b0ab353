package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"triagedeck/internal/app"
	"triagedeck/internal/config"
	"triagedeck/internal/cursor"
	"triagedeck/internal/export"
	"triagedeck/internal/identity"
	"triagedeck/internal/server"
	"triagedeck/internal/util"
	"triagedeck/pkg/queue"
	"triagedeck/pkg/storage"
	"triagedeck/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	if cfg.DevSeed {
		if err := dataStore.Seed(context.Background()); err != nil {
			log.Fatalf("failed to seed dev data: %v", err)
		}
	}

	objects, err := newObjectStore(cfg)
	if err != nil {
		log.Fatalf("failed to init object storage: %v", err)
	}
	resolver := storage.NewObjectResolver(objects)

	cursors, err := cursor.NewCodec(cfg.CursorSecret, cfg.CursorTTLMS)
	if err != nil {
		log.Fatalf("failed to init cursor codec: %v", err)
	}

	var notifier app.ExportNotifier
	var exportQueue *queue.ExportQueue
	if cfg.ExportQueueEnabled {
		exportQueue, err = queue.NewExportQueue(queue.QueueConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.ExportQueueStream,
		})
		if err != nil {
			log.Fatalf("failed to init export queue: %v", err)
		}
		notifier = exportQueue
	}

	appCore, err := app.New(app.Config{
		Store:            dataStore,
		Resolver:         resolver,
		Cursors:          cursors,
		ExportNotifier:   notifier,
		SkewWindowMS:     cfg.SkewWindowMS,
		SignedURLTTL:     time.Duration(cfg.SignedURLTTLSeconds) * time.Second,
		ExportAllowlist:  cfg.ExportAllowlist,
		MaxActiveExports: cfg.ExportMaxConcurrentPerUser,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	resolverID, err := newIdentityResolver(cfg)
	if err != nil {
		log.Fatalf("failed to init identity resolver: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:             appCore,
		Identity:        resolverID,
		RedisAddr:       cfg.RedisAddr,
		RedisPassword:   cfg.RedisPassword,
		EventsPerMinute:   cfg.EventsRateLimitPerMinute,
		ReadsPerMinute:    cfg.ReadsRateLimitPerMinute,
		TrustedProxyCIDRs: cfg.TrustedProxyCIDRs,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	worker := export.NewWorker(dataStore, objects, logger, export.Config{
		Concurrency: cfg.ExportWorkers,
		MaxRows:     cfg.ExportMaxRows,
		MaxBytes:    cfg.ExportMaxBytes,
		ExportTTLMS: cfg.ExportTTLMS,
	})
	sweeper := export.NewSweeper(dataStore, objects, logger, 0)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	if exportQueue != nil {
		exportQueue.Start(gctx, cfg.ExportWorkers, worker.ClaimAndProcess)
	}
	g.Go(func() error {
		slog.Info("triagedeck server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}

func newObjectStore(cfg config.FileConfig) (storage.ObjectStore, error) {
	if cfg.StorageMode == "minio" {
		return storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	}
	return storage.NewFileStore(cfg.FileStoragePath, cfg.FileBaseURL)
}

func newIdentityResolver(cfg config.FileConfig) (identity.Resolver, error) {
	if cfg.AuthMode == "token" {
		return identity.NewTokenResolver(identity.Config{
			Secret:   cfg.TokenSecret,
			Issuer:   cfg.TokenIssuer,
			Audience: cfg.TokenAudience,
		})
	}
	return identity.HeaderResolver{}, nil
}
