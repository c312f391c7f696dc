package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/propertyreel/backend/internal/blobstore"
	"github.com/propertyreel/backend/internal/clients/maprender"
	redisbus "github.com/propertyreel/backend/internal/clients/redis"
	"github.com/propertyreel/backend/internal/clients/runway"
	"github.com/propertyreel/backend/internal/config"
	"github.com/propertyreel/backend/internal/db"
	"github.com/propertyreel/backend/internal/handlers"
	"github.com/propertyreel/backend/internal/jobs/production"
	"github.com/propertyreel/backend/internal/jobs/worker"
	"github.com/propertyreel/backend/internal/logger"
	"github.com/propertyreel/backend/internal/media"
	"github.com/propertyreel/backend/internal/pipeline"
	"github.com/propertyreel/backend/internal/repos"
	"github.com/propertyreel/backend/internal/server"
	"github.com/propertyreel/backend/internal/services"
	"github.com/propertyreel/backend/internal/sse"
	"github.com/propertyreel/backend/internal/templates"
	"github.com/propertyreel/backend/internal/types"
	"github.com/propertyreel/backend/internal/utils"
	"github.com/propertyreel/backend/internal/vision"
)

func main() {
	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv(log)

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("Failed to connect to postgres", "error", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Fatal("Failed to migrate schema", "error", err)
	}

	jobRepo := repos.NewJobRepo(pg.DB(), log)
	photoRepo := repos.NewPhotoRepo(pg.DB(), log)
	assetRepo := repos.NewAssetRepo(pg.DB(), log)
	lockRepo := repos.NewListingLockRepo(pg.DB(), log)

	blobs, err := blobstore.NewS3Store(ctx, log)
	if err != nil {
		log.Fatal("Failed to initialize blob store", "error", err)
	}
	runwayClient, err := runway.NewClient(log)
	if err != nil {
		log.Fatal("Failed to initialize motion client", "error", err)
	}
	mapClient, err := maprender.NewClient(log)
	if err != nil {
		log.Fatal("Failed to initialize map client", "error", err)
	}
	bus, err := redisbus.NewProgressBus(log)
	if err != nil {
		log.Fatal("Failed to connect to redis", "error", err)
	}
	defer bus.Close()

	muxer := media.NewMuxer(log)
	if err := muxer.AssertReady(ctx); err != nil {
		log.Fatal("Media toolchain unavailable", "error", err)
	}
	cropper := vision.NewCropper(log)
	catalog := templates.NewCatalog()

	cache := services.NewAssetCache(assetRepo, cfg, log)
	cache.StartSweeper(ctx)
	validator := services.NewClipValidator(blobs, muxer, cfg.ValidationCacheTTL, log)
	locker := services.NewListingLocker(lockRepo, cfg.LockTimeout, cfg.LockAcquireRetries, log)
	motion := services.NewMotionClipProvider(runwayClient, blobs, cache, photoRepo, cfg, log)
	mapclip := services.NewMapClipProvider(mapClient, blobs, cache, cfg, log)
	notifier := services.NewJobNotifier(bus, log)

	pipe := pipeline.New(cfg, catalog, blobs, muxer, cropper, motion, mapclip, validator, locker, jobRepo, photoRepo, log)

	prod := production.NewHandlers(pipe, log)
	w := worker.New(jobRepo, notifier, log)
	w.Register(types.JobTypeProduction, prod.HandleProduction)
	w.Register(types.JobTypePhotoRegeneration, prod.HandlePhotoRegeneration)
	go w.Start(ctx)

	hub := sse.NewHub(log)
	if err := bus.StartForwarder(ctx, hub.Broadcast); err != nil {
		log.Fatal("Failed to start progress forwarder", "error", err)
	}

	jobHandler := handlers.NewJobHandler(jobRepo, photoRepo, catalog, hub, log)
	router := server.NewRouter(jobHandler, log)

	addr := ":" + utils.GetEnv("PORT", "8080", log)
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		log.Info("API listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", "error", err)
	}
}
