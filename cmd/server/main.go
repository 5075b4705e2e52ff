// Command server runs the chat sync API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-sync/internal/auth"
	"github.com/tbourn/go-chat-sync/internal/cache"
	"github.com/tbourn/go-chat-sync/internal/changefeed"
	"github.com/tbourn/go-chat-sync/internal/config"
	httpapi "github.com/tbourn/go-chat-sync/internal/http"
	"github.com/tbourn/go-chat-sync/internal/observability"
	"github.com/tbourn/go-chat-sync/internal/repo"
	"github.com/tbourn/go-chat-sync/internal/services"
	"github.com/tbourn/go-chat-sync/internal/store"
	"github.com/tbourn/go-chat-sync/internal/sysutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	cfg := config.MustLoad()

	sysutil.ConfigureLogging(os.Stdout, cfg.LogLevel, cfg.LogPretty, cfg.OTEL.ServiceName, version)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	var rdb *redis.Client
	if cfg.Cache.Backend == "redis" || cfg.ChangeFeed.Kind == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
	}

	// The SQL database always backs idempotency records, whatever the
	// document store.
	dsn := sysutil.FirstNonEmpty(cfg.Store.DBDSN, cfg.Store.DBPath)
	db, err := repo.Open(cfg.Store.DBDriver, dsn)
	if err != nil {
		return err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}

	var (
		st store.Store
		fb *firebase.App
	)
	if cfg.Store.Backend == "firestore" || cfg.Auth.Mode == "firebase" {
		if fb, err = auth.NewFirebaseApp(ctx, cfg.Store); err != nil {
			return err
		}
	}
	switch cfg.Store.Backend {
	case "firestore":
		client, err := fb.Firestore(ctx)
		if err != nil {
			return err
		}
		defer client.Close()
		st = store.NewFirestoreStore(client)
	default:
		feed, err := changefeed.Open(cfg.ChangeFeed, rdb)
		if err != nil {
			return err
		}
		defer feed.Close()
		sqlStore := store.NewSQLStore(db, feed)
		go func() {
			if err := sqlStore.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("change feed stopped")
			}
		}()
		st = sqlStore
	}

	kv, err := cache.Open(cfg.Cache, rdb)
	if err != nil {
		return err
	}

	var verifier auth.IDTokenVerifier
	if cfg.Auth.Mode == "firebase" {
		client, err := fb.Auth(ctx)
		if err != nil {
			return err
		}
		verifier = client
	}
	authn, err := auth.NewAuthenticator(cfg.Auth, verifier)
	if err != nil {
		return err
	}

	var seeds []services.RoomSeed
	if cfg.Rooms.SeedFile != "" {
		if seeds, err = services.LoadRoomSeeds(cfg.Rooms.SeedFile); err != nil {
			return err
		}
	}

	jobs := cron.New()
	if _, err := jobs.AddFunc("@hourly", func() { purgeIdempotency(db) }); err != nil {
		return err
	}
	jobs.Start()
	defer func() { <-jobs.Stop().Done() }()

	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		DB:    db,
		Store: st,
		KV:    kv,
		Auth:  authn,
		Seeds: seeds,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("store", cfg.Store.Backend).Str("version", version).Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

func purgeIdempotency(db *gorm.DB) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := repo.PurgeIdempotency(ctx, db, time.Now().UTC())
	if err != nil {
		log.Warn().Err(err).Msg("idempotency purge failed")
		return
	}
	if n > 0 {
		log.Info().Int64("rows", n).Msg("expired idempotency keys purged")
	}
}
