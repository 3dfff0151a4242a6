// Command relay runs the Meowtalk chat relay: a WebSocket endpoint that
// fans frames out to every connected client and persists history with
// per-recipient encrypted copies.
//
// @title       Meowtalk Relay API
// @version     1.0
// @description WebSocket chat relay with per-user encrypted history.
// @BasePath    /api/v1
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	_ "github.com/tbourn/meowtalk-relay/docs"
	"github.com/tbourn/meowtalk-relay/internal/config"
	"github.com/tbourn/meowtalk-relay/internal/events"
	httpapi "github.com/tbourn/meowtalk-relay/internal/http"
	"github.com/tbourn/meowtalk-relay/internal/keystore"
	"github.com/tbourn/meowtalk-relay/internal/observability"
	"github.com/tbourn/meowtalk-relay/internal/relay"
	"github.com/tbourn/meowtalk-relay/internal/repo"
	"github.com/tbourn/meowtalk-relay/internal/services"
	"github.com/tbourn/meowtalk-relay/internal/sysutil"
)

func main() {
	_ = godotenv.Load()

	cfg := config.MustLoad()
	sysutil.SetLogLevel(cfg.LogLevel)
	sysutil.SetupLogger(cfg.LogPretty)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	version := sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), "dev")
	shutdownTracer, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup")
	}

	db, err := repo.Open(cfg.DBDriver, cfg.DBPath, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	kdf, err := keystore.KDFByName(cfg.Keys.KDF, cfg.Keys.Iterations)
	if err != nil {
		log.Fatal().Err(err).Msg("key derivation")
	}
	keyOpts := []keystore.Option{keystore.WithKDF(kdf)}
	if cfg.Keys.Secret != "" {
		keyOpts = append(keyOpts, keystore.WithPassphraseSource(keystore.SecretPassphrase{Secret: []byte(cfg.Keys.Secret)}))
	} else {
		log.Warn().Msg("KEY_SECRET unset; keys derive from the legacy per-user passphrase")
	}
	keys := keystore.New(keyOpts...)

	msgs := services.NewMessageService(db, keys)
	msgs.DefaultChatName = cfg.DefaultChatName
	chats := services.NewChatService(db)
	chats.DefaultName = cfg.DefaultChatName
	users := &services.UserService{DB: db}

	pub := events.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
	log.Info().Str("mode", events.Mode(pub)).Str("reason", events.NoopReason(pub)).Msg("event publisher")

	d := relay.NewDispatcher(msgs, chats, users, pub)
	d.DefaultChatID = cfg.DefaultChatID
	d.GeneralChatName = cfg.GeneralChatName
	if err := d.LoadKnownUsers(ctx); err != nil {
		log.Fatal().Err(err).Msg("load users")
	}
	if n, err := chats.EnsureAllMemberships(ctx); err != nil {
		log.Error().Err(err).Msg("membership repair")
	} else if n > 0 {
		log.Info().Int("created", n).Msg("membership repair")
	}
	if cfg.MigrateEncryption {
		if n, err := msgs.MigrateExistingMessages(ctx); err != nil {
			log.Error().Err(err).Msg("encryption backfill")
		} else {
			log.Info().Int("copies", n).Msg("encryption backfill")
		}
	}

	ws := relay.NewServer(d, relay.Options{
		IdleTimeout:  cfg.WS.IdleTimeout,
		WriteTimeout: cfg.WS.WriteTimeout,
		ReadLimit:    cfg.WS.ReadLimit,
		SendBuffer:   cfg.WS.SendBuffer,
		FrameRPS:     cfg.WS.FrameRPS,
		FrameBurst:   cfg.WS.FrameBurst,
	})

	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{Chats: chats, Messages: msgs, Relay: ws}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("db", cfg.DBDriver).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ws.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("tracer shutdown")
	}
	if err := pub.Close(); err != nil {
		log.Error().Err(err).Msg("publisher close")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
