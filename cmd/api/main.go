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
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/auth"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/config"
	"github.com/suPer8Hu/chat-relay/internal/db"
	"github.com/suPer8Hu/chat-relay/internal/httpapi"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/handlers"
	"github.com/suPer8Hu/chat-relay/internal/logger"
	"github.com/suPer8Hu/chat-relay/internal/relay"
	"github.com/suPer8Hu/chat-relay/internal/store/rabbitmq"
	"github.com/suPer8Hu/chat-relay/internal/store/redisstore"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.Load()

	log := logger.New(cfg.LogFilePath, cfg.IsProduction())
	defer func() { _ = log.Sync() }()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	gdb := db.MustConnect(cfg.DBDriver, cfg.DBDSN, log)

	aiClient := ai.NewClient(cfg.AIServerURL, cfg.AISetupTimeout)

	chatSvc := chat.NewService(
		chat.NewRepo(gdb),
		chat.NewEphemeralStore(cfg.EphemeralMaxMessages, cfg.EphemeralMaxSessions, cfg.EphemeralTTL),
		cfg.ChatContextWindowSize,
		log,
	)

	// without a broker titles are generated in process
	var titleQueue chat.TitleQueue
	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Warn("rabbitmq unavailable, titling in process", zap.Error(err))
	} else {
		defer pub.Close()
		titleQueue = pub
	}
	chatSvc.WithTitles(aiClient, titleQueue)

	var states auth.StateStore
	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 2*time.Second)
	if err := rds.Ping(pingCtx); err != nil {
		log.Warn("redis unavailable, oauth state is not verified", zap.Error(err))
	} else {
		states = rds
	}
	cancelPing()

	signer := auth.NewSigner(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTTTL)
	authSvc := auth.NewService(
		auth.NewKakaoClient(cfg.KakaoClientID, cfg.KakaoClientSecret, cfg.KakaoRedirectURI),
		auth.NewUserRepo(gdb),
		signer,
		states,
		log,
	)

	streams := relay.NewSupervisor(log)
	h := handlers.NewHandler(cfg, log, chatSvc, authSvc, aiClient, streams)
	r := httpapi.NewRouter(h, signer, log)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CorsAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-Session-ID"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           c.Handler(r),
		ReadHeaderTimeout: 10 * time.Second,
		// no WriteTimeout: SSE responses stay open for the whole turn
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("api listening", zap.String("addr", srv.Addr), zap.String("env", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	// relays keep draining after their clients are gone; let them persist
	if err := streams.Wait(shutdownCtx); err != nil {
		log.Warn("relays still running at shutdown", zap.Error(err))
	}
	chatSvc.Wait()
	log.Info("bye")
}
