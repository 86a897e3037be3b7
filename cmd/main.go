package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/bridge"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/config"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/handler"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/hub"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/idgen"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/kafka"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/publisher"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/service"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/store"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/jwt"
	pkglog "github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/middleware"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/pubsub"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	serverID := cfg.Server.InstanceID
	if serverID == "" {
		if serverID, err = idgen.ServerID(); err != nil {
			l := pkglog.L()
			l.Fatal().Err(err).Msg("failed to generate server id")
		}
	}

	// Initialize structured logger
	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: "realtime-service",
		InstanceID:  serverID,
	})
	logger := pkglog.L()

	logger.Info().Str("host", cfg.Server.Host).Int("port", cfg.Server.Port).Msg("starting realtime-service")

	// State store: viewers, live directory, instance connection counts
	redisStore, err := store.NewRedisStore(store.RedisConfig{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create redis store")
	}
	defer redisStore.Close()

	// Broker for cross-instance propagation. With Kafka every instance needs
	// its own group so that each one sees every event.
	if cfg.PubSub.Driver == pubsub.DriverKafka {
		cfg.PubSub.Kafka.GroupID = cfg.PubSub.Kafka.GroupID + "-" + serverID
	}
	ps, err := pubsub.NewPubSub(cfg.PubSub)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.PubSub.Driver).Msg("failed to create pubsub")
	}
	defer ps.Close()

	ctx, cancel := context.WithCancel(context.Background())

	h := hub.New()

	br := bridge.New(ps, serverID)
	if err := br.Forward(ctx, h); err != nil {
		// The bridge keeps retrying in the background.
		logger.Warn().Err(err).Msg("initial broker subscription failed")
	}

	pub := publisher.New(h, br, publisher.Config{
		OutboxSize:     cfg.Realtime.OutboxSize,
		PublishTimeout: cfg.Realtime.PublishTimeout,
	})

	svc := service.NewRealtimeService(redisStore, pub, service.Config{
		GracePeriod: cfg.Kafka.GracePeriod,
	})

	// Kafka consumer for broadcast lifecycle events
	var kafkaConsumer *kafka.ConfluentConsumer
	if cfg.Kafka.Enabled {
		if kc, err := kafka.NewConfluentConsumer(
			cfg.Kafka.Brokers,
			cfg.Kafka.Topic,
			cfg.Kafka.GroupID,
			svc, // service implements BroadcastEventHandler
		); err != nil {
			logger.Warn().Err(err).Msg("failed to create kafka consumer, stream lifecycle events disabled")
		} else if err := kc.Start(ctx); err != nil {
			logger.Warn().Err(err).Msg("failed to start kafka consumer")
			kc.Close()
		} else {
			kafkaConsumer = kc
		}
	}

	// Background loops
	var bg errgroup.Group
	bg.Go(func() error {
		return hub.NewHeartbeat(h, cfg.Realtime.HeartbeatInterval).Run(ctx)
	})
	bg.Go(func() error {
		return hub.NewStatsReporter(h, redisStore, serverID, cfg.Realtime.StatsInterval).Run(ctx)
	})

	// Auth
	if cfg.Auth.JWTSecret == "" {
		logger.Warn().Msg("auth.jwt_secret is empty, protected routes will reject every token")
	}
	authMiddleware := middleware.NewAuthMiddleware(jwt.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer))

	// Handlers and routes
	httpHandler := handler.NewHandler(svc, h, redisStore, serverID, authMiddleware)
	eventsHandler := handler.NewEventsHandler(h, serverID, handler.EventsConfig{
		SendBuffer:     cfg.Realtime.SendBuffer,
		WriteWait:      cfg.Realtime.WriteWait,
		PongWait:       cfg.Realtime.PongWait,
		MaxMessageSize: cfg.Realtime.MaxMessageSize,
	})
	router := handler.NewRouter(logger, httpHandler, eventsHandler)

	// Event streams are long-lived, so there is no write timeout.
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Str(pkglog.FieldServerID, serverID).Msg("realtime-service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down realtime-service")

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)

		cancel() // 1. stop Kafka consumer, broker subscriptions and background loops

		if kafkaConsumer != nil {
			kafkaConsumer.Close() // 2. wait for in-flight Kafka event
		}
		br.Wait() // 3. wait for broker subscription loops
		bg.Wait()

		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := pub.Close(flushCtx); err != nil { // 4. flush queued broker publishes
			logger.Warn().Err(err).Msg("publisher outbox not drained")
		}
		flushCancel()

		h.Close() // 5. close every event stream

		svc.Stop() // 6. cancel grace period timers

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown error")
		}
	}()

	select {
	case <-shutdownDone:
		logger.Info().Msg("realtime-service stopped")
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("shutdown timed out after 30s")
	}
}
