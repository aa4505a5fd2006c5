/**
 * @description
 * This is the main entry point for the treasury-service. It loads configuration, selects the
 * storage backend, connects the optional Redis limiter and RabbitMQ broker, wires the outbox
 * dispatcher, the scheduled jobs, the bridge event consumer and the HTTP server, and shuts
 * them down together on SIGINT/SIGTERM.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redeem attempt rate limiting.
 * - github.com/joho/godotenv: Local .env loading.
 * - golang.org/x/sync/errgroup: Lifecycle of the long-running components.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/bridgeclient, pkg/rabbitmq: Outbound integrations.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/treasury-service/internal/api"
	"github.com/transfa/treasury-service/internal/app"
	"github.com/transfa/treasury-service/internal/config"
	"github.com/transfa/treasury-service/internal/store"
	"github.com/transfa/treasury-service/pkg/bridgeclient"
	rmrabbit "github.com/transfa/treasury-service/pkg/rabbitmq"
	"golang.org/x/sync/errgroup"
)

const bridgeMintCompletedRoutingKey = "bridge.mint.completed"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using process environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" && strings.TrimSpace(cfg.OperatorJWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"operator credentials must be configured\" env=INTERNAL_API_KEY,OPERATOR_JWT_SECRET")
	}
	log.Printf("level=info component=bootstrap msg=\"starting treasury-service\" port=%s storage=%s", cfg.ServerPort, cfg.StorageDriver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repository, closeStore := openRepository(ctx, cfg)
	defer closeStore()

	var limiter app.RateLimiter
	if redisClient := connectRedis(ctx, cfg); redisClient != nil {
		defer redisClient.Close()
		limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	var publisher rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	if producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		publisher = producer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}
	defer publisher.Close()

	treasuryService := app.NewService(repository, limiter, cfg)

	bridge := bridgeclient.NewClient(cfg.BridgeBaseURL, cfg.BridgeAPIKey, cfg.BridgeSigningSecret)
	sinks := []app.OutboxSink{app.NewEventSink(publisher, cfg.EventExchange)}
	var bridgeReader app.BridgeReader
	if bridge.Enabled() {
		sinks = append(sinks, app.NewBridgeSink(bridge))
		bridgeReader = bridge
	} else {
		log.Println("level=warn component=bootstrap msg=\"bridge client not configured; bridge notifications and reconciliation disabled\" env=BRIDGE_BASE_URL")
	}
	dispatcher := app.NewOutboxDispatcher(repository, cfg, sinks...)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	scheduler := app.NewScheduler(app.NewJobs(treasuryService, bridgeReader, logger), logger, cfg)

	if rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; bridge events only via webhook\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		mintConsumer := app.NewMintCompletedConsumer(treasuryService)
		bindings := map[string]func([]byte) bool{
			bridgeMintCompletedRoutingKey: mintConsumer.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.BridgeEventExchange, cfg.BridgeEventQueue, bindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"bridge consumer start failed\" err=%v", err)
		}
	}

	handlers, err := api.NewHandlers(treasuryService, cfg.WebhookSecret, cfg.WebhookDedupSize)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"handler init failed\" err=%v", err)
	}
	router := api.NewRouter(handlers, api.AuthConfig{
		InternalAPIKey: cfg.InternalAPIKey,
		JWTSecret:      cfg.OperatorJWTSecret,
	}, cfg.AllowedOrigins())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		dispatcher.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		scheduler.Start()
		<-groupCtx.Done()
		<-scheduler.Stop().Done()
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		log.Println("level=info component=bootstrap msg=\"shutting down\"")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Printf("level=error component=bootstrap msg=\"service stopped with error\" err=%v", err)
	}
	treasuryService.Wait()
	log.Println("level=info component=bootstrap msg=\"treasury-service stopped\"")
}

// openRepository returns the configured store and a function releasing its resources.
func openRepository(ctx context.Context, cfg config.Config) (store.Repository, func()) {
	if cfg.StorageDriver == config.StorageDriverMemory {
		log.Println("level=warn component=bootstrap msg=\"using in-memory storage; state is lost on restart\"")
		return store.NewMemoryRepository(), func() {}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	if err := store.RunMigrations(ctx, dbpool); err != nil {
		dbpool.Close()
		log.Fatalf("level=fatal component=bootstrap msg=\"migrations failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")
	return store.NewPostgresRepository(dbpool), dbpool.Close
}

// connectRedis returns nil when Redis is not configured or unreachable; redeem limiting is then off.
func connectRedis(ctx context.Context, cfg config.Config) *redis.Client {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; redeem rate limiting disabled\" env=REDIS_URL")
		return nil
	}
	options, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; redeem rate limiting disabled\" err=%v", err)
		return nil
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; redeem rate limiting disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
