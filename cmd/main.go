/**
 * @description
 * This is the main entry point for the coupon-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * external API clients, message brokers, repositories, the core application service,
 * and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 * - pkg/walletclient: Client for the wallet-service.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ecoco/coupon-service/internal/api"
	"github.com/ecoco/coupon-service/internal/app"
	"github.com/ecoco/coupon-service/internal/config"
	"github.com/ecoco/coupon-service/internal/store"
	ecrabbit "github.com/ecoco/coupon-service/pkg/rabbitmq"
	"github.com/ecoco/coupon-service/pkg/walletclient"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting coupon-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// Pool sizing tuned for redemption bursts around campaign launches.
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish redemption events. A broker
	// outage at startup degrades to the no-op fallback instead of blocking boot.
	var producer ecrabbit.Publisher
	rabbitProducer, err := ecrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &ecrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the wallet-service. Missing wallet config should
	// not prevent the coupon-service from booting; charging degrades to free.
	var walletClient app.WalletClient
	if strings.TrimSpace(cfg.WalletServiceURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"wallet-service client not configured; coupon costs will not be charged\" env=WALLET_SERVICE_URL")
	} else {
		walletClient = walletclient.NewClient(cfg.WalletServiceURL, cfg.WalletServiceInternalAPIKey)
	}

	var redisClient *redis.Client
	if cfg.RedeemRateLimitPerMinute > 0 {
		if cfg.RedisURL == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; redemption rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; redemption rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; redemption rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	var rateLimiter app.RateLimiter
	if redisClient != nil {
		rateLimiter = app.NewRedisRedemptionRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}
	couponService := app.NewService(
		repository,
		walletClient,
		producer,
		rateLimiter,
		app.RateLimitSettings{
			Limit:  cfg.RedeemRateLimitPerMinute,
			Window: time.Minute,
		},
		app.IdempotencySettings{
			TTL:         time.Duration(cfg.RedeemIdempotencyTTLMin) * time.Minute,
			StaleWindow: time.Duration(cfg.RedeemIdempotencyStaleSec) * time.Second,
		},
	)

	// Initialize the API handlers.
	couponHandlers := api.NewCouponHandlers(couponService)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.CouponRoutes(couponHandlers, cfg.AuthJWKSURL, cfg.InternalAPIKey))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	// Wire up the lifecycle consumer so partner systems can toggle coupons.
	lifecycleConsumer := app.NewCouponLifecycleConsumer(repository)
	rabbitConsumer, err := ecrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; lifecycle events disabled\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()

		lifecycleBindings := map[string]func([]byte) bool{
			"coupon.lifecycle.activated":   lifecycleConsumer.HandleMessage,
			"coupon.lifecycle.deactivated": lifecycleConsumer.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(ecrabbit.CouponEventsExchange, cfg.LifecycleEventQueue, lifecycleBindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"lifecycle consumer start failed\" err=%v", err)
		}
	}

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
