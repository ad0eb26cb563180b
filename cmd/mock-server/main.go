/**
 * @description
 * This is the main entry point for the mock-server. It plays the account-servicing bank,
 * the consent-management system and the TAN server for local development of the
 * flow-service. It initializes the database, the optional Redis rate limiter, the
 * RabbitMQ producer and consumer, the consent expiry scheduler, and the HTTP server.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: TAN validation rate limiting.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - internal/mock/api, internal/mock/app, internal/mock/config, internal/mock/store.
 * - pkg/rabbitmq: Consent status events and the flow event consumer.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/consent-flow/internal/mock/api"
	"github.com/transfa/consent-flow/internal/mock/app"
	"github.com/transfa/consent-flow/internal/mock/config"
	"github.com/transfa/consent-flow/internal/mock/store"
	"github.com/transfa/consent-flow/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url must be configured\" env=DATABASE_URL")
	}
	log.Printf("level=info component=bootstrap msg=\"starting mock-server\" port=%s", cfg.ServerPort)

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
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

	repo := store.NewPostgresRepository(dbpool)
	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := repo.Migrate(migrateCtx); err != nil {
		cancelMigrate()
		log.Fatalf("level=fatal component=bootstrap msg=\"schema migration failed\" err=%v", err)
	}
	if cfg.SeedDemoData {
		if err := repo.Seed(migrateCtx); err != nil {
			cancelMigrate()
			log.Fatalf("level=fatal component=bootstrap msg=\"demo data seed failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"demo data seeded\"")
	}
	cancelMigrate()

	var limiter app.TANValidationLimiter
	if cfg.RedisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; tan validation rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; tan validation rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; tan validation rate limiting disabled\" err=%v", pingErr)
				_ = redisClient.Close()
			} else {
				defer redisClient.Close()
				limiter = app.NewRedisTANLimiter(redisClient, cfg.RedisRateLimitPrefix)
				log.Println("level=info component=bootstrap msg=\"redis tan limiter connected\"")
			}
		}
	}

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{}
	if cfg.RabbitMQURL != "" {
		producer, producerErr := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
		if producerErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", producerErr)
		} else {
			publisher = producer
			log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
		}
	}
	defer publisher.Close()

	if cfg.RabbitMQURL != "" {
		consumer, consumerErr := rabbitmq.NewConsumer(cfg.RabbitMQURL)
		if consumerErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; flow events not recorded\" err=%v", consumerErr)
		} else {
			defer consumer.Close()
			actions := app.NewConsentActionConsumer(repo)
			if err := consumer.ConsumeWithBindings(rabbitmq.ConsentEventsExchange, cfg.ConsentActionQueue, []string{app.FlowEventPattern}, actions.HandleMessage); err != nil {
				log.Printf("level=warn component=bootstrap msg=\"flow event consumer failed to start\" err=%v", err)
			} else {
				log.Printf("level=info component=bootstrap msg=\"flow event consumer started\" queue=%s", cfg.ConsentActionQueue)
			}
		}
	}

	consents := app.NewConsentService(repo, publisher)
	tans := app.NewTANService(repo, limiter, app.TANOptions{
		TTL:                     time.Duration(cfg.TANTTLMinutes) * time.Minute,
		MaxAttempts:             cfg.TANMaxAttempts,
		ExposeTAN:               cfg.ExposeGeneratedTAN,
		ValidateRateLimit:       cfg.TANValidateRateLimit,
		ValidateRateLimitWindow: time.Duration(cfg.TANValidateWindowSeconds) * time.Second,
	})

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	scheduler := app.NewScheduler(app.NewJobs(repo, publisher, logger), logger, cfg.ConsentExpirySchedule)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" err=%v", err)
	}

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           api.MockRoutes(api.NewMockHandlers(consents, tans)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	// Wait for a running expiry job before closing the pool
	<-scheduler.Stop().Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	log.Println("level=info component=http msg=\"shutdown complete\"")
}
