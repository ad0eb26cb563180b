/**
 * @description
 * This is the main entry point for the flow-service. It loads the configuration, picks
 * the session store (Redis when configured, memory otherwise), connects the flow event
 * producer, builds the backend gateway and the flow controller, and serves the HTTP API.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/redis/go-redis/v9: Shared session store and session locks.
 * - internal/flow/api, internal/flow/app, internal/flow/config: Flow-service packages.
 * - pkg/gatewayclient, pkg/rabbitmq: Backend gateway and event producer.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/consent-flow/internal/flow/api"
	"github.com/transfa/consent-flow/internal/flow/app"
	"github.com/transfa/consent-flow/internal/flow/config"
	"github.com/transfa/consent-flow/pkg/gatewayclient"
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
	log.Printf("level=info component=bootstrap msg=\"starting flow-service\" port=%s aspsp=%s", cfg.ServerPort, cfg.ASPSPAPIBaseURL)

	sessionTTL := time.Duration(cfg.SessionTTLMinutes) * time.Minute
	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	var sessions app.SessionStore
	var locker app.SessionLocker
	if cfg.RedisURL != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"redis url parse failed\" err=%v", parseErr)
		}
		redisClient := redis.NewClient(redisOptions)
		pingCtx, cancelPing := context.WithTimeout(rootCtx, 5*time.Second)
		pingErr := redisClient.Ping(pingCtx).Err()
		cancelPing()
		if pingErr != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"redis ping failed\" err=%v", pingErr)
		}
		defer redisClient.Close()
		sessions = app.NewRedisSessionStore(redisClient, cfg.SessionPrefix, sessionTTL)
		locker = app.NewRedisSessionLocker(redisClient, cfg.SessionPrefix, 0, 0)
		log.Println("level=info component=bootstrap msg=\"redis session store connected\"")
	} else {
		memory := app.NewMemorySessionStore(sessionTTL)
		sessions = memory
		go sweepSessions(rootCtx, memory, time.Minute)
		log.Println("level=warn component=bootstrap msg=\"redis url missing; sessions kept in memory\" env=REDIS_URL")
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

	gateway := gatewayclient.NewClient(gatewayclient.Options{
		ASPSPBaseURL:    cfg.ASPSPAPIBaseURL,
		CMSBaseURL:      cfg.CMSAPIBaseURL,
		TANBaseURL:      cfg.TANAPIBaseURL,
		QWACCertificate: cfg.TPPQWACCertificate,
	})

	controller := app.NewController(gateway, sessions, publisher, app.Options{
		MaxTANAttempts: cfg.TANMaxAttempts,
		PISTANRequired: cfg.PISTANRequired,
		Locker:         locker,
	})

	if cfg.KeycloakJWKSURL == "" {
		log.Println("level=warn component=bootstrap msg=\"no jwks url configured; trusting PSU-ID header\" env=KEYCLOAK_JWKS_URL")
	}
	router := api.FlowRoutes(api.NewFlowHandlers(controller), cfg.KeycloakJWKSURL, cfg.KeycloakAudience, cfg.KeycloakIssuer, cfg.AllowedOrigins())

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
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
	cancelRoot()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	log.Println("level=info component=http msg=\"shutdown complete\"")
}

func sweepSessions(ctx context.Context, store *app.MemorySessionStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := store.Sweep(); removed > 0 {
				log.Printf("level=info component=session_store msg=\"expired sessions removed\" count=%d", removed)
			}
		}
	}
}
