package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignite/mailpulse/internal/api"
	"github.com/ignite/mailpulse/internal/config"
	"github.com/ignite/mailpulse/internal/observability"
	"github.com/ignite/mailpulse/internal/ratelimit"
	"github.com/ignite/mailpulse/internal/store"
	"github.com/ignite/mailpulse/internal/tracking"
)

func main() {
	log.Println("Starting MailPulse API server...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	st, err := store.Open(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer st.Close()
	log.Println("Connected to database")

	var limiter *ratelimit.Limiter
	if cfg.Redis.URL != "" {
		limiter, err = ratelimit.NewLimiterFromURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		log.Println("Rate limiter connected")
	} else {
		log.Println("REDIS_URL not set, tracking rate limits disabled")
	}

	observability.Register(prometheus.DefaultRegisterer)

	codec := tracking.NewCodec(cfg.Tracking.SigningKey)
	pipeline := tracking.NewPipeline(st, codec, limiterOrNil(limiter), ratelimit.Limits{
		PerMinute: cfg.RateLimit.IPPerMinute,
		PerDay:    cfg.RateLimit.IPPerDay,
		Burst:     cfg.RateLimit.IPBurst,
	})

	apiServer := api.NewServer(st, pipeline, codec)
	trackingHandler := tracking.NewHandler(pipeline)

	root := apiServer.Routes()
	root.Mount("/track", trackingHandler.Routes())
	root.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      root,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("API server listening on %s", cfg.Server.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	log.Println("API server stopped")
}

// limiterOrNil avoids a typed-nil interface value when Redis is off.
func limiterOrNil(l *ratelimit.Limiter) tracking.RateLimiter {
	if l == nil {
		return nil
	}
	return l
}
