package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ignite/mailpulse/internal/config"
	"github.com/ignite/mailpulse/internal/dispatch"
	"github.com/ignite/mailpulse/internal/observability"
	"github.com/ignite/mailpulse/internal/ratelimit"
	"github.com/ignite/mailpulse/internal/store"
	"github.com/ignite/mailpulse/internal/tracking"
	"github.com/ignite/mailpulse/internal/webhook"
)

func main() {
	log.Println("Starting MailPulse dispatch worker...")

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

	var redisClient *redis.Client
	var limiter *ratelimit.Limiter
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		cancel()
		limiter = ratelimit.NewLimiter(redisClient)
		log.Println("Connected to Redis")
	} else {
		log.Println("REDIS_URL not set, using advisory locks and no send rate limits")
	}

	observability.Register(prometheus.DefaultRegisterer)

	codec := tracking.NewCodec(cfg.Tracking.SigningKey)
	urls := tracking.NewURLBuilder(codec, cfg.Tracking.BaseURL)

	scheduler := dispatch.NewScheduler(st, redisClient)

	sender := dispatch.NewSender(st, dispatch.LogTransport{}, limiter, urls, dispatch.SenderConfig{
		NumWorkers:     cfg.Dispatch.NumWorkers,
		BatchSize:      cfg.Dispatch.BatchSize,
		PollInterval:   cfg.Dispatch.PollInterval(),
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		MaxDeferrals:   cfg.Dispatch.MaxDeferrals,
		MessagesPerSec: cfg.Dispatch.MessagesPerSec,
	})

	deliverer := webhook.NewDeliverer(st, &http.Client{Timeout: cfg.Webhooks.Timeout()}, webhook.Config{
		NumWorkers:   cfg.Webhooks.NumWorkers,
		BatchSize:    cfg.Webhooks.BatchSize,
		PollInterval: 5 * time.Second,
		Timeout:      cfg.Webhooks.Timeout(),
		MaxAttempts:  cfg.Webhooks.MaxAttempts,
		BaseDelay:    cfg.Webhooks.BaseDelay(),
		MaxDelay:     cfg.Webhooks.MaxDelay(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	type service interface {
		Start() error
		Stop()
	}
	services := []struct {
		name string
		svc  service
	}{
		{"scheduler", scheduler},
		{"sender", sender},
		{"webhook deliverer", deliverer},
	}

	// The worker is the process that moves the dispatch and webhook
	// counters, so it needs its own scrape endpoint.
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:         cfg.Server.MetricsAddr(),
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("metrics listening on %s", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})
	for _, s := range services {
		s := s
		g.Go(func() error {
			if err := s.svc.Start(); err != nil {
				return err
			}
			log.Printf("%s started", s.name)
			<-ctx.Done()
			log.Printf("stopping %s...", s.name)
			s.svc.Stop()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatalf("Worker failed: %v", err)
	}
	log.Println("Worker stopped")
}
