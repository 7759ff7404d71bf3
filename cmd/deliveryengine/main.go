// Command deliveryengine is the composition root: it loads configuration,
// wires every component, and runs the process in one of three modes
// "scheduler" drives the worker pool and queue
// housekeeping with no HTTP surface beyond a liveness probe, "api" serves
// the public REST surface with no local worker pool, and "all" runs both
// in one process. Mode dispatch, the Redis ping-on-startup, and the
// signal.Notify shutdown sequence follow the same composition-root shape
// across all three modes.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/relaydeliver/engine/alerting"
	"github.com/relaydeliver/engine/config"
	"github.com/relaydeliver/engine/coordinator"
	"github.com/relaydeliver/engine/core"
	"github.com/relaydeliver/engine/handlers"
	"github.com/relaydeliver/engine/httpapi"
	"github.com/relaydeliver/engine/logger"
	"github.com/relaydeliver/engine/queuemanager"
	"github.com/relaydeliver/engine/resilience"
	"github.com/relaydeliver/engine/scheduler"
	"github.com/relaydeliver/engine/store"
	"github.com/relaydeliver/engine/telemetry"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "deliveryengine: config error:", err)
		os.Exit(1)
	}

	log := logger.New(logger.ParseLevel(cfg.Logging.Level))
	log.Info("starting delivery engine", map[string]interface{}{
		"mode":    cfg.Mode,
		"profile": string(cfg.Profile),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, err := connectRedis(ctx, cfg.Redis, log)
	if err != nil {
		log.Error("failed to connect to redis", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer redisClient.Close()

	var telemetryProvider *telemetry.Provider
	var observability telemetry.Observability = telemetry.NoOpObservability{}
	if cfg.Telemetry.Enabled {
		telemetryProvider, err = telemetry.NewProvider(ctx, cfg.Telemetry)
		if err != nil {
			log.Error("failed to start telemetry provider", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
		observability = telemetry.NewOtelObservability()
	} else if cfg.Profile == config.ProfileDevelopment {
		observability = telemetry.NewConsoleObservability(log)
	}

	st := buildStore(redisClient, cfg.Redis.KeyPrefix, log)
	registry := buildHandlerRegistry(cfg, st, log)
	breaker := resilience.NewTracker(cfg.Breaker, log)
	retryPolicy := resilience.NewPolicy(cfg.Retry, cfg.Profile)

	notifiers := []alerting.Notifier{alerting.NewConsoleNotifier(log)}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, &http.Client{Timeout: 10 * time.Second}, log))
	}
	debouncer := alerting.NewDebouncer(cfg.Alerting, st.Debounce, st.Maintenance, observability, log, notifiers...)

	qm := queuemanager.New(st.Queue, st.DeliveryLogs, debouncer, observability, log, cfg.Queue)
	coord := coordinator.New(st, breaker, observability, log, cfg.Coordinator, cfg.Retry.MaxAttempts, qm)

	sched := scheduler.New(
		st.Queue, st.Destinations, st.Health, st.DeliveryLogs,
		registry, breaker, retryPolicy, debouncer, observability, log,
		cfg.Scheduler, cfg.Retry.MaxAttempts,
	)

	runWorkers := cfg.Mode == "scheduler" || cfg.Mode == "all"
	runAPI := cfg.Mode == "api" || cfg.Mode == "all"

	var shutdowns []func(context.Context) error

	if runWorkers {
		if err := sched.Start(ctx); err != nil {
			log.Error("failed to start scheduler", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
		if err := qm.Start(ctx); err != nil {
			log.Error("failed to start queue manager", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
		shutdowns = append(shutdowns, func(shutdownCtx context.Context) error {
			if err := qm.Stop(shutdownCtx); err != nil {
				return err
			}
			return sched.Stop(shutdownCtx)
		})
	}

	var httpServer *http.Server
	if runAPI {
		srv := httpapi.NewServer(coord, qm, st.Destinations, st.Health, registry, log)
		httpServer = &http.Server{
			Addr:         cfg.HTTP.Address,
			Handler:      srv.Routes(),
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
		}
		go func() {
			log.Info("http server listening", map[string]interface{}{"address": cfg.HTTP.Address})
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server failed", map[string]interface{}{"error": err.Error()})
			}
		}()
		shutdowns = append(shutdowns, func(shutdownCtx context.Context) error {
			return httpServer.Shutdown(shutdownCtx)
		})
	} else {
		// Workers-only deployments still expose a liveness probe so an
		// orchestrator can health-check the process.
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		httpServer = &http.Server{Addr: cfg.HTTP.Address, Handler: mux}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("health server failed", map[string]interface{}{"error": err.Error()})
			}
		}()
		shutdowns = append(shutdowns, func(shutdownCtx context.Context) error {
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	<-ctx.Done()
	log.Info("shutdown signal received", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	for _, fn := range shutdowns {
		if err := fn(shutdownCtx); err != nil {
			log.Warn("error during shutdown", map[string]interface{}{"error": err.Error()})
		}
	}
	if telemetryProvider != nil {
		if err := telemetryProvider.Shutdown(shutdownCtx, cfg.HTTP.ShutdownTimeout); err != nil {
			log.Warn("error shutting down telemetry", map[string]interface{}{"error": err.Error()})
		}
	}

	log.Info("delivery engine stopped", nil)
}

func connectRedis(ctx context.Context, cfg config.RedisConfig, log core.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.DialTimeout = cfg.DialTimeout
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	log.Info("connected to redis", map[string]interface{}{"keyPrefix": cfg.KeyPrefix})
	return client, nil
}

func buildStore(client *redis.Client, keyPrefix string, log core.Logger) *store.Store {
	return &store.Store{
		Destinations: store.NewRedisDestinationStore(client, keyPrefix, log),
		Queue:        store.NewRedisQueueStore(client, keyPrefix, log),
		Idempotency:  store.NewRedisIdempotencyStore(client, keyPrefix),
		Health:       store.NewRedisHealthStore(client, keyPrefix, log),
		Debounce:     store.NewRedisDebounceStore(client, keyPrefix),
		Maintenance:  store.NewRedisMaintenanceStore(client, keyPrefix),
		DeliveryLogs: store.NewRedisDeliveryLogStore(client, keyPrefix),
		Secrets:      store.NewRedisSecretStore(client, keyPrefix),
		Links:        store.NewRedisLinkStore(client, keyPrefix),
	}
}

func buildHandlerRegistry(cfg *config.Config, st *store.Store, log core.Logger) *handlers.Registry {
	httpClient := &http.Client{Timeout: cfg.Scheduler.DispatchTimeout}
	return handlers.NewRegistry(
		handlers.NewWebhookHandler(httpClient, st.Secrets, log),
		handlers.NewEmailHandler(log),
		handlers.NewFakeSFTPHandler(log),
		handlers.NewStorageHandler(os.TempDir(), log),
		handlers.NewDownloadHandler(st.Links, log),
	)
}
