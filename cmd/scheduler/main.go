package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-scheduling/internal/api"
	"github.com/hackgods/consultation-scheduling/internal/appointment"
	"github.com/hackgods/consultation-scheduling/internal/audit"
	"github.com/hackgods/consultation-scheduling/internal/config"
	"github.com/hackgods/consultation-scheduling/internal/db"
	"github.com/hackgods/consultation-scheduling/internal/logging"
	"github.com/hackgods/consultation-scheduling/internal/metrics"
	"github.com/hackgods/consultation-scheduling/internal/notify"
	redisclient "github.com/hackgods/consultation-scheduling/internal/redis"
	"github.com/hackgods/consultation-scheduling/internal/tracing"
)

const version = "0.3.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("config load error")
	}

	log := logging.New(cfg.LogLevel, cfg.Env)
	log.Info().
		Str("env", cfg.Env).
		Str("http_port", cfg.HTTPPort).
		Str("store", cfg.StoreDriver).
		Str("timezone", cfg.Timezone).
		Msg("scheduler starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(rootCtx, tracing.Options{
		ServiceName:    "consultation-scheduler",
		ServiceVersion: version,
		Env:            cfg.Env,
		Exporter:       cfg.TraceExporter,
		Endpoint:       cfg.OTLPEndpoint,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("tracing setup error")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Error().Err(err).Msg("error flushing traces")
		}
	}()
	log.Info().Str("exporter", cfg.TraceExporter).Msg("tracing configured")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewSchedulingMetrics(reg)

	policy := cfg.Policy()
	bus := appointment.NewBus(log)
	opts := []appointment.Option{
		appointment.WithLogger(log),
		appointment.WithBus(bus),
		appointment.WithMetrics(recorder),
	}

	var (
		store     appointment.Store
		providers appointment.ProviderDirectory
		clients   appointment.ClientDirectory
		pgPool    *pgxpool.Pool
	)
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pgPool, err = db.ConnectPostgres(pgCtx, cfg.PostgresDSN, cfg.PGMaxConns)
		cancelPg()
		if err != nil {
			log.Fatal().Err(err).Msg("postgres connection error")
		}
		defer pgPool.Close()
		log.Info().Msg("connected to Postgres")

		store = appointment.NewPgStore(pgPool)
		dir := appointment.NewPgDirectory(pgPool)
		providers, clients = dir, dir
		opts = append(opts, appointment.WithAdminActionLog(audit.NewPgActionLog(pgPool)))
	default:
		mem := appointment.NewMemoryStore()
		store, providers, clients = mem, mem, mem
		log.Warn().Msg("using in-memory store, state is lost on exit")
	}

	var sender notify.Sender = notify.LogSender{Log: log}
	rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, running without provider locks and slot cache")
	} else {
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Error().Err(err).Msg("error closing redis")
			}
		}()
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")
		opts = append(opts,
			appointment.WithLocker(redisclient.NewRedisLocker(rdb, cfg.LockTTL, cfg.LockWait)),
			appointment.WithSlotCache(redisclient.NewRedisSlotCache(rdb, cfg.SlotCacheTTL)),
		)
		sender = notify.NewRedisPublisher(rdb, cfg.NotifyChannel)
	}

	dispatcher := notify.NewDispatcher(sender, cfg.NotifyQueueSize, log)
	bus.Subscribe("notifications", appointment.NotifyHandler(dispatcher))
	bus.Subscribe("escalation", appointment.NewEscalationPolicy(store, bus, policy, recorder, log))

	svc := appointment.NewService(store, providers, clients, policy, opts...)

	router := api.NewRouter(api.RouterConfig{
		Slots:        svc,
		Dependencies: dependencies(pgPool, rdb),
		Gatherer:     reg,
		Logger:       log,
		Env:          cfg.Env,
		Version:      version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info().Msg("shutting down scheduler")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown error")
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("notification queue not drained")
	}
}

func dependencies(pool *pgxpool.Pool, rdb *redis.Client) []api.Dependency {
	deps := []api.Dependency{}
	if pool != nil {
		deps = append(deps, api.Dependency{Name: "postgres", Check: pool, Required: true})
	}
	redisDep := api.Dependency{Name: "redis"}
	if rdb != nil {
		redisDep.Check = api.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}
	return append(deps, redisDep)
}
