// Package app wires the scheduling service to Postgres, Redis and the
// payment and notification collaborators for the binaries under cmd/.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/notify"
	"github.com/hackgods/clinic-scheduling/internal/payment"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
)

const notifyTimeout = 10 * time.Second

type App struct {
	Config  config.Config
	Log     zerolog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Service *appointment.Service

	notifier *notify.Dispatcher
}

// Open connects to Postgres and Redis and builds the service. Callers must
// Close the result.
func Open(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	poolOpts := db.DefaultPoolOptions
	if cfg.PostgresMaxConn > 0 {
		poolOpts.MaxConns = int32(cfg.PostgresMaxConn)
	}
	pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, poolOpts)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	log.Info().Msg("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(ctx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")

	payments, err := NewPaymentProvider(cfg)
	if err != nil {
		_ = rdb.Close()
		pool.Close()
		return nil, err
	}

	notifier := notify.NewDispatcher(
		notify.NewLogNotifier(log.With().Str("component", "notify").Logger(), cfg.NotifyBaseURL),
		notifyTimeout,
		log,
	)

	svc := appointment.NewService(
		appointment.NewPgRepository(pool),
		redisclient.NewRedisLocker(rdb, cfg.LockTTL),
		payments,
		cfg,
		appointment.WithBroker(redisclient.NewPubSub(rdb)),
		appointment.WithNotifier(notifier),
		appointment.WithLogger(log.With().Str("component", "appointment").Logger()),
	)

	return &App{
		Config:   cfg,
		Log:      log,
		Pool:     pool,
		Redis:    rdb,
		Service:  svc,
		notifier: notifier,
	}, nil
}

// Close waits for in-flight notifications and releases connections.
func (a *App) Close() {
	a.notifier.Wait()
	if err := a.Redis.Close(); err != nil {
		a.Log.Warn().Err(err).Msg("error closing redis")
	}
	a.Pool.Close()
}

// PingRedis adapts the Redis client to a health check.
func (a *App) PingRedis(ctx context.Context) error {
	return a.Redis.Ping(ctx).Err()
}

func NewPaymentProvider(cfg config.Config) (payment.Provider, error) {
	p := cfg.Payment
	switch p.Provider {
	case "", "sandbox":
		if err := payment.ValidatePixKey(p.PixKey); err != nil {
			return nil, fmt.Errorf("PIX_KEY: %w", err)
		}
		return payment.NewSandbox(p.PixKey, p.MerchantName, p.MerchantCity, cfg.NotifyBaseURL, p.PixExpiry), nil
	case "http":
		return payment.NewHTTPGateway(p.APIURL, p.APIKey, p.Timeout), nil
	}
	return nil, fmt.Errorf("unknown payment provider %q", p.Provider)
}
