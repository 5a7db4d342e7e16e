package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"theoros/config"
	"theoros/internal/credentials"
	"theoros/internal/metrics"
	"theoros/internal/notification"
	"theoros/internal/portfolio"
	"theoros/internal/store/redis"
	"theoros/internal/store/sqlite"
	"theoros/pkg/questrade"
)

// app is the wired object graph shared by every command.
type app struct {
	cfg      *config.Config
	store    *credentials.Store
	auth     *questrade.Authenticator
	client   *questrade.Client
	equity   *portfolio.Reconstructor
	metrics  *metrics.Metrics
	health   *metrics.HealthStatus
	registry *prometheus.Registry
	closer   io.Closer
}

func (a *app) Close() error {
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	backend, probe, closer, err := openBackend(cfg.Credentials)
	if err != nil {
		return nil, err
	}

	store := credentials.New(backend)
	if err := store.Load(ctx); err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	auth := questrade.NewAuthenticator(questrade.Config{
		ClientID:    cfg.Questrade.ClientID,
		RedirectURI: cfg.Questrade.RedirectURI,
		AuthURL:     cfg.Questrade.AuthURL,
		TokenURL:    cfg.Questrade.TokenURL,
		Timeout:     cfg.Questrade.Timeout,
	}, store,
		questrade.WithObserver(m),
		questrade.WithSessionExpiryHook(sessionExpiryAlert(notification.FromConfig(notification.Config{
			WebhookURL:       cfg.Alerts.WebhookURL,
			TelegramBotToken: cfg.Alerts.TelegramBotToken,
			TelegramChatID:   cfg.Alerts.TelegramChatID,
		}), cfg.Questrade.RedirectURI)),
	)
	client := questrade.NewClient(auth)

	equity := portfolio.New(client, portfolio.Config{
		BenchmarkSymbolID: cfg.Equity.BenchmarkSymbolID,
		MaxConcurrency:    cfg.Equity.MaxConcurrency,
	})

	return &app{
		cfg:      cfg,
		store:    store,
		auth:     auth,
		client:   client,
		equity:   equity,
		metrics:  m,
		health:   metrics.NewHealthStatus(cfg.Credentials.Backend, probe),
		registry: reg,
		closer:   closer,
	}, nil
}

// sessionExpiryAlert tells the operator that the refresh token was revoked.
// Delivery runs in the background so the failing request is not held up.
func sessionExpiryAlert(n notification.Notifier, redirectURI string) func(context.Context, *questrade.RefreshError) {
	return func(_ context.Context, rerr *questrade.RefreshError) {
		alert := notification.Alert{
			Level: notification.AlertCritical,
			Title: "Questrade re-authentication required",
			Message: fmt.Sprintf("The refresh token was rejected (HTTP %d). Authorize again from the /auth/questrade route next to %s.",
				rerr.Status, redirectURI),
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := n.Send(ctx, alert); err != nil {
				slog.Error("delivering re-authentication alert", "error", err)
			}
		}()
	}
}

func openBackend(c config.Credentials) (credentials.Backend, metrics.Probe, io.Closer, error) {
	switch c.Backend {
	case config.BackendEnvFile:
		slog.Info("credential backend: env file", "path", c.EnvFile)
		return credentials.NewEnvFile(c.EnvFile), nil, nil, nil
	case config.BackendSQLite:
		kv, err := sqlite.New(sqlite.Config{DBPath: c.SQLitePath})
		if err != nil {
			return nil, nil, nil, err
		}
		return kv, metrics.SQLiteProbe(kv.DB()), kv, nil
	case config.BackendRedis:
		kv, err := redis.New(redis.Config{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
			HashKey:  c.RedisKey,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return kv, metrics.RedisProbe(kv.Client()), kv, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown credential backend %q", c.Backend)
	}
}
