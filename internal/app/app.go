// Package app assembles the dependencies shared by the api, worker and
// worklogctl binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/worklog/internal/ai"
	"github.com/suPer8Hu/worklog/internal/cache"
	"github.com/suPer8Hu/worklog/internal/config"
	"github.com/suPer8Hu/worklog/internal/db"
	"github.com/suPer8Hu/worklog/internal/idempotency"
	"github.com/suPer8Hu/worklog/internal/lock"
	"github.com/suPer8Hu/worklog/internal/metrics"
	"github.com/suPer8Hu/worklog/internal/platform"
	"github.com/suPer8Hu/worklog/internal/store/redisstore"
	"github.com/suPer8Hu/worklog/internal/users"
	"github.com/suPer8Hu/worklog/internal/worklog"
	"gorm.io/gorm"
)

type App struct {
	Cfg      config.Config
	Logger   zerolog.Logger
	DB       *gorm.DB
	Store    *redisstore.Store
	Registry *prometheus.Registry
	Metrics  *metrics.Collector
	Users    *users.Repo
	WorkLogs *worklog.Service
	Locker   *lock.Locker
	Guard    *idempotency.Guard
}

// New connects MySQL and Redis and migrates the schema. An unreachable Redis
// is logged but not fatal: cache, lock and idempotency degrade on their own.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*App, error) {
	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(gdb); err != nil {
		_ = db.Close(gdb)
		return nil, fmt.Errorf("db migrate: %w", err)
	}

	store := redisstore.New(redisstore.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Timeout:  cfg.RedisTimeout,
	})
	if err := store.Ping(ctx); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewCollector(reg)

	c := cache.New(store).WithLogger(logger).WithRecorder(m)

	return &App{
		Cfg:      cfg,
		Logger:   logger,
		DB:       gdb,
		Store:    store,
		Registry: reg,
		Metrics:  m,
		Users:    users.NewRepo(gdb),
		WorkLogs: worklog.NewService(worklog.NewRepo(gdb), c, cfg.CacheTTL),
		Locker:   lock.NewLocker(store, lock.WithLogger(logger)),
		Guard:    idempotency.NewGuard(store, cfg.IdempotencyTTL).WithLogger(logger),
	}, nil
}

func (a *App) RetryPolicy() ai.RetryPolicy {
	return ai.RetryPolicy{
		Attempts:        a.Cfg.GenerateAttempts,
		InitialInterval: a.Cfg.GenerateRetryInterval,
		MaxInterval:     a.Cfg.GenerateRetryMax,
		CallTimeout:     a.Cfg.GenerateTimeout,
	}
}

// Generator resolves the configured provider with its default model.
func (a *App) Generator(ctx context.Context) (*ai.Generator, error) {
	p, err := ai.NewDefaultRegistry(a.Cfg).Get(ctx, a.Cfg.AIProvider, "")
	if err != nil {
		return nil, err
	}
	return ai.NewGenerator(p, a.RetryPolicy()).WithLogger(a.Logger), nil
}

// Fetchers builds one fetcher per platform. Jira is skipped when no base URL
// is configured; linked Jira users then fail with ErrNoFetcher.
func (a *App) Fetchers() ([]platform.Fetcher, error) {
	client := &http.Client{Timeout: a.Cfg.FetchTimeout}

	gh, err := platform.NewGitHubFetcher(a.Cfg.GitHubBaseURL, client)
	if err != nil {
		return nil, fmt.Errorf("github fetcher: %w", err)
	}
	fetchers := []platform.Fetcher{
		gh.WithLogger(a.Logger),
		platform.NewSlackFetcher(a.Cfg.SlackBaseURL, a.Cfg.SlackBotToken, a.Cfg.SlackRPS, client).WithLogger(a.Logger),
	}
	if a.Cfg.JiraBaseURL != "" {
		jf := platform.NewJiraFetcher(a.Cfg.JiraBaseURL, a.Cfg.JiraUsername, a.Cfg.JiraAPIToken, client)
		fetchers = append(fetchers, jf.WithLogger(a.Logger))
	} else {
		a.Logger.Warn().Msg("JIRA_BASE_URL not set, jira collection disabled")
	}
	return fetchers, nil
}

// UserSyncer wires the directory syncs. Jira needs a base URL and JIRA_PROJECT;
// Slack needs a bot token. An unconfigured side is a no-op.
func (a *App) UserSyncer() *users.Syncer {
	client := &http.Client{Timeout: a.Cfg.FetchTimeout}
	s := users.NewSyncer(a.Users, a.Locker).
		WithLockTimeout(a.Cfg.SyncUsersLockTimeout).
		WithLogger(a.Logger)
	if a.Cfg.JiraBaseURL != "" && a.Cfg.JiraProject != "" {
		jf := platform.NewJiraFetcher(a.Cfg.JiraBaseURL, a.Cfg.JiraUsername, a.Cfg.JiraAPIToken, client)
		s.WithJira(jf.WithLogger(a.Logger), a.Cfg.JiraProject)
	}
	if a.Cfg.SlackBotToken != "" {
		s.WithSlack(platform.NewSlackFetcher(a.Cfg.SlackBaseURL, a.Cfg.SlackBotToken, a.Cfg.SlackRPS, client).WithLogger(a.Logger))
	}
	return s
}

func (a *App) CollectorOptions() worklog.CollectorOptions {
	opts := worklog.DefaultCollectorOptions()
	opts.DigestMaxChars = a.Cfg.DigestMaxChars
	opts.FetchTimeout = a.Cfg.FetchTimeout
	opts.UserLockTimeout = a.Cfg.CollectTimeout
	opts.AllLockTimeout = a.Cfg.CollectAllTimeout
	return opts
}

// Collector wires the collection pipeline with metrics attached.
func (a *App) Collector(ctx context.Context) (*worklog.Collector, error) {
	gen, err := a.Generator(ctx)
	if err != nil {
		return nil, err
	}
	fetchers, err := a.Fetchers()
	if err != nil {
		return nil, err
	}
	return worklog.NewCollector(a.Users, a.WorkLogs, gen, a.Locker, a.CollectorOptions(), fetchers...).
		WithRecorder(a.Metrics).
		WithLogger(a.Logger), nil
}

func (a *App) Close() error {
	return errors.Join(a.Store.Close(), db.Close(a.DB))
}
