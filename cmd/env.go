package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/romy-hq/prospect-research-cli/internal/cache"
	"github.com/romy-hq/prospect-research-cli/internal/dispatch"
	"github.com/romy-hq/prospect-research-cli/internal/ensemble"
	"github.com/romy-hq/prospect-research-cli/internal/research"
	"github.com/romy-hq/prospect-research-cli/internal/resilience"
	"github.com/romy-hq/prospect-research-cli/internal/store"
	anthropicpkg "github.com/romy-hq/prospect-research-cli/pkg/anthropic"
	"github.com/romy-hq/prospect-research-cli/pkg/notify"
	"github.com/romy-hq/prospect-research-cli/pkg/sonar"
)

// batchEnv holds the initialized store, research executor, and dispatcher
// shared by the create/process/retry/serve commands.
type batchEnv struct {
	Store      store.Store
	Executor   *research.Executor
	Dispatcher *dispatch.Dispatcher
}

// Close releases resources held by the environment.
func (e *batchEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv sets up the store, API clients, cache, and dispatcher. Callers
// should defer env.Close().
func initEnv(ctx context.Context) (*batchEnv, error) {
	if err := cfg.Validate("research"); err != nil {
		return nil, err
	}
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	sonarOpts := []sonar.Option{
		sonar.WithBaseURL(cfg.Sonar.BaseURL),
		sonar.WithModel(cfg.Sonar.Model),
	}
	if cfg.Sonar.RateLimit > 0 {
		sonarOpts = append(sonarOpts, sonar.WithRateLimit(cfg.Sonar.RateLimit, 1))
	}
	if cfg.Sonar.TimeoutSecs > 0 {
		sonarOpts = append(sonarOpts, sonar.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Sonar.TimeoutSecs) * time.Second,
		}))
	}
	sonarClient := sonar.NewClient(cfg.Sonar.Key, sonarOpts...)

	// Structured extraction is optional; without an Anthropic key the
	// executor falls back to regex-extracted dollar figures.
	var extractor anthropicpkg.Client
	if cfg.Anthropic.Key != "" {
		extractor = anthropicpkg.NewClient(cfg.Anthropic.Key)
	} else {
		zap.L().Debug("ROMY_ANTHROPIC_KEY not set, structured extraction disabled")
	}

	ensembleCfg := ensemble.DefaultConfig()
	if cfg.Ensemble.ConfigPath != "" {
		ensembleCfg, err = ensemble.LoadConfig(cfg.Ensemble.ConfigPath)
		if err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "load ensemble config")
		}
	}

	exec := research.NewExecutor(research.Params{
		Sonar:        sonarClient,
		Extractor:    extractor,
		Cache:        cache.New(st, cache.WithTTL(cfg.Cache.CacheTTL()), cache.WithMaxMemoryEntries(cfg.Cache.MemoryEntries)),
		SonarModel:   cfg.Sonar.Model,
		ExtractModel: cfg.Anthropic.ExtractModel,
		MaxTokens:    cfg.Anthropic.MaxTokens,
		MaxSources:   cfg.Research.MaxSources,
		Policy:       retryPolicy(),
		EnsembleCfg:  ensembleCfg,
	})

	d := dispatch.New(dispatch.Params{
		Store:       st,
		Research:    exec,
		Notifier:    notify.NewWebhook(),
		BatchConfig: cfg.Batch,
		PlanConfig:  cfg.Plans,
	})

	return &batchEnv{Store: st, Executor: exec, Dispatcher: d}, nil
}

// retryPolicy builds the backend retry policy from config.
func retryPolicy() resilience.Policy {
	p := resilience.DefaultPolicy()
	if cfg.Research.MaxAttempts > 0 {
		p.MaxAttempts = cfg.Research.MaxAttempts
	}
	if cfg.Research.BackoffBaseMs > 0 {
		p.BaseDelay = time.Duration(cfg.Research.BackoffBaseMs) * time.Millisecond
	}
	if cfg.Research.CallTimeoutSecs > 0 {
		p.AttemptTimeout = time.Duration(cfg.Research.CallTimeoutSecs) * time.Second
	}
	return p
}
