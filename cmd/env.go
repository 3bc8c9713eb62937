package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-import/internal/config"
	"github.com/sells-group/catalog-import/internal/events"
	"github.com/sells-group/catalog-import/internal/extract"
	"github.com/sells-group/catalog-import/internal/idempotency"
	"github.com/sells-group/catalog-import/internal/job"
	"github.com/sells-group/catalog-import/internal/model"
	"github.com/sells-group/catalog-import/internal/normalize"
	"github.com/sells-group/catalog-import/internal/publish"
	"github.com/sells-group/catalog-import/internal/replay"
	"github.com/sells-group/catalog-import/internal/resilience"
	"github.com/sells-group/catalog-import/internal/rewrite"
	"github.com/sells-group/catalog-import/internal/router"
	"github.com/sells-group/catalog-import/internal/store"
	anthropicpkg "github.com/sells-group/catalog-import/pkg/anthropic"
)

// importEnv holds the stores, collaborators and orchestrator shared by the
// serve and import commands.
type importEnv struct {
	Store        store.Store
	Redis        *store.RedisStore // may be nil
	Guard        *replay.Guard
	Orchestrator *job.Orchestrator
	Publish      *publish.Service
	Channels     []string
	renderer     *extract.ChromeRenderer
}

// Close releases resources held by the environment.
func (e *importEnv) Close() {
	if e.renderer != nil {
		e.renderer.Close()
	}
	if e.Redis != nil {
		_ = e.Redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// Ping checks every backing store.
func (e *importEnv) Ping(ctx context.Context) error {
	if err := e.Store.Ping(ctx); err != nil {
		return err
	}
	if e.Redis != nil {
		return e.Redis.Ping(ctx)
	}
	return nil
}

func initStore(ctx context.Context, c config.StoreConfig) (store.Store, error) {
	switch c.Driver {
	case "", "memory":
		return store.NewMemory(), nil
	case "sqlite":
		dsn := c.DatabaseURL
		if dsn == "" {
			dsn = "file:catalog-import.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, c.DatabaseURL, &store.PoolConfig{
			MaxConns: c.MaxConns,
			MinConns: c.MinConns,
			Prepare:  c.Prepare,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Driver)
	}
}

func loadProfiles(path string) (extract.Profiles, error) {
	if path == "" {
		return extract.DefaultProfiles(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "read selector profiles")
	}
	return extract.LoadProfiles(data)
}

func budgets(c config.ExtractConfig) map[model.Source]extract.Budget {
	b := extract.DefaultBudgets()
	set := func(src model.Source, timeout time.Duration) {
		cur := b[src]
		if timeout > 0 {
			cur.Timeout = timeout
		}
		b[src] = cur
	}
	set(model.SourceStructuredAPI, c.StructuredTimeout)
	set(model.SourceRawMarkup, c.RawTimeout)
	set(model.SourceRenderedDOM, c.RenderTimeout)

	render := b[model.SourceRenderedDOM]
	if c.MaxScrolls > 0 {
		render.MaxScrolls = c.MaxScrolls
	}
	if c.PageBudget > 0 {
		render.PageBudget = c.PageBudget
	}
	b[model.SourceRenderedDOM] = render
	return b
}

func publishChannels(cs []config.ChannelConfig) []publish.ChannelConfig {
	out := make([]publish.ChannelConfig, 0, len(cs))
	for _, c := range cs {
		out = append(out, publish.ChannelConfig{
			Name:    c.Name,
			Type:    c.Type,
			URL:     c.URL,
			Secret:  c.Secret,
			Timeout: c.Timeout,
		})
	}
	return out
}

// initEnv validates cfg for mode and builds the import environment.
// Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*importEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	env := &importEnv{Store: st}

	if !cfg.Store.Prepare {
		if err := st.Migrate(ctx); err != nil {
			env.Close()
			return nil, eris.Wrap(err, "migrate store")
		}
	}

	var replayStore store.ReplayStore = st
	var idemStore store.IdempotencyStore = st
	if cfg.Redis.Addr != "" {
		rs, err := store.NewRedis(ctx, store.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Redis = rs
		replayStore, idemStore = rs, rs
		zap.L().Info("replay and idempotency state on redis", zap.String("addr", cfg.Redis.Addr))
	}

	retry := resilience.FromRetryConfig(cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoff, cfg.Retry.MaxBackoff)
	breakers := resilience.NewBreakers(resilience.FromCircuitConfig(cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown, cfg.Breaker.HalfOpenProbes))

	profiles, err := loadProfiles(cfg.Extract.ProfilesPath)
	if err != nil {
		env.Close()
		return nil, err
	}
	deps := extract.Deps{
		Fetcher:  extract.NewFetcher(&http.Client{Timeout: 30 * time.Second}, cfg.Extract.RawRPS, cfg.Extract.RawBurst),
		Profiles: profiles,
		Breakers: breakers,
		Budgets:  budgets(cfg.Extract),
		Retry:    retry,
	}
	if cfg.Extract.Chrome.Enabled {
		env.renderer = extract.NewChromeRenderer(extract.ChromeConfig{
			RemoteURL: cfg.Extract.Chrome.RemoteURL,
			NoSandbox: cfg.Extract.Chrome.NoSandbox,
		})
		deps.Renderer = env.renderer
	} else {
		zap.L().Info("chrome disabled, rendered DOM strategy unsupported")
	}

	var rewriter job.DescriptionRewriter
	if cfg.Rewrite.Enabled {
		completer := anthropicpkg.NewCompleter(anthropicpkg.NewClient(cfg.Anthropic.Key, cfg.Anthropic.BaseURL), anthropicpkg.CompleterConfig{
			Model:     cfg.Anthropic.Model,
			MaxTokens: cfg.Anthropic.MaxTokens,
			System:    rewrite.SystemPrompt,
			Purpose:   "rewrite",
		})
		rewriter = rewrite.New(completer, rewrite.Config{
			Timeout:        cfg.Rewrite.Timeout,
			MaxInputRunes:  cfg.Rewrite.MaxInputRunes,
			MaxOutputRunes: cfg.Rewrite.MaxOutputRunes,
		})
	}

	idem := idempotency.New(idemStore)
	env.Guard = replay.NewGuard(replayStore, replay.WithRetention(cfg.Replay.Retention))
	env.Orchestrator = job.New(job.Deps{
		Jobs:        st,
		Products:    st,
		Idempotency: idem,
		Router: router.New(router.Config{
			CascadePercent:  cfg.Router.CascadePercent,
			PinnedPlatforms: cfg.Router.PinnedPlatforms,
			Window:          cfg.Router.Window,
		}),
		Extractor:  extract.NewPipelines(deps),
		Normalizer: normalize.New(normalize.Options{PlaceholderImage: cfg.Normalize.PlaceholderImage}),
		Rewriter:   rewriter,
		Bus:        events.NewBus(0),
	}, job.Config{
		Deadline:        cfg.Job.Deadline,
		MinCompleteness: cfg.Normalize.MinCompleteness,
	})

	registry, err := publish.NewRegistry(publishChannels(cfg.Publish.Channels), retry, breakers)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Channels = registry.Names()
	env.Publish = publish.NewService(st, idem, registry)

	zap.L().Info("import environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.Int("cascade_percent", cfg.Router.CascadePercent),
		zap.Bool("rewrite", rewriter != nil),
		zap.Strings("channels", env.Channels),
	)
	return env, nil
}
