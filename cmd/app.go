package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MimeLyc/subcache/internal/cache"
	"github.com/MimeLyc/subcache/internal/channel"
	"github.com/MimeLyc/subcache/internal/config"
	"github.com/MimeLyc/subcache/internal/digest"
	"github.com/MimeLyc/subcache/internal/extract"
	"github.com/MimeLyc/subcache/internal/jobs"
	"github.com/MimeLyc/subcache/internal/llm"
	"github.com/MimeLyc/subcache/internal/persistence"
	"github.com/MimeLyc/subcache/internal/ratelimit"
	"github.com/MimeLyc/subcache/internal/service"
	"github.com/MimeLyc/subcache/pkg/log"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg       *config.Config
	store     *persistence.SQLiteStore
	redis     *redis.Client
	cache     *cache.Cache
	extractor *extract.YtDlp
	manager   *jobs.Manager
	fetcher   *service.Fetcher
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := persistence.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &app{cfg: cfg, store: store}
	a.redis = connectRedis(ctx, cfg.Redis)

	var ytOpts []extract.Option
	if cfg.Extract.PerMinute > 0 {
		ytOpts = append(ytOpts, extract.WithLimiter(a.limiter(cfg.Extract.PerMinute, "subcache:extract")))
	}
	a.extractor = newExtractor(cfg, ytOpts...)
	a.cache = cache.New(store)

	processor := channel.NewProcessor(a.extractor, a.extractor, a.cache,
		channel.WithConcurrency(cfg.Jobs.Concurrency),
		channel.WithItemTimeout(cfg.Extract.ItemTimeout),
		channel.WithItemDelay(cfg.Extract.ItemDelay),
		channel.WithListingRecorder(store),
	)
	a.manager = jobs.NewManager(processor,
		jobs.WithStore(store),
		jobs.WithMaxRetained(cfg.Jobs.MaxRetained),
		jobs.WithRetention(cfg.Jobs.Retention),
		jobs.WithMaxRunning(cfg.Jobs.MaxRunning),
	)
	a.fetcher = service.NewFetcher(a.cache, a.extractor, cfg.Jobs.DefaultLang,
		service.WithVideoLookup(store),
		service.WithTimeout(cfg.Extract.ItemTimeout),
	)
	return a, nil
}

func newExtractor(cfg *config.Config, opts ...extract.Option) *extract.YtDlp {
	return extract.NewYtDlp(append([]extract.Option{
		extract.WithBinary(cfg.Extract.YtDlpPath),
		extract.WithCookieFile(cfg.Extract.CookieFile),
	}, opts...)...)
}

// newEphemeralFetcher fetches straight through yt-dlp without opening the
// database; nothing outlives the process.
func newEphemeralFetcher(cfg *config.Config) *service.Fetcher {
	return service.NewFetcher(cache.New(cache.NewMemoryBackend()), newExtractor(cfg), cfg.Jobs.DefaultLang,
		service.WithTimeout(cfg.Extract.ItemTimeout),
	)
}

// limiter returns a fixed-window limiter, shared through redis when one is
// configured.
func (a *app) limiter(perMinute int, prefix string) *ratelimit.Limiter {
	opts := []ratelimit.Option{ratelimit.WithPrefix(prefix)}
	if a.redis != nil {
		opts = append(opts, ratelimit.WithRedis(a.redis))
	}
	return ratelimit.New(perMinute, time.Minute, opts...)
}

// refresher builds the scheduled channel refresh, or returns nil when no
// refresh is configured.
func (a *app) refresher(c *cron.Cron) (*digest.Refresher, error) {
	rc := a.cfg.Refresh
	if !rc.Enabled() {
		return nil, nil
	}
	var opts []digest.RefresherOption
	if rc.Summarize {
		client, err := llm.NewClient(&llm.Config{
			APIKey:      a.cfg.LLM.APIKey,
			APIURL:      a.cfg.LLM.APIURL,
			Model:       a.cfg.LLM.Model,
			MaxTokens:   a.cfg.LLM.MaxTokens,
			Temperature: a.cfg.LLM.Temperature,
			Timeout:     a.cfg.LLM.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("init llm client: %w", err)
		}
		opts = append(opts, digest.WithSummarizer(digest.NewSummarizer(a.cache, client), a.store))
	}
	return digest.NewRefresher(a.manager, c, rc.CronExpr, rc.Channels, rc.MaxItems, rc.Lang, opts...), nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.manager.Close(ctx); err != nil {
		log.Warn("Jobs did not stop in time: %v", err)
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.store.Close(); err != nil {
		log.Warn("Close store: %v", err)
	}
}

// connectRedis returns nil when redis is not configured or unreachable, in
// which case limiters fall back to process-local counters.
func connectRedis(ctx context.Context, rc config.RedisConfig) *redis.Client {
	if rc.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("Redis at %s unreachable, using local rate limits: %v", rc.Addr, err)
		_ = client.Close()
		return nil
	}
	log.Info("Connected to redis at %s", rc.Addr)
	return client
}
