package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"github.com/alfredjeanlab/eventpoller/internal/config"
	"github.com/alfredjeanlab/eventpoller/internal/enrich"
	"github.com/alfredjeanlab/eventpoller/internal/feed"
	"github.com/alfredjeanlab/eventpoller/internal/normalize"
	"github.com/alfredjeanlab/eventpoller/internal/poller"
	"github.com/alfredjeanlab/eventpoller/internal/queue"
	"github.com/alfredjeanlab/eventpoller/internal/store"
	"github.com/alfredjeanlab/eventpoller/internal/store/postgres"
)

// storedDiffBytes bounds the diff fragment persisted per commit; the queue
// copy is bounded separately by POLLER_MAX_PATCH_BYTES.
const storedDiffBytes = 64 << 10

func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("log format: unknown format %q", format)
}

func openStore(cfg *config.Config, logger *slog.Logger) (*postgres.PostgresStore, error) {
	return postgres.New(cfg.DatabaseURL,
		postgres.WithMaxConns(cfg.DBMaxConns),
		postgres.WithSlowCheckout(cfg.DBSlowCheckout),
		postgres.WithLogger(logger),
	)
}

func newFeedClient(cfg *config.Config) *feed.Client {
	return feed.New(feed.Options{
		APIURL:     cfg.GitHubAPIURL,
		GraphQLURL: cfg.GitHubGraphQLURL,
		UserAgent:  cfg.UserAgent,
		Timeout:    cfg.HTTPTimeout,
		MaxPages:   cfg.MaxPages,
		Limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
	})
}

// newResolver builds the enrichment resolver. The returned close func
// releases the Redis cache, if one was configured. An unreachable cache is
// logged and enrichment runs uncached.
func newResolver(ctx context.Context, cfg *config.Config, client *feed.Client, logger *slog.Logger) (*enrich.Resolver, func(), error) {
	strategy, err := enrich.ParseStrategy(cfg.EnrichStrategy)
	if err != nil {
		return nil, nil, err
	}
	opts := enrich.Options{
		Strategy:       strategy,
		Retries:        cfg.EnrichRetries,
		CallTimeout:    cfg.HTTPTimeout,
		MaxCommits:     cfg.EnrichMaxCommits,
		StoreDiffBytes: storedDiffBytes,
		Logger:         logger,
	}
	closeCache := func() {}
	if cfg.RedisURL != "" {
		cache, err := enrich.NewRedisCache(ctx, cfg.RedisURL, cfg.EnrichCacheTTL)
		if err != nil {
			logger.Warn("enrichment cache unavailable, continuing without it", "err", err)
		} else {
			opts.Cache = cache
			closeCache = func() { _ = cache.Close() }
			logger.Info("enrichment cache enabled", "ttl", cfg.EnrichCacheTTL)
		}
	}
	resolver := enrich.NewResolver(enrich.RESTFetcher(client), enrich.GraphQLFetcher(client), opts)
	return resolver, closeCache, nil
}

func jetStreamOptions(cfg *config.Config, logger *slog.Logger) queue.JetStreamOptions {
	return queue.JetStreamOptions{
		URL:     cfg.NATSURL,
		Stream:  cfg.QueueStream,
		Subject: cfg.QueueSubject,
		Logger:  logger,
	}
}

func newPublisher(cfg *config.Config, logger *slog.Logger) (queue.Publisher, error) {
	switch cfg.QueueDriver {
	case "jetstream":
		logger.Info("queue driver jetstream", "url", cfg.NATSURL, "stream", cfg.QueueStream)
		return queue.NewJetStreamPublisher(jetStreamOptions(cfg, logger)), nil
	case "kafka":
		logger.Info("queue driver kafka", "brokers", strings.Join(cfg.KafkaBrokers, ","), "topic", cfg.KafkaTopic)
		return queue.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	}
	return nil, fmt.Errorf("unknown queue driver %q", cfg.QueueDriver)
}

func normalizeOptions(cfg *config.Config) normalize.Options {
	return normalize.Options{
		MaxCommits:    cfg.EnrichMaxCommits,
		MaxPatchBytes: cfg.MaxPatchBytes,
		MaxFiles:      cfg.MaxFiles,
	}
}

func newCycle(cfg *config.Config, s store.Store, client *feed.Client, resolver *enrich.Resolver, pub queue.Publisher, leased bool, logger *slog.Logger) *poller.Cycle {
	return poller.NewCycle(poller.CycleOptions{
		Store:     s,
		Feed:      client,
		Enricher:  resolver,
		Publisher: pub,
		Tiers:     cfg.Tiers,
		Normalize: normalizeOptions(cfg),
		Leased:    leased,
		Logger:    logger,
	})
}
