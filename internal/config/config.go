package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DatabaseURL    string        // POLLER_DATABASE_URL (required)
	DBMaxConns     int           // POLLER_DB_MAX_CONNS (default 20)
	DBSlowCheckout time.Duration // POLLER_DB_SLOW_CHECKOUT (default 5s)

	// Upstream feed
	GitHubAPIURL     string        // POLLER_GITHUB_API_URL (default "https://api.github.com")
	GitHubGraphQLURL string        // POLLER_GITHUB_GRAPHQL_URL (default "<api>/graphql")
	UserAgent        string        // POLLER_USER_AGENT (default "eventpoller")
	HTTPTimeout      time.Duration // POLLER_HTTP_TIMEOUT (default 10s)
	RateLimit        float64       // POLLER_RATE_LIMIT requests/second across the process (default 10)
	RateBurst        int           // POLLER_RATE_BURST (default 10)
	MaxPages         int           // POLLER_MAX_PAGES (default 3)

	// Enrichment and normalization
	EnrichStrategy   string        // POLLER_ENRICH_STRATEGY rest|graphql|auto (default "auto")
	EnrichRetries    int           // POLLER_ENRICH_RETRIES (default 2)
	EnrichMaxCommits int           // POLLER_ENRICH_MAX_COMMITS (default 20)
	MaxPatchBytes    int           // POLLER_MAX_PATCH_BYTES (default 4096)
	MaxFiles         int           // POLLER_MAX_FILES (default 50)
	RedisURL         string        // POLLER_REDIS_URL (optional, empty = no enrichment cache)
	EnrichCacheTTL   time.Duration // POLLER_ENRICH_CACHE_TTL (default 24h)

	// Queue
	QueueDriver  string   // POLLER_QUEUE_DRIVER jetstream|kafka (default "jetstream")
	NATSURL      string   // POLLER_NATS_URL (default "nats://127.0.0.1:4222")
	QueueStream  string   // POLLER_QUEUE_STREAM (default "EVENT_SUMMARY")
	QueueSubject string   // POLLER_QUEUE_SUBJECT (default "events.summary")
	KafkaBrokers []string // POLLER_KAFKA_BROKERS comma-separated (required for kafka)
	KafkaTopic   string   // POLLER_KAFKA_TOPIC (default "event_summary")

	// Scheduling
	Workers    int           // POLLER_WORKERS per tier (default 8)
	BatchLimit int           // POLLER_BATCH_LIMIT per tick (default 50)
	Lease      time.Duration // POLLER_LEASE (default 5m)
	TiersFile  string        // POLLER_TIERS_FILE (optional TOML cadence overrides)
	Tiers      Tiers

	// Operational surfaces
	HTTPAddr string // POLLER_HTTP_ADDR (default ":8080")
	GRPCAddr string // POLLER_GRPC_ADDR (default ":9090")
	OpsToken string // POLLER_OPS_TOKEN (optional bearer token for the ops HTTP API)

	// Archive settings
	ArchiveInterval   time.Duration // POLLER_ARCHIVE_INTERVAL (default 1h; 0 = disabled)
	ArchiveS3Bucket   string        // POLLER_ARCHIVE_S3_BUCKET (enables the archive when set)
	ArchiveS3Prefix   string        // POLLER_ARCHIVE_S3_PREFIX (default "events")
	ArchiveS3Region   string        // POLLER_ARCHIVE_S3_REGION (default "us-east-1")
	ArchiveS3Endpoint string        // POLLER_ARCHIVE_S3_ENDPOINT (custom endpoint for MinIO)

	LogLevel  string // POLLER_LOG_LEVEL debug|info|warn|error (default "info")
	LogFormat string // POLLER_LOG_FORMAT text|json (default "text")
}

func Load() (*Config, error) {
	apiURL := strings.TrimRight(envOrDefault("POLLER_GITHUB_API_URL", "https://api.github.com"), "/")
	c := &Config{
		DatabaseURL:       os.Getenv("POLLER_DATABASE_URL"),
		GitHubAPIURL:      apiURL,
		GitHubGraphQLURL:  envOrDefault("POLLER_GITHUB_GRAPHQL_URL", apiURL+"/graphql"),
		UserAgent:         envOrDefault("POLLER_USER_AGENT", "eventpoller"),
		EnrichStrategy:    strings.ToLower(envOrDefault("POLLER_ENRICH_STRATEGY", "auto")),
		RedisURL:          os.Getenv("POLLER_REDIS_URL"),
		QueueDriver:       strings.ToLower(envOrDefault("POLLER_QUEUE_DRIVER", "jetstream")),
		NATSURL:           envOrDefault("POLLER_NATS_URL", "nats://127.0.0.1:4222"),
		QueueStream:       envOrDefault("POLLER_QUEUE_STREAM", "EVENT_SUMMARY"),
		QueueSubject:      envOrDefault("POLLER_QUEUE_SUBJECT", "events.summary"),
		KafkaBrokers:      splitList(os.Getenv("POLLER_KAFKA_BROKERS")),
		KafkaTopic:        envOrDefault("POLLER_KAFKA_TOPIC", "event_summary"),
		TiersFile:         os.Getenv("POLLER_TIERS_FILE"),
		HTTPAddr:          envOrDefault("POLLER_HTTP_ADDR", ":8080"),
		GRPCAddr:          envOrDefault("POLLER_GRPC_ADDR", ":9090"),
		OpsToken:          os.Getenv("POLLER_OPS_TOKEN"),
		ArchiveS3Bucket:   os.Getenv("POLLER_ARCHIVE_S3_BUCKET"),
		ArchiveS3Prefix:   envOrDefault("POLLER_ARCHIVE_S3_PREFIX", "events"),
		ArchiveS3Region:   envOrDefault("POLLER_ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveS3Endpoint: os.Getenv("POLLER_ARCHIVE_S3_ENDPOINT"),
		LogLevel:          strings.ToLower(envOrDefault("POLLER_LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(envOrDefault("POLLER_LOG_FORMAT", "text")),
	}
	if c.DatabaseURL == "" {
		return nil, fmt.Errorf("POLLER_DATABASE_URL is required")
	}

	var err error
	durations := []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"POLLER_DB_SLOW_CHECKOUT", "5s", &c.DBSlowCheckout},
		{"POLLER_HTTP_TIMEOUT", "10s", &c.HTTPTimeout},
		{"POLLER_ENRICH_CACHE_TTL", "24h", &c.EnrichCacheTTL},
		{"POLLER_LEASE", "5m", &c.Lease},
		{"POLLER_ARCHIVE_INTERVAL", "1h", &c.ArchiveInterval},
	}
	for _, d := range durations {
		if *d.dst, err = time.ParseDuration(envOrDefault(d.key, d.fallback)); err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
	}

	ints := []struct {
		key      string
		fallback int
		dst      *int
	}{
		{"POLLER_DB_MAX_CONNS", 20, &c.DBMaxConns},
		{"POLLER_RATE_BURST", 10, &c.RateBurst},
		{"POLLER_MAX_PAGES", 3, &c.MaxPages},
		{"POLLER_ENRICH_RETRIES", 2, &c.EnrichRetries},
		{"POLLER_ENRICH_MAX_COMMITS", 20, &c.EnrichMaxCommits},
		{"POLLER_MAX_PATCH_BYTES", 4096, &c.MaxPatchBytes},
		{"POLLER_MAX_FILES", 50, &c.MaxFiles},
		{"POLLER_WORKERS", 8, &c.Workers},
		{"POLLER_BATCH_LIMIT", 50, &c.BatchLimit},
	}
	for _, i := range ints {
		if *i.dst, err = intOrDefault(i.key, i.fallback); err != nil {
			return nil, err
		}
	}

	c.RateLimit = 10
	if v := os.Getenv("POLLER_RATE_LIMIT"); v != "" {
		if c.RateLimit, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("POLLER_RATE_LIMIT: %w", err)
		}
	}

	c.Tiers = DefaultTiers()
	if c.TiersFile != "" {
		if c.Tiers, err = LoadTiers(c.TiersFile); err != nil {
			return nil, err
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks cross-field constraints that Load cannot express per variable.
func (c *Config) Validate() error {
	switch c.EnrichStrategy {
	case "rest", "graphql", "auto":
	default:
		return fmt.Errorf("POLLER_ENRICH_STRATEGY: unknown strategy %q", c.EnrichStrategy)
	}
	switch c.QueueDriver {
	case "jetstream":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("POLLER_KAFKA_BROKERS is required for the kafka queue driver")
		}
	default:
		return fmt.Errorf("POLLER_QUEUE_DRIVER: unknown driver %q", c.QueueDriver)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("POLLER_LOG_FORMAT: unknown format %q", c.LogFormat)
	}
	if c.Workers < 1 {
		return fmt.Errorf("POLLER_WORKERS must be at least 1")
	}
	if c.BatchLimit < 1 {
		return fmt.Errorf("POLLER_BATCH_LIMIT must be at least 1")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("POLLER_DB_MAX_CONNS must be at least 1")
	}
	if c.MaxPages < 1 {
		return fmt.Errorf("POLLER_MAX_PAGES must be at least 1")
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("POLLER_RATE_LIMIT must be positive")
	}
	if c.Lease <= 0 {
		return fmt.Errorf("POLLER_LEASE must be positive")
	}
	return c.Tiers.Validate()
}

// ArchiveEnabled reports whether the S3 event archive should run.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveInterval > 0 && c.ArchiveS3Bucket != ""
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intOrDefault(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
