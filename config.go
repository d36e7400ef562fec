package sitefeed

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Cache backends selectable through Config.Backend
const (
	BackendMemory    = "memory"
	BackendRistretto = "ristretto"
	BackendBigCache  = "bigcache"
	BackendRedis     = "redis"
	BackendSQL       = "sql"
)

// EnvPrefix prefixes every variable Config reads
const EnvPrefix = "SITEFEED_"

// Config is the process configuration, read from SITEFEED_* environment variables
type Config struct {
	InternalOrigin string `env:"INTERNAL_ORIGIN" envDefault:"http://localhost:8080"`
	PublicOrigin   string `env:"PUBLIC_ORIGIN"`
	Mediated       bool   `env:"MEDIATED"`
	ProxyPrefix    string `env:"PROXY_PREFIX" envDefault:"site"`
	ListenAddr     string `env:"LISTEN_ADDR" envDefault:":8090"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`

	Backend        string `env:"CACHE_BACKEND" envDefault:"memory"`
	RedisAddr      string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"sitefeed:"`
	SQLDSN         string `env:"SQL_DSN" envDefault:"sitefeed.db"`

	MaxPerMinute    int           `env:"MAX_PER_MINUTE" envDefault:"30"`
	BaseCooldown    time.Duration `env:"BASE_COOLDOWN" envDefault:"30s"`
	MaxCooldown     time.Duration `env:"MAX_COOLDOWN" envDefault:"5m"`
	DirectTimeout   time.Duration `env:"DIRECT_TIMEOUT" envDefault:"3s"`
	MediatedTimeout time.Duration `env:"MEDIATED_TIMEOUT" envDefault:"8s"`
	DefaultTTL      time.Duration `env:"DEFAULT_TTL" envDefault:"30s"`
	SessionTimeout  time.Duration `env:"SESSION_TIMEOUT" envDefault:"30m"`
	StaticChannels  []string      `env:"STATIC_CHANNELS" envSeparator:"," envDefault:"recommend,news,tech,lifestyle"`
}

// LoadConfig reads Config from the process environment
func LoadConfig() (Config, error) {
	return loadConfig(nil)
}

func loadConfig(environment map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{Prefix: EnvPrefix}
	if environment != nil {
		opts.Environment = environment
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, errors.Wrap(err, "failed to parse config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Endpoints() Endpoints {
	return Endpoints{
		InternalOrigin: c.InternalOrigin,
		PublicOrigin:   c.PublicOrigin,
		ProxyPrefix:    c.ProxyPrefix,
	}
}

func (c Config) Validate() error {
	if err := c.Endpoints().Validate(); err != nil {
		return errors.Wrap(err, "invalid endpoints")
	}
	if c.Mediated && c.PublicOrigin == "" {
		return errors.New("mediated calls need a public origin")
	}
	switch c.Backend {
	case BackendMemory, BackendRistretto, BackendBigCache, BackendRedis, BackendSQL:
	default:
		return errors.Errorf("unknown cache backend: %q", c.Backend)
	}
	if c.MaxPerMinute <= 0 {
		return errors.New("max per minute must be positive")
	}
	if c.BaseCooldown <= 0 || c.MaxCooldown < c.BaseCooldown {
		return errors.New("cooldown must be positive and not exceed its maximum")
	}
	if c.DirectTimeout <= 0 || c.MediatedTimeout <= 0 || c.DefaultTTL <= 0 || c.SessionTimeout <= 0 {
		return errors.New("timeouts and ttls must be positive")
	}
	return nil
}

// ExecutionContext is the context outbound calls run in when the caller sets none
func (c Config) ExecutionContext() ExecutionContext {
	if c.Mediated {
		return Mediated
	}
	return Direct
}

// SlogLevel maps LogLevel onto slog, defaulting to info
func (c Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// backendSet builds the per-type caches of one backend kind
type backendSet struct {
	sites     Cache[*Entry[SiteConfig]]
	feeds     Cache[*Entry[FeedPage]]
	headlines Cache[*Entry[HeadlinePage]]
	taxonomy  Cache[*Entry[ChannelTaxonomy]]
	longLived Cache[string]
	sessions  Cache[string]
	closers   []func() error
}

// Close releases everything the set opened, newest first, and returns the first error
func (b *backendSet) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	b.closers = nil
	return first
}

func newRistrettoCache[T any]() (*RistrettoCache[T], error) {
	return NewRistrettoCache(DefaultRistrettoCacheConfig[T]())
}

func buildBackends(ctx context.Context, cfg Config) (_ *backendSet, err error) {
	set := &backendSet{}
	defer func() {
		if err != nil {
			_ = set.Close()
		}
	}()

	switch cfg.Backend {
	case BackendMemory:
		set.sites = NewMemoryCache[*Entry[SiteConfig]]()
		set.feeds = NewMemoryCache[*Entry[FeedPage]]()
		set.headlines = NewMemoryCache[*Entry[HeadlinePage]]()
		set.taxonomy = NewMemoryCache[*Entry[ChannelTaxonomy]]()
		set.longLived = NewMemoryCache[string]()
		set.sessions = NewMemoryCache[string]()

	case BackendRistretto:
		sites, err := newRistrettoCache[*Entry[SiteConfig]]()
		if err != nil {
			return nil, err
		}
		set.sites = sites
		set.closers = append(set.closers, sites.Close)
		feeds, err := newRistrettoCache[*Entry[FeedPage]]()
		if err != nil {
			return nil, err
		}
		set.feeds = feeds
		set.closers = append(set.closers, feeds.Close)
		headlines, err := newRistrettoCache[*Entry[HeadlinePage]]()
		if err != nil {
			return nil, err
		}
		set.headlines = headlines
		set.closers = append(set.closers, headlines.Close)
		taxonomy, err := newRistrettoCache[*Entry[ChannelTaxonomy]]()
		if err != nil {
			return nil, err
		}
		set.taxonomy = taxonomy
		set.closers = append(set.closers, taxonomy.Close)
		set.longLived = NewMemoryCache[string]()
		set.sessions = NewMemoryCache[string]()

	case BackendBigCache:
		// bigcache evicts by age alone, so the window must cover the longest ttl+grace written
		arena := func() (*BigCache, error) {
			bc, err := NewBigCache(ctx, BigCacheConfig{Config: bigcache.DefaultConfig(DefaultTaxonomyTTL + DefaultTaxonomyGrace)})
			if err == nil {
				set.closers = append(set.closers, bc.Close)
			}
			return bc, err
		}
		var arenas [4]*BigCache
		for i := range arenas {
			bc, err := arena()
			if err != nil {
				return nil, err
			}
			arenas[i] = bc
		}
		set.sites = JSONTransform[*Entry[SiteConfig]](arenas[0])
		set.feeds = JSONTransform[*Entry[FeedPage]](arenas[1])
		set.headlines = JSONTransform[*Entry[HeadlinePage]](arenas[2])
		set.taxonomy = JSONTransform[*Entry[ChannelTaxonomy]](arenas[3])
		set.longLived = NewMemoryCache[string]()
		set.sessions = NewMemoryCache[string]()

	case BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		set.closers = append(set.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, errors.Wrapf(err, "failed to reach redis at %s", cfg.RedisAddr)
		}
		set.sites = NewRedisCache[*Entry[SiteConfig]](&RedisCacheConfig{Client: client, KeyPrefix: cfg.RedisKeyPrefix + "site|"})
		set.feeds = NewRedisCache[*Entry[FeedPage]](&RedisCacheConfig{Client: client, KeyPrefix: cfg.RedisKeyPrefix + "feed|"})
		set.headlines = NewRedisCache[*Entry[HeadlinePage]](&RedisCacheConfig{Client: client, KeyPrefix: cfg.RedisKeyPrefix + "headlines|"})
		set.taxonomy = NewRedisCache[*Entry[ChannelTaxonomy]](&RedisCacheConfig{Client: client, KeyPrefix: cfg.RedisKeyPrefix + "taxonomy|"})
		set.longLived = NewRedisCache[string](&RedisCacheConfig{Client: client, KeyPrefix: cfg.RedisKeyPrefix + "identity|"})
		set.sessions = NewRedisCache[string](&RedisCacheConfig{Client: client, KeyPrefix: cfg.RedisKeyPrefix + "session|", TTL: cfg.SessionTimeout})

	case BackendSQL:
		db, err := gorm.Open(sqlite.Open(cfg.SQLDSN), &gorm.Config{})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open %s", cfg.SQLDSN)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open %s", cfg.SQLDSN)
		}
		set.closers = append(set.closers, sqlDB.Close)
		sites := NewGORMCache[*Entry[SiteConfig]](&GORMCacheConfig{DB: db, TableName: "sitefeed_site_configs"})
		feeds := NewGORMCache[*Entry[FeedPage]](&GORMCacheConfig{DB: db, TableName: "sitefeed_feed_pages"})
		headlines := NewGORMCache[*Entry[HeadlinePage]](&GORMCacheConfig{DB: db, TableName: "sitefeed_headline_pages"})
		taxonomy := NewGORMCache[*Entry[ChannelTaxonomy]](&GORMCacheConfig{DB: db, TableName: "sitefeed_taxonomy"})
		longLived := NewGORMCache[string](&GORMCacheConfig{DB: db, TableName: "sitefeed_identity"})
		sessions := NewGORMCache[string](&GORMCacheConfig{DB: db, TableName: "sitefeed_sessions", TTL: cfg.SessionTimeout})
		for _, m := range []interface{ Migrate(context.Context) error }{sites, feeds, headlines, taxonomy, longLived, sessions} {
			if err := m.Migrate(ctx); err != nil {
				return nil, errors.Wrapf(err, "failed to migrate %s", cfg.SQLDSN)
			}
		}
		set.sites, set.feeds, set.headlines, set.taxonomy = sites, feeds, headlines, taxonomy
		set.longLived, set.sessions = longLived, sessions
	}
	return set, nil
}

// NewServiceFromConfig wires a Service for cfg. The returned func releases the backend.
func NewServiceFromConfig(ctx context.Context, cfg Config, logger *slog.Logger) (*Service, func() error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	upstream, err := NewHTTPUpstream(cfg.Endpoints())
	if err != nil {
		return nil, nil, err
	}
	backends, err := buildBackends(ctx, cfg)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to build %s backend", cfg.Backend)
	}

	svc := NewService(upstream,
		WithServiceLogger(logger),
		WithLimiter(NewRateLimiter(
			WithMaxPerMinute(cfg.MaxPerMinute),
			WithCooldown(cfg.BaseCooldown, cfg.MaxCooldown),
		)),
		WithIdentityProvider(NewIdentityProvider(backends.longLived, backends.sessions,
			WithIdentityLogger(logger),
			WithSessionTimeout(cfg.SessionTimeout),
		)),
		WithStores(
			NewStore(backends.sites, WithStoreLogger[SiteConfig](logger)),
			NewStore(backends.feeds, WithStoreLogger[FeedPage](logger)),
			NewStore(backends.headlines, WithStoreLogger[HeadlinePage](logger)),
			NewStore(backends.taxonomy, WithStoreLogger[ChannelTaxonomy](logger)),
		),
		WithFetchTimeouts(cfg.DirectTimeout, cfg.MediatedTimeout),
		WithDefaultTTL(cfg.DefaultTTL),
		WithStaticChannels(cfg.StaticChannels),
	)

	return svc, backends.Close, nil
}
