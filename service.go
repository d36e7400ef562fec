package sitefeed

import (
	"context"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
)

var (
	DefaultSiteConfigTTL   = 5 * time.Minute
	DefaultSiteConfigGrace = time.Hour
	DefaultFeedTTL         = 30 * time.Second
	DefaultFeedGrace       = 5 * time.Minute

	DefaultFeedSize = 20
	MaxFeedSize     = 100
)

type SiteConfigOptions struct {
	ForceRefresh bool
	// Timeout bounds the live fetch. Zero picks the execution context default.
	Timeout time.Duration
}

type FeedOptions struct {
	Size     int
	Sort     string
	Channels []string
	Cursor   string
	Hours    int
	// Confidence picks channels and hours through the strategy resolver when Channels is empty
	Confidence float64
}

type HeadlineOptions struct {
	Size     int
	Channels []string
	Hours    int
}

// Service is what presentation layers call. None of its lookups fail: upstream
// trouble yields stale or default values, visible only through the debug fields.
type Service struct {
	upstream Upstream
	logger   *slog.Logger
	limiter  *RateLimiter
	identity *IdentityProvider

	siteStore     *Store[SiteConfig]
	feedStore     *Store[FeedPage]
	headlineStore *Store[HeadlinePage]
	taxonomyStore *Store[ChannelTaxonomy]

	directTimeout   time.Duration
	mediatedTimeout time.Duration
	fallbackTTL     time.Duration
	staticChannels  []string

	sites     *Orchestrator[SiteConfig]
	feeds     *Orchestrator[FeedPage]
	headlines *Orchestrator[HeadlinePage]
	strategy  *StrategyResolver

	feedDedup     *Deduplicator[Result[FeedPage]]
	headlineDedup *Deduplicator[Result[HeadlinePage]]
}

// ServiceOption is a functional option for configuring a Service
type ServiceOption func(*Service)

func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithLimiter shares limiter, and so its overload cooldown, with other callers
func WithLimiter(limiter *RateLimiter) ServiceOption {
	return func(s *Service) {
		s.limiter = limiter
	}
}

func WithIdentityProvider(identity *IdentityProvider) ServiceOption {
	return func(s *Service) {
		s.identity = identity
	}
}

// WithStores replaces the in-memory stores. Nil arguments keep the default.
func WithStores(sites *Store[SiteConfig], feeds *Store[FeedPage], headlines *Store[HeadlinePage], taxonomy *Store[ChannelTaxonomy]) ServiceOption {
	return func(s *Service) {
		if sites != nil {
			s.siteStore = sites
		}
		if feeds != nil {
			s.feedStore = feeds
		}
		if headlines != nil {
			s.headlineStore = headlines
		}
		if taxonomy != nil {
			s.taxonomyStore = taxonomy
		}
	}
}

// WithFetchTimeouts sets the live fetch timeouts per execution context
func WithFetchTimeouts(direct, mediated time.Duration) ServiceOption {
	return func(s *Service) {
		s.directTimeout = direct
		s.mediatedTimeout = mediated
	}
}

// WithDefaultTTL sets how long served defaults are cached before the next attempt
func WithDefaultTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		s.fallbackTTL = ttl
	}
}

// WithStaticChannels sets the channels used when the taxonomy lists no smart feed channels
func WithStaticChannels(channels []string) ServiceOption {
	return func(s *Service) {
		s.staticChannels = channels
	}
}

func NewService(upstream Upstream, opts ...ServiceOption) *Service {
	if upstream == nil {
		panic("upstream is required")
	}
	s := &Service{
		upstream:        upstream,
		logger:          slog.Default(),
		directTimeout:   DefaultDirectTimeout,
		mediatedTimeout: DefaultMediatedTimeout,
		fallbackTTL:     DefaultFallbackTTL,
		staticChannels:  DefaultFeedChannels,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.limiter == nil {
		s.limiter = NewRateLimiter()
	}
	if s.identity == nil {
		s.identity = NewIdentityProvider(NewMemoryCache[string](), NewMemoryCache[string](), WithIdentityLogger(s.logger))
	}
	if s.siteStore == nil {
		s.siteStore = NewStore(NewMemoryCache[*Entry[SiteConfig]](), WithStoreLogger[SiteConfig](s.logger))
	}
	if s.feedStore == nil {
		s.feedStore = NewStore(NewMemoryCache[*Entry[FeedPage]](), WithStoreLogger[FeedPage](s.logger))
	}
	if s.headlineStore == nil {
		s.headlineStore = NewStore(NewMemoryCache[*Entry[HeadlinePage]](), WithStoreLogger[HeadlinePage](s.logger))
	}
	if s.taxonomyStore == nil {
		s.taxonomyStore = NewStore(NewMemoryCache[*Entry[ChannelTaxonomy]](), WithStoreLogger[ChannelTaxonomy](s.logger))
	}

	s.sites = newServiceOrchestrator(s, s.siteStore)
	s.feeds = newServiceOrchestrator(s, s.feedStore)
	s.headlines = newServiceOrchestrator(s, s.headlineStore)
	s.strategy = NewStrategyResolver(newServiceOrchestrator(s, s.taxonomyStore), upstream.Channels, WithStrategyLogger(s.logger))
	s.feedDedup = NewDeduplicator[Result[FeedPage]](s.logger)
	s.headlineDedup = NewDeduplicator[Result[HeadlinePage]](s.logger)
	return s
}

func newServiceOrchestrator[T any](s *Service, store *Store[T]) *Orchestrator[T] {
	return NewOrchestrator(store, s.limiter,
		WithLogger[T](s.logger),
		WithTimeouts[T](s.directTimeout, s.mediatedTimeout),
		WithFallbackTTL[T](s.fallbackTTL),
	)
}

// Limiter exposes the shared limiter, e.g. to inspect the cooldown
func (s *Service) Limiter() *RateLimiter {
	return s.limiter
}

func siteKey(siteID string) string {
	return "site:" + siteID
}

// GetSiteConfig returns the configuration of siteID, or DefaultSiteConfig when none was ever fetched
func (s *Service) GetSiteConfig(ctx context.Context, siteID string, opts SiteConfigOptions) SiteConfig {
	def := DefaultSiteConfig(siteID)
	if siteID == "" {
		s.logger.WarnContext(ctx, "site config requested without a site id")
		return def
	}

	res, err := s.sites.Resolve(ctx, siteKey(siteID), func(ctx context.Context) (SiteConfig, error) {
		return s.upstream.SiteSettings(ctx, siteID)
	}, ResolveOptions[SiteConfig]{
		Timeout:      opts.Timeout,
		TTL:          DefaultSiteConfigTTL,
		Grace:        DefaultSiteConfigGrace,
		ForceRefresh: opts.ForceRefresh,
		Default:      def,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to resolve site config", "site", siteID, "error", err)
		return def
	}
	return res.Value
}

// InvalidateSite drops the cached configuration of siteID
func (s *Service) InvalidateSite(ctx context.Context, siteID string) error {
	return s.siteStore.Invalidate(ctx, siteKey(siteID))
}

// GetPersonalizedChannels picks the feed strategy for a confidence score
func (s *Service) GetPersonalizedChannels(ctx context.Context, confidence float64) FeedStrategyDecision {
	return s.strategy.Resolve(ctx, confidence, s.staticChannels)
}

// Taxonomy returns the memoized channel taxonomy. Unlike the other lookups it reports
// a failed load, for callers that must tell "unknown" from "empty".
func (s *Service) Taxonomy(ctx context.Context) (ChannelTaxonomy, error) {
	return s.strategy.Taxonomy(ctx)
}

// ResetTaxonomy forces the next strategy resolution to reload the channel taxonomy
func (s *Service) ResetTaxonomy(ctx context.Context) error {
	return s.strategy.Invalidate(ctx)
}

func (s *Service) Identity(ctx context.Context) Identity {
	return s.identity.Current(ctx)
}

// Touch records an interaction, keeping the session alive
func (s *Service) Touch(ctx context.Context) Identity {
	return s.identity.Touch(ctx)
}

func clampSize(size int) int {
	if size <= 0 {
		return DefaultFeedSize
	}
	return min(size, MaxFeedSize)
}

type requestIdentityKey struct{}

// WithRequestIdentity makes feed and headline lookups on ctx use id instead of the
// provider's, e.g. when proxying for a client that keeps its own ids
func WithRequestIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, requestIdentityKey{}, id)
}

func (s *Service) identityFor(ctx context.Context) Identity {
	if id, ok := ctx.Value(requestIdentityKey{}).(Identity); ok {
		return id
	}
	return s.identity.Touch(ctx)
}

func identityQuery(q url.Values, id Identity) {
	q.Set("device_id", id.DeviceID)
	q.Set("user_id", id.UserID)
	q.Set("session_id", id.SessionID)
}

// GetFeed returns one page of the feed. Concurrent identical requests share one upstream call.
func (s *Service) GetFeed(ctx context.Context, opts FeedOptions) FeedPage {
	id := s.identityFor(ctx)

	debug := FeedDebug{Channels: opts.Channels, Hours: opts.Hours, Confidence: clampConfidence(opts.Confidence)}
	if len(opts.Channels) == 0 {
		decision := s.strategy.Resolve(ctx, opts.Confidence, s.staticChannels)
		debug.Strategy = decision.Strategy
		debug.Confidence = decision.Confidence
		debug.Channels = decision.Channels
		if debug.Hours <= 0 {
			debug.Hours = decision.Hours
		}
	}

	q := url.Values{}
	q.Set("size", strconv.Itoa(clampSize(opts.Size)))
	if opts.Sort != "" {
		q.Set("sort", opts.Sort)
	}
	if len(debug.Channels) > 0 {
		q.Set("channels", strings.Join(debug.Channels, ","))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	if debug.Hours > 0 {
		q.Set("hours", strconv.Itoa(debug.Hours))
	}
	identityQuery(q, id)
	key := PathFeed + "?" + q.Encode()

	res, err := s.feedDedup.Do(ctx, key, func(ctx context.Context) (Result[FeedPage], error) {
		return s.feeds.Resolve(ctx, key, func(ctx context.Context) (FeedPage, error) {
			return s.upstream.Feed(ctx, q)
		}, ResolveOptions[FeedPage]{
			TTL:     DefaultFeedTTL,
			Grace:   DefaultFeedGrace,
			Default: FeedPage{Items: []FeedItem{}},
		})
	})
	if err != nil {
		s.logger.WarnContext(ctx, "feed request abandoned", "error", err)
		res = Result[FeedPage]{Value: FeedPage{}, Source: SourceDefault}
	}

	page := res.Value
	page.Items = nonNilItems(page.Items)
	debug.Source = res.Source.String()
	page.Debug = debug
	return page
}

// GetHeadlines returns the current headlines, deduplicated like GetFeed
func (s *Service) GetHeadlines(ctx context.Context, opts HeadlineOptions) HeadlinePage {
	id := s.identityFor(ctx)

	channels := slices.Clone(opts.Channels)
	q := url.Values{}
	q.Set("size", strconv.Itoa(clampSize(opts.Size)))
	if len(channels) > 0 {
		q.Set("channels", strings.Join(channels, ","))
	}
	if opts.Hours > 0 {
		q.Set("hours", strconv.Itoa(opts.Hours))
	}
	identityQuery(q, id)
	key := PathHeadlines + "?" + q.Encode()

	res, err := s.headlineDedup.Do(ctx, key, func(ctx context.Context) (Result[HeadlinePage], error) {
		return s.headlines.Resolve(ctx, key, func(ctx context.Context) (HeadlinePage, error) {
			return s.upstream.Headlines(ctx, q)
		}, ResolveOptions[HeadlinePage]{
			TTL:     DefaultFeedTTL,
			Grace:   DefaultFeedGrace,
			Default: HeadlinePage{Items: []FeedItem{}},
		})
	})
	if err != nil {
		s.logger.WarnContext(ctx, "headline request abandoned", "error", err)
		res = Result[HeadlinePage]{Source: SourceDefault}
	}

	page := res.Value
	page.Items = nonNilItems(page.Items)
	page.Debug = FeedDebug{Source: res.Source.String(), Channels: channels, Hours: opts.Hours}
	return page
}

func nonNilItems(items []FeedItem) []FeedItem {
	if items == nil {
		return []FeedItem{}
	}
	return items
}
