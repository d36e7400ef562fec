package sitefeed

import (
	"context"
	"log/slog"
	"math"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// Strategy is a personalization level, gated by the caller's confidence score
type Strategy string

const (
	StrategyColdStart    Strategy = "cold_start"
	StrategyHybrid       Strategy = "hybrid"
	StrategyPersonalized Strategy = "personalized"
)

const (
	RecommendChannel = "recommend"

	// TaxonomyKey is the cache key the channel taxonomy is stored under
	TaxonomyKey = "channels"

	PersonalizedThreshold = 0.7
	HybridThreshold       = 0.3

	hybridExtraChannels = 2
)

var (
	DefaultTaxonomyTTL   = time.Hour
	DefaultTaxonomyGrace = 24 * time.Hour
)

var errTaxonomyUnavailable = errors.New("channel taxonomy unavailable")

// FeedStrategyDecision is derived per request and never persisted
type FeedStrategyDecision struct {
	Strategy   Strategy `json:"strategy"`
	Channels   []string `json:"channels"`
	Hours      int      `json:"hours"`
	Confidence float64  `json:"confidence"`
}

// failedDecision is served whenever the taxonomy cannot be loaded
func failedDecision() FeedStrategyDecision {
	return FeedStrategyDecision{
		Strategy:   StrategyColdStart,
		Channels:   []string{RecommendChannel},
		Hours:      24,
		Confidence: 0,
	}
}

// StrategyResolver picks a feed strategy from a confidence score and the channel taxonomy.
// The taxonomy is loaded once through the orchestrator and memoized until Invalidate.
type StrategyResolver struct {
	orchestrator *Orchestrator[ChannelTaxonomy]
	fetch        Fetcher[ChannelTaxonomy]
	logger       *slog.Logger
	ttl          time.Duration
	grace        time.Duration

	taxonomy atomic.Pointer[ChannelTaxonomy]
	sfg      singleflight.Group
}

// StrategyOption is a functional option for configuring a StrategyResolver
type StrategyOption func(*StrategyResolver)

func WithStrategyLogger(logger *slog.Logger) StrategyOption {
	return func(r *StrategyResolver) {
		r.logger = logger
	}
}

// WithTaxonomyTTL sets the cache lifetime of a loaded taxonomy
func WithTaxonomyTTL(ttl, grace time.Duration) StrategyOption {
	return func(r *StrategyResolver) {
		r.ttl = ttl
		r.grace = grace
	}
}

func NewStrategyResolver(orchestrator *Orchestrator[ChannelTaxonomy], fetch Fetcher[ChannelTaxonomy], opts ...StrategyOption) *StrategyResolver {
	if orchestrator == nil {
		panic("orchestrator is required")
	}
	if fetch == nil {
		panic(ErrNoFetcher)
	}
	r := &StrategyResolver{
		orchestrator: orchestrator,
		fetch:        fetch,
		logger:       slog.Default(),
		ttl:          DefaultTaxonomyTTL,
		grace:        DefaultTaxonomyGrace,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.ttl <= 0 {
		panic("taxonomy ttl must be positive")
	}
	return r
}

// Resolve never fails: a taxonomy that cannot be loaded yields a cold start on "recommend".
// staticFallbackChannels stand in for the smart feed channels when the taxonomy has none.
func (r *StrategyResolver) Resolve(ctx context.Context, confidence float64, staticFallbackChannels []string) FeedStrategyDecision {
	taxonomy, err := r.Taxonomy(ctx)
	if err != nil {
		r.logger.WarnContext(ctx, "channel taxonomy unavailable, using cold start", "error", err)
		return failedDecision()
	}

	confidence = clampConfidence(confidence)

	smart := taxonomy.SmartFeedChannels
	if len(smart) == 0 {
		smart = dedupeChannels(staticFallbackChannels)
	}
	others := make([]string, 0, len(smart))
	for _, c := range smart {
		if c != RecommendChannel {
			others = append(others, c)
		}
	}

	switch {
	case confidence >= PersonalizedThreshold:
		return FeedStrategyDecision{
			Strategy:   StrategyPersonalized,
			Channels:   []string{RecommendChannel},
			Hours:      72,
			Confidence: confidence,
		}
	case confidence >= HybridThreshold:
		channels := append([]string{RecommendChannel}, others[:min(hybridExtraChannels, len(others))]...)
		return FeedStrategyDecision{
			Strategy:   StrategyHybrid,
			Channels:   channels,
			Hours:      48,
			Confidence: confidence,
		}
	default:
		if len(others) == 0 {
			others = []string{RecommendChannel}
		}
		return FeedStrategyDecision{
			Strategy:   StrategyColdStart,
			Channels:   others,
			Hours:      24,
			Confidence: confidence,
		}
	}
}

func clampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	return min(c, 1)
}

// Taxonomy returns the memoized taxonomy, loading it if needed.
// Concurrent callers share one load; a load that only produced the static default is
// reported as an error and not memoized, so a later call tries again.
func (r *StrategyResolver) Taxonomy(ctx context.Context) (ChannelTaxonomy, error) {
	if t := r.taxonomy.Load(); t != nil {
		return *t, nil
	}

	resChan := r.sfg.DoChan(TaxonomyKey, func() (result any, resultErr error) {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.ErrorContext(ctx, "panic during taxonomy load",
					"panic", rec,
					"stack", string(debug.Stack()))
				resultErr = errors.Errorf("panic during taxonomy load: %v", rec)
			}
		}()

		// re-check: a load may have finished between the fast path and joining the flight
		if t := r.taxonomy.Load(); t != nil {
			return t, nil
		}

		res, err := r.orchestrator.Resolve(context.WithoutCancel(ctx), TaxonomyKey, r.fetch, ResolveOptions[ChannelTaxonomy]{
			TTL:   r.ttl,
			Grace: r.grace,
		})
		if err != nil {
			return nil, err
		}
		if res.Source == SourceDefault {
			return nil, errors.WithStack(errTaxonomyUnavailable)
		}
		t := res.Value.normalized()
		r.taxonomy.Store(&t)
		return &t, nil
	})

	select {
	case <-ctx.Done():
		return ChannelTaxonomy{}, errors.Wrap(ctx.Err(), "context cancelled while loading taxonomy")
	case res := <-resChan:
		if res.Err != nil {
			return ChannelTaxonomy{}, res.Err
		}
		return *res.Val.(*ChannelTaxonomy), nil
	}
}

// Invalidate drops the memoized taxonomy and its cache entry so the next call reloads it
func (r *StrategyResolver) Invalidate(ctx context.Context) error {
	r.taxonomy.Store(nil)
	r.sfg.Forget(TaxonomyKey)
	return r.orchestrator.Store().Invalidate(ctx, TaxonomyKey)
}
