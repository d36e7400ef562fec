package sitefeed

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	DefaultDirectTimeout   = 3 * time.Second
	DefaultMediatedTimeout = 8 * time.Second
	DefaultFallbackTTL     = 30 * time.Second
	NowFunc                = time.Now
)

// Source names the fallback tier that produced a resolved value
type Source int8

const (
	SourceFresh   Source = iota // fresh cache hit
	SourceLive                  // successful live fetch
	SourceStale                 // stale entry served after the live tier was skipped or failed
	SourceDefault               // static default, possibly cached from an earlier failure
)

func (s Source) String() string {
	switch s {
	case SourceFresh:
		return "fresh"
	case SourceLive:
		return "live"
	case SourceStale:
		return "stale"
	default:
		return "default"
	}
}

// Result is a resolved value and the tier it came from
type Result[T any] struct {
	Value  T
	Source Source
}

// ResolveOptions controls one resolution
type ResolveOptions[T any] struct {
	// Timeout bounds the live fetch. Zero picks the execution context default.
	Timeout time.Duration

	// TTL and Grace stamp the entry written after a successful fetch
	TTL   time.Duration
	Grace time.Duration

	// ForceRefresh skips the fresh cache tier
	ForceRefresh bool

	// Default is served when neither the live fetch nor the cache can answer
	Default T

	// DefaultTTL is how long a served default is cached before the next attempt.
	// Zero uses the orchestrator's fallback TTL.
	DefaultTTL time.Duration

	// LimitKey selects the rate limit window. Empty uses the cache key.
	LimitKey string
}

// Orchestrator resolves keys through the tiers fresh cache -> live fetch -> stale cache -> default.
// Upstream failures never reach the caller: a stale or default answer beats blocking.
type Orchestrator[T any] struct {
	store   *Store[T]
	limiter *RateLimiter
	logger  *slog.Logger

	directTimeout   time.Duration
	mediatedTimeout time.Duration
	fallbackTTL     time.Duration
	detect          func(context.Context) ExecutionContext
}

// OrchestratorOption is a functional option for configuring an Orchestrator
type OrchestratorOption[T any] func(*Orchestrator[T])

// WithLogger sets the logger for the orchestrator.
// If not set, slog.Default() is used.
func WithLogger[T any](logger *slog.Logger) OrchestratorOption[T] {
	return func(o *Orchestrator[T]) {
		o.logger = logger
	}
}

// WithTimeouts sets the default live fetch timeouts. Mediated calls cross an extra hop
// and usually get the longer one.
func WithTimeouts[T any](direct, mediated time.Duration) OrchestratorOption[T] {
	return func(o *Orchestrator[T]) {
		o.directTimeout = direct
		o.mediatedTimeout = mediated
	}
}

// WithFallbackTTL sets how long served defaults are cached when ResolveOptions.DefaultTTL is zero
func WithFallbackTTL[T any](ttl time.Duration) OrchestratorOption[T] {
	return func(o *Orchestrator[T]) {
		o.fallbackTTL = ttl
	}
}

// WithContextDetector replaces DetectExecutionContext
func WithContextDetector[T any](detect func(context.Context) ExecutionContext) OrchestratorOption[T] {
	return func(o *Orchestrator[T]) {
		o.detect = detect
	}
}

// NewOrchestrator creates an orchestrator over store, admitting live fetches through limiter
func NewOrchestrator[T any](store *Store[T], limiter *RateLimiter, opts ...OrchestratorOption[T]) *Orchestrator[T] {
	if store == nil {
		panic("store is required")
	}
	if limiter == nil {
		panic("limiter is required")
	}

	o := &Orchestrator[T]{
		store:           store,
		limiter:         limiter,
		logger:          slog.Default(),
		directTimeout:   DefaultDirectTimeout,
		mediatedTimeout: DefaultMediatedTimeout,
		fallbackTTL:     DefaultFallbackTTL,
		detect:          DetectExecutionContext,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.directTimeout <= 0 || o.mediatedTimeout <= 0 {
		panic("fetch timeouts must be positive")
	}
	if o.fallbackTTL <= 0 {
		panic("fallbackTTL must be positive")
	}
	return o
}

// Store exposes the underlying store for invalidation
func (o *Orchestrator[T]) Store() *Store[T] {
	return o.store
}

// Resolve returns the best available value for key. The error is non-nil only for
// programming errors (nil fetcher, empty key); upstream trouble degrades the Source instead.
func (o *Orchestrator[T]) Resolve(ctx context.Context, key string, fetch Fetcher[T], opts ResolveOptions[T]) (Result[T], error) {
	if fetch == nil {
		return Result[T]{}, errors.Wrapf(ErrNoFetcher, "resolve %s", key)
	}
	if key == "" {
		return Result[T]{}, errors.WithStack(ErrInvalidKey)
	}

	if !opts.ForceRefresh {
		if entry, state := o.store.Lookup(ctx, key); state == StateFresh {
			return o.done(entry.Data, sourceOf(entry, StateFresh)), nil
		}
	}

	limitKey := opts.LimitKey
	if limitKey == "" {
		limitKey = key
	}

	if o.limiter.TryAcquire(limitKey) {
		value, err := o.fetch(ctx, key, fetch, o.timeout(ctx, opts.Timeout))
		if err == nil {
			// the write is decided: a caller going away must not tear it
			if err := o.store.Set(context.WithoutCancel(ctx), key, value, opts.TTL, opts.Grace); err != nil {
				o.logger.WarnContext(ctx, "failed to cache fetched value", "key", key, "error", err)
			}
			return o.done(value, SourceLive), nil
		}
		var overload *ErrOverload
		if errors.As(err, &overload) {
			o.limiter.RecordOverload(overload.RetryAfter)
		}
		o.logger.WarnContext(ctx, "live fetch failed, falling back", "key", key, "error", err)
	} else {
		o.logger.DebugContext(ctx, "live fetch skipped by rate limiter", "key", key, "cooldown", o.limiter.CooldownRemaining())
	}

	// fallback tiers run even if the caller has gone away so it still gets an answer
	fallbackCtx := context.WithoutCancel(ctx)

	if entry, state := o.store.Restamp(fallbackCtx, key); entry != nil {
		return o.done(entry.Data, sourceOf(entry, state)), nil
	}

	ttl := opts.DefaultTTL
	if ttl <= 0 {
		ttl = o.fallbackTTL
	}
	if err := o.store.SetFallback(fallbackCtx, key, opts.Default, ttl); err != nil {
		o.logger.WarnContext(ctx, "failed to cache default value", "key", key, "error", err)
	}
	return o.done(opts.Default, SourceDefault), nil
}

func sourceOf[T any](entry *Entry[T], state State) Source {
	if entry.Fallback {
		return SourceDefault
	}
	if state == StateFresh {
		return SourceFresh
	}
	return SourceStale
}

func (o *Orchestrator[T]) done(value T, source Source) Result[T] {
	resolveTotal.WithLabelValues(source.String()).Inc()
	return Result[T]{Value: value, Source: source}
}

func (o *Orchestrator[T]) timeout(ctx context.Context, requested time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}
	if o.detect(ctx) == Mediated {
		return o.mediatedTimeout
	}
	return o.directTimeout
}

var errFetchPanic = errors.New("panic during upstream fetch")

type fetchResult[T any] struct {
	value T
	err   error
}

// fetch runs the fetcher under a timeout. It returns when the timeout fires even if
// the fetcher ignores its context, so the fallback tiers are always reached in bounded time.
func (o *Orchestrator[T]) fetch(ctx context.Context, key string, fetch Fetcher[T], timeout time.Duration) (T, error) {
	var zero T

	ctx, span := tracer.Start(ctx, "sitefeed.fetch", trace.WithAttributes(
		attribute.String("sitefeed.key", key),
		attribute.String("sitefeed.execution_context", o.detect(ctx).String()),
	))
	defer span.End()

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resChan := make(chan fetchResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.logger.ErrorContext(ctx, "panic during upstream fetch",
					"key", key,
					"panic", r,
					"stack", string(debug.Stack()))
				resChan <- fetchResult[T]{err: errors.Wrapf(errFetchPanic, "%v", r)}
			}
		}()
		value, err := fetch(fetchCtx)
		resChan <- fetchResult[T]{value: value, err: err}
	}()

	var res fetchResult[T]
	select {
	case <-fetchCtx.Done():
		res.err = errors.Wrapf(fetchCtx.Err(), "fetch for key %s gave up after %s", key, timeout)
	case res = <-resChan:
	}

	if res.err != nil {
		switch {
		case errors.Is(res.err, errFetchPanic):
			fetchFailures.WithLabelValues("panic").Inc()
		case IsOverload(res.err):
			fetchFailures.WithLabelValues("overload").Inc()
		case errors.Is(res.err, context.DeadlineExceeded):
			fetchFailures.WithLabelValues("timeout").Inc()
		default:
			fetchFailures.WithLabelValues("error").Inc()
		}
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		return zero, res.err
	}
	return res.value, nil
}
