package sitefeed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingServer answers every logical path with the handler registered for it and
// counts upstream hits per path.
type countingServer struct {
	mu       sync.Mutex
	hits     map[string]int
	handlers map[string]http.HandlerFunc
}

func newCountingServer() *countingServer {
	return &countingServer{hits: map[string]int{}, handlers: map[string]http.HandlerFunc{}}
}

func (c *countingServer) handle(path string, h http.HandlerFunc) *countingServer {
	c.handlers[path] = h
	return c
}

func (c *countingServer) count(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits[path]
}

func (c *countingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/")
	c.mu.Lock()
	c.hits[path]++
	h := c.handlers[path]
	c.mu.Unlock()
	if h == nil {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}

func TestServiceSiteConfigOverload(t *testing.T) {
	ctx := context.Background()
	clock := NewMockClock(time.Now())
	defer clock.Install()()

	srv := newCountingServer().handle(PathSiteSettings, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	svc := NewService(newTestUpstream(t, srv))

	cfg := svc.GetSiteConfig(ctx, "example.com", SiteConfigOptions{})
	assert.Equal(t, DefaultSiteConfig("example.com"), cfg)
	assert.Equal(t, 1, srv.count(PathSiteSettings))
	assert.Greater(t, svc.Limiter().CooldownRemaining(), time.Duration(0), "overload was recorded")

	clock.Advance(10 * time.Second)
	cfg = svc.GetSiteConfig(ctx, "example.com", SiteConfigOptions{})
	assert.Equal(t, "example.com", cfg.SiteID)
	assert.Equal(t, 1, srv.count(PathSiteSettings), "no second network attempt within the cooldown")

	t.Run("force refresh still honors the cooldown", func(t *testing.T) {
		svc.GetSiteConfig(ctx, "example.com", SiteConfigOptions{ForceRefresh: true})
		assert.Equal(t, 1, srv.count(PathSiteSettings))
	})
}

func TestServiceSiteConfigCachesAndServesStale(t *testing.T) {
	ctx := context.Background()
	clock := NewMockClock(time.Now())
	defer clock.Install()()

	var failing atomic.Bool
	srv := newCountingServer().handle(PathSiteSettings, func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		writeJSON(w, SiteConfig{SiteID: r.URL.Query().Get("site"), Name: "Example", FeedSize: 12})
	})
	svc := NewService(newTestUpstream(t, srv))

	cfg := svc.GetSiteConfig(ctx, "example.com", SiteConfigOptions{})
	assert.Equal(t, "Example", cfg.Name)
	svc.GetSiteConfig(ctx, "example.com", SiteConfigOptions{})
	assert.Equal(t, 1, srv.count(PathSiteSettings))

	failing.Store(true)
	clock.Advance(DefaultSiteConfigTTL + time.Second)
	cfg = svc.GetSiteConfig(ctx, "example.com", SiteConfigOptions{})
	assert.Equal(t, "Example", cfg.Name, "stale config beats the default")
	assert.Equal(t, 2, srv.count(PathSiteSettings))

	require.NoError(t, svc.InvalidateSite(ctx, "example.com"))
	cfg = svc.GetSiteConfig(ctx, "example.com", SiteConfigOptions{})
	assert.Equal(t, DefaultSiteConfig("example.com"), cfg)

	assert.Equal(t, DefaultSiteConfig(""), svc.GetSiteConfig(ctx, "", SiteConfigOptions{}))
}

func TestServiceFeedDeduplicatesConcurrentCalls(t *testing.T) {
	ctx := context.Background()

	release := make(chan struct{})
	var query atomic.Value
	srv := newCountingServer().handle(PathFeed, func(w http.ResponseWriter, r *http.Request) {
		query.Store(r.URL.Query())
		<-release
		writeJSON(w, FeedPage{Items: []FeedItem{{ID: "1", Title: "First"}}, NextCursor: "c2"})
	})
	svc := NewService(newTestUpstream(t, srv))
	opts := FeedOptions{Size: 10, Sort: "latest", Channels: []string{"news"}}

	const n = 50
	var wg sync.WaitGroup
	pages := make([]FeedPage, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pages[i] = svc.GetFeed(ctx, opts)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, srv.count(PathFeed))
	for _, p := range pages {
		require.Len(t, p.Items, 1)
		assert.Equal(t, "c2", p.NextCursor)
	}

	id := svc.Identity(ctx)
	q := query.Load().(url.Values)
	assert.Equal(t, "10", q.Get("size"))
	assert.Equal(t, "latest", q.Get("sort"))
	assert.Equal(t, "news", q.Get("channels"))
	assert.Equal(t, id.DeviceID, q.Get("device_id"))
	assert.Equal(t, id.UserID, q.Get("user_id"))
	assert.Equal(t, id.SessionID, q.Get("session_id"))
}

func TestServiceFeedBudgetIsPerRequest(t *testing.T) {
	ctx := context.Background()
	clock := NewMockClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	defer clock.Install()()

	srv := newCountingServer().
		handle(PathFeed, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, FeedPage{Items: []FeedItem{{ID: r.URL.Query().Get("device_id")}}})
		}).
		handle(PathHeadlines, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, HeadlinePage{Items: []FeedItem{{ID: "h1"}}})
		})
	svc := NewService(newTestUpstream(t, srv), WithLimiter(NewRateLimiter(WithMaxPerMinute(30))))

	// one service behind the proxy answers many clients within the same minute
	const clients = 35
	for i := 0; i < clients; i++ {
		clientCtx := WithRequestIdentity(ctx, Identity{
			DeviceID:  fmt.Sprintf("device-%d", i),
			UserID:    fmt.Sprintf("user-%d", i),
			SessionID: fmt.Sprintf("session-%d", i),
		})

		page := svc.GetFeed(clientCtx, FeedOptions{Channels: []string{"news"}})
		assert.Equal(t, "live", page.Debug.Source, "client %d", i)
		require.Len(t, page.Items, 1)
		assert.Equal(t, fmt.Sprintf("device-%d", i), page.Items[0].ID)

		headlines := svc.GetHeadlines(clientCtx, HeadlineOptions{})
		assert.Equal(t, "live", headlines.Debug.Source, "client %d", i)
	}
	assert.Equal(t, clients, srv.count(PathFeed))
	assert.Equal(t, clients, srv.count(PathHeadlines))
}

func TestServiceFeedUsesStrategy(t *testing.T) {
	ctx := context.Background()

	var channels atomic.Value
	srv := newCountingServer().
		handle(PathChannels, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, testTaxonomy)
		}).
		handle(PathFeed, func(w http.ResponseWriter, r *http.Request) {
			channels.Store(r.URL.Query().Get("channels") + "/" + r.URL.Query().Get("hours"))
			writeJSON(w, FeedPage{})
		})
	svc := NewService(newTestUpstream(t, srv))

	page := svc.GetFeed(ctx, FeedOptions{Confidence: 0.5})
	assert.Equal(t, "recommend,news,tech/48", channels.Load())
	assert.Equal(t, StrategyHybrid, page.Debug.Strategy)
	assert.Equal(t, "live", page.Debug.Source)
	assert.Equal(t, 48, page.Debug.Hours)
	assert.NotNil(t, page.Items)

	page = svc.GetFeed(ctx, FeedOptions{Confidence: 0.5})
	assert.Equal(t, "fresh", page.Debug.Source)

	decision := svc.GetPersonalizedChannels(ctx, 0.9)
	assert.Equal(t, StrategyPersonalized, decision.Strategy)
	assert.Equal(t, 1, srv.count(PathChannels))

	require.NoError(t, svc.ResetTaxonomy(ctx))
	svc.GetPersonalizedChannels(ctx, 0.9)
	assert.Equal(t, 2, srv.count(PathChannels))
}

func TestServiceFeedDegrades(t *testing.T) {
	ctx := context.Background()
	srv := newCountingServer().handle(PathFeed, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	svc := NewService(newTestUpstream(t, srv))

	page := svc.GetFeed(ctx, FeedOptions{})
	assert.Equal(t, "default", page.Debug.Source)
	assert.Equal(t, StrategyColdStart, page.Debug.Strategy, "taxonomy is unreachable too")
	assert.Equal(t, []string{RecommendChannel}, page.Debug.Channels)
	assert.Empty(t, page.Items)
	assert.NotNil(t, page.Items)

	headlines := svc.GetHeadlines(ctx, HeadlineOptions{Channels: []string{"news"}})
	assert.Equal(t, "default", headlines.Debug.Source)
	assert.NotNil(t, headlines.Items)
}

func TestServiceHeadlines(t *testing.T) {
	ctx := context.Background()
	srv := newCountingServer().handle(PathHeadlines, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("size"))
		writeJSON(w, HeadlinePage{Items: []FeedItem{{ID: "h1"}, {ID: "h2"}}})
	})
	svc := NewService(newTestUpstream(t, srv))

	page := svc.GetHeadlines(ctx, HeadlineOptions{Size: 5, Hours: 6})
	assert.Len(t, page.Items, 2)
	assert.Equal(t, "live", page.Debug.Source)
	assert.Equal(t, 6, page.Debug.Hours)
}

func TestServiceTouchKeepsSession(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newTestUpstream(t, newCountingServer()))

	first := svc.Touch(ctx)
	assert.Equal(t, first.SessionID, svc.Touch(ctx).SessionID)
	assert.Equal(t, first.DeviceID, svc.Identity(ctx).DeviceID)
}
