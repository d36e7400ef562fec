package sitefeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxyHandler(t *testing.T) {
	var feedQuery atomic.Value
	upstream := newCountingServer().
		handle(PathSiteSettings, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, SiteConfig{SiteID: r.URL.Query().Get("site"), Name: "Example"})
		}).
		handle(PathFeed, func(w http.ResponseWriter, r *http.Request) {
			feedQuery.Store(r.URL.Query())
			writeJSON(w, FeedPage{Items: []FeedItem{{ID: "1"}}})
		}).
		handle(PathHeadlines, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, HeadlinePage{Items: []FeedItem{{ID: "h1"}}})
		}).
		handle(PathChannels, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, testTaxonomy)
		})

	svc := NewService(newTestUpstream(t, upstream))
	proxy := httptest.NewServer(NewProxyHandler(svc, "/site/", nil))
	t.Cleanup(proxy.Close)

	get := func(t *testing.T, path string, out any) *http.Response {
		t.Helper()
		resp, err := http.Get(proxy.URL + path)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		if out != nil && resp.StatusCode == http.StatusOK {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
		}
		return resp
	}

	t.Run("site settings", func(t *testing.T) {
		var cfg SiteConfig
		resp := get(t, "/api/site/site-settings?site=example.com", &cfg)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "Example", cfg.Name)

		resp = get(t, "/api/site/site-settings", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("feed forwards the client's identity", func(t *testing.T) {
		var page FeedPage
		resp := get(t, "/api/site/feed?size=5&channels=news,+tech,news&device_id=d1&user_id=u1&session_id=s1", &page)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Len(t, page.Items, 1)
		assert.Equal(t, "live", page.Debug.Source)
		assert.Equal(t, []string{"news", "tech"}, page.Debug.Channels)

		q := feedQuery.Load().(url.Values)
		assert.Equal(t, "d1", q.Get("device_id"))
		assert.Equal(t, "u1", q.Get("user_id"))
		assert.Equal(t, "s1", q.Get("session_id"))
		assert.Equal(t, "news,tech", q.Get("channels"))
	})

	t.Run("headlines", func(t *testing.T) {
		var page HeadlinePage
		get(t, "/api/site/headlines?hours=6", &page)
		assert.Len(t, page.Items, 1)
		assert.Equal(t, 6, page.Debug.Hours)
	})

	t.Run("channels", func(t *testing.T) {
		var taxonomy ChannelTaxonomy
		resp := get(t, "/api/site/channels", &taxonomy)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, testTaxonomy, taxonomy)
	})

	t.Run("mediated upstream consumes the proxy", func(t *testing.T) {
		mediated, err := NewHTTPUpstream(Endpoints{
			InternalOrigin: "http://internal.invalid",
			PublicOrigin:   proxy.URL,
			ProxyPrefix:    "site",
		})
		require.NoError(t, err)

		ctx := WithExecutionContext(context.Background(), Mediated)
		cfg, err := mediated.SiteSettings(ctx, "example.com")
		require.NoError(t, err)
		assert.Equal(t, "Example", cfg.Name)

		taxonomy, err := mediated.Channels(ctx)
		require.NoError(t, err)
		assert.Equal(t, testTaxonomy, taxonomy)
	})
}

func TestProxyHandlerChannelsUnavailable(t *testing.T) {
	svc := NewService(newTestUpstream(t, newCountingServer()))
	rec := httptest.NewRecorder()
	NewProxyHandler(svc, "site", nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/site/channels", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	NewProxyHandler(svc, "site", nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
