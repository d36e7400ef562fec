package sitefeed

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.InternalOrigin)
	assert.Equal(t, "site", cfg.ProxyPrefix)
	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, 30, cfg.MaxPerMinute)
	assert.Equal(t, 30*time.Second, cfg.BaseCooldown)
	assert.Equal(t, 5*time.Minute, cfg.MaxCooldown)
	assert.Equal(t, 3*time.Second, cfg.DirectTimeout)
	assert.Equal(t, 8*time.Second, cfg.MediatedTimeout)
	assert.Equal(t, 30*time.Minute, cfg.SessionTimeout)
	assert.Equal(t, []string{"recommend", "news", "tech", "lifestyle"}, cfg.StaticChannels)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.Equal(t, Direct, cfg.ExecutionContext())
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := loadConfig(map[string]string{
		"SITEFEED_INTERNAL_ORIGIN": "http://content.internal:9000",
		"SITEFEED_PUBLIC_ORIGIN":   "https://www.example.com",
		"SITEFEED_CACHE_BACKEND":   "redis",
		"SITEFEED_MAX_PER_MINUTE":  "10",
		"SITEFEED_MAX_COOLDOWN":    "2m",
		"SITEFEED_STATIC_CHANNELS": "local,weather",
		"SITEFEED_LOG_LEVEL":       "debug",
		"SITEFEED_MEDIATED":        "true",
	})
	require.NoError(t, err)

	assert.Equal(t, "http://content.internal:9000", cfg.InternalOrigin)
	assert.Equal(t, BackendRedis, cfg.Backend)
	assert.Equal(t, 10, cfg.MaxPerMinute)
	assert.Equal(t, 2*time.Minute, cfg.MaxCooldown)
	assert.Equal(t, []string{"local", "weather"}, cfg.StaticChannels)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, Mediated, cfg.ExecutionContext())
	assert.Equal(t, "https://www.example.com/api/site/feed", cfg.Endpoints().Build(Mediated, PathFeed, nil))
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := map[string]map[string]string{
		"unknown backend":    {"SITEFEED_CACHE_BACKEND": "memcached"},
		"relative origin":    {"SITEFEED_INTERNAL_ORIGIN": "content.internal"},
		"zero budget":        {"SITEFEED_MAX_PER_MINUTE": "0"},
		"inverted cooldown":  {"SITEFEED_BASE_COOLDOWN": "10m", "SITEFEED_MAX_COOLDOWN": "1m"},
		"malformed duration": {"SITEFEED_DIRECT_TIMEOUT": "soon"},
		"empty proxy prefix": {"SITEFEED_PROXY_PREFIX": "/"},
		"mediated, no proxy": {"SITEFEED_MEDIATED": "true"},
	}
	for name, environment := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := loadConfig(environment)
			assert.Error(t, err)
		})
	}
}

func TestNewServiceFromConfigBackends(t *testing.T) {
	upstream := newCountingServer().handle(PathSiteSettings, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, SiteConfig{SiteID: r.URL.Query().Get("site"), Name: "Example"})
	})
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)

	tests := map[string]map[string]string{
		BackendMemory:    {},
		BackendRistretto: {},
		BackendBigCache:  {},
		BackendRedis:     {"SITEFEED_REDIS_ADDR": mr.Addr()},
		BackendSQL:       {"SITEFEED_SQL_DSN": filepath.Join(t.TempDir(), "sitefeed.db")},
	}
	for backend, environment := range tests {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			environment["SITEFEED_INTERNAL_ORIGIN"] = srv.URL
			environment["SITEFEED_CACHE_BACKEND"] = backend
			cfg, err := loadConfig(environment)
			require.NoError(t, err)

			svc, closeFn, err := NewServiceFromConfig(ctx, cfg, nil)
			require.NoError(t, err)
			t.Cleanup(func() { assert.NoError(t, closeFn()) })

			before := upstream.count(PathSiteSettings)
			assert.Equal(t, "Example", svc.GetSiteConfig(ctx, backend+".example.com", SiteConfigOptions{}).Name)
			assert.Equal(t, "Example", svc.GetSiteConfig(ctx, backend+".example.com", SiteConfigOptions{}).Name)
			assert.Equal(t, before+1, upstream.count(PathSiteSettings), "second lookup is served by the %s backend", backend)

			id := svc.Touch(ctx)
			assert.Equal(t, id.DeviceID, svc.Identity(ctx).DeviceID)
		})
	}

	t.Run("unreachable redis", func(t *testing.T) {
		cfg, err := loadConfig(map[string]string{
			"SITEFEED_CACHE_BACKEND": BackendRedis,
			"SITEFEED_REDIS_ADDR":    "127.0.0.1:1",
		})
		require.NoError(t, err)
		_, _, err = NewServiceFromConfig(context.Background(), cfg, nil)
		assert.ErrorContains(t, err, "failed to reach redis")
	})
}

func TestBackendSetClose(t *testing.T) {
	var order []string
	closer := func(name string, err error) func() error {
		return func() error {
			order = append(order, name)
			return err
		}
	}
	set := &backendSet{closers: []func() error{
		closer("db", nil),
		closer("sites", errors.New("sites busy")),
		closer("feeds", errors.New("feeds busy")),
	}}

	assert.EqualError(t, set.Close(), "feeds busy")
	assert.Equal(t, []string{"feeds", "sites", "db"}, order, "every closer runs, newest first")
	assert.NoError(t, set.Close(), "closing twice is a no-op")
}

func TestBuildBackendsReleasesOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readonly.db")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	cfg, err := loadConfig(map[string]string{
		"SITEFEED_CACHE_BACKEND": BackendSQL,
		"SITEFEED_SQL_DSN":       "file:" + path + "?mode=ro",
	})
	require.NoError(t, err)

	set, err := buildBackends(context.Background(), cfg)
	assert.ErrorContains(t, err, "failed to migrate")
	assert.Nil(t, set)

	_, _, err = NewServiceFromConfig(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "failed to build sql backend")
}
