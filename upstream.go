package sitefeed

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Logical upstream paths, rewritten per execution context by Endpoints.Build
const (
	PathSiteSettings = "site-settings"
	PathFeed         = "feed"
	PathHeadlines    = "headlines"
	PathChannels     = "channels"
)

const maxErrorBody = 512

// Upstream is the set of remote calls the Service depends on
type Upstream interface {
	SiteSettings(ctx context.Context, siteID string) (SiteConfig, error)
	Feed(ctx context.Context, query url.Values) (FeedPage, error)
	Headlines(ctx context.Context, query url.Values) (HeadlinePage, error)
	Channels(ctx context.Context) (ChannelTaxonomy, error)
}

// HTTPUpstream talks JSON over HTTP to the content services.
// A 429 becomes *ErrOverload and any other non-2xx becomes *ErrUpstreamStatus.
type HTTPUpstream struct {
	http      *http.Client
	endpoints Endpoints
	detect    func(context.Context) ExecutionContext
}

var _ Upstream = &HTTPUpstream{}

type UpstreamOption func(*HTTPUpstream)

// WithHTTPClient replaces the default client, whose transport is instrumented with otelhttp
func WithHTTPClient(client *http.Client) UpstreamOption {
	return func(u *HTTPUpstream) {
		u.http = client
	}
}

// WithUpstreamContextDetector replaces DetectExecutionContext
func WithUpstreamContextDetector(detect func(context.Context) ExecutionContext) UpstreamOption {
	return func(u *HTTPUpstream) {
		u.detect = detect
	}
}

func NewHTTPUpstream(endpoints Endpoints, opts ...UpstreamOption) (*HTTPUpstream, error) {
	if err := endpoints.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid endpoints")
	}
	u := &HTTPUpstream{
		http:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		endpoints: endpoints,
		detect:    DetectExecutionContext,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

func (u *HTTPUpstream) SiteSettings(ctx context.Context, siteID string) (SiteConfig, error) {
	var cfg SiteConfig
	err := u.getJSON(ctx, PathSiteSettings, url.Values{"site": {siteID}}, &cfg)
	if err == nil && cfg.SiteID == "" {
		cfg.SiteID = siteID
	}
	return cfg, err
}

func (u *HTTPUpstream) Feed(ctx context.Context, query url.Values) (FeedPage, error) {
	var page FeedPage
	err := u.getJSON(ctx, PathFeed, query, &page)
	return page, err
}

func (u *HTTPUpstream) Headlines(ctx context.Context, query url.Values) (HeadlinePage, error) {
	var page HeadlinePage
	err := u.getJSON(ctx, PathHeadlines, query, &page)
	return page, err
}

func (u *HTTPUpstream) Channels(ctx context.Context) (ChannelTaxonomy, error) {
	var taxonomy ChannelTaxonomy
	err := u.getJSON(ctx, PathChannels, nil, &taxonomy)
	return taxonomy, err
}

func (u *HTTPUpstream) getJSON(ctx context.Context, logicalPath string, query url.Values, out any) error {
	target := u.endpoints.Build(u.detect(ctx), logicalPath, query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to build request for %s", logicalPath)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := u.http.Do(req)
	if err != nil {
		upstreamDuration.WithLabelValues(logicalPath, "error").Observe(time.Since(start).Seconds())
		return errors.Wrapf(err, "GET %s", logicalPath)
	}
	defer resp.Body.Close()
	upstreamDuration.WithLabelValues(logicalPath, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return errors.WithStack(&ErrOverload{
			Endpoint:   logicalPath,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), NowFunc()),
		})
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return errors.WithStack(&ErrUpstreamStatus{
			Endpoint:   logicalPath,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(b)),
		})
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "failed to decode %s response", logicalPath)
	}
	return nil
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
