package sitefeed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewProxyHandler serves the mediated paths /api/<prefix>/site-settings|feed|headlines|channels
// from svc, so mediated clients are answered without learning the internal origin.
// Responses mirror the upstream's so an HTTPUpstream in mediated mode can consume them.
func NewProxyHandler(svc *Service, prefix string, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &proxyHandler{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api/"+strings.Trim(prefix, "/"), func(r chi.Router) {
		r.Get("/"+PathSiteSettings, h.siteSettings)
		r.Get("/"+PathFeed, h.feed)
		r.Get("/"+PathHeadlines, h.headlines)
		r.Get("/"+PathChannels, h.channels)
	})
	return r
}

type proxyHandler struct {
	svc    *Service
	logger *slog.Logger
}

func (h *proxyHandler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WarnContext(r.Context(), "failed to write response", "path", r.URL.Path, "error", err)
	}
}

func (h *proxyHandler) siteSettings(w http.ResponseWriter, r *http.Request) {
	siteID := r.URL.Query().Get("site")
	if siteID == "" {
		http.Error(w, "missing site", http.StatusBadRequest)
		return
	}
	h.writeJSON(w, r, http.StatusOK, h.svc.GetSiteConfig(r.Context(), siteID, SiteConfigOptions{}))
}

func (h *proxyHandler) feed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := FeedOptions{
		Size:       queryInt(q.Get("size")),
		Sort:       q.Get("sort"),
		Channels:   splitChannels(q.Get("channels")),
		Cursor:     q.Get("cursor"),
		Hours:      queryInt(q.Get("hours")),
		Confidence: queryFloat(q.Get("confidence")),
	}
	h.writeJSON(w, r, http.StatusOK, h.svc.GetFeed(h.requestContext(r), opts))
}

func (h *proxyHandler) headlines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := HeadlineOptions{
		Size:     queryInt(q.Get("size")),
		Channels: splitChannels(q.Get("channels")),
		Hours:    queryInt(q.Get("hours")),
	}
	h.writeJSON(w, r, http.StatusOK, h.svc.GetHeadlines(h.requestContext(r), opts))
}

// channels answers 503 when the taxonomy is unknown, so the caller falls back on its own
func (h *proxyHandler) channels(w http.ResponseWriter, r *http.Request) {
	taxonomy, err := h.svc.Taxonomy(r.Context())
	if err != nil {
		h.logger.WarnContext(r.Context(), "channel taxonomy unavailable", "error", err)
		http.Error(w, "channel taxonomy unavailable", http.StatusServiceUnavailable)
		return
	}
	h.writeJSON(w, r, http.StatusOK, taxonomy)
}

// requestContext forwards the client's own ids when it sent a complete set
func (h *proxyHandler) requestContext(r *http.Request) context.Context {
	q := r.URL.Query()
	id := Identity{
		DeviceID:  q.Get("device_id"),
		UserID:    q.Get("user_id"),
		SessionID: q.Get("session_id"),
	}
	if id.DeviceID == "" || id.UserID == "" || id.SessionID == "" {
		return r.Context()
	}
	return WithRequestIdentity(r.Context(), id)
}

func splitChannels(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return dedupeChannels(parts)
}

func queryInt(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func queryFloat(v string) float64 {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}
