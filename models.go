package sitefeed

import (
	"slices"
	"time"
)

// SiteConfig is the slowly-changing per-site configuration served by /api/site-settings
type SiteConfig struct {
	SiteID       string            `json:"siteId"`
	Name         string            `json:"name"`
	Locale       string            `json:"locale,omitempty"`
	Theme        map[string]string `json:"theme,omitempty"`
	Features     map[string]bool   `json:"features,omitempty"`
	FeedChannels []string          `json:"feedChannels,omitempty"`
	FeedSize     int               `json:"feedSize,omitempty"`
	UpdatedAt    time.Time         `json:"updatedAt,omitzero"`
}

// DefaultFeedChannels stand in for the channel taxonomy when nothing better is known
var DefaultFeedChannels = []string{RecommendChannel, "news", "tech", "lifestyle"}

// DefaultSiteConfig is served when a site's configuration has never been fetched successfully
func DefaultSiteConfig(siteID string) SiteConfig {
	return SiteConfig{
		SiteID:       siteID,
		Name:         siteID,
		Locale:       "en",
		Features:     map[string]bool{},
		FeedChannels: slices.Clone(DefaultFeedChannels),
		FeedSize:     20,
	}
}

type FeedItem struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Channel     string    `json:"channel,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	PublishedAt time.Time `json:"publishedAt,omitzero"`
	Score       float64   `json:"score,omitempty"`
}

// FeedDebug explains how a page was produced. Degraded answers are visible only here.
type FeedDebug struct {
	Strategy   Strategy `json:"strategy,omitempty"`
	Source     string   `json:"source"`
	Confidence float64  `json:"confidence"`
	Hours      int      `json:"hours,omitempty"`
	Channels   []string `json:"channels,omitempty"`
}

type FeedPage struct {
	Items      []FeedItem `json:"items"`
	NextCursor string     `json:"nextCursor,omitempty"`
	Debug      FeedDebug  `json:"debug"`
}

type HeadlinePage struct {
	Items []FeedItem `json:"items"`
	Debug FeedDebug  `json:"debug"`
}

// ChannelTaxonomy groups the channels the feed upstream knows about.
// Each list is ordered and free of duplicates.
type ChannelTaxonomy struct {
	SmartFeedChannels   []string `json:"smartFeedChannels"`
	TraditionalChannels []string `json:"traditionalChannels"`
	HybridChannels      []string `json:"hybridChannels"`
}

// normalized returns a copy with empty and repeated channel names dropped
func (t ChannelTaxonomy) normalized() ChannelTaxonomy {
	return ChannelTaxonomy{
		SmartFeedChannels:   dedupeChannels(t.SmartFeedChannels),
		TraditionalChannels: dedupeChannels(t.TraditionalChannels),
		HybridChannels:      dedupeChannels(t.HybridChannels),
	}
}

func dedupeChannels(channels []string) []string {
	out := make([]string, 0, len(channels))
	seen := make(map[string]struct{}, len(channels))
	for _, c := range channels {
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
