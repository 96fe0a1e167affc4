package outputs

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/feeds"
	"github.com/microcosm-cc/bluemonday"

	"skimmerwatch/internal/cache"
	"skimmerwatch/internal/config"
	"skimmerwatch/internal/processors/names"
	"skimmerwatch/internal/types"
)

const (
	FeedRSS  = "rss"
	FeedAtom = "atom"
	FeedJSON = "json"
)

type FeedConfig struct {
	Title    string
	Link     string
	FeedSize int
	MaxItems int
	Logger   *slog.Logger
}

type feedEntry struct {
	finding  types.Finding
	received time.Time
}

// FeedOutput keeps the most recent findings in memory and renders them as
// RSS, Atom and JSON feeds.
type FeedOutput struct {
	config   FeedConfig
	mu       sync.RWMutex
	entries  []feedEntry
	version  uint64
	rendered *cache.Cache[string, string]
	policy   *bluemonday.Policy
	now      func() time.Time
	logger   *slog.Logger
}

func NewFeedOutput(cfg FeedConfig) *FeedOutput {
	if cfg.Title == "" {
		cfg.Title = "skimmerwatch findings"
	}
	if cfg.Link == "" {
		cfg.Link = "http://localhost/"
	}
	if cfg.FeedSize == 0 {
		cfg.FeedSize = 100
	}
	if cfg.MaxItems == 0 {
		cfg.MaxItems = 50
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &FeedOutput{
		config:   cfg,
		entries:  make([]feedEntry, 0, cfg.FeedSize),
		rendered: cache.NewCache[string, string](cache.CacheConfig{TTL: time.Hour, Logger: cfg.Logger}, func(k string) string { return k }),
		policy:   bluemonday.StrictPolicy(),
		now:      time.Now,
		logger:   cfg.Logger.With("output", names.FeedOutput),
	}
}

func (o *FeedOutput) Name() string {
	return names.FeedOutput
}

func (o *FeedOutput) Emit(_ context.Context, findings []types.Finding, settings map[string]interface{}) error {
	size := config.GetInt(settings, "feed_size", o.config.FeedSize)
	received := o.now()

	o.mu.Lock()
	for _, f := range findings {
		o.entries = append(o.entries, feedEntry{finding: f, received: received})
	}
	if len(o.entries) > size {
		o.entries = o.entries[len(o.entries)-size:]
	}
	o.version++
	o.mu.Unlock()

	o.rendered.InvalidatePattern("")
	return nil
}

func (o *FeedOutput) Close() error {
	return o.rendered.Close()
}

// Render returns the feed in the given format, reusing the last rendering
// until new findings arrive.
func (o *FeedOutput) Render(format string) (string, error) {
	feed, version := o.buildFeed()
	key := fmt.Sprintf("%d:%s", version, format)
	if cached, ok := o.rendered.Get(key); ok {
		return cached, nil
	}

	var (
		out string
		err error
	)
	switch format {
	case FeedRSS:
		out, err = feed.ToRss()
	case FeedAtom:
		out, err = feed.ToAtom()
	case FeedJSON:
		out, err = feed.ToJSON()
	default:
		return "", fmt.Errorf("unknown feed format %q", format)
	}
	if err != nil {
		return "", fmt.Errorf("failed to render %s feed: %w", format, err)
	}

	o.rendered.Set(key, out)
	return out, nil
}

func (o *FeedOutput) buildFeed() (*feeds.Feed, uint64) {
	o.mu.RLock()
	entries := make([]feedEntry, len(o.entries))
	copy(entries, o.entries)
	version := o.version
	o.mu.RUnlock()

	items := make([]*feeds.Item, 0, min(len(entries), o.config.MaxItems))
	for i := len(entries) - 1; i >= 0 && len(items) < o.config.MaxItems; i-- {
		items = append(items, o.toItem(entries[i]))
	}

	updated := o.now().UTC()
	if len(entries) > 0 {
		updated = entries[len(entries)-1].received.UTC()
	}

	return &feeds.Feed{
		Title:       o.config.Title,
		Link:        &feeds.Link{Href: o.config.Link},
		Description: "Scripts that fired skimmer detection rules",
		Author:      &feeds.Author{Name: "skimmerwatch"},
		Created:     updated,
		Updated:     updated,
		Items:       items,
	}, version
}

func (o *FeedOutput) toItem(e feedEntry) *feeds.Item {
	f := e.finding
	script := o.policy.Sanitize(f.ScriptURL)
	submitted := o.policy.Sanitize(f.SubmittedURL)
	rules := o.policy.Sanitize(strings.Join(f.FiredRules, ", "))

	title := "Skimmer rule hit: " + script
	if submitted != "" {
		title = "Skimmer rule hit on " + submitted
	}

	description := fmt.Sprintf("Script %s fired %s", script, rules)
	if f.ScanReportURL != "" {
		description += ". Report: " + o.policy.Sanitize(f.ScanReportURL)
	}

	link := f.ScanReportURL
	if link == "" {
		link = f.ScriptURL
	}

	return &feeds.Item{
		Id:          f.ContentHash + ":" + f.ScriptURL,
		Title:       title,
		Link:        &feeds.Link{Href: o.policy.Sanitize(link)},
		Description: description,
		Author:      &feeds.Author{Name: "skimmerwatch"},
		Created:     e.received,
	}
}

// Handler serves one feed format over HTTP.
func (o *FeedOutput) Handler(format string) http.HandlerFunc {
	contentTypes := map[string]string{
		FeedRSS:  "application/rss+xml; charset=utf-8",
		FeedAtom: "application/atom+xml; charset=utf-8",
		FeedJSON: "application/feed+json; charset=utf-8",
	}

	return func(w http.ResponseWriter, r *http.Request) {
		out, err := o.Render(format)
		if err != nil {
			o.logger.Error("Failed to render feed", "format", format, "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", contentTypes[format])
		w.Header().Set("Cache-Control", "no-cache")
		fmt.Fprint(w, out)
	}
}
