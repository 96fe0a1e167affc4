package sources

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/sync/errgroup"

	"skimmerwatch/internal/types"
)

const feedFetchConcurrency = 4

type FeedInputConfig struct {
	Name      string
	Processor string
	FeedURLs  []string
	// OPML is a file path or URL of a subscription list, re-read on every
	// poll and merged with FeedURLs.
	OPML     string
	MaxItems int
	Timeout  time.Duration
	Logger   *slog.Logger
}

// FeedInput turns RSS/Atom feeds of suspicious sites into page URLs for a
// producer.
type FeedInput struct {
	name      string
	feedURLs  []string
	opml      string
	client    *http.Client
	maxItems  int
	processor string
	now       func() time.Time
	logger    *slog.Logger
}

func NewFeedInput(cfg FeedInputConfig) (*FeedInput, error) {
	if len(cfg.FeedURLs) == 0 && cfg.OPML == "" {
		return nil, types.Configurationf("feed input %s: feed_url or opml is required", cfg.Name)
	}
	if cfg.MaxItems == 0 {
		cfg.MaxItems = 50
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &FeedInput{
		name:      cfg.Name,
		feedURLs:  cfg.FeedURLs,
		opml:      cfg.OPML,
		client:    &http.Client{Timeout: cfg.Timeout},
		maxItems:  cfg.MaxItems,
		processor: cfg.Processor,
		now:       time.Now,
		logger:    cfg.Logger.With("input", cfg.Name),
	}, nil
}

func (f *FeedInput) Name() string {
	return f.name
}

func (f *FeedInput) Processor() string {
	return f.processor
}

func (f *FeedInput) feeds(ctx context.Context) []string {
	urls := append([]string(nil), f.feedURLs...)
	if f.opml == "" {
		return urls
	}

	listed, err := LoadOPML(ctx, f.opml, f.client)
	if err != nil {
		f.logger.Warn("Skipping OPML list", "opml", f.opml, "error", err)
		return urls
	}
	return append(urls, listed...)
}

// Poll returns the links of every feed newest first, each link once. since
// is not applied here; the producer's watermark handles it. A feed that
// fails is skipped; Poll fails only when every feed does.
func (f *FeedInput) Poll(ctx context.Context, _ time.Time) ([]types.SearchHit, error) {
	urls := f.feeds(ctx)
	if len(urls) == 0 {
		return nil, fmt.Errorf("feed input %s has no feeds", f.name)
	}

	f.logger.Debug("Feed input fetching", "feeds", len(urls))

	results := make([][]types.SearchHit, len(urls))
	failures := make([]error, len(urls))

	var g errgroup.Group
	g.SetLimit(feedFetchConcurrency)
	for i, feedURL := range urls {
		g.Go(func() error {
			results[i], failures[i] = f.fetch(ctx, feedURL)
			if failures[i] != nil {
				f.logger.Warn("Feed fetch failed", "feed_url", feedURL, "error", failures[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	newest := make(map[string]types.SearchHit)
	failed := 0
	for i := range urls {
		if failures[i] != nil {
			failed++
			continue
		}
		for _, hit := range results[i] {
			if prev, ok := newest[hit.Ref]; !ok || hit.Time.After(prev.Time) {
				newest[hit.Ref] = hit
			}
		}
	}
	if failed == len(urls) {
		return nil, fmt.Errorf("failed to parse feed: %w", failures[0])
	}

	hits := make([]types.SearchHit, 0, len(newest))
	for _, hit := range newest {
		hits = append(hits, hit)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Time.Equal(hits[j].Time) {
			return hits[i].Ref < hits[j].Ref
		}
		return hits[i].Time.After(hits[j].Time)
	})

	if len(hits) > f.maxItems {
		hits = hits[:f.maxItems]
	}

	f.logger.Debug("Feed input retrieved items", "count", len(hits))
	return hits, nil
}

func (f *FeedInput) fetch(ctx context.Context, feedURL string) ([]types.SearchHit, error) {
	// gofeed parsers keep per-parse state, so each fetch gets its own.
	parser := gofeed.NewParser()
	parser.Client = f.client

	feed, err := parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, err
	}

	hits := make([]types.SearchHit, 0, len(feed.Items))
	for _, item := range feed.Items {
		link := strings.TrimSpace(item.Link)
		if link == "" {
			continue
		}
		hits = append(hits, types.SearchHit{Ref: link, Time: f.itemTime(item)})
	}
	return hits, nil
}

func (f *FeedInput) itemTime(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed.UTC()
	}
	if item.UpdatedParsed != nil {
		return item.UpdatedParsed.UTC()
	}
	return f.now().UTC()
}
