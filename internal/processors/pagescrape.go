package processors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/goccy/go-json"

	"skimmerwatch/internal/config"
	"skimmerwatch/internal/metrics"
	"skimmerwatch/internal/plugins"
	"skimmerwatch/internal/processors/names"
	"skimmerwatch/internal/types"
	"skimmerwatch/internal/utils"
)

// PageScrapeProcessor fetches submitted pages itself, pulls their external
// scripts and evaluates each one.
type PageScrapeProcessor struct {
	fetcher     *Fetcher
	concurrency int
	logger      *slog.Logger
}

func NewPageScrapeProcessor(fetcher *Fetcher, concurrency int, logger *slog.Logger) *PageScrapeProcessor {
	if fetcher == nil {
		fetcher = NewFetcher(0)
	}
	if concurrency <= 0 {
		concurrency = names.DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PageScrapeProcessor{
		fetcher:     fetcher,
		concurrency: concurrency,
		logger:      logger.With("processor", names.PageScrape),
	}
}

func (p *PageScrapeProcessor) Name() string {
	return names.PageScrape
}

func (p *PageScrapeProcessor) Process(ctx context.Context, data json.RawMessage, settings map[string]interface{}, rules plugins.RuleRunner) ([]types.Finding, error) {
	var pages []string
	if err := json.Unmarshal(data, &pages); err != nil {
		return nil, fmt.Errorf("%w: page batch: %v", types.ErrMalformedItem, err)
	}

	start := time.Now()
	defer func() {
		metrics.ProcessDuration.WithLabelValues(names.PageScrape).Observe(time.Since(start).Seconds())
	}()

	limit := config.GetInt(settings, "concurrency", p.concurrency)

	findings := make([]types.Finding, 0)
	for _, raw := range pages {
		if ctx.Err() != nil {
			break
		}

		page := NormalizeURL(raw)
		if page == "" {
			continue
		}

		scripts, err := p.scriptsOf(ctx, page)
		if err != nil {
			metrics.FetchErrors.WithLabelValues(names.PageScrape).Inc()
			p.logger.Warn("Skipping page", "url", page, "error", err)
			continue
		}

		p.logger.Debug("Evaluating page scripts", "url", page, "scripts", len(scripts))
		findings = append(findings, p.evaluate(ctx, page, scripts, limit, rules)...)
	}

	metrics.Findings.WithLabelValues(names.PageScrape).Add(float64(len(findings)))
	return findings, nil
}

// scriptsOf returns the resolved external script URLs of an HTML page. The
// parsed document does not outlive this call.
func (p *PageScrapeProcessor) scriptsOf(ctx context.Context, page string) ([]string, error) {
	contentType, err := p.fetcher.ContentType(ctx, page)
	headUnsupported := errors.Is(err, errHeadUnsupported)
	if err != nil && !headUnsupported {
		return nil, err
	}
	if !headUnsupported && !isHTML(contentType) {
		return nil, fmt.Errorf("not an HTML page (%s)", contentType)
	}

	body, header, err := p.fetcher.Get(ctx, page)
	if err != nil {
		return nil, err
	}
	if headUnsupported && !isHTML(mediaType(header.Get("Content-Type"))) {
		return nil, fmt.Errorf("not an HTML page (%s)", header.Get("Content-Type"))
	}

	return ExtractScriptSources(page, body)
}

// ExtractScriptSources lists script[src] references of a page, resolved and
// de-duplicated in document order.
func ExtractScriptSources(page string, body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	seen := make(map[string]struct{})
	scripts := make([]string, 0)
	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		resolved := ResolveScriptURL(page, src)
		if resolved == "" {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		scripts = append(scripts, resolved)
	})
	return scripts, nil
}

func (p *PageScrapeProcessor) evaluate(ctx context.Context, page string, scripts []string, limit int, rules plugins.RuleRunner) []types.Finding {
	return fanOut(ctx, p.logger, limit, scripts, func(ctx context.Context, script string) (types.Finding, bool) {
		raw, header, err := p.fetcher.Get(ctx, script)
		if err != nil {
			metrics.FetchErrors.WithLabelValues(names.PageScrape).Inc()
			p.logger.Debug("Failed to fetch script", "url", script, "error", err)
			return types.Finding{}, false
		}

		metrics.SamplesEvaluated.WithLabelValues(names.PageScrape).Inc()
		fired := rules.RunRules(ctx, types.ContentSample{
			URL:  script,
			Body: decodeLatin1(raw),
			Metadata: map[string]interface{}{
				"url":          script,
				"page_url":     page,
				"content_type": header.Get("Content-Type"),
				"status":       200,
			},
		})
		if len(fired) == 0 {
			return types.Finding{}, false
		}

		p.logger.Info("Rule fired", "url", script, "rules", fired, "page", page)
		return types.Finding{
			ScriptURL:    script,
			ContentHash:  utils.ComputeHash(raw),
			FiredRules:   fired,
			SubmittedURL: page,
		}, true
	})
}
