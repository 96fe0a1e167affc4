package processors

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"skimmerwatch/internal/config"
	"skimmerwatch/internal/metrics"
	"skimmerwatch/internal/plugins"
	"skimmerwatch/internal/processors/names"
	"skimmerwatch/internal/sources"
	"skimmerwatch/internal/types"
)

// ScanReportClient is the part of the scan service the processor needs.
type ScanReportClient interface {
	Report(ctx context.Context, ref string) (*sources.Report, error)
	ResponseBody(ctx context.Context, hash string) ([]byte, error)
}

// ScanReportProcessor evaluates every script captured in a batch of scan
// reports.
type ScanReportProcessor struct {
	client      ScanReportClient
	concurrency int
	logger      *slog.Logger
}

func NewScanReportProcessor(client ScanReportClient, concurrency int, logger *slog.Logger) *ScanReportProcessor {
	if concurrency <= 0 {
		concurrency = names.DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ScanReportProcessor{
		client:      client,
		concurrency: concurrency,
		logger:      logger.With("processor", names.ScanReport),
	}
}

func (p *ScanReportProcessor) Name() string {
	return names.ScanReport
}

type captureJob struct {
	capture      sources.Captured
	submittedURL string
	reportURL    string
}

func (p *ScanReportProcessor) Process(ctx context.Context, data json.RawMessage, settings map[string]interface{}, rules plugins.RuleRunner) ([]types.Finding, error) {
	var refs []string
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, fmt.Errorf("%w: scan report batch: %v", types.ErrMalformedItem, err)
	}

	start := time.Now()
	defer func() {
		metrics.ProcessDuration.WithLabelValues(names.ScanReport).Observe(time.Since(start).Seconds())
	}()

	limit := config.GetInt(settings, "concurrency", p.concurrency)
	mimeTypes := config.GetStringSlice(settings, "mime_types")

	batches := fanOut(ctx, p.logger, limit, refs, func(ctx context.Context, ref string) ([]captureJob, bool) {
		report, err := p.client.Report(ctx, ref)
		if err == nil && (report == nil || report.Task == nil) {
			err = types.ErrMalformedReport
		}
		if err != nil {
			metrics.FetchErrors.WithLabelValues(names.ScanReport).Inc()
			p.logger.Warn("Skipping scan report", "ref", ref, "error", err)
			return nil, false
		}

		jobs := make([]captureJob, 0)
		for _, c := range report.Captures() {
			if !matchesMimeType(c.MimeType, mimeTypes) {
				continue
			}
			jobs = append(jobs, captureJob{
				capture:      c,
				submittedURL: report.Task.URL,
				reportURL:    report.Task.ReportURL,
			})
		}
		return jobs, true
	})

	jobs := make([]captureJob, 0)
	for _, batch := range batches {
		jobs = append(jobs, batch...)
	}

	p.logger.Info("Evaluating captured responses", "reports", len(refs), "responses", len(jobs), "concurrency", limit)

	findings := fanOut(ctx, p.logger, limit, jobs, func(ctx context.Context, job captureJob) (types.Finding, bool) {
		body, err := p.client.ResponseBody(ctx, job.capture.Hash)
		if err != nil {
			metrics.FetchErrors.WithLabelValues(names.ScanReport).Inc()
			p.logger.Debug("Failed to fetch response body", "hash", job.capture.Hash, "error", err)
			return types.Finding{}, false
		}

		metadata := make(map[string]interface{}, len(job.capture.Metadata)+1)
		for k, v := range job.capture.Metadata {
			metadata[k] = v
		}
		if _, ok := metadata["url"]; !ok {
			metadata["url"] = job.capture.URL
		}

		metrics.SamplesEvaluated.WithLabelValues(names.ScanReport).Inc()
		fired := rules.RunRules(ctx, types.ContentSample{
			URL:      job.capture.URL,
			Body:     body,
			Metadata: metadata,
		})
		if len(fired) == 0 {
			return types.Finding{}, false
		}

		p.logger.Info("Rule fired", "url", job.capture.URL, "rules", fired, "submitted_url", job.submittedURL)
		return types.Finding{
			ScriptURL:     job.capture.URL,
			ContentHash:   job.capture.Hash,
			FiredRules:    fired,
			SubmittedURL:  job.submittedURL,
			ScanReportURL: job.reportURL,
		}, true
	})

	metrics.Findings.WithLabelValues(names.ScanReport).Add(float64(len(findings)))
	return findings, nil
}

func matchesMimeType(mimeType string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(mimeType, a) || strings.HasPrefix(strings.ToLower(mimeType), strings.ToLower(a)) {
			return true
		}
	}
	return false
}
