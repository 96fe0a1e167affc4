package sources

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"skimmerwatch/internal/types"
)

const (
	DefaultURLScanBase = "https://urlscan.io"
	urlscanTimeFormat  = "2006-01-02T15:04:05.000Z"
)

type URLScanConfig struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerMinute int
	Logger            *slog.Logger
}

// URLScanClient talks to the scan service: searching for recent scans,
// fetching full reports and fetching captured response bodies by hash.
type URLScanClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

type SearchResult struct {
	ID     string `json:"_id"`
	Result string `json:"result"`
	Task   struct {
		Time time.Time `json:"time"`
		URL  string    `json:"url"`
	} `json:"task"`
}

type searchResponse struct {
	Results []SearchResult `json:"results"`
	HasMore bool           `json:"has_more"`
}

// Report is the subset of a scan report the processors read.
type Report struct {
	Task *struct {
		URL       string `json:"url"`
		ReportURL string `json:"reportURL"`
	} `json:"task"`
	Data *struct {
		Requests []ReportRequest `json:"requests"`
	} `json:"data"`
}

type ReportRequest struct {
	Response map[string]interface{} `json:"response"`
}

// Captured is one response recorded during a scan.
type Captured struct {
	Hash     string
	URL      string
	MimeType string
	Metadata map[string]interface{}
}

func NewURLScanClient(cfg URLScanConfig) *URLScanClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultURLScanBase
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), cfg.RequestsPerMinute)
	}

	return &URLScanClient{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		logger:     cfg.Logger,
	}
}

// Search returns scans matching query that are newer than since, newest
// first. A zero since searches without a date bound.
func (c *URLScanClient) Search(ctx context.Context, query string, since time.Time, size int) ([]SearchResult, error) {
	if query == "" {
		query = "*"
	}
	q := query
	if !since.IsZero() {
		stamp := strings.ReplaceAll(since.UTC().Format(urlscanTimeFormat), ":", `\:`)
		q = fmt.Sprintf("(%s) AND date:>%s", query, stamp)
	}

	params := url.Values{}
	params.Set("q", q)
	params.Set("size", strconv.Itoa(size))
	params.Set("sort", "date")

	body, err := c.get(ctx, c.baseURL+"/api/v1/search/?"+params.Encode(), true)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	c.logger.Debug("URLScan search", "query", q, "results", len(resp.Results))
	return resp.Results, nil
}

// ReportURL expands a bare scan id into the report API URL. Full URLs and
// chat-formatted links are passed through after stripping decoration.
func (c *URLScanClient) ReportURL(ref string) string {
	ref = strings.Trim(strings.TrimSpace(ref), "<>")
	if i := strings.Index(ref, "|"); i >= 0 {
		ref = ref[:i]
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	return fmt.Sprintf("%s/api/v1/result/%s/", c.baseURL, ref)
}

func (c *URLScanClient) Report(ctx context.Context, ref string) (*Report, error) {
	body, err := c.get(ctx, c.ReportURL(ref), true)
	if err != nil {
		return nil, err
	}

	var report Report
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMalformedReport, err)
	}
	if report.Task == nil || report.Data == nil {
		return nil, fmt.Errorf("%w: missing task or data section", types.ErrMalformedReport)
	}
	return &report, nil
}

func (c *URLScanClient) ResponseBody(ctx context.Context, hash string) ([]byte, error) {
	return c.get(ctx, fmt.Sprintf("%s/responses/%s/", c.baseURL, url.PathEscape(hash)), false)
}

func (c *URLScanClient) get(ctx context.Context, target string, authenticated bool) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authenticated && c.apiKey != "" {
		req.Header.Set("API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: %s returned %s", types.ErrThrottled, target, resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %s", target, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}

// Captures flattens the report's network log into the responses that carry a
// content hash.
func (r *Report) Captures() []Captured {
	if r == nil || r.Data == nil {
		return nil
	}

	captures := make([]Captured, 0, len(r.Data.Requests))
	for _, req := range r.Data.Requests {
		if req.Response == nil {
			continue
		}
		hash, _ := req.Response["hash"].(string)
		if hash == "" {
			continue
		}

		captured := Captured{Hash: hash, Metadata: req.Response}
		if inner, ok := req.Response["response"].(map[string]interface{}); ok {
			captured.URL, _ = inner["url"].(string)
			captured.MimeType, _ = inner["mimeType"].(string)
		}
		captures = append(captures, captured)
	}
	return captures
}

// URLScanInput feeds search results to a producer.
type URLScanInput struct {
	name      string
	client    *URLScanClient
	query     string
	size      int
	processor string
}

func NewURLScanInput(name string, client *URLScanClient, query string, size int, processor string) *URLScanInput {
	if size == 0 {
		size = 10000
	}
	return &URLScanInput{
		name:      name,
		client:    client,
		query:     query,
		size:      size,
		processor: processor,
	}
}

func (i *URLScanInput) Name() string {
	return i.name
}

func (i *URLScanInput) Processor() string {
	return i.processor
}

func (i *URLScanInput) Poll(ctx context.Context, since time.Time) ([]types.SearchHit, error) {
	results, err := i.client.Search(ctx, i.query, since, i.size)
	if err != nil {
		return nil, err
	}

	hits := make([]types.SearchHit, 0, len(results))
	for _, result := range results {
		ref := result.Result
		if ref == "" {
			ref = result.ID
		}
		if ref == "" {
			continue
		}
		hits = append(hits, types.SearchHit{Ref: ref, Time: result.Task.Time})
	}
	return hits, nil
}
