package outputs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"skimmerwatch/internal/config"
	"skimmerwatch/internal/processors/names"
	"skimmerwatch/internal/types"
)

var defaultWebhookFields = []string{"url", "hash", "fired_rules", "submitted_url", "report_url"}

// WebhookOutput sends one request per finding set with a flat record per
// finding. Failed deliveries are reported to the caller but never retried.
type WebhookOutput struct {
	client *http.Client
	logger *slog.Logger
}

func NewWebhookOutput(timeout time.Duration, logger *slog.Logger) *WebhookOutput {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookOutput{
		client: &http.Client{Timeout: timeout},
		logger: logger.With("output", names.WebhookOutput),
	}
}

func (o *WebhookOutput) Name() string {
	return names.WebhookOutput
}

func (o *WebhookOutput) Emit(ctx context.Context, findings []types.Finding, settings map[string]interface{}) error {
	url := config.GetString(settings, "url", "")
	if url == "" {
		return fmt.Errorf("webhook output: url is required")
	}
	method := strings.ToUpper(config.GetString(settings, "method", http.MethodPost))
	fields := config.GetStringSlice(settings, "fields")
	if len(fields) == 0 {
		fields = defaultWebhookFields
	}

	records, err := FlattenFindings(findings, fields)
	if err != nil {
		return fmt.Errorf("webhook output: %w", err)
	}

	body, err := json.Marshal(map[string]interface{}{"results": records})
	if err != nil {
		return fmt.Errorf("webhook output: failed to encode body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook output: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range config.GetStringMap(settings, "headers") {
		req.Header.Set(key, value)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook output: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook output: %s %s returned %s: %s", method, url, resp.Status, strings.TrimSpace(string(snippet)))
	}

	o.logger.Info("Webhook delivered", "url", url, "records", len(records), "status", resp.StatusCode)
	return nil
}

// FlattenFindings builds one flat record per finding holding the requested
// fields. Fields are looked up at any depth; a finding without a field gets
// an empty string for it.
func FlattenFindings(findings []types.Finding, fields []string) ([]map[string]interface{}, error) {
	records := make([]map[string]interface{}, 0, len(findings))
	for _, f := range findings {
		var generic interface{}
		raw, err := json.Marshal(f)
		if err != nil {
			return nil, fmt.Errorf("failed to encode finding: %w", err)
		}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, fmt.Errorf("failed to decode finding: %w", err)
		}

		record := make(map[string]interface{}, len(fields))
		for _, field := range fields {
			if value, ok := findField(generic, field); ok {
				record[field] = value
			} else {
				record[field] = ""
			}
		}
		records = append(records, record)
	}
	return records, nil
}

// findField does a depth-first search with keys visited in sorted order, so
// the first match is stable.
func findField(node interface{}, field string) (interface{}, bool) {
	switch v := node.(type) {
	case map[string]interface{}:
		if value, ok := v[field]; ok {
			return value, true
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if value, ok := findField(v[k], field); ok {
				return value, true
			}
		}
	case []interface{}:
		for _, item := range v {
			if value, ok := findField(item, field); ok {
				return value, true
			}
		}
	}
	return nil, false
}
