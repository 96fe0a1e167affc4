package types

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"skimmerwatch/internal/utils"
)

// LegacyBatchHeader prefixes work items posted by older producers as plain
// newline separated reference lists.
const LegacyBatchHeader = "New batch incoming:"

// LegacyProcessor is the processor legacy batches are routed to.
const LegacyProcessor = "ScanReportProcessor"

// Envelope is the wire format of one unit of work on the queue.
type Envelope struct {
	Processor string          `json:"processor"`
	Data      json.RawMessage `json:"data"`
}

func NewEnvelope(processor string, data interface{}) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", processor, err)
	}
	return Envelope{Processor: processor, Data: raw}, nil
}

func (e Envelope) Encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope: %w", err)
	}
	return string(b), nil
}

// HasEnvelope reports whether a queued payload looks like a work item. It is
// a shape check only; DecodeEnvelope does the real parsing.
func HasEnvelope(payload string) bool {
	trimmed := strings.TrimSpace(payload)
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, LegacyBatchHeader)
}

func DecodeEnvelope(payload string) (Envelope, error) {
	trimmed := strings.TrimSpace(payload)

	if strings.HasPrefix(trimmed, LegacyBatchHeader) {
		refs := make([]string, 0)
		for _, line := range strings.Split(strings.TrimPrefix(trimmed, LegacyBatchHeader), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				refs = append(refs, line)
			}
		}
		if len(refs) == 0 {
			return Envelope{}, fmt.Errorf("%w: empty legacy batch", ErrMalformedItem)
		}
		return NewEnvelope(LegacyProcessor, refs)
	}

	var env Envelope
	dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedItem, err)
	}
	if env.Processor == "" {
		return Envelope{}, fmt.Errorf("%w: missing processor", ErrMalformedItem)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return Envelope{}, fmt.Errorf("%w: missing data", ErrMalformedItem)
	}
	return env, nil
}

// Finding is a script that at least one rule fired on.
type Finding struct {
	ScriptURL     string   `json:"url"`
	ContentHash   string   `json:"hash"`
	FiredRules    []string `json:"fired_rules"`
	SubmittedURL  string   `json:"submitted_url,omitempty"`
	ScanReportURL string   `json:"report_url,omitempty"`
}

func (f Finding) Valid() bool {
	return len(f.FiredRules) > 0
}

// ContentSample is one fetched script plus the metadata rules may inspect.
type ContentSample struct {
	URL      string
	Body     []byte
	Metadata map[string]interface{}
}

func (s ContentSample) Hash() string {
	return utils.ComputeHash(s.Body)
}

func (s ContentSample) Text() string {
	return string(s.Body)
}

// SearchHit is one result of a producer input, newest first in any slice
// returned by an input.
type SearchHit struct {
	Ref  string
	Time time.Time
}
