package processors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"
)

const defaultMaxBody = 8 << 20

var errHeadUnsupported = errors.New("HEAD not supported")

// Fetcher issues the outbound requests of the page scraper. Every request is
// bounded by the client timeout.
type Fetcher struct {
	client  *http.Client
	maxBody int64
}

func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Fetcher{
		client:  &http.Client{Timeout: timeout},
		maxBody: defaultMaxBody,
	}
}

func (f *Fetcher) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:146.0) Gecko/20100101 Firefox/146.0")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	return req, nil
}

// ContentType asks for headers only and returns the media type.
func (f *Fetcher) ContentType(ctx context.Context, url string) (string, error) {
	req, err := f.newRequest(ctx, http.MethodHead, url)
	if err != nil {
		return "", err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("HEAD %s failed: %w", url, err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented:
		return "", errHeadUnsupported
	case resp.StatusCode >= 400:
		return "", fmt.Errorf("HEAD %s returned %s", url, resp.Status)
	}

	return mediaType(resp.Header.Get("Content-Type")), nil
}

func (f *Fetcher) Get(ctx context.Context, url string) ([]byte, http.Header, error) {
	req, err := f.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("GET %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("GET %s returned %s", url, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", url, err)
	}
	return body, resp.Header, nil
}

func mediaType(header string) string {
	if header == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(header, ";")[0]))
	}
	return mt
}

func isHTML(contentType string) bool {
	return strings.Contains(contentType, "text/html")
}

// decodeLatin1 reads script bytes as ISO-8859-1, which never fails and keeps
// every byte visible to rules.
func decodeLatin1(body []byte) []byte {
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(body)
	if err != nil {
		return body
	}
	return decoded
}
