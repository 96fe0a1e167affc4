package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skimmerwatch/internal/outputs"
	"skimmerwatch/internal/types"
)

func TestServerRoutes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	feed := outputs.NewFeedOutput(outputs.FeedConfig{Logger: logger})
	defer feed.Close()
	require.NoError(t, feed.Emit(context.Background(), []types.Finding{
		{ScriptURL: "https://shop.example/skim.js", ContentHash: "h", FiredRules: []string{"exfil"}},
	}, nil))

	srv := httptest.NewServer(New(Config{Name: "test", Logger: logger}, feed).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	var health map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "test", health["name"])

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")

	resp, err = http.Get(srv.URL + "/feed/atom")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "skim.js")
}

func TestServerWithoutFeed(t *testing.T) {
	srv := httptest.NewServer(New(Config{}, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/feed/rss")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerServeStops(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
}
