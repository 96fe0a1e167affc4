package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skimmerwatch/internal/types"
)

func TestURLScanSearch(t *testing.T) {
	var gotQuery, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		gotKey = r.Header.Get("API-Key")
		fmt.Fprint(w, `{"results":[
			{"_id":"b","result":"https://urlscan.io/api/v1/result/b/","task":{"time":"2024-05-01T10:00:02.000Z","url":"https://shop.b"}},
			{"_id":"a","result":"","task":{"time":"2024-05-01T10:00:01.000Z","url":"https://shop.a"}}
		]}`)
	}))
	defer srv.Close()

	client := NewURLScanClient(URLScanConfig{BaseURL: srv.URL, APIKey: "secret"})
	input := NewURLScanInput("urlscan", client, "domain:shop", 0, "ScanReportProcessor")

	since := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	hits, err := input.Poll(context.Background(), since)
	require.NoError(t, err)

	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, `(domain:shop) AND date:>2024-05-01T09\:00\:00.000Z`, gotQuery)
	require.Len(t, hits, 2)
	assert.Equal(t, "https://urlscan.io/api/v1/result/b/", hits[0].Ref)
	assert.Equal(t, "a", hits[1].Ref)
	assert.True(t, hits[0].Time.After(hits[1].Time))
	assert.Equal(t, "ScanReportProcessor", input.Processor())
}

func TestURLScanReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/result/good/":
			fmt.Fprint(w, `{"task":{"url":"https://shop","reportURL":"https://urlscan.io/result/good/"},
				"data":{"requests":[
					{"response":{"hash":"h1","response":{"url":"https://shop/app.js","mimeType":"application/javascript"}}},
					{"response":{"response":{"url":"https://shop/nohash"}}},
					{}
				]}}`)
		case "/api/v1/result/partial/":
			fmt.Fprint(w, `{"task":{"url":"https://shop"}}`)
		case "/api/v1/result/busy/":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/responses/h1/":
			fmt.Fprint(w, "console.log(1)")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewURLScanClient(URLScanConfig{BaseURL: srv.URL})

	report, err := client.Report(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "https://urlscan.io/result/good/", report.Task.ReportURL)

	captures := report.Captures()
	require.Len(t, captures, 1)
	assert.Equal(t, "h1", captures[0].Hash)
	assert.Equal(t, "https://shop/app.js", captures[0].URL)
	assert.Equal(t, "application/javascript", captures[0].MimeType)

	_, err = client.Report(context.Background(), "partial")
	assert.ErrorIs(t, err, types.ErrMalformedReport)

	_, err = client.Report(context.Background(), "busy")
	assert.ErrorIs(t, err, types.ErrThrottled)

	body, err := client.ResponseBody(context.Background(), "h1")
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", string(body))

	_, err = client.ResponseBody(context.Background(), "missing")
	assert.Error(t, err)
}

func TestReportURL(t *testing.T) {
	client := NewURLScanClient(URLScanConfig{BaseURL: "https://scan.local/"})
	assert.Equal(t, "https://scan.local/api/v1/result/abc/", client.ReportURL("abc"))
	assert.Equal(t, "https://x/api/v1/result/abc/", client.ReportURL("<https://x/api/v1/result/abc/|report>"))
}

func TestFeedInputOrdersNewestFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, `<?xml version="1.0"?>
<rss version="2.0"><channel><title>suspects</title>
<item><title>old</title><link>http://old.example/</link><pubDate>Mon, 01 Jan 2024 10:00:00 GMT</pubDate></item>
<item><title>new</title><link>http://new.example/</link><pubDate>Tue, 02 Jan 2024 10:00:00 GMT</pubDate></item>
<item><title>nolink</title><pubDate>Wed, 03 Jan 2024 10:00:00 GMT</pubDate></item>
</channel></rss>`)
	}))
	defer srv.Close()

	input, err := NewFeedInput(FeedInputConfig{Name: "suspects", Processor: "PageScrapeProcessor", FeedURLs: []string{srv.URL}, Timeout: time.Second})
	require.NoError(t, err)
	hits, err := input.Poll(context.Background(), time.Time{})
	require.NoError(t, err)

	require.Len(t, hits, 2)
	assert.Equal(t, "http://new.example/", hits[0].Ref)
	assert.Equal(t, "http://old.example/", hits[1].Ref)
	assert.Equal(t, "PageScrapeProcessor", input.Processor())
}

func feedServer(t *testing.T, bodies map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := bodies[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFeedInputMergesOPMLFeeds(t *testing.T) {
	srv := feedServer(t, map[string]string{
		"/a.xml": `<?xml version="1.0"?><rss version="2.0"><channel><title>a</title>
<item><title>x</title><link>http://shared.example/</link><pubDate>Mon, 01 Jan 2024 10:00:00 GMT</pubDate></item>
<item><title>y</title><link>http://a.example/</link><pubDate>Mon, 01 Jan 2024 11:00:00 GMT</pubDate></item>
</channel></rss>`,
		"/b.xml": `<?xml version="1.0"?><rss version="2.0"><channel><title>b</title>
<item><title>x</title><link>http://shared.example/</link><pubDate>Mon, 01 Jan 2024 12:00:00 GMT</pubDate></item>
</channel></rss>`,
	})

	opml := filepath.Join(t.TempDir(), "subs.opml")
	require.NoError(t, os.WriteFile(opml, []byte(fmt.Sprintf(`<?xml version="1.0"?>
<opml version="2.0"><body>
<outline text="group">
  <outline text="b" type="rss" xmlUrl="%s/b.xml"/>
  <outline text="gone" type="rss" xmlUrl="%s/missing.xml"/>
</outline>
</body></opml>`, srv.URL, srv.URL)), 0o600))

	input, err := NewFeedInput(FeedInputConfig{Name: "suspects", FeedURLs: []string{srv.URL + "/a.xml"}, OPML: opml})
	require.NoError(t, err)

	hits, err := input.Poll(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "http://shared.example/", hits[0].Ref)
	assert.Equal(t, 12, hits[0].Time.Hour())
	assert.Equal(t, "http://a.example/", hits[1].Ref)
}

func TestFeedInputFailsWhenEveryFeedFails(t *testing.T) {
	srv := feedServer(t, nil)

	input, err := NewFeedInput(FeedInputConfig{Name: "suspects", FeedURLs: []string{srv.URL + "/nope.xml"}})
	require.NoError(t, err)

	_, err = input.Poll(context.Background(), time.Time{})
	assert.Error(t, err)

	_, err = NewFeedInput(FeedInputConfig{Name: "empty"})
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestParseOPML(t *testing.T) {
	urls, err := ParseOPML([]byte(`<opml><body>
<outline xmlUrl="http://one/feed"/>
<outline text="nested"><outline xmlUrl="http://two/feed"/><outline xmlUrl="http://one/feed"/></outline>
</body></opml>`))
	require.NoError(t, err)
	assert.Equal(t, []string{"http://one/feed", "http://two/feed"}, urls)

	_, err = ParseOPML([]byte("not xml <"))
	assert.Error(t, err)
}
