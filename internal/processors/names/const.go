package names

const (
	ScanReport = "ScanReportProcessor"
	PageScrape = "PageScrapeProcessor"

	// Names older producers tag work items with.
	LegacyScanReport = "urlscan_processor"
	LegacyPageScrape = "domain_processor"
)

const (
	ChatOutput    = "chat"
	WebhookOutput = "webhook"
	FeedOutput    = "feed"
)

const DefaultConcurrency = 50
