package components

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"time"

	"skimmerwatch/internal/config"
	"skimmerwatch/internal/outputs"
	"skimmerwatch/internal/plugins"
	"skimmerwatch/internal/processors"
	"skimmerwatch/internal/processors/names"
	"skimmerwatch/internal/sources"
	"skimmerwatch/internal/types"
)

// PluginComponent owns the plugin registry: builtin processors and outputs
// plus whatever Lua units the plugin directories hold.
type PluginComponent struct {
	config    *config.Config
	platforms *PlatformComponent
	registry  *plugins.Registry
	engine    *plugins.RuleEngine
	feed      *outputs.FeedOutput
	logger    *slog.Logger
}

func NewPluginComponent(cfg *config.Config, platforms *PlatformComponent, logger *slog.Logger) *PluginComponent {
	return &PluginComponent{
		config:    cfg,
		platforms: platforms,
		logger:    logger,
	}
}

func (c *PluginComponent) Name() string {
	return PluginComponentName
}

func (c *PluginComponent) Dependencies() []string {
	return []string{PlatformComponentName}
}

func (c *PluginComponent) Validate() error {
	if c.config.Plugins.RuleDir == "" {
		return types.Configurationf("plugins.rule_dir is required")
	}
	return nil
}

func (c *PluginComponent) Initialize(ctx context.Context) error {
	c.registry = plugins.NewRegistry(c.logger)

	if err := c.registerBuiltins(); err != nil {
		return err
	}

	opts := plugins.LoadOptions{Unsafe: c.config.Plugins.Unsafe}

	if _, err := c.registry.Load(ctx, c.config.Plugins.RuleDir, plugins.KindRule, opts); err != nil {
		return types.Configurationf("loading rules: %v", err)
	}

	optional := map[plugins.Kind]string{
		plugins.KindProcessor: c.config.Plugins.ProcessorDir,
		plugins.KindOutput:    c.config.Plugins.OutputDir,
	}
	for kind, dir := range optional {
		if dir == "" {
			continue
		}
		if _, err := c.registry.Load(ctx, dir, kind, opts); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			c.logger.Warn("Plugin directory missing", "kind", kind, "dir", dir)
		}
	}

	ttl := config.Duration(c.config.Plugins.RuleCacheTTL, 10*time.Minute)
	c.engine = plugins.NewRuleEngine(c.registry, ttl, c.logger)
	c.registry.SetRuleEngine(c.engine)

	for _, out := range c.config.Outputs {
		if out.IsEnabled() && !c.registry.Has(plugins.KindOutput, out.Name) {
			c.logger.Warn("Configured output has no plugin", "output", out.Name)
		}
	}

	c.logger.Info("Plugins ready",
		"rules", len(c.registry.Names(plugins.KindRule)),
		"processors", len(c.registry.Names(plugins.KindProcessor)),
		"outputs", len(c.registry.Names(plugins.KindOutput)))
	return nil
}

func (c *PluginComponent) registerBuiltins() error {
	scanSettings := c.config.Processors[names.ScanReport]
	client := sources.NewURLScanClient(sources.URLScanConfig{
		BaseURL:           config.GetString(scanSettings, "base_url", ""),
		APIKey:            config.GetString(scanSettings, "api_key", ""),
		Timeout:           config.GetDuration(scanSettings, "timeout", 10*time.Second),
		RequestsPerMinute: config.GetInt(scanSettings, "requests_per_minute", 0),
		Logger:            c.logger,
	})
	scanReport := processors.NewScanReportProcessor(client, config.GetInt(scanSettings, "concurrency", names.DefaultConcurrency), c.logger)
	if err := c.registry.RegisterProcessor(scanReport); err != nil {
		return err
	}

	scrapeSettings := c.config.Processors[names.PageScrape]
	fetcher := processors.NewFetcher(config.GetDuration(scrapeSettings, "timeout", 10*time.Second))
	pageScrape := processors.NewPageScrapeProcessor(fetcher, config.GetInt(scrapeSettings, "concurrency", names.DefaultConcurrency), c.logger)
	if err := c.registry.RegisterProcessor(pageScrape); err != nil {
		return err
	}

	c.registry.Alias(names.LegacyScanReport, names.ScanReport)
	c.registry.Alias(names.LegacyPageScrape, names.PageScrape)

	if err := c.registry.RegisterOutput(outputs.NewWebhookOutput(10*time.Second, c.logger)); err != nil {
		return err
	}

	if discord := c.platforms.Discord(); discord != nil {
		chat := outputs.NewChatOutput(discord, c.config.Queue.Chat.ChannelID)
		if err := c.registry.RegisterOutput(chat); err != nil {
			return err
		}
	}

	for _, out := range c.config.Outputs {
		if out.Name != names.FeedOutput || !out.IsEnabled() {
			continue
		}
		c.feed = outputs.NewFeedOutput(outputs.FeedConfig{
			Title:    config.GetString(out.Settings, "title", ""),
			Link:     config.GetString(out.Settings, "link", ""),
			FeedSize: config.GetInt(out.Settings, "feed_size", 0),
			MaxItems: config.GetInt(out.Settings, "max_items", 0),
			Logger:   c.logger,
		})
		if err := c.registry.RegisterOutput(c.feed); err != nil {
			return err
		}
		break
	}

	return nil
}

func (c *PluginComponent) Close(ctx context.Context) error {
	var errs []error
	if c.engine != nil {
		errs = append(errs, c.engine.Close())
	}
	if c.registry != nil {
		errs = append(errs, c.registry.Close())
	}
	return errors.Join(errs...)
}

func (c *PluginComponent) Registry() *plugins.Registry {
	return c.registry
}

// Feed is the feed output, or nil when none is configured.
func (c *PluginComponent) Feed() *outputs.FeedOutput {
	return c.feed
}
