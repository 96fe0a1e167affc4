package loader

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"skimmerwatch/internal/components"
	"skimmerwatch/internal/config"
	"skimmerwatch/internal/core"
	"skimmerwatch/internal/outputs"
	"skimmerwatch/internal/processors/names"
	"skimmerwatch/internal/queue"
	"skimmerwatch/internal/sources"
	"skimmerwatch/internal/state"
)

type Loader struct {
	config *config.Config
	logger *slog.Logger
}

func NewLoader(cfg *config.Config, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		config: cfg,
		logger: logger,
	}
}

func (l *Loader) consumes() bool {
	return l.config.App.Mode != config.ModeProducer
}

func (l *Loader) produces() bool {
	return l.config.App.Mode != config.ModeConsumer
}

// Initialize brings up the components the configured mode needs and wires
// the consumer, producers and HTTP server into a bot. On error every
// component already initialized is closed.
func (l *Loader) Initialize(ctx context.Context) (*state.State, error) {
	registry := components.NewRegistry(l.logger)
	l.logger.Info("Initializing all components", "mode", l.config.App.Mode)

	platformComp := components.NewPlatformComponent(l.config.Platforms, l.logger)
	if err := registry.Register(platformComp); err != nil {
		return nil, fmt.Errorf("failed to register platform component: %w", err)
	}

	queueComp := components.NewQueueComponent(l.config.Queue, platformComp, l.logger)
	if err := registry.Register(queueComp); err != nil {
		return nil, fmt.Errorf("failed to register queue component: %w", err)
	}

	var pluginComp *components.PluginComponent
	if l.consumes() {
		pluginComp = components.NewPluginComponent(l.config, platformComp, l.logger)
		if err := registry.Register(pluginComp); err != nil {
			return nil, fmt.Errorf("failed to register plugin component: %w", err)
		}
	}

	serverComp := components.NewServerComponent(l.config, pluginComp, l.logger)
	if err := registry.Register(serverComp); err != nil {
		return nil, fmt.Errorf("failed to register server component: %w", err)
	}

	if err := l.initializeAll(ctx, registry); err != nil {
		return nil, err
	}

	st := &state.State{
		Config:   l.config,
		Registry: registry,
		Queue:    queueComp.Adapter(),
		Logger:   l.logger,
	}

	if err := l.buildServices(st, pluginComp, serverComp); err != nil {
		registry.CloseAll(context.Background())
		return nil, err
	}

	return st, nil
}

// InitializeOneShot brings up only what handling a single payload needs: no
// queue, producers or server. The returned state has no bot.
func (l *Loader) InitializeOneShot(ctx context.Context) (*state.State, error) {
	registry := components.NewRegistry(l.logger)

	platformComp := components.NewPlatformComponent(l.config.Platforms, l.logger)
	if err := registry.Register(platformComp); err != nil {
		return nil, fmt.Errorf("failed to register platform component: %w", err)
	}

	pluginComp := components.NewPluginComponent(l.config, platformComp, l.logger)
	if err := registry.Register(pluginComp); err != nil {
		return nil, fmt.Errorf("failed to register plugin component: %w", err)
	}

	if err := l.initializeAll(ctx, registry); err != nil {
		return nil, err
	}

	return &state.State{
		Config:       l.config,
		Registry:     registry,
		Orchestrator: l.buildOrchestrator(nil, pluginComp),
		Logger:       l.logger,
	}, nil
}

func (l *Loader) initializeAll(ctx context.Context, registry *components.Registry) error {
	if err := registry.InitializeAll(ctx); err != nil {
		registry.CloseAll(context.Background())
		return fmt.Errorf("component initialization failed: %w", err)
	}
	l.logger.Info("All components initialized successfully", "order", registry.Order())
	return nil
}

func (l *Loader) buildServices(st *state.State, pluginComp *components.PluginComponent, serverComp *components.ServerComponent) error {
	sup := l.config.Supervisor
	st.Bot = core.NewBot(core.BotConfig{
		Name:             l.config.App.Name,
		FailureThreshold: sup.FailureThreshold,
		FailureDecay:     sup.FailureDecay,
		FailureBackoff:   config.Duration(sup.FailureBackoff, 15*time.Second),
		ShutdownTimeout:  config.Duration(sup.ShutdownTimeout, 10*time.Second),
		Logger:           l.logger,
	})

	if pluginComp != nil {
		st.Orchestrator = l.buildOrchestrator(st.Queue, pluginComp)
		st.Bot.Add(st.Orchestrator)
	}

	if l.produces() {
		producers, err := l.buildProducers(st.Queue)
		if err != nil {
			return err
		}
		for _, p := range producers {
			st.Bot.Add(p)
		}
		st.Producers = producers
	}

	if srv := serverComp.Server(); srv != nil {
		st.Bot.Add(srv)
	}

	return nil
}

func (l *Loader) buildOrchestrator(q queue.Adapter, pluginComp *components.PluginComponent) *core.Orchestrator {
	registry := pluginComp.Registry()
	qc := l.config.Queue

	return core.NewOrchestrator(core.OrchestratorConfig{
		Queue:      q,
		Processors: registry,
		Reporter:   outputs.NewDispatcher(registry, l.config.Outputs, l.logger),
		Settings:   l.config.Processors,
		RateLimit:  config.Duration(qc.RateLimit, time.Minute),
		Backoff:    config.Duration(qc.Backoff, time.Second),
		MaxBackoff: config.Duration(qc.MaxBackoff, 2*time.Minute),
		Logger:     l.logger,
	})
}

func (l *Loader) buildProducers(q queue.Adapter) ([]*core.Producer, error) {
	inputNames := make([]string, 0, len(l.config.Inputs))
	for name, input := range l.config.Inputs {
		if input.Enabled {
			inputNames = append(inputNames, name)
		}
	}
	sort.Strings(inputNames)

	producers := make([]*core.Producer, 0, len(inputNames))
	for _, name := range inputNames {
		inputCfg := l.config.Inputs[name]

		input, err := l.createInput(name, inputCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create input %s: %w", name, err)
		}

		producers = append(producers, core.NewProducer(core.ProducerConfig{
			Input:      input,
			Queue:      q,
			Schedule:   inputCfg.Schedule,
			NumWorkers: inputCfg.NumWorkers,
			Logger:     l.logger,
		}))
	}
	return producers, nil
}

func (l *Loader) createInput(name string, cfg config.InputConfig) (core.Input, error) {
	s := cfg.Settings

	switch cfg.Type {
	case config.InputURLScan:
		processor := cfg.Processor
		if processor == "" {
			processor = names.ScanReport
		}

		// The scan service credentials default to the report processor's.
		shared := l.config.Processors[names.ScanReport]
		client := sources.NewURLScanClient(sources.URLScanConfig{
			BaseURL:           config.GetString(s, "base_url", config.GetString(shared, "base_url", "")),
			APIKey:            config.GetString(s, "api_key", config.GetString(shared, "api_key", "")),
			Timeout:           config.GetDuration(s, "timeout", 10*time.Second),
			RequestsPerMinute: config.GetInt(s, "requests_per_minute", 0),
			Logger:            l.logger,
		})
		return sources.NewURLScanInput(name, client, config.GetString(s, "query", ""), config.GetInt(s, "size", 0), processor), nil

	case config.InputFeed:
		processor := cfg.Processor
		if processor == "" {
			processor = names.PageScrape
		}

		feedURLs := config.GetStringSlice(s, "feed_urls")
		if feedURL := config.GetString(s, "feed_url", ""); feedURL != "" {
			feedURLs = append([]string{feedURL}, feedURLs...)
		}
		input, err := sources.NewFeedInput(sources.FeedInputConfig{
			Name:      name,
			Processor: processor,
			FeedURLs:  feedURLs,
			OPML:      config.GetString(s, "opml", ""),
			MaxItems:  config.GetInt(s, "max_items", 0),
			Timeout:   config.GetDuration(s, "timeout", 10*time.Second),
			Logger:    l.logger,
		})
		if err != nil {
			return nil, err
		}
		return input, nil

	default:
		return nil, fmt.Errorf("unsupported input type: %s", cfg.Type)
	}
}
