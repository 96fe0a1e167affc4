package state

import (
	"context"
	"fmt"
	"log/slog"

	"skimmerwatch/internal/components"
	"skimmerwatch/internal/config"
	"skimmerwatch/internal/core"
	"skimmerwatch/internal/queue"
)

// State is everything one process assembled from its configuration.
type State struct {
	Config       *config.Config
	Registry     *components.Registry
	Queue        queue.Adapter
	Orchestrator *core.Orchestrator
	Producers    []*core.Producer
	Bot          *core.Bot
	Logger       *slog.Logger
}

// Run posts the producer banner, if any producer is configured, and runs the
// bot until ctx is cancelled.
func (s *State) Run(ctx context.Context) error {
	if len(s.Producers) > 0 {
		text := fmt.Sprintf("%s producer online with %d input(s)", s.Config.App.Name, len(s.Producers))
		if err := core.PostBanner(ctx, s.Queue, text, s.Config.Queue.Chat.BannerMarker); err != nil {
			s.Logger.Warn("Startup banner not posted", "error", err)
		}
	}
	return s.Bot.Run(ctx)
}

// Close releases every initialized component.
func (s *State) Close(ctx context.Context) error {
	return s.Registry.CloseAll(ctx)
}
