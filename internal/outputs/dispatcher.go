// Package outputs delivers findings to the places operators watch.
package outputs

import (
	"context"
	"log/slog"

	"skimmerwatch/internal/config"
	"skimmerwatch/internal/metrics"
	"skimmerwatch/internal/plugins"
	"skimmerwatch/internal/types"
)

// Dispatcher fans one finding set out to every configured output entry.
type Dispatcher struct {
	registry *plugins.Registry
	entries  []config.OutputConfig
	logger   *slog.Logger
}

func NewDispatcher(registry *plugins.Registry, entries []config.OutputConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		entries:  entries,
		logger:   logger.With("component", "dispatcher"),
	}
}

// Report runs every enabled output in configuration order. A failing output
// never stops the ones after it.
func (d *Dispatcher) Report(ctx context.Context, findings []types.Finding) {
	if len(findings) == 0 {
		return
	}

	for _, entry := range d.entries {
		if !entry.IsEnabled() {
			continue
		}

		if err := d.registry.RunOutput(ctx, entry.Name, findings, entry.Settings); err != nil {
			metrics.OutputsSent.WithLabelValues(entry.Name, "error").Inc()
			continue
		}

		metrics.OutputsSent.WithLabelValues(entry.Name, "ok").Inc()
		d.logger.Debug("Findings delivered", "output", entry.Name, "findings", len(findings))
	}
}
